package remoteclient

import (
	"context"
	"strings"

	"github.com/cesanta/errors"
	"github.com/gorilla/websocket"
)

// MonitorStream is an open client-side connection to a remote board's
// /ws/monitor/{id} endpoint.
type MonitorStream struct {
	conn *websocket.Conn
}

// Monitor dials the remote server's monitor WebSocket for boardID,
// the client-side counterpart of C8's handleMonitorWS.
func (c *Client) Monitor(ctx context.Context, boardID string) (*MonitorStream, error) {
	wsURL := *c.BaseURL
	wsURL.Scheme = wsSchemeFor(c.BaseURL.Scheme)
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/ws/monitor/" + boardID

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open monitor stream for %s", boardID)
	}
	return &MonitorStream{conn: conn}, nil
}

func wsSchemeFor(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}

// ReadLine blocks for the next line of serial output.
func (m *MonitorStream) ReadLine() (string, error) {
	_, data, err := m.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write sends keystrokes to the remote board's UART.
func (m *MonitorStream) Write(data []byte) error {
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *MonitorStream) Close() error {
	return m.conn.Close()
}
