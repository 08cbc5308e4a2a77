package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"goji.io/pat"

	"github.com/espbrew/espbrew/internal/monitor"
)

// upgrader mirrors mos/ui.go's websocket.Upgrader: buffer sizes left at
// a sane default, origin checking disabled because espbrewd is a local
// tool typically reached from a browser UI served from a different
// dev-server port.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteWait = 5 * time.Second

// handleMonitorWS upgrades to a WebSocket and bridges it to a monitor
// session: server->client frames are serial output lines, client->server
// frames are bytes written verbatim to the board's UART (spec.md §4.7's
// bidirectional requirement). The path param is a board_id; if no
// session is open yet, none is started here, this endpoint only attaches
// to a session the orchestrator/CLI already created via board flashing
// or an explicit start — avoiding two independent ways to open a serial
// port from the same handler.
func (s *Server) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	sess, ok := s.Monitor.Get(id)
	if !ok {
		http.Error(w, "no monitor session for "+id, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("httpapi: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	lines, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go s.wsReadLoop(conn, sess, done)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			sess.Touch()
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			var payload string
			if line.Lag != nil {
				payload = "\x00LAG:" + strconv.Itoa(line.Lag.DroppedLines) + "\n"
			} else {
				payload = line.Text
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// wsReadLoop pumps client->server frames (keystrokes typed into the
// monitor) into the session's serial port, closing done when the
// connection goes away.
func (s *Server) wsReadLoop(conn *websocket.Conn, sess *monitor.Session, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()
		if err := sess.Write(data); err != nil {
			glog.V(1).Infof("httpapi: write to session %s failed: %v", sess.ID, err)
			return
		}
	}
}
