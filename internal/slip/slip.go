// Package slip implements RFC 1055 SLIP framing over a byte stream, as
// used by the ESP ROM bootloader and stub-loader wire protocol (spec.md
// §6). Grounded on mos/flash/common/slip.go; generalized to support a
// configurable read buffer and to return a distinguishable error on a
// malformed starting byte so callers can tell a non-SLIP reply from a
// genuine I/O failure (ProtocolError vs PortIoError in the taxonomy).
package slip

import (
	"io"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
)

const (
	frameDelimiter       = 0xC0
	escape               = 0xDB
	escapeFrameDelimiter = 0xDC
	escapeEscape         = 0xDD
)

// ReaderWriter frames writes and de-frames reads over an underlying
// io.ReadWriter (typically a serial port).
type ReaderWriter struct {
	rw io.ReadWriter
}

func NewReaderWriter(rw io.ReadWriter) *ReaderWriter {
	return &ReaderWriter{rw: rw}
}

// ErrBadStart is returned when a frame does not begin with the SLIP
// delimiter; this usually means the other end is not a ROM bootloader.
var ErrBadStart = errors.New("invalid SLIP starting byte")

func (srw *ReaderWriter) Read(buf []byte) (int, error) {
	n := 0
	start := true
	esc := false
	for {
		b := [1]byte{}
		bn, err := srw.rw.Read(b[:])
		if err != nil || bn != 1 {
			return n, errors.Annotatef(err, "error reading SLIP frame")
		}
		if start {
			if b[0] != frameDelimiter {
				return 0, errors.Annotatef(ErrBadStart, "got 0x%02x", b[0])
			}
			start = false
			continue
		}
		if !esc {
			switch b[0] {
			case frameDelimiter:
				glog.V(4).Infof("<= (%d bytes)", n)
				return n, nil
			case escape:
				esc = true
			default:
				if n >= len(buf) {
					return n, errors.Errorf("SLIP frame buffer overflow (%d)", len(buf))
				}
				buf[n] = b[0]
				n++
			}
			continue
		}
		if n >= len(buf) {
			return n, errors.Errorf("SLIP frame buffer overflow (%d)", len(buf))
		}
		switch b[0] {
		case escapeFrameDelimiter:
			buf[n] = frameDelimiter
		case escapeEscape:
			buf[n] = escape
		default:
			return n, errors.Errorf("invalid SLIP escape sequence: 0x%02x", b[0])
		}
		n++
		esc = false
	}
}

func (srw *ReaderWriter) Write(data []byte) (int, error) {
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, frameDelimiter)
	for _, b := range data {
		switch b {
		case frameDelimiter:
			frame = append(frame, escape, escapeFrameDelimiter)
		case escape:
			frame = append(frame, escape, escapeEscape)
		default:
			frame = append(frame, b)
		}
	}
	frame = append(frame, frameDelimiter)
	glog.V(4).Infof("=> (%d bytes)", len(data))
	return srw.rw.Write(frame)
}
