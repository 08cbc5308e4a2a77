// Package serialio implements the concrete serial transport used by
// internal/boardid (stage-2 identification), internal/orchestrator (flash
// connect) and internal/httpapi (monitor sessions and board reset): it
// opens an OS serial port via cesanta/go-serial and hands back a
// romproto.Port, the one real implementation of the port-opener
// interfaces those packages keep abstract for testing.
//
// Grounded on mos/console.go's serial.Open call (DataBits 8, no parity, 1
// stop bit, MinimumReadSize 1) and mos/flash/esp/flasher/flasher_client.go's
// use of serial.Serial as its transport.
package serialio

import (
	"time"

	"github.com/cesanta/go-serial/serial"

	"github.com/espbrew/espbrew/internal/romproto"
)

// Opener opens OS serial ports, satisfying both boardid.PortOpener
// (Open(path, baud)) and orchestrator.PortOpener (OpenForFlash(path, baud)).
type Opener struct{}

// Open opens path at baud, 8N1, for the stage-2 handshake or a monitor
// session.
func (Opener) Open(path string, baud int) (romproto.Port, error) {
	s, err := serial.Open(serial.OpenOptions{
		PortName:        path,
		BaudRate:        uint(baud),
		DataBits:        8,
		ParityMode:      serial.PARITY_NONE,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, err
	}
	return serialPort{s}, nil
}

// OpenForFlash opens path at baud. Callers pass 115200, the ROM
// bootloader's fixed initial baud rate (spec.md §4.4 step 1), to start a
// fresh flash connection, or a monitor session's own configured baud
// when reopening the port to resume monitoring after a flash completes.
func (o Opener) OpenForFlash(path string, baud int) (romproto.Port, error) {
	return o.Open(path, baud)
}

// serialPort adapts go-serial's serial.Serial to romproto.Port and also
// exposes Close, which httpapi's wsPortAdapter and orchestrator's
// monitorPortAdapter look for via an interface assertion.
type serialPort struct {
	s serial.Serial
}

func (p serialPort) Read(b []byte) (int, error)  { return p.s.Read(b) }
func (p serialPort) Write(b []byte) (int, error) { return p.s.Write(b) }
func (p serialPort) SetDTR(v bool) error         { return p.s.SetDTR(v) }
func (p serialPort) SetRTS(v bool) error         { return p.s.SetRTS(v) }

func (p serialPort) SetReadTimeout(d time.Duration) error {
	return p.s.SetReadTimeout(d)
}

func (p serialPort) SetBaudRate(baud int) error {
	return p.s.SetBaudRate(uint(baud))
}

func (p serialPort) Close() error { return p.s.Close() }
