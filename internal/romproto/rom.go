// Package romproto implements the ESP ROM bootloader wire protocol used
// during stage-2 identification (spec.md §4.2) and at flash-connect time
// (spec.md §4.4 step 1-2): SLIP framing, the command/response packet
// format, SYNC, READ_REG and WRITE_REG, the FLASH_BEGIN/FLASH_DATA/
// FLASH_END, SPI_ATTACH, FLASH_MD5 and CHANGE_BAUDRATE commands that
// internal/flashengine drives, and the DTR/RTS reset sequence that drives
// a chip into download mode.
//
// Grounded on mos/flash/esp/flasher/flasher_client.go's command/response
// framing (sendCommand/recvResponse/Sync) and mos/flash/common/slip.go;
// the ROM-level command set is reconstructed from the opcode list in
// spec.md §6. There is no stub loader: every command goes to the ROM.
package romproto

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/slip"
)

// Command opcodes from spec.md §6.
type Command uint8

const (
	CmdSync           Command = 0x08
	CmdReadReg        Command = 0x0A
	CmdWriteReg       Command = 0x09
	CmdFlashBegin     Command = 0x02
	CmdFlashData      Command = 0x03
	CmdFlashEnd       Command = 0x04
	CmdSPIAttach      Command = 0x0D
	CmdFlashMD5       Command = 0x13
	CmdChangeBaudrate Command = 0x0F
)

// Port is the minimal serial transport romproto needs: a blocking
// ReadWriter plus the control-line and timeout knobs every "blocking
// serial library" in the pack (cesanta/go-serial, go.bug.st/serial)
// exposes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDTR(v bool) error
	SetRTS(v bool) error
	SetReadTimeout(d time.Duration) error
	SetBaudRate(baud int) error
}

// Client drives the SLIP-framed command/response exchange with the ROM
// bootloader over Port.
type Client struct {
	port Port
	srw  *slip.ReaderWriter
}

func NewClient(port Port) *Client {
	return &Client{port: port, srw: slip.NewReaderWriter(readWriterAdapter{port})}
}

type readWriterAdapter struct{ p Port }

func (a readWriterAdapter) Read(b []byte) (int, error)  { return a.p.Read(b) }
func (a readWriterAdapter) Write(b []byte) (int, error) { return a.p.Write(b) }

// ResetSequence performs the default reset-into-bootloader pulse shape:
// DTR asserted (enters the bootloader strapping state), RTS pulsed low
// for 100ms to reset the chip, then DTR deasserted — the timings are
// supplemented from original_source/src/utils/espflash_utils.rs, which
// the distilled spec.md only describes abstractly ("toggle RTS").
func (c *Client) ResetSequence() error {
	if err := c.port.SetDTR(true); err != nil {
		return errors.Annotatef(err, "failed to assert DTR")
	}
	if err := c.port.SetRTS(false); err != nil {
		return errors.Annotatef(err, "failed to deassert RTS")
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.port.SetRTS(true); err != nil {
		return errors.Annotatef(err, "failed to assert RTS")
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.port.SetDTR(false); err != nil {
		return errors.Annotatef(err, "failed to deassert DTR")
	}
	return nil
}

// ExitDownloadMode deasserts RTS to bring the chip out of the bootloader
// and let the application run (spec.md §4.2: "Always reset out of
// download mode on exit").
func (c *Client) ExitDownloadMode() error {
	return c.port.SetRTS(false)
}

// command packet layout: 0x00 direction byte, 1-byte opcode, little-endian
// uint16 size, little-endian uint32 checksum, payload.
func (c *Client) send(cmd Command, payload []byte, checksum uint32) error {
	buf := &bytes.Buffer{}
	buf.WriteByte(0x00)
	buf.WriteByte(byte(cmd))
	binary.Write(buf, binary.LittleEndian, uint16(len(payload)))
	binary.Write(buf, binary.LittleEndian, checksum)
	buf.Write(payload)
	_, err := c.srw.Write(buf.Bytes())
	return errors.Annotatef(err, "failed to send command 0x%02x", cmd)
}

// response packet layout mirrors the request: 0x01 direction byte, opcode
// echo, size, 4-byte value field (register reads) followed by an 8-byte
// or 16-byte status trailer depending on ROM version. We only need the
// value field and the final status byte, as flasher_client.go's
// recvResponse does for the post-stub protocol.
type response struct {
	value  uint32
	status byte
	data   []byte
}

func (c *Client) recv(timeout time.Duration) (*response, error) {
	if err := c.port.SetReadTimeout(timeout); err != nil {
		return nil, errors.Annotatef(err, "failed to set read timeout")
	}
	buf := make([]byte, 4096)
	n, err := c.srw.Read(buf)
	if err != nil {
		return nil, errors.Annotatef(err, "error reading ROM response")
	}
	if n < 8 {
		return nil, errors.Errorf("short ROM response (%d bytes)", n)
	}
	r := &response{}
	r.value = binary.LittleEndian.Uint32(buf[4:8])
	if n > 8 {
		r.data = append([]byte(nil), buf[8:n]...)
	}
	if len(r.data) > 0 {
		r.status = r.data[len(r.data)-1]
	}
	return r, nil
}

// Sync issues the SYNC command and retries per spec.md §4.4: 7 attempts
// over roughly 3 seconds. This bounds ConnectFailed classification for
// both stage-2 identification and the flash engine's connect phase.
func (c *Client) Sync() error {
	const attempts = 7
	const perAttemptTimeout = 100 * time.Millisecond
	payload := syncPayload()
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := c.send(CmdSync, payload, 0); err != nil {
			lastErr = err
			continue
		}
		if _, err := c.recv(perAttemptTimeout); err == nil {
			glog.V(1).Infof("ROM SYNC ok after %d attempt(s)", i+1)
			// Drain any trailing duplicate SYNC replies, as real ROMs send
			// several in response to one SYNC command.
			drainDeadline := time.Now().Add(50 * time.Millisecond)
			for time.Now().Before(drainDeadline) {
				if _, err := c.recv(10 * time.Millisecond); err != nil {
					break
				}
			}
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(430 * time.Millisecond)
	}
	return errors.Annotatef(lastErr, "ROM did not respond to SYNC after %d attempts", attempts)
}

// syncPayload is the fixed 0x07 0x07 0x12 0x20 + 32x 0x55 body mandated by
// the esptool SYNC command.
func syncPayload() []byte {
	p := []byte{0x07, 0x07, 0x12, 0x20}
	for i := 0; i < 32; i++ {
		p = append(p, 0x55)
	}
	return p
}

// ReadReg issues READ_REG at addr and returns the 32-bit value.
func (c *Client) ReadReg(addr uint32) (uint32, error) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, addr)
	if err := c.send(CmdReadReg, payload, 0); err != nil {
		return 0, err
	}
	r, err := c.recv(1 * time.Second)
	if err != nil {
		return 0, errors.Annotatef(err, "READ_REG(0x%x) failed", addr)
	}
	if r.status != 0 {
		return 0, errors.Errorf("READ_REG(0x%x): ROM returned status 0x%02x", addr, r.status)
	}
	return r.value, nil
}

// WriteReg issues WRITE_REG.
func (c *Client) WriteReg(addr, value, mask uint32, delayUS uint32) error {
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.LittleEndian, addr)
	binary.Write(payload, binary.LittleEndian, value)
	binary.Write(payload, binary.LittleEndian, mask)
	binary.Write(payload, binary.LittleEndian, delayUS)
	if err := c.send(CmdWriteReg, payload.Bytes(), 0); err != nil {
		return err
	}
	r, err := c.recv(1 * time.Second)
	if err != nil {
		return errors.Annotatef(err, "WRITE_REG(0x%x) failed", addr)
	}
	if r.status != 0 {
		return errors.Errorf("WRITE_REG(0x%x): ROM returned status 0x%02x", addr, r.status)
	}
	return nil
}

// randomCookie returns a random 32-bit value, the way flasher_client.go
// uses rand.Uint32 for its echo cookie.
func randomCookie() uint32 {
	return rand.Uint32()
}

// RandomCookie exports randomCookie.
func RandomCookie() uint32 { return randomCookie() }

// checksumMagic is the seed esptool's FLASH_DATA/MEM_DATA checksum uses
// (every other command's checksum field is 0); spec.md §6 names this as
// part of "the ESP ROM ... protocol as specified by Espressif".
const checksumMagic = 0xEF

func dataChecksum(data []byte) uint32 {
	sum := byte(checksumMagic)
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// FlashBegin issues FLASH_BEGIN, declaring a size-byte write at offset
// split into blockSize-sized blocks (spec.md §4.4 step 3, §6). The ROM
// erases the affected sectors synchronously before acknowledging, so the
// response timeout scales with size.
func (c *Client) FlashBegin(size, blockSize, offset uint32) error {
	numBlocks := (size + blockSize - 1) / blockSize
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.LittleEndian, size)
	binary.Write(payload, binary.LittleEndian, numBlocks)
	binary.Write(payload, binary.LittleEndian, blockSize)
	binary.Write(payload, binary.LittleEndian, offset)
	if err := c.send(CmdFlashBegin, payload.Bytes(), 0); err != nil {
		return err
	}
	eraseTimeout := 3*time.Second + time.Duration(size/(256*1024))*time.Second
	r, err := c.recv(eraseTimeout)
	if err != nil {
		return errors.Annotatef(err, "FLASH_BEGIN failed")
	}
	if r.status != 0 {
		return errors.Errorf("FLASH_BEGIN: ROM returned status 0x%02x", r.status)
	}
	return nil
}

// FlashData writes one blockSize-sized block at 0-based sequence seq
// (spec.md §4.4 step 3); block must already be padded to the block size
// agreed in FlashBegin.
func (c *Client) FlashData(seq uint32, block []byte) error {
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.LittleEndian, uint32(len(block)))
	binary.Write(payload, binary.LittleEndian, seq)
	binary.Write(payload, binary.LittleEndian, uint32(0))
	binary.Write(payload, binary.LittleEndian, uint32(0))
	payload.Write(block)
	if err := c.send(CmdFlashData, payload.Bytes(), dataChecksum(block)); err != nil {
		return err
	}
	r, err := c.recv(3 * time.Second)
	if err != nil {
		return errors.Annotatef(err, "FLASH_DATA(seq=%d) failed", seq)
	}
	if r.status != 0 {
		return errors.Errorf("FLASH_DATA(seq=%d): ROM returned status 0x%02x", seq, r.status)
	}
	return nil
}

// FlashEnd issues FLASH_END (spec.md §4.4 step 4); reboot=true runs the
// newly flashed firmware, reboot=false leaves the chip in the bootloader.
func (c *Client) FlashEnd(reboot bool) error {
	stayInBootloader := uint32(1)
	if reboot {
		stayInBootloader = 0
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, stayInBootloader)
	if err := c.send(CmdFlashEnd, payload, 0); err != nil {
		return err
	}
	r, err := c.recv(3 * time.Second)
	if err != nil {
		return errors.Annotatef(err, "FLASH_END failed")
	}
	if r.status != 0 {
		return errors.Errorf("FLASH_END: ROM returned status 0x%02x", r.status)
	}
	return nil
}

// SPIAttach issues SPI_ATTACH with the default pin configuration,
// required once per connection before the first FLASH_BEGIN (spec.md
// §6).
func (c *Client) SPIAttach() error {
	payload := make([]byte, 4)
	if err := c.send(CmdSPIAttach, payload, 0); err != nil {
		return err
	}
	r, err := c.recv(3 * time.Second)
	if err != nil {
		return errors.Annotatef(err, "SPI_ATTACH failed")
	}
	if r.status != 0 {
		return errors.Errorf("SPI_ATTACH: ROM returned status 0x%02x", r.status)
	}
	return nil
}

// FlashMD5 issues FLASH_MD5 over [addr, addr+size) and returns the raw
// 16-byte digest, used for the per-segment verify in spec.md §4.4 step
// 3. Like ReadReg/WriteReg above, the final byte of the response's data
// field is treated as the status byte and the rest as the digest.
func (c *Client) FlashMD5(addr, size uint32) ([]byte, error) {
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.LittleEndian, addr)
	binary.Write(payload, binary.LittleEndian, size)
	binary.Write(payload, binary.LittleEndian, uint32(0))
	binary.Write(payload, binary.LittleEndian, uint32(0))
	timeout := 3*time.Second + time.Duration(size/(512*1024))*time.Second
	if err := c.send(CmdFlashMD5, payload.Bytes(), 0); err != nil {
		return nil, err
	}
	r, err := c.recv(timeout)
	if err != nil {
		return nil, errors.Annotatef(err, "FLASH_MD5 failed")
	}
	if r.status != 0 {
		return nil, errors.Errorf("FLASH_MD5: ROM returned status 0x%02x", r.status)
	}
	if len(r.data) == 0 {
		return nil, errors.Errorf("FLASH_MD5: empty response")
	}
	digest := r.data[:len(r.data)-1]
	if len(digest) != 16 {
		return nil, errors.Errorf("FLASH_MD5: unexpected digest length %d", len(digest))
	}
	return digest, nil
}

// ChangeBaudrate issues CHANGE_BAUDRATE and, on success, switches the
// local port to match (spec.md §4.4 step 1's "open port at a high
// baud").
func (c *Client) ChangeBaudrate(newBaud int) error {
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.LittleEndian, uint32(newBaud))
	binary.Write(payload, binary.LittleEndian, uint32(0))
	if err := c.send(CmdChangeBaudrate, payload.Bytes(), 0); err != nil {
		return err
	}
	if _, err := c.recv(3 * time.Second); err != nil {
		return errors.Annotatef(err, "CHANGE_BAUDRATE failed")
	}
	return c.port.SetBaudRate(newBaud)
}
