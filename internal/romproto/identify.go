package romproto

import (
	"time"

	"github.com/cesanta/errors"

	"github.com/espbrew/espbrew/internal/board"
)

// Well-known ROM register addresses used to identify the chip family and
// read its factory MAC, per the esptool/ESP-IDF TRM register maps. Only
// the subset spec.md's data model needs (chip type, MAC, efuse chip
// revision) is implemented; flash-encryption-related efuses are out of
// scope (see DESIGN.md).
const (
	regChipMagicValue = 0x40001000
	regEfuseMACLow    = 0x6001A000
	regEfuseMACHigh   = 0x6001A004
	regEfuseRevision  = 0x6001A044
)

// magicToChipType maps the 32-bit magic value read from regChipMagicValue
// to a board.ChipType, per spec.md §4.2 stage 2 ("chip type from magic
// value").
var magicToChipType = map[uint32]board.ChipType{
	0xfff0c101: board.ChipESP8266,
	0x00f01d83: board.ChipESP32,
	0x000007c6: board.ChipESP32S2,
	0x9: board.ChipESP32S3,
	0x6921506f: board.ChipESP32C3,
	0x1b31506f: board.ChipESP32C3,
	0x0da1806f: board.ChipESP32C6,
	0xd7b73e80: board.ChipESP32H2,
	0x0addbad0: board.ChipESP32P4,
}

// Identify performs the stage-2 handshake (spec.md §4.2): SYNC, then
// READ_REG for the chip magic value and factory MAC efuse block.
// hintedChip, from the stage-1 USB heuristic, is used only to choose the
// per-chip timeout (ESP32-P4 needs more, per spec.md) and is never
// trusted over what the ROM itself reports.
func (c *Client) Identify(hintedChip board.ChipType) (board.Identity, error) {
	var id board.Identity
	timeout := 5 * time.Second
	if hintedChip == board.ChipESP32P4 {
		timeout = 10 * time.Second
	}
	done := make(chan error, 1)
	go func() { done <- c.Sync() }()
	select {
	case err := <-done:
		if err != nil {
			return id, errors.Annotatef(err, "stage-2 SYNC failed")
		}
	case <-time.After(timeout):
		return id, errors.Errorf("stage-2 SYNC timed out after %s", timeout)
	}

	magic, err := c.ReadReg(regChipMagicValue)
	if err != nil {
		return id, errors.Annotatef(err, "failed to read chip magic value")
	}
	ct, ok := magicToChipType[magic]
	if !ok {
		ct = board.ChipUnknown
	}
	id.ChipType = ct

	macLow, err := c.ReadReg(regEfuseMACLow)
	if err == nil {
		macHigh, err2 := c.ReadReg(regEfuseMACHigh)
		if err2 == nil {
			mac := macBytesFromEfuse(macLow, macHigh)
			id.MACAddress = mac
			id.CanonicalizeFromMAC()
		}
	}

	if rev, err := c.ReadReg(regEfuseRevision); err == nil {
		id.ChipRevision = &board.ChipRevision{
			Major: int((rev >> 4) & 0xf),
			Minor: int(rev & 0xf),
		}
	}

	return id, nil
}

// macBytesFromEfuse reassembles the 6-byte factory MAC from the two
// 32-bit efuse words, per the ESP32 efuse MAC block layout: the low word
// holds the last 4 bytes, the high word's low 16 bits hold the first 2.
func macBytesFromEfuse(low, high uint32) []byte {
	return []byte{
		byte(high >> 8), byte(high),
		byte(low >> 24), byte(low >> 16), byte(low >> 8), byte(low),
	}
}
