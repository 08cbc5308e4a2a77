package flashengine

import (
	"bytes"
	"context"
	"crypto/md5"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/romproto"
)

// progressThrottle mirrors mos/flash/esp/flasher/flash.go's reporting
// cadence, restated in spec.md §4.4 item 5: emit at most once per second
// or once per 5% of a segment, whichever comes first.
const (
	progressInterval = 1 * time.Second
	progressStepPct  = 0.05

	// flashBlockSize is the FLASH_DATA block size esptool uses for the
	// ROM-direct protocol (spec.md §6).
	flashBlockSize = 0x400

	// flashBaud is the baud rate negotiated via CHANGE_BAUDRATE once SYNC
	// has succeeded (spec.md §4.4 step 1, "open port at a high baud").
	// Failure to switch is not fatal: some USB-UART bridges reject it, so
	// the flash proceeds at the bootloader's default baud instead.
	flashBaud = 460800
)

// ProgressFunc receives one board.Progress sample per throttled tick.
type ProgressFunc func(board.Progress)

// Flash writes plan's segments to port, in ascending offset order. Each
// segment is FLASH_BEGIN, then its FLASH_DATA blocks, then an immediate
// FLASH_MD5 verify against that segment's own bytes before the next
// segment starts (spec.md §4.4 step 3) — a bad segment surfaces as soon
// as it's written rather than after every segment has already been
// flashed. A write failure retries the whole segment once, after a
// resync, per spec.md §4.4's "Determinism" and "Retry" clauses (Property
// 3 in spec.md §8). It talks
// directly to the ROM bootloader's own FLASH_BEGIN/FLASH_DATA/FLASH_END
// protocol (spec.md §6) rather than uploading an in-RAM stub, since no
// chip-specific stub image is available to this module (see DESIGN.md).
//
// ctx is only checked between segments, never mid-segment: a flash write
// already in flight always runs to completion or failure, matching
// spec.md's decision that mid-segment cancellation is not supported.
//
// port must already be open at the ROM bootloader's initial baud rate;
// Flash performs the DTR/RTS reset sequence itself.
func Flash(ctx context.Context, port romproto.Port, plan *board.Plan, onProgress ProgressFunc) error {
	if err := validatePlan(plan); err != nil {
		return espbrewerr.New(espbrewerr.KindInvalidFlashPlan, err.Error())
	}

	romClient := romproto.NewClient(port)
	if err := romClient.ResetSequence(); err != nil {
		return espbrewerr.New(espbrewerr.KindFlashConnectFailed, "failed to reset board into bootloader: "+err.Error())
	}
	defer romClient.ExitDownloadMode()

	emit(onProgress, board.Progress{Phase: board.PhaseConnecting})
	if err := romClient.Sync(); err != nil {
		return espbrewerr.New(espbrewerr.KindFlashConnectFailed, "ROM did not respond to SYNC: "+err.Error())
	}

	if err := romClient.ChangeBaudrate(flashBaud); err != nil {
		glog.Warningf("CHANGE_BAUDRATE to %d failed, continuing at current baud: %v", flashBaud, err)
	}

	if err := romClient.SPIAttach(); err != nil {
		return espbrewerr.New(espbrewerr.KindFlashConnectFailed, "SPI_ATTACH failed: "+err.Error())
	}

	var overallTotal int64
	for _, seg := range plan.Segments {
		overallTotal += int64(len(seg.Bytes))
	}

	var writtenSoFar int64
	for i, seg := range plan.Segments {
		if err := ctx.Err(); err != nil {
			return espbrewerr.New(espbrewerr.KindFlashWriteError, "flash cancelled between segments: "+err.Error())
		}
		if err := writeSegmentWithRetry(romClient, i, seg, writtenSoFar, overallTotal, onProgress); err != nil {
			return err
		}
		writtenSoFar += int64(len(seg.Bytes))

		emit(onProgress, board.Progress{Phase: board.PhaseVerifying, SegmentIndex: i, SegmentName: seg.Name, BytesWrittenAll: writtenSoFar, OverallTotal: overallTotal})
		if err := verifySegment(romClient, seg); err != nil {
			return espbrewerr.New(espbrewerr.KindFlashVerifyFailed, err.Error())
		}
	}

	if err := romClient.FlashEnd(true); err != nil {
		return espbrewerr.New(espbrewerr.KindFlashWriteError, "FLASH_END failed: "+err.Error())
	}
	return nil
}

// writeSegmentWithRetry writes one segment, retrying exactly once (after
// a SYNC) on failure, matching flash.go's single-retry policy.
func writeSegmentWithRetry(romClient *romproto.Client, index int, seg board.Segment, writtenBefore, overallTotal int64, onProgress ProgressFunc) error {
	emit(onProgress, board.Progress{Phase: board.PhaseErasing, SegmentIndex: index, SegmentName: seg.Name, SegmentTotal: int64(len(seg.Bytes)), OverallTotal: overallTotal, BytesWrittenAll: writtenBefore})

	err := writeSegment(romClient, index, seg, writtenBefore, overallTotal, onProgress)
	if err == nil {
		return nil
	}

	glog.Warningf("flash write of segment %q failed (%v), resyncing and retrying once", seg.Name, err)
	if syncErr := romClient.Sync(); syncErr != nil {
		return espbrewerr.New(espbrewerr.KindFlashWriteError, "write failed and resync also failed: "+err.Error()+"; "+syncErr.Error())
	}
	if err2 := writeSegment(romClient, index, seg, writtenBefore, overallTotal, onProgress); err2 != nil {
		return espbrewerr.New(espbrewerr.KindFlashWriteError, "write failed after retry: "+err2.Error())
	}
	return nil
}

// writeSegment issues one FLASH_BEGIN followed by the segment's
// FLASH_DATA blocks, padding the final short block with 0xFF as esptool
// does so every block presented to the ROM is exactly flashBlockSize.
func writeSegment(romClient *romproto.Client, index int, seg board.Segment, writtenBefore, overallTotal int64, onProgress ProgressFunc) error {
	segTotal := int64(len(seg.Bytes))
	if err := romClient.FlashBegin(uint32(len(seg.Bytes)), flashBlockSize, seg.Offset); err != nil {
		return errors.Annotatef(err, "FLASH_BEGIN for segment %q", seg.Name)
	}

	lastTick := time.Time{}
	lastPct := -1.0
	report := func(n int) {
		now := time.Now()
		pct := float64(n) / float64(segTotal)
		if now.Sub(lastTick) < progressInterval && pct-lastPct < progressStepPct && int64(n) != segTotal {
			return
		}
		lastTick, lastPct = now, pct
		emit(onProgress, board.Progress{
			SegmentIndex:    index,
			SegmentName:     seg.Name,
			BytesWrittenSeg: int64(n),
			SegmentTotal:    segTotal,
			BytesWrittenAll: writtenBefore + int64(n),
			OverallTotal:    overallTotal,
			Phase:           board.PhaseWriting,
		})
	}

	numBlocks := (len(seg.Bytes) + flashBlockSize - 1) / flashBlockSize
	for seq := 0; seq < numBlocks; seq++ {
		start := seq * flashBlockSize
		end := start + flashBlockSize
		if end > len(seg.Bytes) {
			end = len(seg.Bytes)
		}
		block := seg.Bytes[start:end]
		if len(block) < flashBlockSize {
			padded := make([]byte, flashBlockSize)
			copy(padded, block)
			for i := len(block); i < flashBlockSize; i++ {
				padded[i] = 0xFF
			}
			block = padded
		}
		if err := romClient.FlashData(uint32(seq), block); err != nil {
			return errors.Annotatef(err, "FLASH_DATA seq=%d for segment %q", seq, seg.Name)
		}
		report(end)
	}
	return nil
}

// verifySegment digests seg's own range via FLASH_MD5 and compares it
// against a local MD5 of its source bytes, per spec.md §4.4's
// "Verification" clause.
func verifySegment(romClient *romproto.Client, seg board.Segment) error {
	want := md5.Sum(seg.Bytes)
	got, err := romClient.FlashMD5(seg.Offset, uint32(len(seg.Bytes)))
	if err != nil {
		return errors.Annotatef(err, "FLASH_MD5 request failed for segment %q", seg.Name)
	}
	if !bytes.Equal(got, want[:]) {
		return errors.Errorf("segment %q failed MD5 verification", seg.Name)
	}
	return nil
}

// validatePlan enforces spec.md §3's Plan invariants: non-empty, sorted,
// non-overlapping, 4-byte-aligned offsets.
func validatePlan(plan *board.Plan) error {
	if plan == nil || len(plan.Segments) == 0 {
		return errors.Errorf("plan has no segments")
	}
	for i, seg := range plan.Segments {
		if seg.Offset%4 != 0 {
			return errors.Errorf("segment %q offset 0x%x is not 4-byte aligned", seg.Name, seg.Offset)
		}
		if len(seg.Bytes) == 0 {
			return errors.Errorf("segment %q is empty", seg.Name)
		}
		if i > 0 {
			prev := plan.Segments[i-1]
			prevEnd := uint64(prev.Offset) + uint64(len(prev.Bytes))
			if uint64(seg.Offset) < prevEnd {
				return errors.Errorf("segment %q overlaps preceding segment %q", seg.Name, prev.Name)
			}
			if seg.Offset <= prev.Offset {
				return errors.Errorf("segments are not in strictly ascending offset order")
			}
		}
	}
	return nil
}

func emit(f ProgressFunc, p board.Progress) {
	if f != nil {
		f(p)
	}
}
