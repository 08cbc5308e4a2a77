// Package flashargs parses an ESP-IDF flash_args file into a board.Plan
// (spec.md §4.5, C5). The grammar is whitespace-separated tokens: a run
// of --flash_mode/--flash_freq/--flash_size options followed by
// (offset, path) pairs.
package flashargs

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
)

// Parse reads flashArgsPath and resolves relative binary paths against
// buildDir (spec.md §4.5: "paths are relative to the build directory
// unless absolute").
func Parse(flashArgsPath, buildDir string) (*board.Plan, error) {
	f, err := os.Open(flashArgsPath)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open flash_args")
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		for _, t := range strings.Fields(sc.Text()) {
			tokens = append(tokens, t)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Annotatef(err, "failed to read flash_args")
	}
	return ParseTokens(tokens, buildDir)
}

// ParseTokens parses an already-tokenized flash_args body, factored out
// of Parse so tests can exercise the grammar without a flash_args file
// on disk.
func ParseTokens(tokens []string, buildDir string) (*board.Plan, error) {
	cfg := board.FlashConfig{
		Mode: board.FlashModeDIO,
		Freq: board.FlashFreq40M,
		Size: board.FlashSizeDetect,
	}
	var rest []string
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "--flash_mode":
			if i+1 >= len(tokens) {
				return nil, errors.Errorf("--flash_mode missing value")
			}
			i++
			cfg.Mode = board.FlashMode(tokens[i])
		case "--flash_freq":
			if i+1 >= len(tokens) {
				return nil, errors.Errorf("--flash_freq missing value")
			}
			i++
			cfg.Freq = board.FlashFreq(tokens[i])
		case "--flash_size":
			if i+1 >= len(tokens) {
				return nil, errors.Errorf("--flash_size missing value")
			}
			i++
			cfg.Size = board.FlashSize(tokens[i])
		default:
			rest = append(rest, tokens[i])
		}
	}

	if len(rest)%2 != 0 {
		return nil, errors.Errorf("flash_args has a dangling offset/path token: %q", rest[len(rest)-1])
	}
	if len(rest) == 0 {
		return nil, errors.Errorf("flash_args contains no (offset, path) pairs")
	}

	var segments []board.Segment
	for i := 0; i+1 < len(rest); i += 2 {
		offsetTok, pathTok := rest[i], rest[i+1]
		if !strings.HasPrefix(offsetTok, "0x") && !strings.HasPrefix(offsetTok, "0X") {
			return nil, errors.Errorf("offset %q does not start with 0x", offsetTok)
		}
		offset, err := strconv.ParseUint(offsetTok[2:], 16, 32)
		if err != nil {
			return nil, errors.Annotatef(err, "invalid offset %q", offsetTok)
		}
		path := pathTok
		if !filepath.IsAbs(path) {
			path = filepath.Join(buildDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read %q", path)
		}
		if len(data) == 0 {
			return nil, errors.Errorf("%q is empty", path)
		}
		segments = append(segments, board.Segment{
			Offset: uint32(offset),
			Bytes:  data,
			Name:   nameFromBasename(filepath.Base(pathTok)),
		})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Offset < segments[j].Offset })
	for i := 1; i < len(segments); i++ {
		prevEnd := uint64(segments[i-1].Offset) + uint64(len(segments[i-1].Bytes))
		if prevEnd > uint64(segments[i].Offset) {
			return nil, errors.Errorf("segments %q and %q overlap", segments[i-1].Name, segments[i].Name)
		}
	}

	glog.V(1).Infof("flash_args: %d segment(s), mode=%s freq=%s size=%s", len(segments), cfg.Mode, cfg.Freq, cfg.Size)
	return &board.Plan{Segments: segments, Config: cfg}, nil
}

// nameFromBasename derives a segment name from a binary's basename, per
// spec.md §4.5: bootloader.bin -> "bootloader", partition-table.bin ->
// "partition-table", otherwise "app".
func nameFromBasename(base string) string {
	switch {
	case strings.HasPrefix(base, "bootloader"):
		return "bootloader"
	case strings.HasPrefix(base, "partition-table"), strings.HasPrefix(base, "partition_table"):
		return "partition-table"
	default:
		return "app"
	}
}

// Emit re-serializes a plan in flash_args syntax, used by Property 4's
// round-trip test. Each segment is written as "<Name>.bin"; buildDir is
// not used.
func Emit(plan *board.Plan, buildDir string) string {
	var sb strings.Builder
	sb.WriteString("--flash_mode " + string(plan.Config.Mode) + " ")
	sb.WriteString("--flash_freq " + string(plan.Config.Freq) + " ")
	sb.WriteString("--flash_size " + string(plan.Config.Size))
	for _, seg := range plan.Segments {
		sb.WriteString(" 0x" + strconv.FormatUint(uint64(seg.Offset), 16))
		sb.WriteString(" " + seg.Name + ".bin")
	}
	return sb.String()
}
