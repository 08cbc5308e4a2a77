package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
)

// sdkconfigChipOptions maps the CONFIG_IDF_TARGET_* key ESP-IDF writes
// into sdkconfig.defaults.<variant> to a board.ChipType, supplementing
// the distilled spec.md: the original project auto-discovers its board
// catalog from ESP-IDF project layout rather than requiring it to be
// hand-authored (original_source/src/server/services/board_scanner.rs
// scans the same sdkconfig.defaults.* naming convention for its variant
// list).
var sdkconfigChipOptions = map[string]board.ChipType{
	"esp32":    board.ChipESP32,
	"esp32s2":  board.ChipESP32S2,
	"esp32s3":  board.ChipESP32S3,
	"esp32c2":  board.ChipESP32C2,
	"esp32c3":  board.ChipESP32C3,
	"esp32c6":  board.ChipESP32C6,
	"esp32h2":  board.ChipESP32H2,
	"esp32p4":  board.ChipESP32P4,
}

// SynthesizeBoardTypesFromProject scans projectDir for
// sdkconfig.defaults.<variant> files (the ESP-IDF multi-target build
// convention) and upserts one BoardType per variant found; espbrewd calls
// it at every startup where -project is set. A project with no such files
// (single-target, or not an ESP-IDF project at all) yields no entries
// and is not an error.
func (s *Store) SynthesizeBoardTypesFromProject(projectDir string) error {
	matches, err := filepath.Glob(filepath.Join(projectDir, "sdkconfig.defaults.*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		variant := strings.TrimPrefix(filepath.Base(m), "sdkconfig.defaults.")
		chip := ChipFromVariantName(variant)
		if chip == board.ChipUnknown {
			chip = ChipFromSdkconfigContents(m)
		}
		bt := board.BoardType{
			ID:                 "idf-" + variant,
			HumanName:          variant,
			ChipType:           chip,
			ConfigArtifactPath: m,
		}
		if err := s.UpsertBoardType(bt); err != nil {
			return err
		}
		glog.Infof("config: synthesized board type %q (%s) from %s", bt.ID, chip, m)
	}
	return nil
}

// ChipFromVariantName matches the common ESP-IDF convention of naming
// the variant after the target itself (sdkconfig.defaults.esp32s3).
// Exported so internal/buildproducer's ESP-IDF producer can share the
// same variant-name-to-chip-type logic when listing build variants.
func ChipFromVariantName(variant string) board.ChipType {
	return sdkconfigChipOptions[strings.ToLower(variant)]
}

// ChipFromSdkconfigContents falls back to reading CONFIG_IDF_TARGET from
// the file body when the variant name doesn't match a known target
// (e.g. a custom variant name like "debug" or "ota").
func ChipFromSdkconfigContents(path string) board.ChipType {
	f, err := os.Open(path)
	if err != nil {
		return board.ChipUnknown
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		const prefix = "CONFIG_IDF_TARGET="
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		target := strings.Trim(strings.TrimPrefix(line, prefix), `"`)
		return sdkconfigChipOptions[strings.ToLower(target)]
	}
	return board.ChipUnknown
}
