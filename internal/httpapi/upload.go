package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
)

func decodeJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// buildPlanFromUpload reconstructs a board.Plan from the multipart body
// spec.md §4.8 documents: a "binary_count" field N, optional
// "flash_mode"/"flash_freq"/"flash_size" text fields, and per i in 0..N a
// "binary_i" file part plus "binary_i_name"/"binary_i_offset"/
// "binary_i_filename" text fields. A single-binary upload is just the
// N=1 case of this same encoding; there is no separate schema for it.
func buildPlanFromUpload(r *http.Request) (*board.Plan, error) {
	countStr := r.FormValue("binary_count")
	if countStr == "" {
		return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "missing \"binary_count\" field")
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "invalid \"binary_count\": "+countStr)
	}

	cfg := board.FlashConfig{Mode: board.FlashModeDIO, Freq: board.FlashFreq40M, Size: board.FlashSizeDetect}
	if v := r.FormValue("flash_mode"); v != "" {
		cfg.Mode = board.FlashMode(v)
	}
	if v := r.FormValue("flash_freq"); v != "" {
		cfg.Freq = board.FlashFreq(v)
	}
	if v := r.FormValue("flash_size"); v != "" {
		cfg.Size = board.FlashSize(v)
	}

	segments := make([]board.Segment, 0, count)
	for i := 0; i < count; i++ {
		idx := strconv.Itoa(i)

		f, hdr, err := r.FormFile("binary_" + idx)
		if err != nil {
			return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "missing \"binary_"+idx+"\" upload: "+err.Error())
		}
		data, rerr := io.ReadAll(f)
		f.Close()
		if rerr != nil {
			return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "failed to read \"binary_"+idx+"\": "+rerr.Error())
		}
		if len(data) == 0 {
			return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "\"binary_"+idx+"\" is empty")
		}

		offsetStr := r.FormValue("binary_" + idx + "_offset")
		if offsetStr == "" {
			return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "missing \"binary_"+idx+"_offset\" field")
		}
		offset, operr := parseHexOffset(offsetStr)
		if operr != nil {
			return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "invalid \"binary_"+idx+"_offset\": "+offsetStr)
		}

		name := r.FormValue("binary_" + idx + "_name")
		if name == "" {
			filename := r.FormValue("binary_" + idx + "_filename")
			if filename == "" {
				filename = hdr.Filename
			}
			name = nameFromUploadedFilename(filename)
		}

		segments = append(segments, board.Segment{Offset: offset, Bytes: data, Name: name})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Offset < segments[j].Offset })
	for i := 1; i < len(segments); i++ {
		prevEnd := uint64(segments[i-1].Offset) + uint64(len(segments[i-1].Bytes))
		if prevEnd > uint64(segments[i].Offset) {
			return nil, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "segments \""+segments[i-1].Name+"\" and \""+segments[i].Name+"\" overlap")
		}
	}

	return &board.Plan{Config: cfg, Segments: segments}, nil
}

func parseHexOffset(v string) (uint32, error) {
	parsed, err := strconv.ParseUint(trimHexPrefix(v), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(parsed), nil
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

func nameFromUploadedFilename(filename string) string {
	base := filepath.Base(filename)
	switch {
	case len(base) >= len("bootloader") && base[:len("bootloader")] == "bootloader":
		return "bootloader"
	case len(base) >= len("partition-table") && base[:len("partition-table")] == "partition-table":
		return "partition-table"
	case len(base) >= len("partition_table") && base[:len("partition_table")] == "partition_table":
		return "partition-table"
	default:
		return "app"
	}
}
