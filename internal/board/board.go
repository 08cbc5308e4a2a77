// Package board holds the data model shared by every component: board
// identity, the registry's connected-board view, board-type catalog
// entries, flash plans and monitor sessions (spec.md §3).
package board

import (
	"hash/fnv"
	"fmt"
	"strings"
	"time"
)

// ChipType enumerates the ESP chip families espbrew can identify and flash.
type ChipType int

const (
	ChipUnknown ChipType = iota
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C2
	ChipESP32C3
	ChipESP32C6
	ChipESP32H2
	ChipESP32P4
	ChipESP8266
)

func (c ChipType) String() string {
	switch c {
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C2:
		return "ESP32-C2"
	case ChipESP32C3:
		return "ESP32-C3"
	case ChipESP32C6:
		return "ESP32-C6"
	case ChipESP32H2:
		return "ESP32-H2"
	case ChipESP32P4:
		return "ESP32-P4"
	case ChipESP8266:
		return "ESP8266"
	default:
		return "Unknown"
	}
}

// ChipRevision is the (major, minor) silicon revision read from efuses.
type ChipRevision struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Identity is the stable, port-independent identity of a physical board
// (spec.md §3, BoardIdentity). Ports and OS device paths are deliberately
// not part of it.
type Identity struct {
	UniqueID       string        `json:"unique_id"`
	MACAddress     []byte        `json:"mac_address,omitempty"`
	ChipType       ChipType      `json:"chip_type"`
	ChipRevision   *ChipRevision `json:"chip_revision,omitempty"`
	CrystalHz      int           `json:"crystal_hz,omitempty"`
	FlashSizeBytes int64         `json:"flash_size_bytes,omitempty"`
	Features       []string      `json:"features,omitempty"`
}

// CanonicalizeFromMAC sets UniqueID from the MAC, per the invariant in
// spec.md §3: unique_id == "MAC" + hex(mac, uppercase, no separators).
func (id *Identity) CanonicalizeFromMAC() {
	if len(id.MACAddress) == 0 {
		return
	}
	id.UniqueID = "MAC" + strings.ToUpper(fmt.Sprintf("%02X%02X%02X%02X%02X%02X",
		id.MACAddress[0], id.MACAddress[1], id.MACAddress[2],
		id.MACAddress[3], id.MACAddress[4], id.MACAddress[5]))
}

// ProvisionalUniqueID builds the stage-1-only unique_id prefix used until a
// MAC is known: "USB-VVVV:PPPP-<port>".
func ProvisionalUniqueID(vid, pid uint16, port string) string {
	return fmt.Sprintf("USB-%04X:%04X-%s", vid, pid, port)
}

// BoardID derives the REST identifier from UniqueID (spec.md §4.6): MAC
// identities become "board_MACxxxxxxxxxxxx", everything else hashes to
// "board_ID<16-hex-hash>" so the id stays a valid URL path segment.
func BoardID(uniqueID string) string {
	if strings.HasPrefix(uniqueID, "MAC") {
		return "board_" + uniqueID
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(uniqueID))
	return fmt.Sprintf("board_ID%016x", h.Sum64())
}

// Status is the lifecycle state of a ConnectedBoard.
type Status int

const (
	StatusAvailable Status = iota
	StatusFlashing
	StatusMonitoring
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFlashing:
		return "Flashing"
	case StatusMonitoring:
		return "Monitoring"
	case StatusError:
		return "Error"
	default:
		return "Available"
	}
}

// ConnectedBoard is an Identity observed on this host right now (spec.md
// §3). Progress is only meaningful while Status == StatusFlashing.
type ConnectedBoard struct {
	Identity             Identity  `json:"identity"`
	BoardID              string    `json:"board_id"`
	Port                 string    `json:"port"`
	Status               Status    `json:"status"`
	StatusMessage        string    `json:"status_message,omitempty"`
	FlashProgressPercent float64   `json:"flash_progress_percent,omitempty"`
	LastSeen             time.Time `json:"last_seen"`
	LogicalName          string    `json:"logical_name,omitempty"`
	AssignedBoardTypeID  string    `json:"assigned_board_type_id,omitempty"`
	DeviceDescription    string    `json:"device_description,omitempty"`
}

// BoardType is a configuration template discovered by scanning a config
// directory (spec.md §3, §4.11).
type BoardType struct {
	ID                 string   `json:"id"`
	HumanName          string   `json:"human_name"`
	ChipType           ChipType `json:"chip_type"`
	Description        string   `json:"description,omitempty"`
	ConfigArtifactPath string   `json:"config_artifact_path,omitempty"`
}

// Assignment binds a physical board's UniqueID to a BoardType.ID (spec.md
// §3). At most one Assignment may exist per UniqueID; this is enforced by
// the config store (C11), not here.
type Assignment struct {
	UniqueID         string    `json:"unique_id"`
	BoardTypeID      string    `json:"board_type_id"`
	LogicalName      string    `json:"logical_name,omitempty"`
	ChipTypeOverride ChipType  `json:"chip_type_override,omitempty"`
	AssignedAt       time.Time `json:"assigned_at"`
}

// FlashMode/FlashFreq/FlashSize are the SPI flash parameters ESP ROM images
// are built with; string values match esptool/ESP-IDF vocabulary so
// flash_args round-trips without translation (spec.md §3, §5 Property 4).
type FlashMode string

const (
	FlashModeDIO  FlashMode = "dio"
	FlashModeDOUT FlashMode = "dout"
	FlashModeQIO  FlashMode = "qio"
	FlashModeQOUT FlashMode = "qout"
)

type FlashFreq string

const (
	FlashFreq20M FlashFreq = "20m"
	FlashFreq26M FlashFreq = "26m"
	FlashFreq40M FlashFreq = "40m"
	FlashFreq80M FlashFreq = "80m"
)

type FlashSize string

const (
	FlashSize1MB   FlashSize = "1MB"
	FlashSize2MB   FlashSize = "2MB"
	FlashSize4MB   FlashSize = "4MB"
	FlashSize8MB   FlashSize = "8MB"
	FlashSize16MB  FlashSize = "16MB"
	FlashSizeDetect FlashSize = "detect"
)

// FlashConfig holds the three SPI flash parameters baked into a FlashPlan.
type FlashConfig struct {
	Mode FlashMode `json:"mode"`
	Freq FlashFreq `json:"freq"`
	Size FlashSize `json:"size"`
}

// Segment is one (offset, bytes) pair belonging to a plan (spec.md §3).
type Segment struct {
	Offset uint32 `json:"offset"`
	Bytes  []byte `json:"-"`
	Name   string `json:"name"`
}

// Plan is an ordered, non-overlapping set of segments plus the flash
// parameters to program them with (spec.md §3).
type Plan struct {
	Segments []Segment   `json:"segments"`
	Config   FlashConfig `json:"config"`
}

// Phase identifies where in the flash pipeline a progress event originates.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseErasing
	PhaseWriting
	PhaseVerifying
)

func (p Phase) String() string {
	switch p {
	case PhaseErasing:
		return "Erasing"
	case PhaseWriting:
		return "Writing"
	case PhaseVerifying:
		return "Verifying"
	default:
		return "Connecting"
	}
}

// Progress is one flash-progress sample (spec.md §4.4 item 5).
type Progress struct {
	SegmentIndex     int
	SegmentName      string
	BytesWrittenSeg  int64
	SegmentTotal     int64
	BytesWrittenAll  int64
	OverallTotal     int64
	Phase            Phase
}

// MonitorSessionSummary is the read-only view of a monitor session exposed
// over GET /monitor/sessions (spec.md §3, §4.8).
type MonitorSessionSummary struct {
	ID            string    `json:"id"`
	BoardID       string    `json:"board_id"`
	Port          string    `json:"port"`
	Baud          int       `json:"baud"`
	StartedAt     time.Time `json:"started_at"`
	LastKeepalive time.Time `json:"last_keepalive"`
}

// Advertisement is the data published over mDNS TXT records (spec.md
// §3, §4.9).
type Advertisement struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	Hostname      string `json:"hostname"`
	Description   string `json:"description"`
	BoardCount    int    `json:"board_count"`
	BoardNamesCSV string `json:"boards"`
}
