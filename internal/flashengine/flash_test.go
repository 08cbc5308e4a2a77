package flashengine

import (
	"testing"

	"github.com/espbrew/espbrew/internal/board"
)

func TestValidatePlanRejectsEmpty(t *testing.T) {
	if err := validatePlan(&board.Plan{}); err == nil {
		t.Fatal("expected error for empty plan")
	}
	if err := validatePlan(nil); err == nil {
		t.Fatal("expected error for nil plan")
	}
}

func TestValidatePlanRejectsMisalignedOffset(t *testing.T) {
	p := &board.Plan{Segments: []board.Segment{{Offset: 0x1001, Bytes: []byte{1}, Name: "app"}}}
	if err := validatePlan(p); err == nil {
		t.Fatal("expected misalignment error")
	}
}

func TestValidatePlanRejectsEmptySegment(t *testing.T) {
	p := &board.Plan{Segments: []board.Segment{{Offset: 0x1000, Name: "app"}}}
	if err := validatePlan(p); err == nil {
		t.Fatal("expected empty-segment error")
	}
}

func TestValidatePlanRejectsOverlap(t *testing.T) {
	p := &board.Plan{Segments: []board.Segment{
		{Offset: 0x1000, Bytes: make([]byte, 0x2000), Name: "a"},
		{Offset: 0x1800, Bytes: []byte{1, 2, 3, 4}, Name: "b"},
	}}
	if err := validatePlan(p); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestValidatePlanRejectsUnsortedOrEqualOffsets(t *testing.T) {
	p := &board.Plan{Segments: []board.Segment{
		{Offset: 0x1000, Bytes: []byte{1, 2, 3, 4}, Name: "a"},
		{Offset: 0x1000, Bytes: []byte{5, 6, 7, 8}, Name: "b"},
	}}
	if err := validatePlan(p); err == nil {
		t.Fatal("expected duplicate-offset error")
	}
}

func TestValidatePlanAcceptsWellFormedPlan(t *testing.T) {
	p := &board.Plan{Segments: []board.Segment{
		{Offset: 0x1000, Bytes: []byte{1, 2, 3, 4}, Name: "bootloader"},
		{Offset: 0x8000, Bytes: []byte{5, 6, 7, 8}, Name: "partition-table"},
		{Offset: 0x10000, Bytes: []byte{9, 10, 11, 12}, Name: "app"},
	}}
	if err := validatePlan(p); err != nil {
		t.Fatalf("unexpected error for well-formed plan: %v", err)
	}
}
