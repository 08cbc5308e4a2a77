package flashargs

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseTokens(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bootloader.bin", []byte{1, 2, 3})
	writeFile(t, dir, "partition-table.bin", []byte{4, 5})
	writeFile(t, dir, "my_app.bin", []byte{6, 7, 8, 9})

	tokens := []string{
		"--flash_mode", "dio", "--flash_freq", "40m", "--flash_size", "4MB",
		"0x8000", "partition-table.bin",
		"0x10000", "my_app.bin",
		"0x1000", "bootloader.bin",
	}
	plan, err := ParseTokens(tokens, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(plan.Segments))
	}
	wantOffsets := []uint32{0x1000, 0x8000, 0x10000}
	for i, seg := range plan.Segments {
		if seg.Offset != wantOffsets[i] {
			t.Errorf("segment %d offset = 0x%x, want 0x%x", i, seg.Offset, wantOffsets[i])
		}
	}
	if plan.Segments[0].Name != "bootloader" {
		t.Errorf("segment 0 name = %q, want bootloader", plan.Segments[0].Name)
	}
	if plan.Segments[1].Name != "partition-table" {
		t.Errorf("segment 1 name = %q, want partition-table", plan.Segments[1].Name)
	}
	if plan.Segments[2].Name != "app" {
		t.Errorf("segment 2 name = %q, want app", plan.Segments[2].Name)
	}
}

func TestParseTokensRejectsOverlap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.bin", make([]byte, 0x2000))
	writeFile(t, dir, "b.bin", []byte{1})

	tokens := []string{"0x0", "a.bin", "0x1000", "b.bin"}
	if _, err := ParseTokens(tokens, dir); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestParseTokensRejectsDanglingToken(t *testing.T) {
	if _, err := ParseTokens([]string{"0x1000"}, t.TempDir()); err == nil {
		t.Fatal("expected dangling-token error, got nil")
	}
}

func TestParseTokensRejectsMissingOxPrefix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.bin", []byte{1})
	if _, err := ParseTokens([]string{"4096", "a.bin"}, dir); err == nil {
		t.Fatal("expected missing-0x-prefix error, got nil")
	}
}

func TestParseTokensRejectsEmptyBinary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.bin", nil)
	if _, err := ParseTokens([]string{"0x0", "empty.bin"}, dir); err == nil {
		t.Fatal("expected empty-file error, got nil")
	}
}

func TestEmitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bootloader.bin", []byte{1, 2, 3})
	writeFile(t, dir, "my_app.bin", []byte{4, 5, 6, 7})

	tokens := []string{
		"--flash_mode", "dio", "--flash_freq", "40m", "--flash_size", "4MB",
		"0x1000", "bootloader.bin",
		"0x10000", "my_app.bin",
	}
	plan, err := ParseTokens(tokens, dir)
	if err != nil {
		t.Fatal(err)
	}
	out := Emit(plan, dir)
	want := "--flash_mode dio --flash_freq 40m --flash_size 4MB 0x1000 bootloader.bin 0x10000 app.bin"
	if out != want {
		t.Errorf("Emit() = %q, want %q", out, want)
	}
}
