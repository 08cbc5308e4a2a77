package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/espbrew/espbrew/internal/board"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.BoardTypes()) != 0 || len(s.Assignments()) != 0 {
		t.Fatal("expected empty store for a missing config file")
	}
}

func TestUpsertBoardTypeAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	bt := board.BoardType{ID: "devkit-c", HumanName: "DevKitC", ChipType: board.ChipESP32}
	if err := s.UpsertBoardType(bt); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.BoardTypes()
	if len(got) != 1 || got[0].ID != "devkit-c" {
		t.Fatalf("got %+v, want one devkit-c entry after reopen", got)
	}
}

func TestUpsertBoardTypeReplacesByID(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "config.yml"))
	s.UpsertBoardType(board.BoardType{ID: "a", HumanName: "first"})
	s.UpsertBoardType(board.BoardType{ID: "a", HumanName: "second"})
	got := s.BoardTypes()
	if len(got) != 1 || got[0].HumanName != "second" {
		t.Fatalf("got %+v, want one entry with HumanName=second", got)
	}
}

func TestSetAssignmentCreateThenUpdate(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "config.yml"))
	if err := s.SetAssignment("MACAABBCCDDEEFF", "devkit-c", "bench-1"); err != nil {
		t.Fatal(err)
	}
	a, ok := s.AssignmentFor("MACAABBCCDDEEFF")
	if !ok || a.LogicalName != "bench-1" {
		t.Fatalf("got %+v, ok=%v", a, ok)
	}

	if err := s.SetAssignment("MACAABBCCDDEEFF", "devkit-c", "bench-2"); err != nil {
		t.Fatal(err)
	}
	if len(s.Assignments()) != 1 {
		t.Fatalf("got %d assignments, want 1 (update in place)", len(s.Assignments()))
	}
	a, _ = s.AssignmentFor("MACAABBCCDDEEFF")
	if a.LogicalName != "bench-2" {
		t.Errorf("LogicalName = %q, want bench-2", a.LogicalName)
	}
}

func TestRemoveAssignment(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "config.yml"))
	s.SetAssignment("MACAABBCCDDEEFF", "devkit-c", "bench-1")
	if err := s.RemoveAssignment("MACAABBCCDDEEFF"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.AssignmentFor("MACAABBCCDDEEFF"); ok {
		t.Fatal("expected assignment to be gone")
	}
}

func TestOnAssignmentChangeNotifiesListener(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "config.yml"))
	var gotUniqueID, gotType, gotName string
	s.OnAssignmentChange(func(uniqueID, boardTypeID, logicalName string) {
		gotUniqueID, gotType, gotName = uniqueID, boardTypeID, logicalName
	})
	s.SetAssignment("MACAABBCCDDEEFF", "devkit-c", "bench-1")
	if gotUniqueID != "MACAABBCCDDEEFF" || gotType != "devkit-c" || gotName != "bench-1" {
		t.Errorf("listener got (%q, %q, %q)", gotUniqueID, gotType, gotName)
	}
}

func TestSynthesizeBoardTypesFromProject(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "sdkconfig.defaults.esp32s3"), []byte("CONFIG_FOO=y\n"), 0644)
	os.WriteFile(filepath.Join(dir, "sdkconfig.defaults.custom"), []byte(`CONFIG_IDF_TARGET="esp32c3"`+"\n"), 0644)

	s, _ := Open(filepath.Join(t.TempDir(), "config.yml"))
	if err := s.SynthesizeBoardTypesFromProject(dir); err != nil {
		t.Fatal(err)
	}
	types := s.BoardTypes()
	if len(types) != 2 {
		t.Fatalf("got %d board types, want 2", len(types))
	}
	byID := map[string]board.BoardType{}
	for _, bt := range types {
		byID[bt.ID] = bt
	}
	if byID["idf-esp32s3"].ChipType != board.ChipESP32S3 {
		t.Errorf("idf-esp32s3 chip = %v, want ESP32-S3", byID["idf-esp32s3"].ChipType)
	}
	if byID["idf-custom"].ChipType != board.ChipESP32C3 {
		t.Errorf("idf-custom chip = %v, want ESP32-C3 (from CONFIG_IDF_TARGET)", byID["idf-custom"].ChipType)
	}
}

func TestSynthesizeBoardTypesNoMatchesIsNotError(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "config.yml"))
	if err := s.SynthesizeBoardTypesFromProject(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if len(s.BoardTypes()) != 0 {
		t.Fatal("expected no board types for a project with no sdkconfig.defaults.*")
	}
}
