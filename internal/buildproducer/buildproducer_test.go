package buildproducer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/espbrew/espbrew/internal/board"
)

type fakeProducer struct {
	name    string
	handles bool
}

func (f fakeProducer) Name() string { return f.name }
func (f fakeProducer) CanHandle(projectDir string) (bool, error) { return f.handles, nil }
func (f fakeProducer) DiscoverVariants(projectDir string) ([]Variant, error) {
	return []Variant{{Name: "default", ProjectDir: projectDir}}, nil
}
func (f fakeProducer) Build(ctx context.Context, v Variant) (*board.Plan, error) { return nil, nil }
func (f fakeProducer) Clean(v Variant) error                                     { return nil }

func TestRegistryDetectsFirstMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeProducer{name: "a", handles: false})
	r.Register(fakeProducer{name: "b", handles: true})
	r.Register(fakeProducer{name: "c", handles: true})

	p, err := r.Detect("/some/dir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "b" {
		t.Errorf("got %q, want b (first match)", p.Name())
	}
}

func TestRegistryDetectNoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeProducer{name: "a", handles: false})
	if _, err := r.Detect("/some/dir"); err == nil {
		t.Fatal("expected error when no producer matches")
	}
}

func TestESPIDFProducerCanHandleCMakeLists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CMakeLists.txt"), []byte("idf_component_register()"), 0644); err != nil {
		t.Fatal(err)
	}
	p := &ESPIDFProducer{}
	ok, err := p.CanHandle(dir)
	if err != nil || !ok {
		t.Errorf("CanHandle = %v, %v, want true, nil", ok, err)
	}
}

func TestESPIDFProducerCanHandleFalseForEmptyDir(t *testing.T) {
	dir := t.TempDir()
	p := &ESPIDFProducer{}
	ok, err := p.CanHandle(dir)
	if err != nil || ok {
		t.Errorf("CanHandle = %v, %v, want false, nil", ok, err)
	}
}

func TestESPIDFProducerDiscoverVariantsFromSdkconfigFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sdkconfig.defaults.esp32s3"), []byte("CONFIG_IDF_TARGET=\"esp32s3\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sdkconfig.defaults.esp32c3"), []byte("CONFIG_IDF_TARGET=\"esp32c3\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p := &ESPIDFProducer{}
	variants, err := p.DiscoverVariants(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(variants))
	}
	for _, v := range variants {
		if v.ChipType == board.ChipUnknown {
			t.Errorf("variant %q resolved to unknown chip type", v.Name)
		}
	}
}

func TestESPIDFProducerDiscoverVariantsDefaultWhenNoSdkconfigs(t *testing.T) {
	dir := t.TempDir()
	p := &ESPIDFProducer{}
	variants, err := p.DiscoverVariants(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(variants) != 1 || variants[0].Name != "default" {
		t.Errorf("got %+v, want single default variant", variants)
	}
}
