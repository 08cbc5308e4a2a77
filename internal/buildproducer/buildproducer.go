// Package buildproducer models the per-framework build capability
// (spec.md §"Polymorphism over frameworks", REDESIGN FLAGS): a Producer
// detects whether it can handle a project directory, discovers the
// buildable variants inside it, and turns a build or clean request into
// a board.Plan. Build producers are registered into a small ordered
// Registry; detection tries each Producer's CanHandle in registration
// order and uses the first match, mirroring the trait-object dispatch
// the original implementation used.
//
// Out of core scope per spec.md: only the interface plus one concrete
// ESP-IDF producer are implemented, the latter via internal/flashargs
// (C5) rather than by re-deriving ESP-IDF's own partition logic.
package buildproducer

import (
	"context"

	"github.com/espbrew/espbrew/internal/board"
)

// Variant is one buildable target within a project directory (an
// ESP-IDF project with multiple sdkconfig.defaults.* files has one
// variant per file).
type Variant struct {
	Name      string
	ChipType  board.ChipType
	ProjectDir string
}

// Producer is one framework's build capability.
type Producer interface {
	// Name identifies the producer for logging.
	Name() string
	// CanHandle reports whether projectDir looks like a project this
	// producer knows how to build.
	CanHandle(projectDir string) (bool, error)
	// DiscoverVariants lists the buildable variants in projectDir.
	DiscoverVariants(projectDir string) ([]Variant, error)
	// Build runs the framework's build tool for variant and returns the
	// resulting flash plan.
	Build(ctx context.Context, v Variant) (*board.Plan, error)
	// Clean removes variant's build output.
	Clean(v Variant) error
}

// Registry holds the known producers in detection-priority order.
type Registry struct {
	producers []Producer
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends p to the end of the detection order.
func (r *Registry) Register(p Producer) {
	r.producers = append(r.producers, p)
}

// Detect returns the first registered producer that can handle
// projectDir, in registration order.
func (r *Registry) Detect(projectDir string) (Producer, error) {
	for _, p := range r.producers {
		ok, err := p.CanHandle(projectDir)
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}
	}
	return nil, errNoProducer{projectDir: projectDir}
}

type errNoProducer struct {
	projectDir string
}

func (e errNoProducer) Error() string {
	return "no build producer recognizes project directory " + e.projectDir
}
