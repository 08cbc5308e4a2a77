package buildproducer

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/config"
	"github.com/espbrew/espbrew/internal/flashargs"
)

// ESPIDFProducer drives `idf.py build` for a project directory and
// parses the resulting build/flash_args via C5, the same grammar
// espbrewd's HTTP surface accepts over the network. Process invocation
// follows mos/ourutil.RunCmd's "print the command, stream its output,
// wrap the error" shape.
type ESPIDFProducer struct {
	// IDFPyPath overrides where idf.py is found; empty means look it up
	// on PATH.
	IDFPyPath string
}

func (p *ESPIDFProducer) Name() string { return "esp-idf" }

// CanHandle reports true if projectDir contains a CMakeLists.txt (its
// contents are not inspected), or at least one
// sdkconfig.defaults.* file (spec.md §4.11's board-type synthesis
// convention reuses the same marker).
func (p *ESPIDFProducer) CanHandle(projectDir string) (bool, error) {
	if _, err := os.Stat(filepath.Join(projectDir, "CMakeLists.txt")); err == nil {
		return true, nil
	}
	matches, err := filepath.Glob(filepath.Join(projectDir, "sdkconfig.defaults.*"))
	if err != nil {
		return false, errors.Trace(err)
	}
	return len(matches) > 0, nil
}

// DiscoverVariants reuses config.SynthesizeBoardTypesFromProject's
// sdkconfig.defaults.* scan, but returns Variants rather than persisting
// BoardType catalog entries; a project with no variant-specific
// sdkconfigs yields a single "default" variant.
func (p *ESPIDFProducer) DiscoverVariants(projectDir string) ([]Variant, error) {
	matches, err := filepath.Glob(filepath.Join(projectDir, "sdkconfig.defaults.*"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(matches) == 0 {
		return []Variant{{Name: "default", ChipType: board.ChipUnknown, ProjectDir: projectDir}}, nil
	}

	var variants []Variant
	for _, m := range matches {
		suffix := strings.TrimPrefix(filepath.Base(m), "sdkconfig.defaults.")
		chip := config.ChipFromVariantName(suffix)
		if chip == board.ChipUnknown {
			chip = config.ChipFromSdkconfigContents(m)
		}
		variants = append(variants, Variant{
			Name:       suffix,
			ChipType:   chip,
			ProjectDir: projectDir,
		})
	}
	return variants, nil
}

// Build runs "idf.py -B build/<variant> -D SDKCONFIG_DEFAULTS=... build"
// and parses the resulting flash_args.
func (p *ESPIDFProducer) Build(ctx context.Context, v Variant) (*board.Plan, error) {
	idfPy := p.IDFPyPath
	if idfPy == "" {
		idfPy = "idf.py"
	}
	buildDir := filepath.Join(v.ProjectDir, "build", v.Name)

	args := []string{"-C", v.ProjectDir, "-B", buildDir}
	if v.Name != "default" {
		sdkconfigDefaults := filepath.Join(v.ProjectDir, "sdkconfig.defaults."+v.Name)
		args = append(args, "-D", "SDKCONFIG_DEFAULTS="+sdkconfigDefaults)
	}
	args = append(args, "build")

	if err := runIDFPy(ctx, idfPy, args); err != nil {
		return nil, errors.Annotatef(err, "idf.py build failed for variant %s", v.Name)
	}

	flashArgsPath := filepath.Join(buildDir, "flash_args")
	return flashargs.Parse(flashArgsPath, buildDir)
}

// Clean removes the variant's build directory; idf.py's own "clean"
// target is a no-op for out-of-tree build dirs like the one Build uses,
// so this just removes the tree directly.
func (p *ESPIDFProducer) Clean(v Variant) error {
	buildDir := filepath.Join(v.ProjectDir, "build", v.Name)
	if err := os.RemoveAll(buildDir); err != nil {
		return errors.Annotatef(err, "failed to clean %s", buildDir)
	}
	return nil
}

func runIDFPy(ctx context.Context, idfPy string, args []string) error {
	glog.Infof("buildproducer: running %s %s", idfPy, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, idfPy, args...)
	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Annotatef(err, "%s", strings.TrimSpace(stderr.String()))
	}
	return nil
}
