// espbrew is the CLI front-end: list locally attached boards, build and
// flash a project directly, or talk to a remote espbrewd over the
// network (C10). Command dispatch follows mos/main.go's command-table
// (name, handler, required/optional flags), simplified since espbrew has
// no device-RPC connection to set up before most commands run.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	flag "github.com/spf13/pflag"

	"github.com/espbrew/espbrew/common/pflagenv"
	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/boardid"
	"github.com/espbrew/espbrew/internal/buildproducer"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/flashargs"
	"github.com/espbrew/espbrew/internal/identitycache"
	"github.com/espbrew/espbrew/internal/mdnsadv"
	"github.com/espbrew/espbrew/internal/monitor"
	"github.com/espbrew/espbrew/internal/orchestrator"
	"github.com/espbrew/espbrew/internal/registry"
	"github.com/espbrew/espbrew/internal/remoteclient"
	"github.com/espbrew/espbrew/internal/serialio"
	"github.com/espbrew/espbrew/version"
)

var (
	project     = flag.String("project", ".", "Project directory to build")
	variant     = flag.String("variant", "", "Build variant name; empty auto-detects the sole variant or errors if ambiguous")
	flashArgs   = flag.String("flash-args", "", "Path to a flash_args file to flash directly, bypassing build")
	boardFlag   = flag.String("board", "", "Board selector: board_id, unique id, or logical name; empty auto-selects the sole available board")
	server      = flag.String("server", "", "Remote espbrewd base URL (http://host:port); empty browses mDNS for one")
	browseFor   = flag.Duration("browse-timeout", 3*time.Second, "How long to browse mDNS for a server when --server is empty")
	offsetFlag  = flag.Uint32("offset", 0x10000, "Flash offset for a single-binary flash (local or remote)")
	binaryFlag  = flag.String("binary", "", "Path to a single binary to flash, used instead of --flash-args/--project")
)

type handler func(ctx context.Context, args []string) error

type command struct {
	name    string
	handler handler
	short   string
}

var commands = []command{
	{"list", cmdList, "List locally attached boards"},
	{"build", cmdBuild, "Build the project directory via its detected build producer"},
	{"flash", cmdFlash, "Build (unless --flash-args/--binary is given) and flash a locally attached board"},
	{"monitor", cmdMonitor, "Open a serial monitor on a locally attached board"},
	{"discover", cmdDiscover, "Browse mDNS for espbrewd instances on the LAN"},
	{"remote-boards", cmdRemoteBoards, "List boards known to a remote espbrewd"},
	{"remote-flash", cmdRemoteFlash, "Flash a board attached to a remote espbrewd"},
	{"remote-monitor", cmdRemoteMonitor, "Open a serial monitor on a board attached to a remote espbrewd"},
}

func usage() {
	fmt.Fprintf(os.Stderr, "espbrew %s (%s)\n\nUsage: espbrew <command> [flags]\n\nCommands:\n", version.Version, version.BuildId)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", c.name, c.short)
	}
	flag.PrintDefaults()
}

func getCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

const envPrefix = "ESPBREW_"

func main() {
	flag.Usage = usage
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	cmd := getCommand(flag.Arg(0))
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "espbrew: unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}

	ctx := context.Background()
	if err := cmd.handler(ctx, flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "espbrew: %s\n", errors.Cause(err))
		os.Exit(1)
	}
}

// newLocalRegistry runs one scan cycle over locally attached ports and
// returns a Registry holding its result; callers needing a single
// snapshot (list, flash, monitor) don't need the background scan loop a
// long-running daemon uses.
func newLocalRegistry(ctx context.Context) (*registry.Registry, error) {
	bus := eventbus.New()
	reg := registry.New(serialio.Opener{}, identitycache.New(), bus)
	if err := reg.Scan(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to scan serial ports")
	}
	return reg, nil
}

func cmdList(ctx context.Context, args []string) error {
	reg, err := newLocalRegistry(ctx)
	if err != nil {
		return err
	}
	for _, b := range reg.List() {
		fmt.Printf("%-24s %-14s %-10s %s\n", b.BoardID, b.Port, b.Status, b.Identity.ChipType)
	}
	return nil
}

func defaultProducerRegistry() *buildproducer.Registry {
	r := buildproducer.NewRegistry()
	r.Register(&buildproducer.ESPIDFProducer{})
	return r
}

// resolveVariant detects the project's buildable variants and either
// returns the sole one or the one matching --variant.
func resolveVariant(ctx context.Context) (buildproducer.Producer, buildproducer.Variant, error) {
	producers := defaultProducerRegistry()
	p, err := producers.Detect(*project)
	if err != nil {
		return nil, buildproducer.Variant{}, err
	}
	variants, err := p.DiscoverVariants(*project)
	if err != nil {
		return nil, buildproducer.Variant{}, err
	}
	if *variant == "" {
		if len(variants) != 1 {
			return nil, buildproducer.Variant{}, errors.Errorf("project has %d variants, pass --variant to pick one", len(variants))
		}
		return p, variants[0], nil
	}
	for _, v := range variants {
		if v.Name == *variant {
			return p, v, nil
		}
	}
	return nil, buildproducer.Variant{}, errors.Errorf("no such variant %q", *variant)
}

func cmdBuild(ctx context.Context, args []string) error {
	p, v, err := resolveVariant(ctx)
	if err != nil {
		return err
	}
	glog.Infof("espbrew: building variant %q with producer %q", v.Name, p.Name())
	plan, err := p.Build(ctx, v)
	if err != nil {
		return err
	}
	fmt.Printf("built %d segment(s)\n", len(plan.Segments))
	return nil
}

// planFromFlags builds a board.Plan from whichever of --flash-args,
// --binary or --project the caller provided, preferring the most
// explicit source first.
func planFromFlags(ctx context.Context) (*board.Plan, error) {
	switch {
	case *flashArgs != "":
		return flashargs.Parse(*flashArgs, "")
	case *binaryFlag != "":
		data, err := os.ReadFile(*binaryFlag)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &board.Plan{
			Segments: []board.Segment{{Offset: *offsetFlag, Bytes: data, Name: "app"}},
			Config:   board.FlashConfig{Mode: board.FlashModeDIO, Freq: board.FlashFreq40M, Size: board.FlashSizeDetect},
		}, nil
	default:
		p, v, err := resolveVariant(ctx)
		if err != nil {
			return nil, err
		}
		return p.Build(ctx, v)
	}
}

func cmdFlash(ctx context.Context, args []string) error {
	plan, err := planFromFlags(ctx)
	if err != nil {
		return err
	}

	reg, err := newLocalRegistry(ctx)
	if err != nil {
		return err
	}
	b, err := remoteclient.SelectBoard(reg.List(), *boardFlag)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	mon := monitor.NewManager(bus)
	opener := serialio.Opener{}
	orch := orchestrator.New(reg, mon, bus, opener)

	progress := mpb.New(mpb.WithWidth(40))
	var bar *mpb.Bar
	var lastTotal int64
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			if ev.Kind != eventbus.KindFlashProgress {
				continue
			}
			p, ok := ev.Data.(board.Progress)
			if !ok {
				continue
			}
			lastTotal = p.OverallTotal
			if bar == nil {
				bar = progress.New(p.OverallTotal,
					mpb.BarStyle().Rbound("|"),
					mpb.PrependDecorators(decor.Name(b.BoardID+" "+p.Phase.String())),
					mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f")),
				)
			}
			bar.SetCurrent(p.BytesWrittenAll)
		}
	}()

	err = orch.Flash(ctx, b.BoardID, plan)
	if bar != nil {
		bar.SetCurrent(lastTotal)
	}
	progress.Wait()
	if err != nil {
		return err
	}
	fmt.Printf("flashed %s on %s\n", b.BoardID, b.Port)
	return nil
}

func cmdMonitor(ctx context.Context, args []string) error {
	reg, err := newLocalRegistry(ctx)
	if err != nil {
		return err
	}
	b, err := remoteclient.SelectBoard(reg.List(), *boardFlag)
	if err != nil {
		return err
	}

	opener := serialio.Opener{}
	port, err := opener.Open(b.Port, 115200)
	if err != nil {
		return errors.Annotatef(err, "failed to open %s", b.Port)
	}

	bus := eventbus.New()
	mon := monitor.NewManager(bus)
	sess := mon.Start(b.BoardID, b.Port, 115200, monitorPort{port})
	defer sess.Stop()

	lines, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	for line := range lines {
		if line.Lag != nil {
			fmt.Fprintf(os.Stderr, "\n[espbrew: dropped %d line(s)]\n", line.Lag.DroppedLines)
			continue
		}
		fmt.Println(line.Text)
	}
	return nil
}

type monitorPort struct{ p interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
} }

func (m monitorPort) Read(b []byte) (int, error)  { return m.p.Read(b) }
func (m monitorPort) Write(b []byte) (int, error) { return m.p.Write(b) }
func (m monitorPort) Close() error {
	if c, ok := m.p.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func cmdDiscover(ctx context.Context, args []string) error {
	bctx, cancel := context.WithTimeout(ctx, *browseFor)
	defer cancel()
	advs, err := mdnsadv.Browse(bctx, *browseFor)
	if err != nil {
		return err
	}
	if len(advs) == 0 {
		fmt.Println("no espbrewd instances found")
		return nil
	}
	for _, a := range advs {
		fmt.Printf("%-24s %s:%d (%d board(s), version %s)\n", a.Name, a.Host, a.Port, a.BoardCount, a.Version)
		if a.Description != "" {
			fmt.Printf("    %s\n", a.Description)
		}
	}
	return nil
}

func remoteClient(ctx context.Context) (*remoteclient.Client, error) {
	return remoteclient.Resolve(ctx, *server, *browseFor)
}

func cmdRemoteBoards(ctx context.Context, args []string) error {
	c, err := remoteClient(ctx)
	if err != nil {
		return err
	}
	boards, err := c.FetchBoards(ctx)
	if err != nil {
		return err
	}
	for _, b := range boards {
		fmt.Printf("%-24s %-10s %s\n", b.BoardID, b.Status, b.Identity.ChipType)
	}
	return nil
}

func cmdRemoteFlash(ctx context.Context, args []string) error {
	c, err := remoteClient(ctx)
	if err != nil {
		return err
	}
	boards, err := c.FetchBoards(ctx)
	if err != nil {
		return err
	}
	b, err := remoteclient.SelectBoard(boards, *boardFlag)
	if err != nil {
		return err
	}

	if *binaryFlag != "" {
		res, err := c.FlashSingleBinary(ctx, b.BoardID, *binaryFlag, *offsetFlag)
		if err != nil {
			return err
		}
		fmt.Println(res.Message)
		return nil
	}

	p, v, err := resolveVariant(ctx)
	if err != nil {
		return err
	}
	plan, err := p.Build(ctx, v)
	if err != nil {
		return err
	}
	buildDir := v.ProjectDir
	res, err := c.FlashArgsPlan(ctx, b.BoardID, plan, buildDir)
	if err != nil {
		return err
	}
	fmt.Println(res.Message)
	return nil
}

func cmdRemoteMonitor(ctx context.Context, args []string) error {
	c, err := remoteClient(ctx)
	if err != nil {
		return err
	}
	boards, err := c.FetchBoards(ctx)
	if err != nil {
		return err
	}
	b, err := remoteclient.SelectBoard(boards, *boardFlag)
	if err != nil {
		return err
	}

	stream, err := c.Monitor(ctx, b.BoardID)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		line, err := stream.ReadLine()
		if err != nil {
			return err
		}
		fmt.Println(line)
	}
}

var _ boardid.PortOpener = serialio.Opener{}
var _ orchestrator.PortOpener = serialio.Opener{}
