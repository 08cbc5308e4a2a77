// espbrewd is the long-running server (spec.md §"Server"): it owns the
// board registry, monitor manager and flash orchestrator, serves the HTTP
// API (C8) and advertises itself over mDNS (C9) so espbrew clients on the
// LAN can find it without a configured address.
//
// Flag and startup shape follows mos/main.go's package-level flags plus
// fwbuild/manager/fwbuild_manager.go's http.Server-based listener
// startup; unlike fwbuild-manager this process has no TLS listener since
// it only ever needs to serve a trusted local network (spec.md's remote
// client Non-goals exclude auth/TLS).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"github.com/espbrew/espbrew/common/pflagenv"
	"github.com/espbrew/espbrew/internal/config"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/httpapi"
	"github.com/espbrew/espbrew/internal/identitycache"
	"github.com/espbrew/espbrew/internal/mdnsadv"
	"github.com/espbrew/espbrew/internal/monitor"
	"github.com/espbrew/espbrew/internal/orchestrator"
	"github.com/espbrew/espbrew/internal/registry"
	"github.com/espbrew/espbrew/internal/serialio"
	"github.com/espbrew/espbrew/version"
)

var (
	httpPort    = flag.Int("port", 4242, "HTTP port to listen at")
	configPath  = flag.String("config", "espbrewd.yml", "Path to the board-type/assignment config file")
	projectDir  = flag.String("project", "", "ESP-IDF project directory to synthesize board types from at startup (optional)")
	noMDNS      = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	instanceTag = flag.String("instance-name", "", "mDNS instance name override; defaults to the hostname")
	description = flag.String("description", "", "Human-readable description published in the mDNS TXT record")
)

const envPrefix = "ESPBREWD_"

func main() {
	flag.Parse()
	pflagenv.Parse(envPrefix)
	glog.Infof("espbrewd %s (%s)", version.Version, version.BuildId)

	store, err := config.Open(*configPath)
	if err != nil {
		glog.Fatalf("failed to open config %s: %v", *configPath, err)
	}

	if *projectDir != "" {
		if err := store.SynthesizeBoardTypesFromProject(*projectDir); err != nil {
			glog.Warningf("failed to synthesize board types from %s: %v", *projectDir, err)
		}
	}

	bus := eventbus.New()
	opener := serialio.Opener{}
	reg := registry.New(opener, identitycache.New(), bus)
	store.OnAssignmentChange(reg.ApplyAssignment)

	mon := monitor.NewManager(bus)
	orch := orchestrator.New(reg, mon, bus, opener)

	stop := make(chan struct{})
	server := httpapi.NewServer(&httpapi.Server{
		Registry:      reg,
		Monitor:       mon,
		Orchestrator:  orch,
		Config:        store,
		Bus:           bus,
		Version:       version.Version,
		MonitorOpener: opener,
	}, stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	var adv *mdnsadv.Advertiser
	if !*noMDNS {
		name := *instanceTag
		if name == "" {
			name = mdnsadv.LocalInstanceName()
		}
		hostname, _ := os.Hostname()
		adv, err = mdnsadv.Advertise(name, hostname, *description, *httpPort, version.Version, reg.List())
		if err != nil {
			glog.Warningf("mdnsadv: failed to advertise: %v", err)
		} else {
			go refreshAdvertisement(ctx, adv, name, hostname, *description, *httpPort, reg)
		}
	}

	hs := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: server.NewMux(),
	}

	go func() {
		glog.Infof("espbrewd: listening at :%d", *httpPort)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	glog.Infof("espbrewd: shutting down")
	close(stop)
	if adv != nil {
		adv.Shutdown()
	}
	reg.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	hs.Shutdown(shutdownCtx)
}

// refreshAdvertisement keeps the mDNS TXT record's board count roughly
// current by re-publishing once per scan cycle; registry.Registry has no
// dedicated "board list changed" event (only the best-effort KindTick),
// so polling on the same cadence as the scan loop is simpler than wiring
// a new event kind for this alone.
func refreshAdvertisement(ctx context.Context, adv *mdnsadv.Advertiser, name, hostname, description string, port int, reg *registry.Registry) {
	ticker := time.NewTicker(registry.DefaultScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := adv.UpdateBoards(name, hostname, description, port, version.Version, reg.List()); err != nil {
				glog.Warningf("mdnsadv: failed to refresh advertisement: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
