// Package httpapi implements the HTTP + WebSocket surface (spec.md §4.8,
// C8): the REST endpoints under /api/v1 and the /ws/monitor/{id}
// WebSocket upgrade, routed with goji.io the way
// fwbuild/manager/fwbuild_manager.go routes its own /api/* sub-mux, and
// reusing that file's JSON-envelope reply convention
// (httpReply/httpReplyExt) generalized to the espbrewerr taxonomy's
// HTTPStatus mapping instead of a single 500.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	goji "goji.io"
	"goji.io/pat"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/boardid"
	"github.com/espbrew/espbrew/internal/config"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/mdnsadv"
	"github.com/espbrew/espbrew/internal/monitor"
	"github.com/espbrew/espbrew/internal/orchestrator"
	"github.com/espbrew/espbrew/internal/registry"
)

// Server holds the dependencies every handler needs.
type Server struct {
	Registry      *registry.Registry
	Monitor       *monitor.Manager
	Orchestrator  *orchestrator.Orchestrator
	Config        *config.Store
	Bus           *eventbus.Bus
	Version       string
	MonitorOpener boardid.PortOpener
}

// defaultMonitorBaud is used when POST /boards/{id}/monitor does not
// specify one; 115200 is the ESP-IDF console default.
const defaultMonitorBaud = 115200

// NewServer wires s and launches the background listener that releases
// a board's Monitoring lease whenever its session stops on its own (the
// keepalive reaper, or a serial read error; a websocket disconnect only
// drops that subscriber): the monitor package has no notion of
// the registry lease, so httpapi closes that loop via the event bus
// rather than reaching into monitor internals.
func NewServer(s *Server, stop <-chan struct{}) *Server {
	go s.releaseLeaseOnMonitorStop(stop)
	return s
}

func (s *Server) releaseLeaseOnMonitorStop(stop <-chan struct{}) {
	events, unsubscribe := s.Bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case ev := <-events:
			if ev.Kind != eventbus.KindMonitorStopped {
				continue
			}
			if b, ok := s.Registry.Get(ev.BoardID); ok && b.Status == board.StatusMonitoring {
				s.Registry.Release(ev.BoardID, true, "")
			}
		case <-stop:
			return
		}
	}
}

// NewMux builds the routed handler: CORS-wrapped, logged the way
// fwbuild_manager.go wraps rRoot with middleware.MakeLogger().
func (s *Server) NewMux() http.Handler {
	root := goji.NewMux()
	root.Use(corsMiddleware)
	root.Use(loggingMiddleware)

	api := goji.SubMux()
	root.Handle(pat.New("/api/v1/*"), api)

	api.HandleFunc(pat.Get("/boards"), s.handleListBoards)
	api.HandleFunc(pat.Post("/boards/scan"), s.handleScan)
	api.HandleFunc(pat.Get("/boards/:id"), s.handleGetBoard)
	api.HandleFunc(pat.Post("/boards/:id/flash"), s.handleFlash)
	api.HandleFunc(pat.Post("/boards/:id/reset"), s.handleReset)
	api.HandleFunc(pat.Post("/boards/:id/monitor"), s.handleMonitorStart)
	api.HandleFunc(pat.Delete("/boards/:id/monitor"), s.handleMonitorStop)
	api.HandleFunc(pat.Get("/monitor/sessions"), s.handleMonitorSessions)
	api.HandleFunc(pat.Post("/monitor/:session_id/keepalive"), s.handleMonitorKeepalive)
	api.HandleFunc(pat.Get("/board-types"), s.handleListBoardTypes)
	api.HandleFunc(pat.Post("/board-types"), s.handlePutBoardType)
	api.HandleFunc(pat.Get("/assignments"), s.handleListAssignments)
	api.HandleFunc(pat.Post("/assignments"), s.handleSetAssignment)
	api.HandleFunc(pat.Delete("/assignments/:unique_id"), s.handleRemoveAssignment)
	api.HandleFunc(pat.Get("/discover"), s.handleDiscover)
	api.HandleFunc(pat.Get("/status"), s.handleStatus)

	root.HandleFunc(pat.Get("/ws/monitor/:id"), s.handleMonitorWS)

	return root
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		glog.V(1).Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("httpapi: failed to encode response: %v", err)
	}
}

// writeError maps err through espbrewerr.HTTPStatus, the generalized
// form of fwbuild_manager.go's plain "500 + error string" reply.
func writeError(w http.ResponseWriter, err error) {
	kind := espbrewerr.KindOf(err)
	status := espbrewerr.HTTPStatus(kind)
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func boardID(r *http.Request) string {
	return pat.Param(r, "id")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":          s.Version,
		"board_count":      len(s.Registry.List()),
		"subscriber_count": s.Bus.SubscriberCount(),
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	advs, err := mdnsadv.Browse(r.Context(), discoverTimeout)
	if err != nil {
		writeError(w, espbrewerr.New(espbrewerr.KindRemoteUnreachable, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, advs)
}
