package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"goji.io/pat"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/romproto"
)

// discoverTimeout bounds how long GET /discover waits for mDNS replies
// before returning whatever it has collected.
const discoverTimeout = 3 * time.Second

// maxUploadBytes caps a multipart flash upload at 16MB, comfortably
// above the largest realistic ESP32 firmware image triple (app +
// bootloader + partition table).
const maxUploadBytes = 16 << 20

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	id := boardID(r)
	b, ok := s.Registry.Get(id)
	if !ok {
		writeError(w, espbrewerr.New(espbrewerr.KindPortNotFound, "no such board: "+id))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleFlash accepts a multipart/form-data upload per spec.md §4.8:
// "binary_count" text field N, optional "flash_mode"/"flash_freq"/
// "flash_size" text fields, and per i in 0..N a "binary_i" file part
// plus "binary_i_name"/"binary_i_offset"/"binary_i_filename" text
// fields. Uploaded bytes only ever live in the parsed board.Plan; no
// part is persisted to disk after the flash completes.
func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	id := boardID(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, espbrewerr.New(espbrewerr.KindInvalidFlashPlan, "bad multipart body: "+err.Error()))
		return
	}

	plan, err := buildPlanFromUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Orchestrator.Flash(r.Context(), id, plan); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReset pulses DTR/RTS to reset the board back into its flashed
// application (the inverse of flashengine's reset-into-bootloader
// sequence). It refuses to run while a monitor session holds the port,
// since opening a second connection to the same serial device would
// race the session's own reader.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := boardID(r)
	b, ok := s.Registry.Get(id)
	if !ok {
		writeError(w, espbrewerr.New(espbrewerr.KindPortNotFound, "no such board: "+id))
		return
	}
	if _, monitoring := s.Monitor.Get(id); monitoring {
		writeError(w, espbrewerr.New(espbrewerr.KindPortBusy, id+" is being monitored; stop the monitor session before resetting"))
		return
	}
	if err := s.Registry.Lease(id, board.StatusFlashing); err != nil {
		writeError(w, err)
		return
	}
	ok2 := false
	var resetErr error
	defer func() { s.Registry.Release(id, ok2, errString(resetErr)) }()

	port, err := s.MonitorOpener.Open(b.Port, 115200)
	if err != nil {
		resetErr = espbrewerr.New(espbrewerr.KindPortIoError, err.Error())
		writeError(w, resetErr)
		return
	}
	defer closeRomPort(port)

	if err := runModeReset(port); err != nil {
		resetErr = espbrewerr.New(espbrewerr.KindPortIoError, err.Error())
		writeError(w, resetErr)
		return
	}
	ok2 = true
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runModeReset pulses RTS (tied to EN/CHIP_PU on most ESP32 dev boards)
// low then high with DTR left deasserted, the normal "run the flashed
// app" reset shape (as opposed to romproto.Client.ResetSequence, which
// holds GPIO0 low via DTR to enter the bootloader instead).
func runModeReset(p romproto.Port) error {
	if err := p.SetDTR(false); err != nil {
		return err
	}
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.SetRTS(false)
}

func closeRomPort(p romproto.Port) {
	if c, ok := p.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	id := boardID(r)
	b, ok := s.Registry.Get(id)
	if !ok {
		writeError(w, espbrewerr.New(espbrewerr.KindPortNotFound, "no such board: "+id))
		return
	}
	if sess, already := s.Monitor.Get(id); already {
		writeJSON(w, http.StatusOK, board.MonitorSessionSummary{ID: sess.ID, BoardID: id, Port: b.Port, Baud: sess.Baud})
		return
	}

	baud := defaultMonitorBaud
	if v := r.URL.Query().Get("baud"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			baud = n
		}
	}

	if err := s.Registry.Lease(id, board.StatusMonitoring); err != nil {
		writeError(w, err)
		return
	}
	port, err := s.MonitorOpener.Open(b.Port, baud)
	if err != nil {
		s.Registry.Release(id, false, "failed to open port for monitoring: "+err.Error())
		writeError(w, espbrewerr.New(espbrewerr.KindPortIoError, err.Error()))
		return
	}

	sess := s.Monitor.Start(id, b.Port, baud, wsPortAdapter{port})
	writeJSON(w, http.StatusOK, board.MonitorSessionSummary{ID: sess.ID, BoardID: id, Port: b.Port, Baud: baud})
}

// wsPortAdapter adapts a romproto.Port (no Close in its interface,
// since the flash engine never needs to close what it didn't open) to
// monitor.Port's io.ReadWriteCloser, the same pattern
// internal/orchestrator uses for its post-flash monitor resume.
type wsPortAdapter struct {
	p romproto.Port
}

func (a wsPortAdapter) Read(b []byte) (int, error)  { return a.p.Read(b) }
func (a wsPortAdapter) Write(b []byte) (int, error) { return a.p.Write(b) }
func (a wsPortAdapter) Close() error {
	if c, ok := a.p.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	id := boardID(r)
	sess, ok := s.Monitor.Get(id)
	if !ok {
		writeError(w, espbrewerr.New(espbrewerr.KindSessionNotFound, "no monitor session for "+id))
		return
	}
	sess.Stop()
	s.Registry.Release(id, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleMonitorSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Monitor.Summaries())
}

// handleMonitorKeepalive is the explicit heartbeat spec.md §4.7 describes
// alongside WebSocket traffic: a client that is only reading (no WS ping
// of its own) can still keep a session alive by hitting this periodically.
// Returns SessionNotFound once the keepalive reaper has already stopped
// the session, matching scenario S6 in spec.md §8.
func (s *Server) handleMonitorKeepalive(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "session_id")
	sess, ok := s.Monitor.GetByID(id)
	if !ok {
		writeError(w, espbrewerr.New(espbrewerr.KindSessionNotFound, "no such monitor session: "+id))
		return
	}
	sess.Touch()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleScan forces an out-of-band board-registry scan, bypassing the
// identity cache's TTL (spec.md §4.6: "a manual scan bypasses cache TTL").
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.ForceScan(r.Context()); err != nil {
		writeError(w, espbrewerr.New(espbrewerr.KindPortIoError, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"board_count": len(s.Registry.List())})
}

func (s *Server) handleListBoardTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config.BoardTypes())
}

func (s *Server) handlePutBoardType(w http.ResponseWriter, r *http.Request) {
	var bt board.BoardType
	if err := decodeJSONBody(r, &bt); err != nil {
		writeError(w, espbrewerr.New(espbrewerr.KindConfigParseError, err.Error()))
		return
	}
	if bt.ID == "" {
		writeError(w, espbrewerr.New(espbrewerr.KindConfigParseError, "board type requires an id"))
		return
	}
	if err := s.Config.UpsertBoardType(bt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bt)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config.Assignments())
}

type assignmentRequest struct {
	UniqueID    string `json:"unique_id"`
	BoardTypeID string `json:"board_type_id"`
	LogicalName string `json:"logical_name"`
}

func (s *Server) handleSetAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, espbrewerr.New(espbrewerr.KindConfigParseError, err.Error()))
		return
	}
	if req.UniqueID == "" {
		writeError(w, espbrewerr.New(espbrewerr.KindConfigParseError, "unique_id is required"))
		return
	}
	if err := s.Config.SetAssignment(req.UniqueID, req.BoardTypeID, req.LogicalName); err != nil {
		writeError(w, err)
		return
	}
	s.Registry.ApplyAssignment(req.UniqueID, req.BoardTypeID, req.LogicalName)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveAssignment(w http.ResponseWriter, r *http.Request) {
	uniqueID := pat.Param(r, "unique_id")
	if err := s.Config.RemoveAssignment(uniqueID); err != nil {
		writeError(w, err)
		return
	}
	s.Registry.ApplyAssignment(uniqueID, "", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
