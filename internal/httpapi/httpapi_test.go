package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/config"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/identitycache"
	"github.com/espbrew/espbrew/internal/monitor"
	"github.com/espbrew/espbrew/internal/orchestrator"
	"github.com/espbrew/espbrew/internal/registry"
	"github.com/espbrew/espbrew/internal/romproto"
)

type noBoardIDOpener struct{}

func (noBoardIDOpener) Open(path string, baud int) (romproto.Port, error) {
	return nil, errTest{"open not supported in this test"}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := eventbus.New()
	reg := registry.New(noBoardIDOpener{}, identitycache.New(), bus)
	mon := monitor.NewManager(bus)
	cfg, err := config.Open("")
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	orch := orchestrator.New(reg, mon, bus, orchestratorOpenerStub{})
	return &Server{
		Registry:      reg,
		Monitor:       mon,
		Orchestrator:  orch,
		Config:        cfg,
		Bus:           bus,
		Version:       "test",
		MonitorOpener: noBoardIDOpener{},
	}
}

type orchestratorOpenerStub struct{}

func (orchestratorOpenerStub) OpenForFlash(path string, baud int) (romproto.Port, error) {
	return nil, errTest{"open not supported in this test"}
}

func TestHandleListBoardsEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []board.ConnectedBoard
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d boards, want 0", len(got))
	}
}

func TestHandleGetBoardNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/boards/board_missing", nil)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleListBoardsReturnsSeeded(t *testing.T) {
	s := newTestServer(t)
	s.Registry.SeedForTest("board_1", board.ConnectedBoard{BoardID: "board_1", Port: "/dev/ttyUSB0", Status: board.StatusAvailable})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)

	var got []board.ConnectedBoard
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].BoardID != "board_1" {
		t.Errorf("got %+v", got)
	}
}

func TestHandlePutAndListBoardTypes(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(board.BoardType{ID: "idf-esp32s3", HumanName: "ESP32-S3 devkit", ChipType: board.ChipESP32S3})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/board-types", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST status = %d, want 200: %s", w.Code, w.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/board-types", nil)
	w2 := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w2, req2)
	var got []board.BoardType
	if err := json.Unmarshal(w2.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "idf-esp32s3" {
		t.Errorf("got %+v", got)
	}
}

func TestHandleSetAndRemoveAssignment(t *testing.T) {
	s := newTestServer(t)
	s.Registry.SeedForTest(board.BoardID("MACAABBCCDDEEFF"), board.ConnectedBoard{
		BoardID: board.BoardID("MACAABBCCDDEEFF"), Identity: board.Identity{UniqueID: "MACAABBCCDDEEFF"},
	})

	body, _ := json.Marshal(assignmentRequest{UniqueID: "MACAABBCCDDEEFF", BoardTypeID: "idf-esp32s3", LogicalName: "bench-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("set assignment status = %d, want 200: %s", w.Code, w.Body.String())
	}

	b, _ := s.Registry.Get(board.BoardID("MACAABBCCDDEEFF"))
	if b.LogicalName != "bench-1" || b.AssignedBoardTypeID != "idf-esp32s3" {
		t.Errorf("registry not updated after assignment: %+v", b)
	}

	req2 := httptest.NewRequest(http.MethodDelete, "/api/v1/assignments/MACAABBCCDDEEFF", nil)
	w2 := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("remove assignment status = %d, want 200: %s", w2.Code, w2.Body.String())
	}
	b2, _ := s.Registry.Get(board.BoardID("MACAABBCCDDEEFF"))
	if b2.LogicalName != "" || b2.AssignedBoardTypeID != "" {
		t.Errorf("registry still shows assignment after removal: %+v", b2)
	}
}

func TestHandleFlashMissingBinary(t *testing.T) {
	s := newTestServer(t)
	s.Registry.SeedForTest("board_1", board.ConnectedBoard{BoardID: "board_1", Port: "/dev/ttyUSB0", Status: board.StatusAvailable})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/boards/board_1/flash", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)

	if w.Code != espbrewerr.HTTPStatus(espbrewerr.KindInvalidFlashPlan) {
		t.Fatalf("status = %d, want %d", w.Code, espbrewerr.HTTPStatus(espbrewerr.KindInvalidFlashPlan))
	}
}

func TestHandleMonitorStopNoSession(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/boards/board_1/monitor", nil)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleMonitorKeepaliveNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/monitor/no-such-session/keepalive", nil)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)
	if w.Code != espbrewerr.HTTPStatus(espbrewerr.KindSessionNotFound) {
		t.Fatalf("status = %d, want %d", w.Code, espbrewerr.HTTPStatus(espbrewerr.KindSessionNotFound))
	}
}

func TestHandleScan(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/boards/scan", nil)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var got map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got["board_count"]; !ok {
		t.Errorf("response missing board_count: %+v", got)
	}
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
