// Package registry implements the board registry (spec.md §4.6, C6): the
// authoritative map from board_id to ConnectedBoard, the periodic scan
// loop that refreshes it, and the per-board state machine flashing/
// monitoring sessions lease against.
//
// Grounded on mos/dev's device-connection bookkeeping pattern (a
// path-keyed map guarded by one mutex, refreshed by a background loop)
// and, for the jittered scan interval, on
// original_source/src/server/services/board_scanner.rs.
package registry

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/boardid"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/identitycache"
	"github.com/espbrew/espbrew/internal/serialport"
)

// DefaultScanInterval is the nominal period between background scans;
// the scanner loop applies up to 10% random jitter on top of it, per
// original_source/src/server/services/board_scanner.rs, to avoid many
// espbrewd instances on a shared USB hub re-enumerating in lockstep.
const DefaultScanInterval = 30 * time.Second

// boardEntry is the registry's internal bookkeeping for one board,
// ConnectedBoard plus the mutex that makes its state-machine transitions
// (Available <-> Flashing/Monitoring <-> Error) atomic across the
// orchestrator (C13) and monitor (C7) callers that lease it.
type boardEntry struct {
	mu    sync.Mutex
	board board.ConnectedBoard
}

// PortOpener is the dependency registry.New needs to run stage-2
// identification; satisfied by the cesanta/go-serial-backed opener the
// daemon wires in.
type PortOpener = boardid.PortOpener

// Registry owns the authoritative connected-board map.
type Registry struct {
	mu      sync.RWMutex
	boards  map[string]*boardEntry // keyed by BoardID
	byPort  map[string]string      // port path -> BoardID, for dedup/eviction
	opener  PortOpener
	cache   *identitycache.Cache
	bus     *eventbus.Bus
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(opener PortOpener, cache *identitycache.Cache, bus *eventbus.Bus) *Registry {
	return &Registry{
		boards: make(map[string]*boardEntry),
		byPort: make(map[string]string),
		opener: opener,
		cache:  cache,
		bus:    bus,
	}
}

// Start launches the background scan loop at DefaultScanInterval (plus
// jitter). Call Stop to terminate it.
func (r *Registry) Start(ctx context.Context) {
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.scanLoop(ctx)
}

func (r *Registry) Stop() {
	if r.stopCh != nil {
		close(r.stopCh)
	}
	r.wg.Wait()
}

func (r *Registry) scanLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if err := r.Scan(ctx); err != nil {
			glog.Errorf("registry: scan failed: %v", err)
		}
		d := jitteredInterval(DefaultScanInterval)
		select {
		case <-time.After(d):
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// jitteredInterval adds up to 10% random jitter on top of base, per
// original_source/src/server/services/board_scanner.rs.
func jitteredInterval(base time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(base) / 10))
	return base + jitter
}

// Scan enumerates candidate serial ports, deduplicates them, identifies
// each (consulting identitycache first), and reconciles the result into
// the registry: new boards are added, vanished ports are evicted, and
// boards that are currently Flashing or Monitoring are left untouched
// (their lease owner, not the scanner, controls their lifecycle).
func (r *Registry) Scan(ctx context.Context) error {
	return r.scan(ctx, false)
}

// ForceScan is the manual-trigger path spec.md §4.6 calls out separately:
// "a manual scan bypasses cache TTL". It drops every cached identity
// first, so every port is re-identified via boardid.Identify rather than
// served from identitycache, even within a still-valid TTL window.
func (r *Registry) ForceScan(ctx context.Context) error {
	return r.scan(ctx, true)
}

func (r *Registry) scan(ctx context.Context, bypassCache bool) error {
	if bypassCache {
		r.cache.InvalidateAll()
	}
	ports, err := serialport.ListCandidatePorts()
	if err != nil {
		return err
	}
	ports = dedupPorts(ports)

	livePorts := make([]string, 0, len(ports))
	for _, p := range ports {
		livePorts = append(livePorts, p.Path)
	}
	r.cache.EvictMissing(livePorts)

	for _, p := range ports {
		r.identifyAndUpsert(ctx, p)
	}

	r.evictVanished(livePorts)
	return nil
}

func (r *Registry) identifyAndUpsert(ctx context.Context, p serialport.Info) {
	var id board.Identity
	stage2OK := false

	if cached, ok := r.cache.Get(p.Path); ok {
		id = cached
		stage2OK = true
	} else {
		res := boardid.Identify(ctx, r.opener, p)
		id = res.Identity
		stage2OK = res.Stage2OK
		r.cache.Put(p.Path, id, stage2OK)
		if !stage2OK {
			glog.V(1).Infof("registry: %s: stage-2 failed (class=%v), using stage-1 hint", p.Path, res.Failure)
		}
	}

	boardID := board.BoardID(id.UniqueID)

	r.mu.Lock()
	existingID, portKnown := r.byPort[p.Path]
	if portKnown && existingID != boardID {
		delete(r.boards, existingID)
		delete(r.byPort, p.Path)
	}
	entry, ok := r.boards[boardID]
	if !ok {
		entry = &boardEntry{board: board.ConnectedBoard{
			Identity: id,
			BoardID:  boardID,
			Port:     p.Path,
			Status:   board.StatusAvailable,
			LastSeen: time.Now(),
		}}
		r.boards[boardID] = entry
		r.byPort[p.Path] = boardID
		r.mu.Unlock()
		glog.Infof("registry: new board %s (%s) on %s", boardID, id.ChipType, p.Path)
		r.bus.Publish(eventbus.Event{Kind: eventbus.KindTick, BoardID: boardID})
		return
	}
	r.byPort[p.Path] = boardID
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.board.LastSeen = time.Now()
	entry.board.Port = p.Path
	if stage2OK {
		entry.board.Identity = id
	}
}

// evictVanished removes boards whose port is no longer present, unless
// they are currently Flashing or Monitoring: a lease owner must observe
// the failure through its own I/O, not have the board vanish from under
// it mid-operation.
func (r *Registry) evictVanished(livePorts []string) {
	live := make(map[string]bool, len(livePorts))
	for _, p := range livePorts {
		live[p] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for boardID, entry := range r.boards {
		entry.mu.Lock()
		port := entry.board.Port
		status := entry.board.Status
		entry.mu.Unlock()
		if live[port] {
			continue
		}
		if status == board.StatusFlashing || status == board.StatusMonitoring {
			continue
		}
		delete(r.boards, boardID)
		delete(r.byPort, port)
		glog.Infof("registry: board %s disappeared (port %s gone)", boardID, port)
	}
}

// List returns a snapshot of all known boards, sorted by BoardID for
// stable API responses.
func (r *Registry) List() []board.ConnectedBoard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]board.ConnectedBoard, 0, len(r.boards))
	for _, e := range r.boards {
		e.mu.Lock()
		out = append(out, e.board)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoardID < out[j].BoardID })
	return out
}

// SeedForTest directly inserts a board, bypassing Scan; exported only for
// use by other packages' tests that need a populated registry without a
// real serial port.
func (r *Registry) SeedForTest(boardID string, b board.ConnectedBoard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boards[boardID] = &boardEntry{board: b}
	if b.Port != "" {
		r.byPort[b.Port] = boardID
	}
}

// Get returns one board by ID.
func (r *Registry) Get(boardID string) (board.ConnectedBoard, bool) {
	r.mu.RLock()
	entry, ok := r.boards[boardID]
	r.mu.RUnlock()
	if !ok {
		return board.ConnectedBoard{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.board, true
}

// Lease transitions boardID from Available to the given in-use status,
// failing with KindPortNotFound if the board does not exist and
// KindBoardBusy if it is already leased; used by the orchestrator (C13)
// and monitor (C7).
func (r *Registry) Lease(boardID string, status board.Status) error {
	r.mu.RLock()
	entry, ok := r.boards[boardID]
	r.mu.RUnlock()
	if !ok {
		return espbrewerr.New(espbrewerr.KindPortNotFound, "no such board: "+boardID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.board.Status != board.StatusAvailable {
		return espbrewerr.New(espbrewerr.KindBoardBusy, boardID+" is "+entry.board.Status.String())
	}
	entry.board.Status = status
	entry.board.StatusMessage = ""
	return nil
}

// Release returns boardID to Available (or Error, with message, if ok is
// false), clearing any flash progress.
func (r *Registry) Release(boardID string, ok bool, message string) {
	r.mu.RLock()
	entry, found := r.boards[boardID]
	r.mu.RUnlock()
	if !found {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if ok {
		entry.board.Status = board.StatusAvailable
		entry.board.StatusMessage = ""
	} else {
		entry.board.Status = board.StatusError
		entry.board.StatusMessage = message
	}
	entry.board.FlashProgressPercent = 0
}

// UpdateProgress records live flash-progress percentage for a leased
// (Flashing) board, read by GET /boards/{id} while a flash is underway.
func (r *Registry) UpdateProgress(boardID string, pct float64) {
	r.mu.RLock()
	entry, ok := r.boards[boardID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.board.FlashProgressPercent = pct
	entry.mu.Unlock()
}

// ApplyAssignment sets a board's logical name and assigned board-type,
// called by C11 whenever the persisted assignment for a UniqueID changes.
func (r *Registry) ApplyAssignment(uniqueID, boardTypeID, logicalName string) {
	boardID := board.BoardID(uniqueID)
	r.mu.RLock()
	entry, ok := r.boards[boardID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.board.AssignedBoardTypeID = boardTypeID
	entry.board.LogicalName = logicalName
	entry.mu.Unlock()
}

// dedupPorts collapses ports that refer to the same underlying USB
// device down to one, preferring the cu.* form over tty.* on Darwin
// (opening tty.* blocks waiting for DCD) and falling back to a
// lexicographic tie-break everywhere else, per spec.md §4.1's deferred
// dedup responsibility and SPEC_FULL.md's open-question decision to keep
// this as a small, directly testable pure function.
func dedupPorts(ports []serialport.Info) []serialport.Info {
	groups := make(map[string][]serialport.Info)
	var order []string
	for _, p := range ports {
		key := dedupKey(p)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}
	out := make([]serialport.Info, 0, len(order))
	for _, key := range order {
		group := groups[key]
		best := group[0]
		for _, p := range group[1:] {
			if preferredPort(best.Path, p.Path) == p.Path {
				best = p
			}
		}
		out = append(out, best)
	}
	return out
}

// dedupKey identifies "the same physical port" across its cu.*/tty.*
// aliases: same serial number if known, else, for a port with a VID or
// PID, the path with its /dev/cu. or /dev/tty. prefix stripped so both
// aliases of one device still collide. Ports with no distinguishing info
// at all are never merged (each gets its own group keyed by path).
func dedupKey(p serialport.Info) string {
	if p.SerialNumber != "" {
		return "sn:" + p.SerialNumber
	}
	if p.VID != 0 || p.PID != 0 {
		suffix := strings.TrimPrefix(strings.TrimPrefix(p.Path, "/dev/cu."), "/dev/tty.")
		return "vidpid:" + suffix
	}
	return "path:" + p.Path
}

// preferredPort returns whichever of a, b should survive dedup: cu.* over
// tty.*, else the lexicographically smaller path.
func preferredPort(a, b string) string {
	aCU := strings.HasPrefix(a, "/dev/cu.")
	bCU := strings.HasPrefix(b, "/dev/cu.")
	if aCU != bCU {
		if aCU {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}
