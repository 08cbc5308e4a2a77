// Package identitycache implements the port→identity cache with TTL
// (spec.md §4.3, C3). Keyed by port path; evicted on disconnect (any port
// missing from the latest enumeration) or TTL expiry.
package identitycache

import (
	"sync"
	"time"

	"github.com/espbrew/espbrew/internal/board"
)

// Default TTLs, both configurable independently per spec.md's open
// question on whether stage-1-only entries deserve a shorter TTL — we
// keep them equal by default but let callers diverge (SPEC_FULL.md).
const (
	DefaultStage1TTL = 5 * time.Minute
	DefaultStage2TTL = 5 * time.Minute
)

type entry struct {
	identity board.Identity
	stage2   bool
	cachedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	Stage1TTL time.Duration
	Stage2TTL time.Duration
}

func New() *Cache {
	return &Cache{
		entries:   make(map[string]entry),
		Stage1TTL: DefaultStage1TTL,
		Stage2TTL: DefaultStage2TTL,
	}
}

// Get returns the cached identity for port, if present and unexpired.
func (c *Cache) Get(port string) (board.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[port]
	if !ok {
		return board.Identity{}, false
	}
	ttl := c.Stage1TTL
	if e.stage2 {
		ttl = c.Stage2TTL
	}
	if time.Since(e.cachedAt) > ttl {
		return board.Identity{}, false
	}
	return e.identity, true
}

// Put caches id for port. stage2 records whether this was a full ROM
// handshake result (affects which TTL applies).
func (c *Cache) Put(port string, id board.Identity, stage2 bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[port] = entry{identity: id, stage2: stage2, cachedAt: time.Now()}
}

// Invalidate clears a single entry, for the manual-refresh API.
func (c *Cache) Invalidate(port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, port)
}

// InvalidateAll clears the whole cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// EvictMissing drops any cached port not present in currentPorts, per
// spec.md §4.3: "any port not present in the most recent enumeration is
// evicted immediately" — this is what makes Property/Scenario S5 (cache
// invalidation on unplug) hold.
func (c *Cache) EvictMissing(currentPorts []string) {
	present := make(map[string]bool, len(currentPorts))
	for _, p := range currentPorts {
		present[p] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for port := range c.entries {
		if !present[port] {
			delete(c.entries, port)
		}
	}
}
