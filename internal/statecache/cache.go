package statecache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sewef/macroHero-sub001/internal/metrics"
	"github.com/Sewef/macroHero-sub001/internal/persist"
)

// DefaultQuietPeriod is the trailing-edge debounce window: a flush runs only
// after this long with no further Set.
const DefaultQuietPeriod = 150 * time.Millisecond

// StoreWriteError reports a failed durable write. It never reaches a Set
// caller; Set is fire-and-forget and the dirty set survives the failure.
type StoreWriteError struct {
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("state flush failed: %v", e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// Cache is the in-memory authoritative state for one room, namespaced as
// namespace -> key -> value, with a debounced coalesced writer to the
// durable store. Reads never touch the store after the initial priming;
// writes never perform synchronous I/O.
type Cache struct {
	store  persist.Store
	key    string
	quiet  time.Duration
	logger *slog.Logger
	stats  *metrics.Bridge

	// flushMu serializes durable writes so at most one flush is in flight.
	flushMu sync.Mutex

	mu     sync.Mutex
	primed bool
	state  map[string]map[string]any
	dirty  map[string]map[string]struct{}
	timer  *time.Timer
}

type Option func(*Cache)

// WithQuietPeriod overrides the debounce window.
func WithQuietPeriod(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.quiet = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Bridge) Option {
	return func(c *Cache) { c.stats = m }
}

// New creates a cache bound to one scope-qualified durable key. The store is
// not read until the first Get or Set.
func New(store persist.Store, scopedKey string, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		key:    scopedKey,
		quiet:  DefaultQuietPeriod,
		logger: slog.Default(),
		stats:  metrics.New(nil),
		state:  make(map[string]map[string]any),
		dirty:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value. Pure in-memory lookup after priming.
func (c *Cache) Get(namespace, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primeLocked()
	ns, ok := c.state[namespace]
	if !ok {
		return nil, false
	}
	value, ok := ns[key]
	return value, ok
}

// Set updates the cache synchronously and (re)arms the debounce timer. The
// caller is never told about durable-write problems; the next Set reschedules
// a flush attempt naturally.
func (c *Cache) Set(namespace, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primeLocked()

	ns, ok := c.state[namespace]
	if !ok {
		ns = make(map[string]any)
		c.state[namespace] = ns
	}
	ns[key] = value

	dirtyNS, ok := c.dirty[namespace]
	if !ok {
		dirtyNS = make(map[string]struct{})
		c.dirty[namespace] = dirtyNS
	}
	dirtyNS[key] = struct{}{}

	// Trailing-edge debounce: a new Set supersedes, never stacks, the
	// pending timer.
	if c.timer != nil {
		c.timer.Stop()
		c.stats.WritesCoalesced.Inc()
	}
	c.timer = time.AfterFunc(c.quiet, c.flushFromTimer)
}

// Flush serializes the entire cache (not just the dirty subset, keeping the
// persisted snapshot always self-consistent) to the durable store. On
// failure the dirty set is restored for the next attempt.
func (c *Cache) Flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	c.primeLocked()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.dirty) == 0 {
		// Nothing changed since the last successful flush; the persisted
		// snapshot is already current. This also keeps a timer callback that
		// queued behind ClearAll from resurrecting the durable key.
		c.mu.Unlock()
		return nil
	}
	payload, err := json.Marshal(c.state)
	if err != nil {
		c.mu.Unlock()
		c.stats.FlushFailures.Inc()
		return &StoreWriteError{Err: err}
	}
	captured := c.dirty
	c.dirty = make(map[string]map[string]struct{})
	c.mu.Unlock()

	c.stats.FlushTotal.Inc()
	if err := c.store.Set(c.key, string(payload)); err != nil {
		c.stats.FlushFailures.Inc()
		c.mu.Lock()
		mergeDirty(c.dirty, captured)
		c.mu.Unlock()
		return &StoreWriteError{Err: err}
	}
	return nil
}

// ForceFlush bypasses the debounce and flushes immediately. Used at
// shutdown and explicit save points so buffered writes are not lost.
func (c *Cache) ForceFlush() error {
	return c.Flush()
}

// ClearAll resets the cache and deletes the persisted entry. It holds the
// flush lock so a debounced write already inside the store cannot land after
// the Remove and re-persist the cleared state.
func (c *Cache) ClearAll() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.primed = true
	c.state = make(map[string]map[string]any)
	c.dirty = make(map[string]map[string]struct{})
	c.mu.Unlock()

	return c.store.Remove(c.key)
}

// DirtyCount reports how many (namespace, key) pairs changed since the last
// successful flush.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, keys := range c.dirty {
		total += len(keys)
	}
	return total
}

func (c *Cache) flushFromTimer() {
	if err := c.Flush(); err != nil {
		// Absorbed: Set callers are never informed. The dirty set survives
		// and the next Set reschedules a flush.
		c.logger.Error("debounced state flush failed", "reason", err.Error())
	}
}

// primeLocked performs the single initial read. Read or parse failures start
// from an empty state rather than failing the caller.
func (c *Cache) primeLocked() {
	if c.primed {
		return
	}
	c.primed = true
	raw, ok := c.store.Get(c.key)
	if !ok {
		return
	}
	var snapshot map[string]map[string]any
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		c.logger.Warn("persisted state unreadable, starting empty", "reason", err.Error())
		return
	}
	if snapshot != nil {
		c.state = snapshot
	}
}

func mergeDirty(dst, src map[string]map[string]struct{}) {
	for namespace, keys := range src {
		if dst[namespace] == nil {
			dst[namespace] = make(map[string]struct{}, len(keys))
		}
		for key := range keys {
			dst[namespace][key] = struct{}{}
		}
	}
}
