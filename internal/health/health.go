// Package health implements the Health Cache & Refresher: a process-wide,
// refresher-owned cache of per-key health, populated by polling the
// upstream usage endpoint on its own cadence.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/almazom/kmi-gateway/infrastructure/logging"
	"github.com/almazom/kmi-gateway/internal/gwstate"
	"github.com/almazom/kmi-gateway/internal/registry"
	"github.com/almazom/kmi-gateway/internal/usage"
)

// Status re-exports usage.Status so callers only need one import for
// health classifications.
type Status = usage.Status

const (
	StatusHealthy   = usage.StatusHealthy
	StatusWarn      = usage.StatusWarn
	StatusBlocked   = usage.StatusBlocked
	StatusExhausted = usage.StatusExhausted
)

// Info is one key's cached health snapshot.
type Info struct {
	Status    Status
	Usage     *usage.Usage
	FetchedAt time.Time
}

// FetchFunc retrieves and parses the upstream usage payload for one
// credential, honoring ctx's deadline (the Refresher applies a 10-second
// timeout per call).
type FetchFunc func(ctx context.Context, cred registry.Credential) (usage.Usage, error)

// Config bounds the Refresher's cadence and behavior.
type Config struct {
	UsageCacheSeconds        int
	BlocklistRecheckSeconds  int
	BlocklistRecheckMax      int
	RequireUsageBeforeRequest bool
	FailOpenOnEmptyCache      bool
}

// Cache is the read side the Pipeline and Rotation Engine consult; it is
// read-only from their perspective. Only the Refresher mutates it.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Info
	cacheTS time.Time
}

func newCache() *Cache {
	return &Cache{entries: map[string]Info{}}
}

// Get returns label's cached Info, or (Info{}, false) if absent.
func (c *Cache) Get(label string) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[label]
	return info, ok
}

// Empty reports whether the cache has never been populated.
func (c *Cache) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries) == 0
}

func (c *Cache) set(label string, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[label] = info
}

func (c *Cache) setCacheTS(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheTS = t
}

func (c *Cache) getCacheTS() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cacheTS
}

// Lookup returns a pointer to label's cached Info, or nil if absent. It
// applies no strict-mode/fail-open gating; ResolveForSelection is the
// lookup that does.
func (c *Cache) Lookup(label string) *Info {
	info, ok := c.Get(label)
	if !ok {
		return nil
	}
	return &info
}

// ResolveForSelection implements §4.H's strict/fail-open gating: given the
// raw cache lookup and the configured policy, decides what HealthFunc the
// Rotation Engine should see for a label.
func (c *Cache) ResolveForSelection(label string, cfg Config) *Info {
	info, ok := c.Get(label)
	if ok {
		return &info
	}
	if cfg.RequireUsageBeforeRequest && !(cfg.FailOpenOnEmptyCache && c.Empty()) {
		// Missing entry, strict mode, and the cache isn't simply empty:
		// treat as ineligible via a synthetic blocked status.
		return &Info{Status: StatusBlocked}
	}
	return nil
}

// Refresher owns the Cache and its background refresh loop.
type Refresher struct {
	reg    *registry.Registry
	store  *gwstate.Store
	fetch  FetchFunc
	cfg    Config
	logger *logging.Logger
	cache  *Cache

	blocklistRecheckTS time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Refresher. Call Start to begin polling.
func New(reg *registry.Registry, store *gwstate.Store, fetch FetchFunc, cfg Config, logger *logging.Logger) *Refresher {
	return &Refresher{
		reg: reg, store: store, fetch: fetch, cfg: cfg, logger: logger,
		cache:  newCache(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Cache returns the read-only cache for the Pipeline/Rotation Engine.
func (r *Refresher) Cache() *Cache { return r.cache }

// Start launches the background refresh loop.
func (r *Refresher) Start() {
	go r.loop()
}

// Stop signals the loop to exit and waits for it.
func (r *Refresher) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

const wakeInterval = 1 * time.Second
const fetchTimeout = 10 * time.Second

func (r *Refresher) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick runs one wake-cycle, recovering from any panic in fetch/callbacks so
// the loop survives transient exceptions per spec.
func (r *Refresher) tick() {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.WithFields(map[string]interface{}{"panic": rec}).Error("health refresher: recovered from panic in tick")
		}
	}()

	now := time.Now()
	if now.Sub(r.cache.getCacheTS()) >= time.Duration(r.cfg.UsageCacheSeconds)*time.Second {
		r.refreshAll(now)
	}
	if now.Sub(r.blocklistRecheckTS) >= time.Duration(r.cfg.BlocklistRecheckSeconds)*time.Second {
		r.recheckBlocklist(now)
	}
}

func (r *Refresher) refreshAll(now time.Time) {
	for _, cred := range r.reg.All() {
		r.fetchOne(cred)
	}
	r.cache.setCacheTS(now)
	r.store.SetHealthRefreshedAt(now)
}

func (r *Refresher) fetchOne(cred registry.Credential) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	u, err := r.fetch(ctx, cred)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{"label": cred.Label}).Warn("health refresher: usage fetch failed")
		}
		return
	}

	ks := r.store.KeyStateOf(cred.Label)
	status := usage.Score(&u, ks, r.store.IsExhausted(cred.Label), r.store.IsBlocked(cred.Label))
	r.cache.set(cred.Label, Info{Status: status, Usage: &u, FetchedAt: time.Now()})
}

// recheckBlocklist re-probes up to BlocklistRecheckMax blocked labels,
// oldest blocked_until first (ties by label), clearing the block on a
// successful fetch.
func (r *Refresher) recheckBlocklist(now time.Time) {
	r.blocklistRecheckTS = now

	type blockedLabel struct {
		label string
		until time.Time
	}
	var blocked []blockedLabel
	for _, cred := range r.reg.All() {
		if !r.store.IsBlocked(cred.Label) {
			continue
		}
		ks := r.store.KeyStateOf(cred.Label)
		until := time.Time{}
		if ks.BlockedUntil != nil {
			until = *ks.BlockedUntil
		}
		blocked = append(blocked, blockedLabel{label: cred.Label, until: until})
	}

	sort.Slice(blocked, func(i, j int) bool {
		if !blocked[i].until.Equal(blocked[j].until) {
			return blocked[i].until.Before(blocked[j].until)
		}
		return blocked[i].label < blocked[j].label
	})

	if len(blocked) > r.cfg.BlocklistRecheckMax {
		blocked = blocked[:r.cfg.BlocklistRecheckMax]
	}

	for _, b := range blocked {
		cred, _, ok := r.reg.Lookup(b.label)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		u, err := r.fetch(ctx, cred)
		cancel()
		if err != nil {
			continue
		}
		r.store.ClearBlock(b.label)
		ks := r.store.KeyStateOf(b.label)
		status := usage.Score(&u, ks, r.store.IsExhausted(b.label), false)
		r.cache.set(b.label, Info{Status: status, Usage: &u, FetchedAt: time.Now()})
	}
}
