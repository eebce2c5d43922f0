// Package cache holds the process-wide set of live player profiles.
//
// Connected players are pinned and never evicted. Everyone else lives in a
// bounded LRU, so profiles of players who left are dropped once the cache is
// full. Concurrent lookups for the same unknown id share one resolution, and
// definitive misses are remembered for a short time.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ResolveFunc produces a result for an id that is not cached
type ResolveFunc func(ctx context.Context, id uuid.UUID) domain.ResolutionResult

// Stats is a point-in-time view of cache activity
type Stats struct {
	Pinned      int   `json:"pinned"`
	Cached      int   `json:"cached"`
	Negative    int   `json:"negative"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Resolutions int64 `json:"resolutions"`
}

// Cache is the single owner of live PlayerProfile instances. Construct one per
// process with New and release it with Close on shutdown.
type Cache struct {
	live     *lru.Cache[uuid.UUID, *domain.PlayerProfile]
	negative *expirable.LRU[uuid.UUID, domain.ResolutionResult]
	inflight singleflight.Group

	mu     sync.RWMutex
	pinned map[uuid.UUID]*domain.PlayerProfile
	names  map[string]uuid.UUID

	resolveTimeout time.Duration
	logger         *slog.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	resolutions atomic.Int64

	// beforeFlight runs between the cache checks and joining a flight
	beforeFlight func(id uuid.UUID)
}

// New creates a new identity cache
func New(cfg *config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		pinned:         make(map[uuid.UUID]*domain.PlayerProfile),
		names:          make(map[string]uuid.UUID),
		resolveTimeout: cfg.ResolveTimeout,
		logger:         logger,
	}

	live, err := lru.NewWithEvict[uuid.UUID, *domain.PlayerProfile](cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating profile lru: %w", err)
	}
	c.live = live
	c.negative = expirable.NewLRU[uuid.UUID, domain.ResolutionResult](cfg.NegativeMaxEntries, nil, cfg.NegativeTTL)

	return c, nil
}

// onEvict drops the name mapping of a profile leaving the LRU, unless the
// profile moved to the pinned set
func (c *Cache) onEvict(id uuid.UUID, p *domain.PlayerProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pinned[id]; ok {
		return
	}
	key := strings.ToLower(p.Name())
	if c.names[key] == id {
		delete(c.names, key)
	}
}

// Get returns the cached profile for id without blocking, or nil
func (c *Cache) Get(id uuid.UUID) *domain.PlayerProfile {
	c.mu.RLock()
	p, ok := c.pinned[id]
	c.mu.RUnlock()
	if ok {
		return p
	}
	if p, ok := c.live.Get(id); ok {
		return p
	}
	return nil
}

// GetByName returns the cached profile currently known by name, or nil
func (c *Cache) GetByName(name string) *domain.PlayerProfile {
	key := strings.ToLower(name)
	c.mu.RLock()
	id, ok := c.names[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	p := c.Get(id)
	if p == nil || !strings.EqualFold(p.Name(), name) {
		// Stale mapping left behind by a rename or eviction
		c.mu.Lock()
		if c.names[key] == id {
			delete(c.names, key)
		}
		c.mu.Unlock()
		return nil
	}
	return p
}

// Put stores p, indexes its name and clears any negative entry for its id.
// A pinned profile stays pinned.
func (c *Cache) Put(p *domain.PlayerProfile) {
	id := p.ID()
	c.negative.Remove(id)

	c.mu.Lock()
	c.names[strings.ToLower(p.Name())] = id
	_, pinned := c.pinned[id]
	if pinned {
		c.pinned[id] = p
	}
	c.mu.Unlock()

	if !pinned {
		c.live.Add(id, p)
	}
}

// Reindex refreshes the name mapping after a rename
func (c *Cache) Reindex(p *domain.PlayerProfile, oldName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldKey := strings.ToLower(oldName)
	if c.names[oldKey] == p.ID() {
		delete(c.names, oldKey)
	}
	c.names[strings.ToLower(p.Name())] = p.ID()
}

// Pin keeps p resident while its player is connected
func (c *Cache) Pin(p *domain.PlayerProfile) {
	id := p.ID()
	c.negative.Remove(id)

	c.mu.Lock()
	c.pinned[id] = p
	c.names[strings.ToLower(p.Name())] = id
	c.mu.Unlock()

	c.live.Remove(id)
}

// Unpin makes a disconnected player's profile evictable again and reports
// whether it was pinned
func (c *Cache) Unpin(id uuid.UUID) bool {
	c.mu.Lock()
	p, ok := c.pinned[id]
	delete(c.pinned, id)
	c.mu.Unlock()

	if ok {
		c.live.Add(id, p)
	}
	return ok
}

// Pinned reports whether id is currently pinned
func (c *Cache) Pinned(id uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pinned[id]
	return ok
}

// Invalidate forgets everything cached about id, including a negative result
func (c *Cache) Invalidate(id uuid.UUID) {
	c.negative.Remove(id)

	c.mu.Lock()
	if p, ok := c.pinned[id]; ok {
		delete(c.pinned, id)
		key := strings.ToLower(p.Name())
		if c.names[key] == id {
			delete(c.names, key)
		}
	}
	c.mu.Unlock()

	c.live.Remove(id)
}

// GetOrResolve returns the cached profile for id, or runs resolve. Concurrent
// callers for the same id share a single resolve call and its result. Found
// results are cached; definitive misses are cached for the negative TTL;
// transient failures are never cached.
//
// The resolution itself is detached from ctx so one caller giving up does not
// fail the others; ctx only bounds how long this caller waits.
func (c *Cache) GetOrResolve(ctx context.Context, id uuid.UUID, resolve ResolveFunc) domain.ResolutionResult {
	if p := c.Get(id); p != nil {
		c.hits.Add(1)
		return domain.Found(p)
	}
	if res, ok := c.negative.Get(id); ok {
		c.hits.Add(1)
		return res
	}
	c.misses.Add(1)
	if c.beforeFlight != nil {
		c.beforeFlight(id)
	}

	ch := c.inflight.DoChan(id.String(), func() (interface{}, error) {
		// A flight that finished just before this one started may have filled the cache
		if p := c.Get(id); p != nil {
			return domain.Found(p), nil
		}
		if res, ok := c.negative.Get(id); ok {
			return res, nil
		}

		c.resolutions.Add(1)
		rctx, cancel := c.resolveContext(ctx)
		defer cancel()

		res := resolve(rctx, id)
		switch res.Kind {
		case domain.KindFound:
			c.Put(res.Profile)
		case domain.KindNotFound:
			c.negative.Add(id, res)
		default:
			c.logger.Debug("not caching transient resolution failure", "player_id", id, "error", res.Err)
		}
		return res, nil
	})

	select {
	case r := <-ch:
		return r.Val.(domain.ResolutionResult)
	case <-ctx.Done():
		return domain.Unavailable(domain.Transient("waiting for resolution", ctx.Err()))
	}
}

func (c *Cache) resolveContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if c.resolveTimeout > 0 {
		return context.WithTimeout(ctx, c.resolveTimeout)
	}
	return context.WithCancel(ctx)
}

// Len returns the number of resident profiles, pinned or not
func (c *Cache) Len() int {
	c.mu.RLock()
	pinned := len(c.pinned)
	c.mu.RUnlock()
	return pinned + c.live.Len()
}

// Stats reports sizes and counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	pinned := len(c.pinned)
	c.mu.RUnlock()
	return Stats{
		Pinned:      pinned,
		Cached:      c.live.Len(),
		Negative:    c.negative.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Resolutions: c.resolutions.Load(),
	}
}

// Close drops every cached profile. The cache must not be used afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	c.pinned = make(map[uuid.UUID]*domain.PlayerProfile)
	c.names = make(map[string]uuid.UUID)
	c.mu.Unlock()

	c.live.Purge()
	c.negative.Purge()
}
