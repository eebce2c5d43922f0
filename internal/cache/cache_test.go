package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxEntries int, negativeTTL time.Duration) *Cache {
	t.Helper()
	c, err := New(&config.CacheConfig{
		MaxEntries:         maxEntries,
		NegativeTTL:        negativeTTL,
		NegativeMaxEntries: 100,
		ResolveTimeout:     time.Second,
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCache_PutGetAndByName(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	p := domain.NewPlayerProfile(uuid.New(), "Alice")
	c.Put(p)

	assert.Same(t, p, c.Get(p.ID()))
	assert.Same(t, p, c.GetByName("alice"))
	assert.Nil(t, c.Get(uuid.New()))
	assert.Nil(t, c.GetByName("bob"))
}

func TestCache_GetOrResolveHitSkipsResolve(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	p := domain.NewPlayerProfile(uuid.New(), "Alice")
	c.Put(p)

	res := c.GetOrResolve(context.Background(), p.ID(), func(context.Context, uuid.UUID) domain.ResolutionResult {
		t.Fatal("resolve must not run on a hit")
		return domain.ResolutionResult{}
	})
	assert.True(t, res.OK())
	assert.Empty(t, res.Message)
}

func TestCache_SingleFlight(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	id := uuid.New()

	var calls int32
	release := make(chan struct{})
	resolve := func(context.Context, uuid.UUID) domain.ResolutionResult {
		atomic.AddInt32(&calls, 1)
		<-release
		return domain.Found(domain.NewPlayerProfile(id, "Bob"))
	}

	const callers = 20
	results := make([]domain.ResolutionResult, callers)
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i] = c.GetOrResolve(context.Background(), id, resolve)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, res := range results {
		require.True(t, res.OK())
		assert.Same(t, results[0].Profile, res.Profile)
	}
	assert.Same(t, results[0].Profile, c.Get(id))
}

func TestCache_NegativeResultCachedThenExpires(t *testing.T) {
	c := newTestCache(t, 10, 50*time.Millisecond)
	id := uuid.New()

	var calls int32
	resolve := func(context.Context, uuid.UUID) domain.ResolutionResult {
		atomic.AddInt32(&calls, 1)
		return domain.NotFound(domain.MsgNameNotFound, domain.ErrNameNotFound)
	}

	res := c.GetOrResolve(context.Background(), id, resolve)
	assert.False(t, res.OK())
	assert.Equal(t, domain.MsgNameNotFound, res.Message)

	res = c.GetOrResolve(context.Background(), id, resolve)
	assert.Equal(t, domain.KindNotFound, res.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	time.Sleep(120 * time.Millisecond)
	c.GetOrResolve(context.Background(), id, resolve)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_NegativeResultFromFinishedFlightIsReused(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	id := uuid.New()

	var calls int32
	resolve := func(context.Context, uuid.UUID) domain.ResolutionResult {
		atomic.AddInt32(&calls, 1)
		return domain.NotFound(domain.MsgNameNotFound, domain.ErrNameNotFound)
	}

	// Another caller completes a miss after this one checked the cache
	var raced atomic.Bool
	c.beforeFlight = func(id uuid.UUID) {
		if raced.CompareAndSwap(false, true) {
			c.GetOrResolve(context.Background(), id, resolve)
		}
	}

	res := c.GetOrResolve(context.Background(), id, resolve)
	assert.Equal(t, domain.KindNotFound, res.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), c.Stats().Resolutions)
}

func TestCache_TransientNeverCached(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	id := uuid.New()

	var calls int32
	resolve := func(context.Context, uuid.UUID) domain.ResolutionResult {
		atomic.AddInt32(&calls, 1)
		return domain.Unavailable(domain.Transient("api call", errors.New("timeout")))
	}

	res := c.GetOrResolve(context.Background(), id, resolve)
	assert.True(t, res.Retryable())
	res = c.GetOrResolve(context.Background(), id, resolve)
	assert.True(t, res.Retryable())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, c.Stats().Negative)
}

func TestCache_PutClearsNegative(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	id := uuid.New()
	c.GetOrResolve(context.Background(), id, func(context.Context, uuid.UUID) domain.ResolutionResult {
		return domain.NotFound(domain.MsgNameNotFound, domain.ErrNameNotFound)
	})

	c.Put(domain.NewPlayerProfile(id, "Carol"))
	res := c.GetOrResolve(context.Background(), id, func(context.Context, uuid.UUID) domain.ResolutionResult {
		t.Fatal("resolve must not run after Put")
		return domain.ResolutionResult{}
	})
	assert.True(t, res.OK())
}

func TestCache_WaiterGivesUpButFlightCompletes(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	id := uuid.New()
	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := c.GetOrResolve(ctx, id, func(rctx context.Context, _ uuid.UUID) domain.ResolutionResult {
		defer close(finished)
		<-release
		assert.NoError(t, rctx.Err())
		return domain.Found(domain.NewPlayerProfile(id, "Dave"))
	})
	assert.True(t, res.Retryable())

	close(release)
	<-finished
	require.Eventually(t, func() bool { return c.Get(id) != nil }, time.Second, 5*time.Millisecond)
}

func TestCache_LRUEvictsButPinnedStays(t *testing.T) {
	c := newTestCache(t, 2, time.Minute)
	online := domain.NewPlayerProfile(uuid.New(), "Online")
	c.Pin(online)

	var offline []*domain.PlayerProfile
	for i := 0; i < 3; i++ {
		p := domain.NewPlayerProfile(uuid.New(), "Offline"+string(rune('A'+i)))
		offline = append(offline, p)
		c.Put(p)
	}

	assert.NotNil(t, c.Get(online.ID()))
	assert.Nil(t, c.Get(offline[0].ID()), "oldest unpinned profile should be evicted")
	assert.Nil(t, c.GetByName("OfflineA"))
	assert.NotNil(t, c.Get(offline[2].ID()))
	assert.Equal(t, 3, c.Len())
}

func TestCache_UnpinMakesEvictable(t *testing.T) {
	c := newTestCache(t, 1, time.Minute)
	p := domain.NewPlayerProfile(uuid.New(), "Eve")
	c.Pin(p)
	assert.True(t, c.Pinned(p.ID()))

	assert.True(t, c.Unpin(p.ID()))
	assert.False(t, c.Pinned(p.ID()))
	assert.Same(t, p, c.Get(p.ID()))
	assert.Same(t, p, c.GetByName("eve"))

	c.Put(domain.NewPlayerProfile(uuid.New(), "Frank"))
	assert.Nil(t, c.Get(p.ID()))
	assert.False(t, c.Unpin(p.ID()))
}

func TestCache_RenameReindexes(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	p := domain.NewPlayerProfile(uuid.New(), "Grace")
	c.Put(p)

	p.SetName("Gracie")
	c.Reindex(p, "Grace")

	assert.Nil(t, c.GetByName("Grace"))
	assert.Same(t, p, c.GetByName("gracie"))
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	pinned := domain.NewPlayerProfile(uuid.New(), "Heidi")
	loose := domain.NewPlayerProfile(uuid.New(), "Ivan")
	c.Pin(pinned)
	c.Put(loose)

	c.Invalidate(pinned.ID())
	c.Invalidate(loose.ID())

	assert.Nil(t, c.Get(pinned.ID()))
	assert.Nil(t, c.Get(loose.ID()))
	assert.Nil(t, c.GetByName("Heidi"))
	assert.Equal(t, 0, c.Len())
}
