package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chat-identity/internal/cache"
	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/chat-identity/internal/resolver"
	"github.com/chat-identity/internal/worker"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ProfileStore is the durable profile persistence the manager writes behind to
type ProfileStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*domain.ProfileSnapshot, error)
	FindIDByName(ctx context.Context, name string) (uuid.UUID, error)
	InsertProfile(ctx context.Context, snap domain.ProfileSnapshot) error
	SaveName(ctx context.Context, id uuid.UUID, name string) (int64, error)
	SaveDisplayName(ctx context.Context, id uuid.UUID, displayName string) (int64, error)
	SaveMuted(ctx context.Context, id uuid.UUID, muted bool) (int64, error)
	SaveDeafened(ctx context.Context, id uuid.UUID, deafened bool) (int64, error)
	SaveSpying(ctx context.Context, id uuid.UUID, spying bool) (int64, error)
	SaveSelectedChannel(ctx context.Context, id uuid.UUID, channel string) (int64, error)
	SaveLastWhisperTarget(ctx context.Context, id, target uuid.UUID) (int64, error)
	SaveWhisperReplyTarget(ctx context.Context, id, target uuid.UUID) (int64, error)
	AddIgnore(ctx context.Context, id, other uuid.UUID) error
	RemoveIgnore(ctx context.Context, id, other uuid.UUID) error
}

// NameIndex is the shared name<->uuid index with its negative markers
type NameIndex interface {
	SetName(ctx context.Context, id uuid.UUID, name string) error
	LookupUUID(ctx context.Context, name string) (uuid.UUID, bool, error)
	LookupName(ctx context.Context, id uuid.UUID) (string, bool, error)
	Forget(ctx context.Context, id uuid.UUID, name string) error
	MarkMissing(ctx context.Context, lookup string, ttl time.Duration) error
	IsMissing(ctx context.Context, lookup string) (bool, error)
}

// Roster is the game server's view of who is connected
type Roster interface {
	Join(p domain.OnlinePlayer)
	Leave(id uuid.UUID) bool
	Online(id uuid.UUID) bool
	Snapshot() []domain.OnlinePlayer
}

// WriteQueue accepts write-behind persistence ops
type WriteQueue interface {
	Enqueue(op worker.Op) error
	Flush(ctx context.Context) error
	Stop() error
}

// Notifier is told about every applied profile mutation
type Notifier interface {
	ProfileChanged(change domain.ProfileChange)
}

// UserManager resolves player profiles through cache, store and external
// resolver, and is the only path through which profiles are mutated.
type UserManager struct {
	cache    *cache.Cache
	store    ProfileStore
	resolver resolver.Resolver
	roster   Roster
	writes   WriteQueue
	index    NameIndex
	notifier Notifier

	names       singleflight.Group
	negativeTTL time.Duration
	logger      *slog.Logger
	closed      atomic.Bool

	// Profiles with writes still queued, counted per queued op
	unsavedMu sync.Mutex
	unsaved   map[uuid.UUID]*unsavedProfile
}

type unsavedProfile struct {
	profile *domain.PlayerProfile
	ops     int
}

// NewUserManager creates a new user manager
func NewUserManager(
	c *cache.Cache,
	store ProfileStore,
	res resolver.Resolver,
	roster Roster,
	writes WriteQueue,
	cfg *config.CacheConfig,
	logger *slog.Logger,
) *UserManager {
	return &UserManager{
		cache:       c,
		store:       store,
		resolver:    res,
		roster:      roster,
		writes:      writes,
		negativeTTL: cfg.NegativeTTL,
		logger:      logger,
		unsaved:     make(map[uuid.UUID]*unsavedProfile),
	}
}

// SetNameIndex attaches the shared name index; without one, name lookups go
// straight to the store and resolver
func (m *UserManager) SetNameIndex(index NameIndex) {
	m.index = index
}

// SetNotifier attaches a subscriber for profile changes
func (m *UserManager) SetNotifier(n Notifier) {
	m.notifier = n
}

// ProfileByUUID returns the profile for id. The lookup order is cache, store,
// then external resolver; a player only the resolver knows gets a new profile.
func (m *UserManager) ProfileByUUID(ctx context.Context, id uuid.UUID) domain.ResolutionResult {
	if id == uuid.Nil {
		return domain.NotFound(domain.MsgNameNotFound, domain.ErrNameNotFound)
	}
	return m.cache.GetOrResolve(ctx, id, m.resolveByUUID)
}

// ProfileByName looks up the uuid for name and then runs the uuid path
func (m *UserManager) ProfileByName(ctx context.Context, name string) domain.ResolutionResult {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.NotFound(domain.MsgUUIDNotFound, domain.ErrUUIDNotFound)
	}
	if p := m.cache.GetByName(name); p != nil {
		return domain.Found(p)
	}

	id, res := m.lookupUUID(ctx, name)
	if id == uuid.Nil {
		return res
	}

	res = m.ProfileByUUID(ctx, id)
	if res.OK() && !strings.EqualFold(res.Profile.Name(), name) {
		// The id now answers to a name we had not recorded
		m.refreshName(ctx, res.Profile, name)
	}
	return res
}

// ProfileByUUIDAsync runs ProfileByUUID in the background
func (m *UserManager) ProfileByUUIDAsync(ctx context.Context, id uuid.UUID) <-chan domain.ResolutionResult {
	ch := make(chan domain.ResolutionResult, 1)
	go func() {
		ch <- m.ProfileByUUID(ctx, id)
	}()
	return ch
}

// ProfileByNameAsync runs ProfileByName in the background
func (m *UserManager) ProfileByNameAsync(ctx context.Context, name string) <-chan domain.ResolutionResult {
	ch := make(chan domain.ResolutionResult, 1)
	go func() {
		ch <- m.ProfileByName(ctx, name)
	}()
	return ch
}

// resolveByUUID is run by the cache at most once at a time per id
func (m *UserManager) resolveByUUID(ctx context.Context, id uuid.UUID) domain.ResolutionResult {
	// A profile evicted with writes still queued is newer than its row
	if p := m.unsavedProfile(id); p != nil {
		m.logger.Debug("profile reloaded from pending writes", "player_id", id)
		return domain.Found(p)
	}

	snap, err := m.store.GetProfile(ctx, id)
	switch {
	case err == nil:
		p := domain.ProfileFromSnapshot(*snap)
		m.logger.Debug("profile loaded from store", "player_id", id, "name", p.Name())
		return domain.Found(p)
	case errors.Is(err, domain.ErrProfileNotFound):
	default:
		m.logger.Warn("profile store unavailable", "player_id", id, "error", err)
		return domain.Unavailable(asTransient("loading profile", err))
	}

	if m.recentlyMissing(ctx, id.String()) {
		return domain.NotFound(domain.MsgNameNotFound, domain.ErrNameNotFound)
	}

	// Another instance may have resolved this id and not yet written its row
	if name, found := m.indexedName(ctx, id); found {
		p := domain.NewPlayerProfile(id, name)
		m.createProfile(ctx, p)
		return domain.Found(p)
	}

	name, found, err := m.resolver.ResolveName(ctx, id)
	if err != nil {
		m.logger.Warn("name resolution failed", "player_id", id, "error", err)
		return domain.Unavailable(asTransient("resolving name", err))
	}
	if !found {
		m.markMissing(ctx, id.String())
		return domain.NotFound(domain.MsgNameNotFound, domain.ErrNameNotFound)
	}

	p := domain.NewPlayerProfile(id, name)
	m.createProfile(ctx, p)
	return domain.Found(p)
}

// lookupUUID finds the id for a name. Concurrent lookups of the same name
// share one call. A nil id comes with the failure result.
func (m *UserManager) lookupUUID(ctx context.Context, name string) (uuid.UUID, domain.ResolutionResult) {
	key := strings.ToLower(name)
	ch := m.names.DoChan(key, func() (interface{}, error) {
		return m.findUUID(context.WithoutCancel(ctx), name), nil
	})

	select {
	case r := <-ch:
		out := r.Val.(nameLookup)
		return out.id, out.result
	case <-ctx.Done():
		return uuid.Nil, domain.Unavailable(domain.Transient("waiting for name lookup", ctx.Err()))
	}
}

type nameLookup struct {
	id     uuid.UUID
	result domain.ResolutionResult
}

func (m *UserManager) findUUID(ctx context.Context, name string) nameLookup {
	if m.index != nil {
		id, found, err := m.index.LookupUUID(ctx, name)
		if err != nil {
			m.logger.Warn("name index lookup failed", "name", name, "error", err)
		} else if found {
			return nameLookup{id: id}
		}
	}

	if m.recentlyMissing(ctx, name) {
		return nameLookup{result: domain.NotFound(domain.MsgUUIDNotFound, domain.ErrUUIDNotFound)}
	}

	id, err := m.store.FindIDByName(ctx, name)
	switch {
	case err == nil:
		return nameLookup{id: id}
	case errors.Is(err, domain.ErrProfileNotFound):
	default:
		// The resolver is authoritative for names, so carry on without the store
		m.logger.Warn("profile store unavailable for name lookup", "name", name, "error", err)
	}

	id, found, err := m.resolver.ResolveUUID(ctx, name)
	if err != nil {
		m.logger.Warn("uuid resolution failed", "name", name, "error", err)
		return nameLookup{result: domain.Unavailable(asTransient("resolving uuid", err))}
	}
	if !found {
		m.markMissing(ctx, name)
		return nameLookup{result: domain.NotFound(domain.MsgUUIDNotFound, domain.ErrUUIDNotFound)}
	}
	return nameLookup{id: id}
}

// createProfile stores a brand new profile. If the store is down the profile
// is still used and its row is written behind.
func (m *UserManager) createProfile(ctx context.Context, p *domain.PlayerProfile) {
	snap := p.Snapshot()
	if err := m.store.InsertProfile(ctx, snap); err != nil {
		m.logger.Warn("inserting new profile failed, deferring", "player_id", snap.ID, "error", err)
		m.persist(p, domain.FieldName, uuid.Nil, func(ctx context.Context) (int64, error) {
			return m.store.SaveName(ctx, snap.ID, snap.Name)
		})
	} else {
		m.logger.Info("created profile", "player_id", snap.ID, "name", snap.Name)
	}
	m.indexName(ctx, snap.ID, snap.Name)
}

// refreshName records a new last-known name for p
func (m *UserManager) refreshName(ctx context.Context, p *domain.PlayerProfile, name string) {
	old := p.Name()
	if !p.SetName(name) {
		return
	}
	id := p.ID()
	m.cache.Reindex(p, old)
	m.persist(p, domain.FieldName, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveName(ctx, id, name)
	})
	if m.index != nil {
		if err := m.index.Forget(ctx, id, old); err != nil {
			m.logger.Warn("dropping old name from index failed", "player_id", id, "name", old, "error", err)
		}
	}
	m.indexName(ctx, id, name)
	m.notify(id, domain.FieldName, name)
	m.logger.Info("player name changed", "player_id", id, "old_name", old, "name", name)
}

func (m *UserManager) indexName(ctx context.Context, id uuid.UUID, name string) {
	if m.index == nil {
		return
	}
	if err := m.index.SetName(ctx, id, name); err != nil {
		m.logger.Warn("indexing name failed", "player_id", id, "name", name, "error", err)
	}
}

func (m *UserManager) indexedName(ctx context.Context, id uuid.UUID) (string, bool) {
	if m.index == nil {
		return "", false
	}
	name, found, err := m.index.LookupName(ctx, id)
	if err != nil {
		m.logger.Warn("name index lookup failed", "player_id", id, "error", err)
		return "", false
	}
	return name, found
}

func (m *UserManager) recentlyMissing(ctx context.Context, lookup string) bool {
	if m.index == nil {
		return false
	}
	missing, err := m.index.IsMissing(ctx, lookup)
	if err != nil {
		m.logger.Warn("checking missing marker failed", "lookup", lookup, "error", err)
		return false
	}
	return missing
}

func (m *UserManager) markMissing(ctx context.Context, lookup string) {
	if m.index == nil {
		return
	}
	if err := m.index.MarkMissing(ctx, lookup, m.negativeTTL); err != nil {
		m.logger.Warn("marking lookup missing failed", "lookup", lookup, "error", err)
	}
}

// OnJoin loads or creates the profile of a player who just connected and
// keeps it resident until they leave
func (m *UserManager) OnJoin(ctx context.Context, id uuid.UUID, name string) (*Player, error) {
	if m.closed.Load() {
		return nil, domain.ErrShuttingDown
	}
	if id == uuid.Nil || !domain.ValidName(name) {
		return nil, domain.ErrInvalidRequest
	}
	m.roster.Join(domain.OnlinePlayer{ID: id, Name: name})

	res := m.ProfileByUUID(ctx, id)
	var p *domain.PlayerProfile
	switch res.Kind {
	case domain.KindFound:
		p = res.Profile
		m.refreshName(ctx, p, name)
	case domain.KindNotFound:
		// The game server vouches for this identity even if nothing else does
		m.cache.Invalidate(id)
		p = domain.NewPlayerProfile(id, name)
		m.createProfile(ctx, p)
	default:
		return nil, fmt.Errorf("loading profile on join: %w", res.Err)
	}

	m.cache.Pin(p)
	m.logger.Debug("player joined", "player_id", id, "name", name)
	return NewPlayer(p, m.roster), nil
}

// OnLeave makes a disconnected player's profile evictable
func (m *UserManager) OnLeave(id uuid.UUID) bool {
	wasOnline := m.roster.Leave(id)
	m.cache.Unpin(id)
	m.logger.Debug("player left", "player_id", id, "was_online", wasOnline)
	return wasOnline
}

// Players returns every connected player. A connected player missing from the
// cache is skipped with a warning.
func (m *UserManager) Players(ctx context.Context) []*Player {
	online := m.roster.Snapshot()
	players := make([]*Player, 0, len(online))
	for _, op := range online {
		p := m.cache.Get(op.ID)
		if p == nil {
			m.logger.Warn("connected player missing from cache, skipping", "player_id", op.ID, "name", op.Name)
			continue
		}
		players = append(players, NewPlayer(p, m.roster))
	}
	return players
}

// Wrap adapts a resolved profile to a Player bound to the roster
func (m *UserManager) Wrap(p *domain.PlayerProfile) *Player {
	return NewPlayer(p, m.roster)
}

// Shutdown stops accepting mutations, persists what is queued and tears down
// the cache
func (m *UserManager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("user manager shutting down")

	var errs []error
	if err := m.writes.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing profile writes: %w", err))
	}
	if err := m.writes.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping write-behind worker: %w", err))
	}
	m.cache.Close()
	return errors.Join(errs...)
}

// CacheStats exposes the identity cache counters
func (m *UserManager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

func asTransient(op string, err error) error {
	if domain.IsTransient(err) {
		return err
	}
	return domain.Transient(op, err)
}
