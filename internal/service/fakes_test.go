package service

import (
	"context"
	"strings"
	"sync"

	"github.com/chat-identity/internal/domain"
	"github.com/chat-identity/internal/worker"
	"github.com/google/uuid"
)

// memStore is an in-memory ProfileStore that counts lookups
type memStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]domain.ProfileSnapshot
	ignores  map[uuid.UUID]map[uuid.UUID]struct{}
	getCalls int
	getErr   error
	// insertErrs fails the next len(insertErrs) inserts, one error each
	insertErrs []error
	// gate, when set, blocks GetProfile until closed
	gate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[uuid.UUID]domain.ProfileSnapshot),
		ignores: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (s *memStore) seed(id uuid.UUID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = domain.ProfileSnapshot{ID: id, Name: name}
}

func (s *memStore) row(id uuid.UUID) (domain.ProfileSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rows[id]
	return snap, ok
}

func (s *memStore) gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func (s *memStore) ignoreCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ignores[id])
}

func (s *memStore) GetProfile(_ context.Context, id uuid.UUID) (*domain.ProfileSnapshot, error) {
	s.mu.Lock()
	s.getCalls++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	snap, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	for other := range s.ignores[id] {
		snap.IgnoredPlayers = append(snap.IgnoredPlayers, other)
	}
	return &snap, nil
}

func (s *memStore) FindIDByName(_ context.Context, name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, snap := range s.rows {
		if strings.EqualFold(snap.Name, name) {
			return id, nil
		}
	}
	return uuid.Nil, domain.ErrProfileNotFound
}

func (s *memStore) InsertProfile(_ context.Context, snap domain.ProfileSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		return err
	}
	if _, ok := s.rows[snap.ID]; !ok {
		snap.IgnoredPlayers = nil
		s.rows[snap.ID] = snap
	}
	return nil
}

func (s *memStore) update(id uuid.UUID, apply func(*domain.ProfileSnapshot)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rows[id]
	if !ok {
		return 0, nil
	}
	apply(&snap)
	s.rows[id] = snap
	return 1, nil
}

func (s *memStore) SaveName(_ context.Context, id uuid.UUID, name string) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.Name = name })
}

func (s *memStore) SaveDisplayName(_ context.Context, id uuid.UUID, displayName string) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.DisplayName = displayName })
}

func (s *memStore) SaveMuted(_ context.Context, id uuid.UUID, muted bool) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.Muted = muted })
}

func (s *memStore) SaveDeafened(_ context.Context, id uuid.UUID, deafened bool) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.Deafened = deafened })
}

func (s *memStore) SaveSpying(_ context.Context, id uuid.UUID, spying bool) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.Spying = spying })
}

func (s *memStore) SaveSelectedChannel(_ context.Context, id uuid.UUID, channel string) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.SelectedChannel = channel })
}

func (s *memStore) SaveLastWhisperTarget(_ context.Context, id, target uuid.UUID) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.LastWhisperTarget = target })
}

func (s *memStore) SaveWhisperReplyTarget(_ context.Context, id, target uuid.UUID) (int64, error) {
	return s.update(id, func(p *domain.ProfileSnapshot) { p.WhisperReplyTarget = target })
}

func (s *memStore) AddIgnore(_ context.Context, id, other uuid.UUID) error {
	if id == other {
		return domain.ErrSelfIgnore
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignores[id] == nil {
		s.ignores[id] = make(map[uuid.UUID]struct{})
	}
	s.ignores[id][other] = struct{}{}
	return nil
}

func (s *memStore) RemoveIgnore(_ context.Context, id, other uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ignores[id], other)
	return nil
}

// fakeResolver answers from fixed maps and counts calls
type fakeResolver struct {
	mu        sync.Mutex
	names     map[uuid.UUID]string
	err       error
	nameCalls int
	uuidCalls int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{names: make(map[uuid.UUID]string)}
}

func (r *fakeResolver) set(id uuid.UUID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[id] = name
}

func (r *fakeResolver) calls() (byName, byUUID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uuidCalls, r.nameCalls
}

func (r *fakeResolver) ResolveUUID(_ context.Context, name string) (uuid.UUID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uuidCalls++
	if r.err != nil {
		return uuid.Nil, false, r.err
	}
	for id, n := range r.names {
		if strings.EqualFold(n, name) {
			return id, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (r *fakeResolver) ResolveName(_ context.Context, id uuid.UUID) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nameCalls++
	if r.err != nil {
		return "", false, r.err
	}
	name, ok := r.names[id]
	return name, ok, nil
}

// heldQueue accepts ops without running them
type heldQueue struct {
	mu  sync.Mutex
	ops []worker.Op
}

func (q *heldQueue) Enqueue(op worker.Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	return nil
}

func (q *heldQueue) Flush(context.Context) error { return nil }

func (q *heldQueue) Stop() error { return nil }

// complete writes and finishes every queued op
func (q *heldQueue) complete(ctx context.Context) error {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()
	for _, op := range ops {
		if _, err := op.Write(ctx); err != nil {
			return err
		}
		if op.Done != nil {
			op.Done()
		}
	}
	return nil
}

func (q *heldQueue) queued() []worker.Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]worker.Op(nil), q.ops...)
}

// changeLog records notifications
type changeLog struct {
	mu      sync.Mutex
	changes []domain.ProfileChange
}

func (c *changeLog) ProfileChanged(change domain.ProfileChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

func (c *changeLog) fields() []domain.Field {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields := make([]domain.Field, 0, len(c.changes))
	for _, ch := range c.changes {
		fields = append(fields, ch.Field)
	}
	return fields
}
