package service

import (
	"context"
	"fmt"
	"time"

	"github.com/chat-identity/internal/domain"
	"github.com/chat-identity/internal/worker"
	"github.com/google/uuid"
)

// Every mutator below changes the cached profile before returning and writes
// the new value behind. A failed write never rolls the change back.

// SetDisplayName sets the display name; empty clears it
func (m *UserManager) SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error {
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.SetDisplayName(displayName)
	m.persist(p, domain.FieldDisplayName, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveDisplayName(ctx, id, displayName)
	})
	m.notify(id, domain.FieldDisplayName, displayName)
	return nil
}

func (m *UserManager) SetMuted(ctx context.Context, id uuid.UUID, muted bool) error {
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.SetMuted(muted)
	m.persist(p, domain.FieldMuted, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveMuted(ctx, id, muted)
	})
	m.notify(id, domain.FieldMuted, muted)
	return nil
}

func (m *UserManager) SetDeafened(ctx context.Context, id uuid.UUID, deafened bool) error {
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.SetDeafened(deafened)
	m.persist(p, domain.FieldDeafened, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveDeafened(ctx, id, deafened)
	})
	m.notify(id, domain.FieldDeafened, deafened)
	return nil
}

func (m *UserManager) SetSpying(ctx context.Context, id uuid.UUID, spying bool) error {
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.SetSpying(spying)
	m.persist(p, domain.FieldSpying, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveSpying(ctx, id, spying)
	})
	m.notify(id, domain.FieldSpying, spying)
	return nil
}

// SetSelectedChannel switches channel; empty goes back to the default channel
func (m *UserManager) SetSelectedChannel(ctx context.Context, id uuid.UUID, channel string) error {
	if !domain.ValidChannel(channel) {
		return fmt.Errorf("channel longer than %d characters: %w", domain.MaxChannelLength, domain.ErrInvalidRequest)
	}
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.SetSelectedChannel(channel)
	m.persist(p, domain.FieldSelectedChannel, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveSelectedChannel(ctx, id, channel)
	})
	m.notify(id, domain.FieldSelectedChannel, p.SelectedChannel())
	return nil
}

// SetLastWhisperTarget records who id last whispered; uuid.Nil clears it
func (m *UserManager) SetLastWhisperTarget(ctx context.Context, id, target uuid.UUID) error {
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.SetLastWhisperTarget(target)
	m.persist(p, domain.FieldLastWhisperTarget, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveLastWhisperTarget(ctx, id, target)
	})
	m.notify(id, domain.FieldLastWhisperTarget, target)
	return nil
}

// SetWhisperReplyTarget records who id would reply to; uuid.Nil clears it
func (m *UserManager) SetWhisperReplyTarget(ctx context.Context, id, target uuid.UUID) error {
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.SetWhisperReplyTarget(target)
	m.persist(p, domain.FieldWhisperReplyTarget, uuid.Nil, func(ctx context.Context) (int64, error) {
		return m.store.SaveWhisperReplyTarget(ctx, id, target)
	})
	m.notify(id, domain.FieldWhisperReplyTarget, target)
	return nil
}

// AddIgnore makes id ignore other. Ignoring someone twice is a no-op.
func (m *UserManager) AddIgnore(ctx context.Context, id, other uuid.UUID) error {
	if id == other {
		return domain.ErrSelfIgnore
	}
	if other == uuid.Nil {
		return domain.ErrInvalidRequest
	}
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	changed, err := p.Ignore(other)
	if err != nil || !changed {
		return err
	}
	m.persist(p, domain.FieldIgnore, other, func(ctx context.Context) (int64, error) {
		return 1, m.store.AddIgnore(ctx, id, other)
	})
	m.notify(id, domain.FieldIgnore, p.IgnoredPlayers())
	return nil
}

// RemoveIgnore stops id ignoring other. Removing an absent entry is a no-op.
func (m *UserManager) RemoveIgnore(ctx context.Context, id, other uuid.UUID) error {
	p, err := m.profileForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if !p.Unignore(other) {
		return nil
	}
	m.persist(p, domain.FieldIgnore, other, func(ctx context.Context) (int64, error) {
		return 1, m.store.RemoveIgnore(ctx, id, other)
	})
	m.notify(id, domain.FieldIgnore, p.IgnoredPlayers())
	return nil
}

// profileForUpdate resolves the profile a mutation applies to
func (m *UserManager) profileForUpdate(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error) {
	if m.closed.Load() {
		return nil, domain.ErrShuttingDown
	}
	res := m.ProfileByUUID(ctx, id)
	if !res.OK() {
		return nil, fmt.Errorf("resolving profile %s: %w", id, res.Err)
	}
	return res.Profile, nil
}

// persist queues a write keyed by (id, field, arg). If the row is missing the
// whole current profile is inserted first.
func (m *UserManager) persist(p *domain.PlayerProfile, field domain.Field, arg uuid.UUID, write worker.WriteFunc) {
	op := worker.Op{
		Key:   worker.Key{PlayerID: p.ID(), Field: field, Arg: arg},
		Write: write,
		Ensure: func(ctx context.Context) error {
			return m.store.InsertProfile(ctx, p.Snapshot())
		},
		Done: func() { m.releaseUnsaved(p.ID()) },
	}
	m.holdUnsaved(p)
	if err := m.writes.Enqueue(op); err != nil {
		m.releaseUnsaved(p.ID())
		m.logger.Error("profile write not queued",
			"player_id", p.ID(),
			"field", field,
			"error", err,
		)
	}
}

// holdUnsaved keeps p reachable until its queued op is written or dropped, so
// an eviction cannot reload an older row in the meantime
func (m *UserManager) holdUnsaved(p *domain.PlayerProfile) {
	m.unsavedMu.Lock()
	defer m.unsavedMu.Unlock()
	u, ok := m.unsaved[p.ID()]
	if !ok {
		u = &unsavedProfile{}
		m.unsaved[p.ID()] = u
	}
	u.profile = p
	u.ops++
}

func (m *UserManager) releaseUnsaved(id uuid.UUID) {
	m.unsavedMu.Lock()
	defer m.unsavedMu.Unlock()
	u, ok := m.unsaved[id]
	if !ok {
		return
	}
	if u.ops--; u.ops <= 0 {
		delete(m.unsaved, id)
	}
}

func (m *UserManager) unsavedProfile(id uuid.UUID) *domain.PlayerProfile {
	m.unsavedMu.Lock()
	defer m.unsavedMu.Unlock()
	if u, ok := m.unsaved[id]; ok {
		return u.profile
	}
	return nil
}

func (m *UserManager) notify(id uuid.UUID, field domain.Field, value interface{}) {
	if m.notifier == nil {
		return
	}
	m.notifier.ProfileChanged(domain.ProfileChange{
		PlayerID:  id,
		Field:     field,
		Value:     value,
		Timestamp: time.Now(),
	})
}
