package domain

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultChannel is the channel a player talks in until they pick another one
const DefaultChannel = "global"

// Longest values the profile store accepts, in characters
const (
	MaxNameLength    = 64
	MaxChannelLength = 128
)

// ValidName reports whether name can be stored as a last-known name
func ValidName(name string) bool {
	return name != "" && utf8.RuneCountInString(name) <= MaxNameLength
}

// ValidChannel reports whether channel can be stored; empty means the default
func ValidChannel(channel string) bool {
	return utf8.RuneCountInString(channel) <= MaxChannelLength
}

// PlayerProfile is the live, mutable chat state of one player identity.
// The id never changes after construction; every other field is guarded by mu.
type PlayerProfile struct {
	id uuid.UUID

	mu                 sync.RWMutex
	name               string
	displayName        string
	muted              bool
	deafened           bool
	spying             bool
	selectedChannel    string
	lastWhisperTarget  uuid.UUID
	whisperReplyTarget uuid.UUID
	ignored            map[uuid.UUID]struct{}
}

// NewPlayerProfile seeds a profile with just its identity
func NewPlayerProfile(id uuid.UUID, name string) *PlayerProfile {
	return &PlayerProfile{
		id:      id,
		name:    name,
		ignored: make(map[uuid.UUID]struct{}),
	}
}

// ProfileSnapshot is an immutable copy of a profile, used for storage rows and
// for anything that leaves the process
type ProfileSnapshot struct {
	ID                 uuid.UUID   `json:"id"`
	Name               string      `json:"name"`
	DisplayName        string      `json:"display_name,omitempty"`
	Muted              bool        `json:"muted"`
	Deafened           bool        `json:"deafened"`
	Spying             bool        `json:"spying"`
	SelectedChannel    string      `json:"selected_channel,omitempty"`
	LastWhisperTarget  uuid.UUID   `json:"last_whisper_target,omitempty"`
	WhisperReplyTarget uuid.UUID   `json:"whisper_reply_target,omitempty"`
	IgnoredPlayers     []uuid.UUID `json:"ignored_players"`
	UpdatedAt          time.Time   `json:"updated_at,omitempty"`
}

// ProfileFromSnapshot rebuilds a live profile, typically from a store row.
// Self-ignores in the snapshot are dropped.
func ProfileFromSnapshot(s ProfileSnapshot) *PlayerProfile {
	p := NewPlayerProfile(s.ID, s.Name)
	p.displayName = s.DisplayName
	p.muted = s.Muted
	p.deafened = s.Deafened
	p.spying = s.Spying
	p.selectedChannel = s.SelectedChannel
	p.lastWhisperTarget = s.LastWhisperTarget
	p.whisperReplyTarget = s.WhisperReplyTarget
	for _, other := range s.IgnoredPlayers {
		if other != s.ID {
			p.ignored[other] = struct{}{}
		}
	}
	return p
}

// ID returns the immutable unique id
func (p *PlayerProfile) ID() uuid.UUID {
	return p.id
}

// Name returns the last known name
func (p *PlayerProfile) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// SetName updates the last known name and reports whether it changed
func (p *PlayerProfile) SetName(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.name == name {
		return false
	}
	p.name = name
	return true
}

// DisplayName returns the rich display name, falling back to the plain name
func (p *PlayerProfile) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.displayName == "" {
		return p.name
	}
	return p.displayName
}

// HasDisplayName reports whether a custom display name is set
func (p *PlayerProfile) HasDisplayName() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName != ""
}

// SetDisplayName sets the display name; empty clears it
func (p *PlayerProfile) SetDisplayName(displayName string) {
	p.mu.Lock()
	p.displayName = displayName
	p.mu.Unlock()
}

func (p *PlayerProfile) Muted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.muted
}

func (p *PlayerProfile) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *PlayerProfile) Deafened() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deafened
}

func (p *PlayerProfile) SetDeafened(deafened bool) {
	p.mu.Lock()
	p.deafened = deafened
	p.mu.Unlock()
}

func (p *PlayerProfile) Spying() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.spying
}

func (p *PlayerProfile) SetSpying(spying bool) {
	p.mu.Lock()
	p.spying = spying
	p.mu.Unlock()
}

// SelectedChannel returns the chosen channel, or DefaultChannel when unset
func (p *PlayerProfile) SelectedChannel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.selectedChannel == "" {
		return DefaultChannel
	}
	return p.selectedChannel
}

// SetSelectedChannel sets the channel; empty resets to the default
func (p *PlayerProfile) SetSelectedChannel(channel string) {
	p.mu.Lock()
	p.selectedChannel = channel
	p.mu.Unlock()
}

// LastWhisperTarget returns uuid.Nil when nobody has been whispered yet
func (p *PlayerProfile) LastWhisperTarget() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastWhisperTarget
}

func (p *PlayerProfile) SetLastWhisperTarget(target uuid.UUID) {
	p.mu.Lock()
	p.lastWhisperTarget = target
	p.mu.Unlock()
}

// WhisperReplyTarget returns uuid.Nil when there is nobody to reply to
func (p *PlayerProfile) WhisperReplyTarget() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.whisperReplyTarget
}

func (p *PlayerProfile) SetWhisperReplyTarget(target uuid.UUID) {
	p.mu.Lock()
	p.whisperReplyTarget = target
	p.mu.Unlock()
}

// Ignoring reports whether other is on the ignore list
func (p *PlayerProfile) Ignoring(other uuid.UUID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ignored[other]
	return ok
}

// Ignore adds other to the ignore list. It reports whether the set changed;
// ignoring oneself is refused.
func (p *PlayerProfile) Ignore(other uuid.UUID) (bool, error) {
	if other == p.id {
		return false, ErrSelfIgnore
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ignored[other]; ok {
		return false, nil
	}
	p.ignored[other] = struct{}{}
	return true, nil
}

// Unignore removes other from the ignore list and reports whether it was present
func (p *PlayerProfile) Unignore(other uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ignored[other]; !ok {
		return false
	}
	delete(p.ignored, other)
	return true
}

// IgnoredPlayers returns the ignore list in a stable order
func (p *PlayerProfile) IgnoredPlayers() []uuid.UUID {
	p.mu.RLock()
	ids := make([]uuid.UUID, 0, len(p.ignored))
	for id := range p.ignored {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Snapshot copies the current state
func (p *PlayerProfile) Snapshot() ProfileSnapshot {
	ignored := p.IgnoredPlayers()

	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProfileSnapshot{
		ID:                 p.id,
		Name:               p.name,
		DisplayName:        p.displayName,
		Muted:              p.muted,
		Deafened:           p.deafened,
		Spying:             p.spying,
		SelectedChannel:    p.selectedChannel,
		LastWhisperTarget:  p.lastWhisperTarget,
		WhisperReplyTarget: p.whisperReplyTarget,
		IgnoredPlayers:     ignored,
	}
}

// OnlinePlayer is a connected player as reported by the game server
type OnlinePlayer struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
