package service

import (
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
)

// OnlineChecker reports whether a player is connected
type OnlineChecker interface {
	Online(id uuid.UUID) bool
}

// Player pairs a profile with the game server's connection state. It holds a
// reference to the cached profile, so reads always see the latest mutation.
type Player struct {
	profile *domain.PlayerProfile
	online  OnlineChecker
}

// NewPlayer wraps profile
func NewPlayer(profile *domain.PlayerProfile, online OnlineChecker) *Player {
	return &Player{profile: profile, online: online}
}

func (p *Player) ID() uuid.UUID {
	return p.profile.ID()
}

func (p *Player) Name() string {
	return p.profile.Name()
}

func (p *Player) DisplayName() string {
	return p.profile.DisplayName()
}

// Online reports whether the player is currently connected
func (p *Player) Online() bool {
	return p.online != nil && p.online.Online(p.profile.ID())
}

// Profile returns the underlying profile for read access
func (p *Player) Profile() *domain.PlayerProfile {
	return p.profile
}

// PlayerView is the serialisable state of a player
type PlayerView struct {
	domain.ProfileSnapshot
	EffectiveName    string `json:"effective_name"`
	EffectiveChannel string `json:"effective_channel"`
	Online           bool   `json:"online"`
}

// View snapshots the player for output
func (p *Player) View() PlayerView {
	return PlayerView{
		ProfileSnapshot:  p.profile.Snapshot(),
		EffectiveName:    p.profile.DisplayName(),
		EffectiveChannel: p.profile.SelectedChannel(),
		Online:           p.Online(),
	}
}
