package resolver

import (
	"context"

	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
)

// OnlineLookup finds connected players
type OnlineLookup interface {
	ByName(name string) (domain.OnlinePlayer, bool)
	ByUUID(id uuid.UUID) (domain.OnlinePlayer, bool)
}

// RosterResolver answers from the set of currently connected players. It
// never fails; anyone not online is a miss.
type RosterResolver struct {
	online OnlineLookup
}

// NewRosterResolver creates a resolver backed by the connected-player roster
func NewRosterResolver(online OnlineLookup) *RosterResolver {
	return &RosterResolver{online: online}
}

// ResolveUUID implements Resolver
func (r *RosterResolver) ResolveUUID(_ context.Context, name string) (uuid.UUID, bool, error) {
	p, ok := r.online.ByName(name)
	if !ok {
		return uuid.Nil, false, nil
	}
	return p.ID, true, nil
}

// ResolveName implements Resolver
func (r *RosterResolver) ResolveName(_ context.Context, id uuid.UUID) (string, bool, error) {
	p, ok := r.online.ByUUID(id)
	if !ok {
		return "", false, nil
	}
	return p.Name, true, nil
}
