package roster

import (
	"sort"
	"strings"
	"sync"

	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
)

// Roster is the set of players currently connected to the game server, kept
// up to date from join and leave events.
type Roster struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]domain.OnlinePlayer
	byName map[string]uuid.UUID
}

// New creates an empty roster
func New() *Roster {
	return &Roster{
		byID:   make(map[uuid.UUID]domain.OnlinePlayer),
		byName: make(map[string]uuid.UUID),
	}
}

// Join records a connected player, replacing any stale name mapping
func (r *Roster) Join(p domain.OnlinePlayer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[p.ID]; ok {
		delete(r.byName, strings.ToLower(old.Name))
	}
	r.byID[p.ID] = p
	r.byName[strings.ToLower(p.Name)] = p.ID
}

// Leave removes a player and reports whether they were connected
func (r *Roster) Leave(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	if r.byName[strings.ToLower(p.Name)] == id {
		delete(r.byName, strings.ToLower(p.Name))
	}
	return true
}

// ByUUID returns the connected player with id
func (r *Roster) ByUUID(id uuid.UUID) (domain.OnlinePlayer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// ByName returns the connected player with name, case-insensitively
func (r *Roster) ByName(name string) (domain.OnlinePlayer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return domain.OnlinePlayer{}, false
	}
	return r.byID[id], true
}

// Online reports whether id is connected
func (r *Roster) Online(id uuid.UUID) bool {
	_, ok := r.ByUUID(id)
	return ok
}

// Snapshot returns the connected players ordered by name
func (r *Roster) Snapshot() []domain.OnlinePlayer {
	r.mu.RLock()
	players := make([]domain.OnlinePlayer, 0, len(r.byID))
	for _, p := range r.byID {
		players = append(players, p)
	}
	r.mu.RUnlock()

	sort.Slice(players, func(i, j int) bool {
		return strings.ToLower(players[i].Name) < strings.ToLower(players[j].Name)
	})
	return players
}

// Len returns the number of connected players
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
