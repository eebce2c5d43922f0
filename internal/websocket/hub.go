package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chat-identity/internal/domain"
)

// Message types
const (
	MessageTypeProfileUpdate = "profile_update"
	MessageTypeSubscribe     = "subscribe"
	MessageTypeUnsubscribe   = "unsubscribe"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
	MessageTypeError         = "error"
)

// AllPlayers subscribes a client to updates for every player
const AllPlayers = "*"

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	PlayerID  string      `json:"player_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans profile changes out to subscribed websocket clients
type Hub struct {
	// Subscribed clients by player ID, or AllPlayers
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	mu       sync.RWMutex
	snapshot SnapshotFunc
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		allClients: make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for key, clients := range h.clients {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.clients, key)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// SetSnapshot makes subscriptions to a single player check the player exists
// and carry the current view in the ack
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

func (h *Hub) snapshotFunc() SnapshotFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to the player's subscribers and to
// everyone subscribed to all players
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	sent := make(map[*Client]bool)
	for _, key := range []string{message.PlayerID, AllPlayers} {
		for client := range h.clients[key] {
			if sent[client] {
				continue
			}
			sent[client] = true
			select {
			case client.send <- data:
			default:
				// Client's buffer is full, skip
				h.logger.Warn("client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

// ProfileChanged queues a profile_update for subscribers of the player
func (h *Hub) ProfileChanged(change domain.ProfileChange) {
	message := &Message{
		Type:      MessageTypeProfileUpdate,
		PlayerID:  change.PlayerID.String(),
		Data:      change,
		Timestamp: change.Timestamp,
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "player_id", change.PlayerID)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a player's updates. It takes effect before it
// returns, so a later broadcast reaches the client.
func (h *Hub) Subscribe(client *Client, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[playerID]; !ok {
		h.clients[playerID] = make(map[*Client]bool)
	}
	h.clients[playerID][client] = true
	h.logger.Debug("client subscribed", "client_id", client.id, "player_id", playerID)
}

// Unsubscribe removes a client from a player's updates
func (h *Hub) Unsubscribe(client *Client, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[playerID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, playerID)
		}
	}
	h.logger.Debug("client unsubscribed", "client_id", client.id, "player_id", playerID)
}

// GetSubscriberCount returns the number of subscribers for a player
func (h *Hub) GetSubscriberCount(playerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[playerID])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
