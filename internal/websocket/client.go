package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	snapshotWait   = 5 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers are game-side tools, not browsers
	CheckOrigin: func(*http.Request) bool { return true },
}

// SnapshotFunc returns the current view of a player, sent with the
// subscription ack. It returns an error matching domain.ErrNameNotFound for an
// unknown player.
type SnapshotFunc func(ctx context.Context, id uuid.UUID) (interface{}, error)

// ClientMessage is a request from a subscriber. PlayerID is a uuid or
// AllPlayers.
type ClientMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id,omitempty"`
}

// Client is one subscriber connection. Only the read loop queues replies; the
// hub queues updates. The write loop owns the connection's writer.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With("client_id", id),
	}
}

// ServeWs upgrades the request and runs the connection until the peer leaves
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)
	go client.writeLoop()
	go client.readLoop()

	client.logger.Debug("websocket connected", "remote_addr", r.RemoteAddr)
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}

		var req ClientMessage
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(MessageTypeError, "", errorData("invalid message format"))
			continue
		}
		c.handle(req)
	}
}

func (c *Client) handle(req ClientMessage) {
	switch req.Type {
	case MessageTypeSubscribe:
		c.subscribe(req.PlayerID)
	case MessageTypeUnsubscribe:
		key, ok := subscriptionKey(req.PlayerID)
		if !ok {
			c.reply(MessageTypeError, req.PlayerID, errorData(badPlayerID))
			return
		}
		c.hub.Unsubscribe(c, key)
		c.reply("unsubscribed", key, nil)
	case MessageTypePing:
		c.reply(MessageTypePong, "", nil)
	default:
		c.reply(MessageTypeError, "", errorData("unknown message type "+req.Type))
	}
}

const badPlayerID = "player_id must be a uuid or \"" + AllPlayers + "\""

// subscribe checks the player exists before subscribing, so a typo does not
// leave a subscription that never fires
func (c *Client) subscribe(playerID string) {
	key, ok := subscriptionKey(playerID)
	if !ok {
		c.reply(MessageTypeError, playerID, errorData(badPlayerID))
		return
	}

	var view interface{}
	if snapshot := c.hub.snapshotFunc(); snapshot != nil && key != AllPlayers {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
		v, err := snapshot(ctx, uuid.MustParse(key))
		cancel()
		switch {
		case errors.Is(err, domain.ErrNameNotFound):
			c.reply(MessageTypeError, key, errorData("unknown player"))
			return
		case err != nil:
			c.logger.Warn("subscription snapshot failed", "player_id", key, "error", err)
			c.reply(MessageTypeError, key, errorData("player lookup unavailable"))
			return
		}
		view = v
	}

	c.hub.Subscribe(c, key)
	c.reply("subscribed", key, view)
}

func (c *Client) reply(kind, playerID string, data interface{}) {
	c.enqueue(&Message{Type: kind, PlayerID: playerID, Data: data, Timestamp: time.Now()})
}

// enqueue never blocks; a subscriber that cannot keep up loses messages
func (c *Client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping message", "type", msg.Type)
	}
}

func errorData(text string) map[string]string {
	return map[string]string{"error": text}
}

// subscriptionKey normalises a requested player id
func subscriptionKey(playerID string) (string, bool) {
	if playerID == AllPlayers {
		return AllPlayers, true
	}
	id, err := uuid.Parse(playerID)
	if err != nil || id == uuid.Nil {
		return "", false
	}
	return id.String(), true
}

// writeLoop sends one frame per message and pings while idle
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
