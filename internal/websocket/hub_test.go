package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, playerID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, PlayerID: playerID}))
	ack := readMessage(t, conn)
	require.Equal(t, "subscribed", ack.Type)
}

func TestHub_ProfileUpdateReachesSubscriber(t *testing.T) {
	hub, url := startHub(t)
	id := uuid.New()

	conn := dial(t, url)
	subscribe(t, conn, id.String())
	assert.Equal(t, 1, hub.GetSubscriberCount(id.String()))

	hub.ProfileChanged(domain.ProfileChange{PlayerID: id, Field: domain.FieldMuted, Value: true, Timestamp: time.Now()})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeProfileUpdate, msg.Type)
	assert.Equal(t, id.String(), msg.PlayerID)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "muted", data["field"])
	assert.Equal(t, true, data["value"])
}

func TestHub_WildcardGetsEveryPlayer(t *testing.T) {
	hub, url := startHub(t)

	all := dial(t, url)
	subscribe(t, all, AllPlayers)
	other := dial(t, url)
	subscribe(t, other, uuid.New().String())

	id := uuid.New()
	hub.ProfileChanged(domain.ProfileChange{PlayerID: id, Field: domain.FieldDisplayName, Value: "Bob", Timestamp: time.Now()})

	msg := readMessage(t, all)
	assert.Equal(t, id.String(), msg.PlayerID)

	// The other client is subscribed to someone else only
	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestHub_RejectsBadPlayerID(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, PlayerID: "Alice"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
}

func TestHub_PingPong(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	subscribe(t, conn, AllPlayers)
	require.Equal(t, 1, hub.GetTotalConnections())

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 0 && hub.GetSubscriberCount(AllPlayers) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_SubscribeAckCarriesSnapshot(t *testing.T) {
	hub, url := startHub(t)
	known := uuid.New()
	hub.SetSnapshot(func(_ context.Context, id uuid.UUID) (interface{}, error) {
		if id != known {
			return nil, domain.ErrNameNotFound
		}
		return map[string]string{"name": "Alice"}, nil
	})
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, PlayerID: known.String()}))
	ack := readMessage(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, map[string]interface{}{"name": "Alice"}, ack.Data)
	assert.Equal(t, 1, hub.GetSubscriberCount(known.String()))

	// The wildcard has no snapshot
	subscribe(t, conn, AllPlayers)
}

func TestHub_SubscribeToUnknownPlayerRejected(t *testing.T) {
	hub, url := startHub(t)
	hub.SetSnapshot(func(context.Context, uuid.UUID) (interface{}, error) {
		return nil, domain.ErrNameNotFound
	})
	conn := dial(t, url)
	id := uuid.New()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, PlayerID: id.String()}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, map[string]interface{}{"error": "unknown player"}, msg.Data)
	assert.Equal(t, 0, hub.GetSubscriberCount(id.String()))
}

func TestHub_SubscribeWhenLookupUnavailable(t *testing.T) {
	hub, url := startHub(t)
	hub.SetSnapshot(func(context.Context, uuid.UUID) (interface{}, error) {
		return nil, domain.Transient("loading profile", context.DeadlineExceeded)
	})
	conn := dial(t, url)
	id := uuid.New()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, PlayerID: id.String()}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, map[string]interface{}{"error": "player lookup unavailable"}, msg.Data)
	assert.Equal(t, 0, hub.GetSubscriberCount(id.String()))
}

func TestHub_UpdatesArriveOnePerFrame(t *testing.T) {
	hub, url := startHub(t)
	id := uuid.New()
	conn := dial(t, url)
	subscribe(t, conn, id.String())

	for _, muted := range []bool{true, false, true} {
		hub.ProfileChanged(domain.ProfileChange{PlayerID: id, Field: domain.FieldMuted, Value: muted, Timestamp: time.Now()})
	}
	for _, muted := range []bool{true, false, true} {
		msg := readMessage(t, conn)
		data, ok := msg.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, muted, data["value"])
	}
}

func TestHub_UnknownMessageTypeIsAnError(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "teleport"}))
	assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)
}
