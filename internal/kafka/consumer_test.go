package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/chat-identity/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	calls   []string
	joinErr error
}

func (h *recordingHandler) OnJoin(_ context.Context, id uuid.UUID, name string) (*service.Player, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "join:"+name)
	return nil, h.joinErr
}

func (h *recordingHandler) OnLeave(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "leave:"+id.String())
	return true
}

func (h *recordingHandler) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "test" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) lastMarked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.marked) == 0 {
		return -1
	}
	return s.marked[len(s.marked)-1]
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "player-roster" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func testConsumer(handler RosterHandler, batchSize int) *Consumer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := &config.KafkaConfig{Topic: "player-roster", BatchSize: batchSize, BatchTimeout: 20 * time.Millisecond}
	return newConsumer(cfg, handler, logger)
}

func encode(t *testing.T, event domain.RosterEvent) []byte {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return data
}

func TestDecodeEvent(t *testing.T) {
	id := uuid.New()

	event, err := decodeEvent([]byte(`{"type":"join","player_id":"` + id.String() + `","name":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.RosterJoin, event.Type)
	assert.Equal(t, id, event.PlayerID)
	assert.Equal(t, "Alice", event.Name)

	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"type":"join","player_id":"` + id.String() + `"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = decodeEvent([]byte(`{"type":"teleport","player_id":"` + id.String() + `"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestApplyBatch_KeepsOrderAndSkipsFailedJoins(t *testing.T) {
	handler := &recordingHandler{}
	c := testConsumer(handler, 10)
	id := uuid.New()

	applied := c.applyBatch(context.Background(), []domain.RosterEvent{
		{Type: domain.RosterJoin, PlayerID: id, Name: "Alice"},
		{Type: domain.RosterLeave, PlayerID: id},
	})
	assert.Equal(t, 2, applied)
	assert.Equal(t, []string{"join:Alice", "leave:" + id.String()}, handler.recorded())

	handler.joinErr = errors.New("store down")
	applied = c.applyBatch(context.Background(), []domain.RosterEvent{
		{Type: domain.RosterJoin, PlayerID: id, Name: "Alice"},
	})
	assert.Equal(t, 0, applied)
}

func TestConsumeClaim_BatchesAndMarksOffsets(t *testing.T) {
	handler := &recordingHandler{}
	c := testConsumer(handler, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 4)}

	alice, bob := uuid.New(), uuid.New()
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: encode(t, domain.RosterEvent{Type: domain.RosterJoin, PlayerID: alice, Name: "Alice"})}
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte("garbage")}
	claim.messages <- &sarama.ConsumerMessage{Offset: 3, Value: encode(t, domain.RosterEvent{Type: domain.RosterJoin, PlayerID: bob, Name: "Bob"})}
	claim.messages <- &sarama.ConsumerMessage{Offset: 4, Value: encode(t, domain.RosterEvent{Type: domain.RosterLeave, PlayerID: alice})}
	close(claim.messages)

	h := &consumerGroupHandler{consumer: c, ready: make(chan bool)}
	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, []string{"join:Alice", "join:Bob", "leave:" + alice.String()}, handler.recorded())
	assert.Equal(t, int64(4), session.lastMarked())
}

func TestConsumeClaim_FlushesOnTimer(t *testing.T) {
	handler := &recordingHandler{}
	c := testConsumer(handler, 100)

	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 7, Value: encode(t, domain.RosterEvent{Type: domain.RosterJoin, PlayerID: uuid.New(), Name: "Carol"})}

	done := make(chan error, 1)
	h := &consumerGroupHandler{consumer: c, ready: make(chan bool)}
	go func() { done <- h.ConsumeClaim(session, claim) }()

	require.Eventually(t, func() bool {
		return len(handler.recorded()) == 1 && session.lastMarked() == 7
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
