package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/chat-identity/internal/service"
	"github.com/google/uuid"
)

// RosterHandler applies join and leave notifications from the game server
type RosterHandler interface {
	OnJoin(ctx context.Context, id uuid.UUID, name string) (*service.Player, error)
	OnLeave(id uuid.UUID) bool
}

// Consumer consumes roster events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       RosterHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler RosterHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	c := newConsumer(cfg, handler, logger)
	c.consumerGroup = consumerGroup
	return c, nil
}

func newConsumer(cfg *config.KafkaConfig, handler RosterHandler, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:  cfg,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan bool),
	}
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// decodeEvent parses and validates one roster message
func decodeEvent(value []byte) (domain.RosterEvent, error) {
	var event domain.RosterEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return event, fmt.Errorf("decoding roster event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("roster event %q for %s: %w", event.Type, event.PlayerID, err)
	}
	return event, nil
}

// applyBatch hands events to the handler in arrival order. A failed join is
// logged and skipped; the player stays on the roster and resolves on demand.
func (c *Consumer) applyBatch(ctx context.Context, events []domain.RosterEvent) (applied int) {
	for _, event := range events {
		switch event.Type {
		case domain.RosterJoin:
			if _, err := c.handler.OnJoin(ctx, event.PlayerID, event.Name); err != nil {
				c.logger.Warn("failed to apply join",
					"player_id", event.PlayerID,
					"name", event.Name,
					"error", err,
				)
				continue
			}
		case domain.RosterLeave:
			if !c.handler.OnLeave(event.PlayerID) {
				c.logger.Debug("leave for player not on roster", "player_id", event.PlayerID)
			}
		}
		applied++
	}
	return applied
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Messages are keyed
// by player so a partition carries each player's events in order.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger
	batch := make([]domain.RosterEvent, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if last == nil {
			return
		}
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			applied := h.consumer.applyBatch(ctx, batch)
			cancel()
			logger.Debug("processed roster batch", "batch_size", len(batch), "applied", applied)
		}
		// Offsets only advance once the events are applied
		session.MarkMessage(last, "")
		batch = batch[:0]
		last = nil
	}

	for {
		select {
		case <-session.Context().Done():
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}
			last = message

			event, err := decodeEvent(message.Value)
			if err != nil {
				logger.Warn("skipping roster message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, event)
			if len(batch) >= cfg.BatchSize {
				processBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
