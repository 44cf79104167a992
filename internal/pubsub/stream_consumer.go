package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/engine"
	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/internal/storage"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObservationKey is the stream field holding the JSON-encoded message
const ObservationKey = "observation"

var observationsConsumed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "observations_consumed_total",
		Help: "Observations read from the stream, by result",
	},
	[]string{"result"},
)

// ObservationMessage is one observation routed to a single rule or to all
// active rules of an owner. RuleID wins when both are set.
type ObservationMessage struct {
	RuleID  string `json:"ruleId,omitempty"`
	OwnerID string `json:"userId,omitempty"`
	models.Observation
}

// Ticker is the part of the engine driver the consumer feeds
type Ticker interface {
	Tick(ctx context.Context, ruleID string, obs *models.Observation) (*engine.TickOutcome, error)
	TickOwner(ctx context.Context, ownerID string, obs *models.Observation) ([]*engine.TickOutcome, error)
}

// StreamConsumerConfig holds configuration for the observation consumer
type StreamConsumerConfig struct {
	StreamName     string
	ConsumerGroup  string
	ConsumerName   string
	ProcessTimeout time.Duration
	AckTimeout     time.Duration
}

// DefaultStreamConsumerConfig returns default configuration
func DefaultStreamConsumerConfig(streamName, consumerGroup, consumerName string) StreamConsumerConfig {
	return StreamConsumerConfig{
		StreamName:     streamName,
		ConsumerGroup:  consumerGroup,
		ConsumerName:   consumerName,
		ProcessTimeout: 30 * time.Second,
		AckTimeout:     5 * time.Second,
	}
}

// ObservationConsumer reads observations from a Redis stream and ticks the
// engine with them. A message is acknowledged once handled; one whose tick
// could not be persisted stays pending and is redelivered on restart.
type ObservationConsumer struct {
	config  StreamConsumerConfig
	redis   storage.RedisClient
	ticker  Ticker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	stats   ConsumerStats
}

// ConsumerStats holds statistics about the consumer
type ConsumerStats struct {
	MessagesProcessed int64
	MessagesAcked     int64
	MessagesFailed    int64
	MessagesPending   int64 // Left unacknowledged for redelivery
	LastMessageTime   time.Time
}

// NewObservationConsumer creates a new observation consumer
func NewObservationConsumer(redis storage.RedisClient, ticker Ticker, config StreamConsumerConfig) *ObservationConsumer {
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = 30 * time.Second
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ObservationConsumer{
		config: config,
		redis:  redis,
		ticker: ticker,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts consuming from the stream
func (c *ObservationConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("consumer is already running")
	}

	messages, err := c.redis.ConsumeFromStream(c.ctx, c.config.StreamName, c.config.ConsumerGroup, c.config.ConsumerName)
	if err != nil {
		return fmt.Errorf("failed to consume from stream %s: %w", c.config.StreamName, err)
	}
	c.running = true

	logger.Info("Starting observation consumer",
		logger.String("stream", c.config.StreamName),
		logger.String("group", c.config.ConsumerGroup),
		logger.String("consumer", c.config.ConsumerName),
	)

	c.wg.Add(1)
	go c.consume(messages)

	return nil
}

// Stop stops the consumer and waits for the message in flight
func (c *ObservationConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	logger.Info("Stopping observation consumer")
	c.cancel()
	c.wg.Wait()
	logger.Info("Observation consumer stopped")
}

func (c *ObservationConsumer) consume(messages <-chan storage.StreamMessage) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

// handle ticks one message and acknowledges it unless it must be redelivered
func (c *ObservationConsumer) handle(msg storage.StreamMessage) {
	obsMsg, err := decodeObservation(msg)
	if err != nil {
		// Malformed messages would never succeed; drop them
		logger.Error("Dropping malformed observation",
			logger.ErrorField(err),
			logger.String("stream", msg.Stream),
			logger.String("message_id", msg.ID),
		)
		observationsConsumed.WithLabelValues("malformed").Inc()
		c.record(func(s *ConsumerStats) { s.MessagesFailed++ })
		c.ack(msg)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.config.ProcessTimeout)
	defer cancel()
	ctx = logger.WithTraceID(ctx, msg.ID)

	if obsMsg.RuleID != "" {
		_, err = c.ticker.Tick(ctx, obsMsg.RuleID, &obsMsg.Observation)
	} else {
		_, err = c.ticker.TickOwner(ctx, obsMsg.OwnerID, &obsMsg.Observation)
	}
	c.record(func(s *ConsumerStats) {
		s.MessagesProcessed++
		s.LastMessageTime = time.Now()
	})

	if err != nil && redeliverable(c.ctx, err) {
		logger.WithContext(ctx).Warn("Observation left pending for redelivery",
			logger.ErrorField(err),
			logger.String("message_id", msg.ID),
		)
		observationsConsumed.WithLabelValues("pending").Inc()
		c.record(func(s *ConsumerStats) { s.MessagesPending++ })
		return
	}

	if err != nil {
		logger.WithContext(ctx).Warn("Observation rejected",
			logger.ErrorField(err),
			logger.String("message_id", msg.ID),
		)
		observationsConsumed.WithLabelValues("rejected").Inc()
		c.record(func(s *ConsumerStats) { s.MessagesFailed++ })
	} else {
		observationsConsumed.WithLabelValues("ticked").Inc()
	}
	c.ack(msg)
}

// redeliverable reports whether a tick error may succeed if the message is handled again
func redeliverable(ctx context.Context, err error) bool {
	return errors.Is(err, models.ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

func (c *ObservationConsumer) ack(msg storage.StreamMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.AckTimeout)
	defer cancel()

	if err := c.redis.AcknowledgeMessage(ctx, msg.Stream, c.config.ConsumerGroup, msg.ID); err != nil {
		logger.Error("Failed to acknowledge message",
			logger.ErrorField(err),
			logger.String("stream", msg.Stream),
			logger.String("message_id", msg.ID),
		)
		return
	}
	c.record(func(s *ConsumerStats) { s.MessagesAcked++ })
}

// decodeObservation decodes and validates a stream message
func decodeObservation(msg storage.StreamMessage) (*ObservationMessage, error) {
	raw, ok := msg.Values[ObservationKey].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("no %s field in message", ObservationKey)
	}

	var obsMsg ObservationMessage
	if err := json.Unmarshal([]byte(raw), &obsMsg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
	}
	if obsMsg.RuleID == "" && obsMsg.OwnerID == "" {
		return nil, fmt.Errorf("observation names neither ruleId nor userId")
	}
	if err := obsMsg.Observation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observation: %w", err)
	}
	return &obsMsg, nil
}

func (c *ObservationConsumer) record(update func(s *ConsumerStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.stats)
}

// GetStats returns current consumer statistics
func (c *ObservationConsumer) GetStats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// IsRunning returns whether the consumer is running
func (c *ObservationConsumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}
