package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/internal/storage"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
)

// ExecutionEvent is the payload published for every persisted execution
type ExecutionEvent struct {
	RuleID        string                 `json:"ruleId"`
	OwnerID       string                 `json:"userId"`
	Mode          models.Mode            `json:"mode"`
	WalletAddress string                 `json:"walletAddress,omitempty"`
	Record        models.ExecutionRecord `json:"record"`
}

// Publisher publishes execution events to a Redis stream
type Publisher struct {
	redis          storage.RedisClient
	stream         string
	publishTimeout time.Duration
}

// NewPublisher creates a new execution publisher
func NewPublisher(redis storage.RedisClient, stream string, publishTimeout time.Duration) *Publisher {
	return &Publisher{
		redis:          redis,
		stream:         stream,
		publishTimeout: publishTimeout,
	}
}

// Publish publishes one execution event
func (p *Publisher) Publish(ctx context.Context, event *ExecutionEvent) error {
	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	if err := p.redis.PublishToStream(publishCtx, p.stream, "execution", event); err != nil {
		return fmt.Errorf("failed to publish execution to stream: %w", err)
	}

	logger.Debug("Published execution event",
		logger.String("rule_id", event.RuleID),
		logger.String("action", string(event.Record.Action)),
		logger.String("stream", p.stream),
	)

	return nil
}
