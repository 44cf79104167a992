package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/storage"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
)

// Deduplicator remembers persisted executions as Redis idempotency keys so
// replayed observations are rejected before they reach the store.
// The store's own uniqueness check stays authoritative; Redis failures only
// cost the shortcut.
type Deduplicator struct {
	redis storage.RedisClient
	ttl   time.Duration
}

// NewDeduplicator creates a new deduplicator
func NewDeduplicator(redis storage.RedisClient, ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		redis: redis,
		ttl:   ttl,
	}
}

// IdempotencyKey returns the Redis key for a (rule, timestamp) pair
// Format: execution:dedupe:{rule_id}:{unix_nanos}
func IdempotencyKey(ruleID string, ts time.Time) string {
	return fmt.Sprintf("execution:dedupe:%s:%d", ruleID, ts.UnixNano())
}

// Seen reports whether an execution for ruleID at ts was already recorded
func (d *Deduplicator) Seen(ctx context.Context, ruleID string, ts time.Time) (bool, error) {
	key := IdempotencyKey(ruleID, ts)

	exists, err := d.redis.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	if exists {
		logger.Debug("Duplicate execution detected",
			logger.String("rule_id", ruleID),
			logger.String("idempotency_key", key),
		)
	}

	return exists, nil
}

// Remember marks the execution for ruleID at ts as recorded
func (d *Deduplicator) Remember(ctx context.Context, ruleID string, ts time.Time) {
	key := IdempotencyKey(ruleID, ts)

	if _, err := d.redis.SetNX(ctx, key, ruleID, d.ttl); err != nil {
		logger.Warn("Failed to set idempotency key",
			logger.ErrorField(err),
			logger.String("rule_id", ruleID),
			logger.String("idempotency_key", key),
		)
	}
}
