package storage

import (
	"context"
	"time"
)

// RedisClient defines the Redis operations the engine relies on
type RedisClient interface {
	// Stream operations
	PublishToStream(ctx context.Context, stream string, key string, value interface{}) error
	// ConsumeFromStream delivers the consumer's pending entries first, then new ones.
	// The channel is closed when ctx is done.
	ConsumeFromStream(ctx context.Context, stream string, group string, consumer string) (<-chan StreamMessage, error)
	AcknowledgeMessage(ctx context.Context, stream string, group string, id string) error

	// Key-value operations
	// SetNX stores the key only when absent and reports whether it did
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	Ping(ctx context.Context) error

	// Close closes the Redis connection
	Close() error
}

// StreamMessage represents a message published to a Redis stream
type StreamMessage struct {
	ID     string
	Stream string
	Values map[string]interface{}
}
