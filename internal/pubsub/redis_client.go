package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/config"
	"github.com/mohamedkhairy/trading-rules/internal/storage"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisClientImpl implements the storage.RedisClient interface
type RedisClientImpl struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (storage.RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
	)

	return NewRedisClientFromClient(rdb), nil
}

// NewRedisClientFromClient wraps an existing go-redis client
func NewRedisClientFromClient(rdb *redis.Client) *RedisClientImpl {
	return &RedisClientImpl{client: rdb}
}

// PublishToStream publishes a JSON-encoded value to a Redis stream
func (r *RedisClientImpl) PublishToStream(ctx context.Context, stream string, key string, value interface{}) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			key: string(jsonData),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}

	return nil
}

// ConsumeFromStream reads a stream through a consumer group. Entries this
// consumer received earlier but never acknowledged are delivered first.
func (r *RedisClientImpl) ConsumeFromStream(ctx context.Context, stream string, group string, consumer string) (<-chan storage.StreamMessage, error) {
	messageChan := make(chan storage.StreamMessage, 100)

	// XGroupCreateMkStream creates the stream if it doesn't exist (MKSTREAM)
	if err := r.createGroup(ctx, stream, group); err != nil {
		logger.Warn("Failed to create consumer group, will retry while reading",
			logger.ErrorField(err),
			logger.String("stream", stream),
			logger.String("group", group),
		)
	}

	go func() {
		defer close(messageChan)

		// "0" reads this consumer's pending entries, ">" reads new ones
		lastID := "0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			args := &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, lastID},
				Count:    10,
			}
			if lastID == ">" {
				args.Block = time.Second
			}

			streams, err := r.client.XReadGroup(ctx, args).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}

				if strings.Contains(err.Error(), "NOGROUP") {
					logger.Warn("Consumer group not found, attempting to create",
						logger.String("stream", stream),
						logger.String("group", group),
					)
					if createErr := r.createGroup(ctx, stream, group); createErr != nil {
						logger.Error("Failed to recreate consumer group",
							logger.ErrorField(createErr),
							logger.String("stream", stream),
						)
					}
				} else {
					logger.Error("Error reading from stream",
						logger.ErrorField(err),
						logger.String("stream", stream),
					)
				}
				sleepCtx(ctx, time.Second)
				continue
			}

			delivered := 0
			for _, s := range streams {
				for _, message := range s.Messages {
					msg := storage.StreamMessage{
						ID:     message.ID,
						Stream: s.Stream,
						Values: message.Values,
					}
					select {
					case messageChan <- msg:
					case <-ctx.Done():
						return
					}
					delivered++
					if lastID != ">" {
						lastID = message.ID
					}
				}
			}

			// Pending backlog drained; switch to new entries
			if lastID != ">" && delivered == 0 {
				lastID = ">"
			}
		}
	}()

	return messageChan, nil
}

func (r *RedisClientImpl) createGroup(ctx context.Context, stream string, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	// BUSYGROUP means group already exists
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// AcknowledgeMessage acknowledges a message in a Redis stream
func (r *RedisClientImpl) AcknowledgeMessage(ctx context.Context, stream string, group string, id string) error {
	return r.client.XAck(ctx, stream, group, id).Err()
}

// SetNX sets a key only if it does not exist yet
func (r *RedisClientImpl) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}

	return r.client.SetNX(ctx, key, jsonData, ttl).Result()
}

// Exists checks if a key exists
func (r *RedisClientImpl) Exists(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, key).Result()
	return count > 0, err
}

// Ping checks the connection
func (r *RedisClientImpl) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisClientImpl) Close() error {
	return r.client.Close()
}
