package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/orientinsight/bookingmail/internal/model"
)

// streamMaxLen caps the outcome stream; consumers are dashboards, not
// an audit log.
const streamMaxLen = 10000

// RedisNotifier appends outcomes to a Redis stream.
type RedisNotifier struct {
	rdb    *redis.Client
	stream string
}

// NewRedisNotifier creates a RedisNotifier.
func NewRedisNotifier(cfg model.RedisNotifyConfig, password string) *RedisNotifier {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
	})
	return &RedisNotifier{rdb: rdb, stream: cfg.Stream}
}

// NewRedisNotifierWithClient wraps an existing client.
func NewRedisNotifierWithClient(rdb *redis.Client, stream string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, stream: stream}
}

// Name implements Notifier.
func (r *RedisNotifier) Name() string { return "redis" }

// Notify implements Notifier.
func (r *RedisNotifier) Notify(ctx context.Context, o OutcomeSummary) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":          string(data),
			"discriminator": o.Discriminator,
			"status":        string(o.Status),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("adding to stream %s: %w", r.stream, err)
	}
	return nil
}

// Close closes the client.
func (r *RedisNotifier) Close() error {
	return r.rdb.Close()
}
