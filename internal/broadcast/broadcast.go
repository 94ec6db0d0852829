// Package broadcast pushes real-time messages to connected clients. Delivery is best effort.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

type Channel interface {
	Send(ctx context.Context, channel string, payload any) error
	Close() error
}

// UserChannel is the channel every client of the user subscribes to.
func UserChannel(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisChannel publishes JSON payloads with PUBLISH. The subscriber side lives in the gateway
// that holds the client connections.
type RedisChannel struct {
	client *redis.Client
}

func NewRedisChannel(opts RedisOptions) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return &RedisChannel{client: client}, nil
}

func (c *RedisChannel) Send(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", channel, err)
	}
	receivers, err := c.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	slog.DebugContext(ctx, "Broadcast sent", "channel", channel, "receivers", receivers)
	return nil
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}

// LogChannel only logs what would have been sent. It is used when no Redis is configured.
type LogChannel struct{}

func (LogChannel) Send(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", channel, err)
	}
	slog.InfoContext(ctx, "Broadcast (log only)", "channel", channel, "payload", string(data))
	return nil
}

func (LogChannel) Close() error { return nil }
