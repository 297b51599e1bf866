package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"fleet/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisClient defines the Redis operations the sink needs
type RedisClient interface {
	Set(ctx context.Context, key string, value any) error
	Publish(ctx context.Context, channel string, message any) error
	Close() error
}

// ClientAdapter adapts a go-redis client to RedisClient
type ClientAdapter struct {
	client redis.UniversalClient
}

// NewClientAdapter creates a new client adapter
func NewClientAdapter(client redis.UniversalClient) *ClientAdapter {
	return &ClientAdapter{client: client}
}

// NewRedisClient opens a client for the configured server
func NewRedisClient(cfg config.Redis) *ClientAdapter {
	return NewClientAdapter(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// Set stores value under key without expiry
func (c *ClientAdapter) Set(ctx context.Context, key string, value any) error {
	return c.client.Set(ctx, key, value, 0).Err()
}

// Publish sends message on channel
func (c *ClientAdapter) Publish(ctx context.Context, channel string, message any) error {
	return c.client.Publish(ctx, channel, message).Err()
}

// Close closes the connection
func (c *ClientAdapter) Close() error {
	return c.client.Close()
}

// RedisSink stores the latest records under a key and announces each
// change on a channel.
type RedisSink struct {
	client  RedisClient
	key     string
	channel string
}

// NewRedisSink creates a sink. An empty channel disables announcements.
func NewRedisSink(client RedisClient, key, channel string) *RedisSink {
	return &RedisSink{client: client, key: key, channel: channel}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Publish(ctx context.Context, records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode discovery records: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	if r.channel != "" {
		if err := r.client.Publish(ctx, r.channel, data); err != nil {
			return fmt.Errorf("redis publish %s: %w", r.channel, err)
		}
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
