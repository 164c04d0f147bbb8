package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier is a key/value store with per-entry expiry.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// RedisTier is the networked tier shared by every process of the deployment.
type RedisTier struct {
	client *redis.Client
}

func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

func (t *RedisTier) Name() string { return "redis" }

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return data, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

func (t *RedisTier) Close() error {
	return t.client.Close()
}
