package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGateway stores values as plain Redis strings.
type RedisGateway struct {
	client *redis.Client
}

func NewRedisGateway(client *redis.Client) *RedisGateway {
	return &RedisGateway{client: client}
}

func (g *RedisGateway) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return data, nil
}

func (g *RedisGateway) Set(ctx context.Context, key string, value []byte) error {
	if err := g.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (g *RedisGateway) Close() error {
	return g.client.Close()
}
