package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the shared cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is the shared cache backend used when several telephone servers
// cooperate on one PBX: any of them may answer a late-route lookup for a
// call that was routed elsewhere.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the shared cache and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	slog.Info("shared routing cache connected", "addr", cfg.Addr)
	return &Redis{client: client}, nil
}

// Put stores the serialized result with the given TTL.
func (r *Redis) Put(ctx context.Context, callID, treePath string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, Key(callID, treePath), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Get returns the stored bytes or ErrMiss.
func (r *Redis) Get(ctx context.Context, callID, treePath string) ([]byte, error) {
	value, err := r.client.Get(ctx, Key(callID, treePath)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return value, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
