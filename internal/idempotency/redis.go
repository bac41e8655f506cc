package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// finalizeScript swaps the placeholder for the annotation id only while the
// key still holds the placeholder, keeping any TTL.
var finalizeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
	return 1
end
return 0
`)

// RedisGatekeeper keeps reservations in Redis with SETNX.
type RedisGatekeeper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGatekeeper connects to redisURL. A zero ttl keeps keys forever.
func NewRedisGatekeeper(redisURL string, ttl time.Duration) (*RedisGatekeeper, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisGatekeeper{client: client, ttl: ttl}, nil
}

// NewRedisGatekeeperWithClient wraps an existing client.
func NewRedisGatekeeperWithClient(client *redis.Client, ttl time.Duration) *RedisGatekeeper {
	return &RedisGatekeeper{client: client, ttl: ttl}
}

func (g *RedisGatekeeper) Reserve(ctx context.Context, visitorID, clientKey string) error {
	key := Key(visitorID, clientKey)
	ok, err := g.client.SetNX(ctx, key, Reserved, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil
	}
	value, err := g.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; still treat as used.
		return &ConflictError{Key: key}
	}
	if err != nil {
		return fmt.Errorf("lookup idempotency key: %w", err)
	}
	id, _ := strconv.ParseInt(value, 10, 64)
	return &ConflictError{Key: key, ID: id}
}

func (g *RedisGatekeeper) Finalize(ctx context.Context, visitorID, clientKey string, annotationID int64) error {
	key := Key(visitorID, clientKey)
	swapped, err := finalizeScript.Run(ctx, g.client, []string{key}, Reserved, strconv.FormatInt(annotationID, 10)).Int()
	if err != nil {
		return fmt.Errorf("finalize idempotency key: %w", err)
	}
	if swapped == 0 {
		return fmt.Errorf("finalize idempotency key %s: not reserved", key)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (g *RedisGatekeeper) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGatekeeper) Close() error {
	return g.client.Close()
}
