// Package guard provides a short-lived, cross-process marker for operations
// that are already in flight, such as a proposal being converted.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose TTL expired cannot release someone else's claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard claims keys in Redis with SET NX PX.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard connects to redisURL and verifies the connection.
func NewRedisGuard(redisURL string) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisGuardWithClient(client), nil
}

// NewRedisGuardWithClient creates a guard from an existing Redis client.
func NewRedisGuardWithClient(client *redis.Client) *RedisGuard {
	return &RedisGuard{
		client: client,
		prefix: "inflight:",
	}
}

func (g *RedisGuard) key(name string) string {
	return g.prefix + name
}

// Acquire claims name for ttl. ok is false when another holder has it. The
// returned release func is safe to call more than once.
func (g *RedisGuard) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	token := uuid.NewString()
	key := g.key(name)

	ok, err = g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.client, []string{key}, token).Err()
	}, true, nil
}

// Close closes the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
