package authx

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/redis/go-redis/v9"
)

// RedisRevocationList shares revoked token ids between processes. Each entry
// carries a TTL matching the token's remaining lifetime, so Redis does the
// cleanup.
type RedisRevocationList struct {
	client redis.UniversalClient
	prefix string
	clock  jwt.Clock
}

// NewRedisRevocationList wraps an existing client.
func NewRedisRevocationList(client redis.UniversalClient, prefix string) *RedisRevocationList {
	if prefix == "" {
		prefix = defaultRevokedPrefix
	}
	return &RedisRevocationList{client: client, prefix: prefix, clock: systemClock}
}

// OpenRedisRevocationList connects to the Redis server at cfg.URL and checks
// that it answers.
func OpenRedisRevocationList(ctx context.Context, cfg RedisConfig) (*RedisRevocationList, error) {
	cfg.normalize()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisRevocationList(client, cfg.KeyPrefix), nil
}

// Revoke stores tokenID with an expiry at until.
func (l *RedisRevocationList) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(l.clock.Now())
	if ttl <= 0 {
		return nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return l.client.Set(ctx, l.prefix+tokenID, 1, ttl).Err()
}

// IsRevoked reports whether tokenID has a live entry.
func (l *RedisRevocationList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping checks connectivity.
func (l *RedisRevocationList) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (l *RedisRevocationList) Close() error {
	return l.client.Close()
}

// Client returns the underlying Redis client.
func (l *RedisRevocationList) Client() redis.UniversalClient {
	return l.client
}
