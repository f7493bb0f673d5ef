package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const invalidatedMarker = "invalidated"

// TokenStorage is the Redis access-token denylist.
type TokenStorage struct {
	client redis.UniversalClient
	prefix string
}

func NewTokenStorage(client redis.UniversalClient, prefix string) *TokenStorage {
	return &TokenStorage{client: client, prefix: prefix}
}

func (s *TokenStorage) key(jti string) string {
	return s.prefix + ":denylist:" + jti
}

// InvalidateToken denylists jti until its access token would have expired
// anyway; a non-positive expiration is a no-op.
func (s *TokenStorage) InvalidateToken(ctx context.Context, jti string, expiration time.Duration) error {
	if expiration <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(jti), invalidatedMarker, expiration).Err(); err != nil {
		return fmt.Errorf("redis denylist token: %w", err)
	}
	return nil
}

func (s *TokenStorage) IsTokenInvalidated(ctx context.Context, jti string) (bool, error) {
	result, err := s.client.Get(ctx, s.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("redis check denylist: %w", err)
	}
	return result == invalidatedMarker, nil
}
