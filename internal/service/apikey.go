package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrAPIKeyNotConfigured = errors.New("admin API key is not configured")

// APIKeyService guards administrative endpoints with a shared key. Only the
// SHA-256 of the key is kept in Redis; after a key change the previous hash
// stays valid for the grace window.
type APIKeyService struct {
	rdb   redis.UniversalClient
	log   *zap.SugaredLogger
	key   string
	grace time.Duration

	currentKey  string
	previousKey string
	rotatedKey  string
}

func NewAPIKeyService(rdb redis.UniversalClient, log *zap.SugaredLogger, prefix, key string, grace time.Duration) *APIKeyService {
	return &APIKeyService{
		rdb:         rdb,
		log:         log,
		key:         key,
		grace:       grace,
		currentKey:  prefix + ":apikey:current",
		previousKey: prefix + ":apikey:previous",
		rotatedKey:  prefix + ":apikey:rotated_at",
	}
}

// SyncAPIKey publishes the configured key. A changed key demotes the stored
// one to previous.
func (s *APIKeyService) SyncAPIKey(ctx context.Context) error {
	if s.key == "" {
		s.log.Warn("Admin API key not set; admin endpoints will reject every request.")
		return nil
	}
	hashedNewKey := hashAPIKey(s.key)

	currentHashedKey, err := s.rdb.Get(ctx, s.currentKey).Result()
	if errors.Is(err, redis.Nil) {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, s.currentKey, hashedNewKey, 0)
		pipe.Set(ctx, s.rotatedKey, time.Now().UTC().Format(time.RFC3339), 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("init API key: %w", err)
		}
		s.log.Info("API Key initialized in Redis.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get current API key from Redis: %w", err)
	}

	if constantTimeEqual(hashedNewKey, currentHashedKey) {
		s.log.Info("Skipping key sync: new key is the same as the current one.")
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.previousKey, currentHashedKey, s.grace)
	pipe.Set(ctx, s.currentKey, hashedNewKey, 0)
	pipe.Set(ctx, s.rotatedKey, time.Now().UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to sync API key in Redis: %w", err)
	}

	s.log.Info("API Key synced successfully.")
	return nil
}

func (s *APIKeyService) IsValidAPIKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	hashedKey := hashAPIKey(key)

	currentHashedKey, err := s.rdb.Get(ctx, s.currentKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrAPIKeyNotConfigured
	}
	if err != nil {
		return false, fmt.Errorf("failed to get current API key from Redis: %w", err)
	}
	if constantTimeEqual(hashedKey, currentHashedKey) {
		return true, nil
	}

	// The previous key expires on its own after the grace window.
	oldHashedKey, err := s.rdb.Get(ctx, s.previousKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get previous API key from Redis: %w", err)
	}
	return constantTimeEqual(hashedKey, oldHashedKey), nil
}

// StaticAPIKey checks admin keys against a key fixed at startup. It serves
// deployments without Redis, so there is no rotation grace window.
type StaticAPIKey struct {
	hashed string
}

func NewStaticAPIKey(key string) *StaticAPIKey {
	if key == "" {
		return &StaticAPIKey{}
	}
	return &StaticAPIKey{hashed: hashAPIKey(key)}
}

func (s *StaticAPIKey) IsValidAPIKey(_ context.Context, key string) (bool, error) {
	if s.hashed == "" {
		return false, ErrAPIKeyNotConfigured
	}
	if key == "" {
		return false, nil
	}
	return constantTimeEqual(hashAPIKey(key), s.hashed), nil
}

func constantTimeEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
