package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryTokenStorage is an access-token denylist with per-entry expiry.
type InMemoryTokenStorage struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewTokenStorage() *InMemoryTokenStorage {
	return &InMemoryTokenStorage{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *InMemoryTokenStorage) InvalidateToken(_ context.Context, jti string, expiration time.Duration) error {
	if expiration <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[jti] = s.now().Add(expiration)
	return nil
}

func (s *InMemoryTokenStorage) IsTokenInvalidated(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.entries[jti]
	if !ok {
		return false, nil
	}
	if !s.now().Before(until) {
		delete(s.entries, jti)
		return false, nil
	}
	return true, nil
}
