package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
)

// InMemorySessionManager keeps refresh tokens in process memory. All state
// transitions happen under one mutex, which makes CompareAndRevoke atomic.
type InMemorySessionManager struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*models.RefreshToken
	byValue map[string]uuid.UUID
	byUser  map[uuid.UUID][]uuid.UUID
	log     *zap.SugaredLogger
}

func NewSessionRepository(log *zap.SugaredLogger) *InMemorySessionManager {
	return &InMemorySessionManager{
		byID:    make(map[uuid.UUID]*models.RefreshToken),
		byValue: make(map[string]uuid.UUID),
		byUser:  make(map[uuid.UUID][]uuid.UUID),
		log:     log,
	}
}

func (m *InMemorySessionManager) Insert(_ context.Context, token models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertLocked(token)
}

func (m *InMemorySessionManager) FindByTokenValue(_ context.Context, value string) (*models.RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byValue[value]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	token := *m.byID[id]
	return &token, nil
}

func (m *InMemorySessionManager) CompareAndRevoke(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.activeLocked(id)
	if err != nil {
		return err
	}
	token.Revoked = true
	m.log.Debugw("Session revoked", "sessionID", id, "userID", token.UserID)

	return nil
}

func (m *InMemorySessionManager) Rotate(_ context.Context, id uuid.UUID, next models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.activeLocked(id)
	if err != nil {
		return err
	}
	if err := m.insertLocked(next); err != nil {
		return err
	}
	token.Revoked = true
	m.log.Debugw("Session rotated", "oldSessionID", id, "sessionID", next.ID, "userID", next.UserID)

	return nil
}

func (m *InMemorySessionManager) RevokeAllActiveForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range m.byUser[userID] {
		if token := m.byID[id]; !token.Revoked {
			token.Revoked = true
			n++
		}
	}
	m.log.Debugw("User sessions revoked", "userID", userID, "count", n)

	return n, nil
}

func (m *InMemorySessionManager) activeLocked(id uuid.UUID) (*models.RefreshToken, error) {
	token, ok := m.byID[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if token.Revoked {
		return nil, storage.ErrAlreadyRevoked
	}
	return token, nil
}

func (m *InMemorySessionManager) insertLocked(token models.RefreshToken) error {
	if _, ok := m.byValue[token.TokenValue]; ok {
		return fmt.Errorf("insert refresh token: %w", storage.ErrTokenConflict)
	}
	if _, ok := m.byID[token.ID]; ok {
		return fmt.Errorf("insert refresh token id %s: %w", token.ID, storage.ErrTokenConflict)
	}

	stored := token
	m.byID[token.ID] = &stored
	m.byValue[token.TokenValue] = token.ID
	m.byUser[token.UserID] = append(m.byUser[token.UserID], token.ID)
	m.log.Debugw("Session created", "sessionID", token.ID, "userID", token.UserID, "deviceID", token.DeviceID)

	return nil
}
