package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
)

type SessionStore = storage.SessionRepository

type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type CredentialVerifier interface {
	Verify(plaintext, storedHash string) bool
}

type AccessTokenMinter interface {
	Mint(userID uuid.UUID, email string) (models.AccessToken, error)
}

type ReuseNotifier interface {
	NotifyReuseDetected(ctx context.Context, event models.ReuseEvent)
}
