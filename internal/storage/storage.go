package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rryowa/authsessions/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTokenConflict   = errors.New("refresh token value already exists")
	ErrAlreadyRevoked  = errors.New("session already revoked")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
)

// SessionRepository is the durable record of refresh tokens. Implementations
// hold no business logic; CompareAndRevoke is the only coordination point.
type SessionRepository interface {
	// FindByTokenValue returns ErrSessionNotFound when no row carries value.
	FindByTokenValue(ctx context.Context, value string) (*models.RefreshToken, error)
	// Insert returns ErrTokenConflict when the token value is already taken
	// and never overwrites an existing row.
	Insert(ctx context.Context, token models.RefreshToken) error
	// CompareAndRevoke flips revoked from false to true atomically. Exactly one
	// of several racing callers gets nil; the rest get ErrAlreadyRevoked.
	CompareAndRevoke(ctx context.Context, id uuid.UUID) error
	// Rotate revokes the active record id and inserts next as one step. It
	// fails like CompareAndRevoke, and with ErrTokenConflict when next's value
	// is taken, in which case id stays active. RevokeAllActiveForUser never
	// observes the revoke without the insert.
	Rotate(ctx context.Context, id uuid.UUID, next models.RefreshToken) error
	// RevokeAllActiveForUser serialises with Rotate for the same user.
	RevokeAllActiveForUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)
}

type Storage interface {
	SessionRepository
	UserRepository
}

// TokenStorage is the access-token denylist keyed by JTI.
type TokenStorage interface {
	InvalidateToken(ctx context.Context, jti string, expiration time.Duration) error
	IsTokenInvalidated(ctx context.Context, jti string) (bool, error)
}

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxDB is a DBTX that can open transactions, satisfied by *sql.DB.
type TxDB interface {
	DBTX
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
