package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
)

const uniqueViolation = pq.ErrorCode("23505")

// Rotation and revoke-all both take this row lock first, so a revoke-all
// either precedes a rotation's swap or sees its inserted row. NO KEY UPDATE
// does not block the KEY SHARE lock a plain insert takes on the user.
const lockUserQuery = `SELECT id FROM users WHERE id = $1 FOR NO KEY UPDATE`

type SessionRepository struct {
	db storage.TxDB
}

func NewSessionRepository(db storage.TxDB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Insert(ctx context.Context, token models.RefreshToken) error {
	return insertToken(ctx, r.db, token)
}

func (r *SessionRepository) FindByTokenValue(ctx context.Context, value string) (*models.RefreshToken, error) {
	var token models.RefreshToken
	query := `SELECT id, user_id, token_value, device_id, issued_at, expires_at, revoked FROM refresh_tokens WHERE token_value = $1`
	err := r.db.QueryRowContext(ctx, query, value).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenValue,
		&token.DeviceID,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.Revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return &token, nil
}

// CompareAndRevoke is a single conditional UPDATE; the row lock Postgres takes
// for it serialises racing callers so only one sees a row affected.
func (r *SessionRepository) CompareAndRevoke(ctx context.Context, id uuid.UUID) error {
	return compareAndRevoke(ctx, r.db, id)
}

func (r *SessionRepository) Rotate(ctx context.Context, id uuid.UUID, next models.RefreshToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockUser(ctx, tx, next.UserID); err != nil {
		return err
	}
	if err := compareAndRevoke(ctx, tx, id); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate: %w", err)
	}
	return nil
}

func (r *SessionRepository) RevokeAllActiveForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin revoke user sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = lockUser(ctx, tx, userID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		// Sessions cascade with their user.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	query := `UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE`
	res, err := tx.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revoke user sessions: %w", err)
	}
	return n, nil
}

func lockUser(ctx context.Context, q storage.DBTX, userID uuid.UUID) error {
	var locked uuid.UUID
	err := q.QueryRowContext(ctx, lockUserQuery, userID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %s: %w", userID, storage.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock user sessions: %w", err)
	}
	return nil
}

func insertToken(ctx context.Context, q storage.DBTX, token models.RefreshToken) error {
	query := `INSERT INTO refresh_tokens (id, user_id, token_value, device_id, issued_at, expires_at, revoked) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.ExecContext(
		ctx,
		query,
		token.ID,
		token.UserID,
		token.TokenValue,
		token.DeviceID,
		token.IssuedAt,
		token.ExpiresAt,
		token.Revoked,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("insert refresh token: %w", storage.ErrTokenConflict)
		}
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

func compareAndRevoke(ctx context.Context, q storage.DBTX, id uuid.UUID) error {
	query := `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1 AND revoked = FALSE`
	res, err := q.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	query = `SELECT EXISTS(SELECT 1 FROM refresh_tokens WHERE id = $1)`
	if err := q.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("check refresh token existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("refresh token %s: %w", id, storage.ErrSessionNotFound)
	}
	return storage.ErrAlreadyRevoked
}
