package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is one issued refresh credential. Rows are never deleted:
// revoked and expired records stay around so a replayed value can still be
// recognised as reuse.
type RefreshToken struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	TokenValue string    `json:"-"`
	DeviceID   string    `json:"device_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
}

func NewRefreshToken(userID uuid.UUID, deviceID, value string, now time.Time, ttl time.Duration) RefreshToken {
	return RefreshToken{
		ID:         uuid.New(),
		UserID:     userID,
		TokenValue: value,
		DeviceID:   deviceID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
}

// IsExpired reports whether now is at or past the absolute expiry.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}

// AccessToken is a minted short-lived signed credential.
type AccessToken struct {
	Token     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair is what a successful login or rotation hands back to the caller.
type TokenPair struct {
	AccessToken  AccessToken
	RefreshToken RefreshToken
}

// ReuseEvent describes a contained refresh-token replay.
type ReuseEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	TokenID    uuid.UUID `json:"token_id"`
	DeviceID   string    `json:"device_id"`
	Revoked    int64     `json:"revoked"`
	DetectedAt time.Time `json:"detected_at"`
}
