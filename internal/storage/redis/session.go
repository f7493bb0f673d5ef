package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
)

const (
	insertStatusConflict int64 = 0
	insertStatusCreated  int64 = 1

	revokeStatusNotFound int64 = 0
	revokeStatusAlready  int64 = 1
	revokeStatusRevoked  int64 = 2
	rotateStatusConflict int64 = 3
)

// Record keys stay readable after expiry for the retention window so a
// replayed value still resolves to a revoked or expired record.
const insertScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1],
  "user_id", ARGV[2],
  "device_id", ARGV[3],
  "issued_at", ARGV[4],
  "expires_at", ARGV[5],
  "revoked", "0")
redis.call("PEXPIRE", KEYS[1], ARGV[6])
redis.call("SET", KEYS[2], ARGV[7], "PX", ARGV[6])
redis.call("SADD", KEYS[3], ARGV[7])
redis.call("PEXPIRE", KEYS[3], ARGV[6])
return 1
`

const compareAndRevokeScript = `
local value = redis.call("GET", KEYS[1])
if not value then
  return 0
end
local key = ARGV[1] .. value
local revoked = redis.call("HGET", key, "revoked")
if not revoked then
  return 0
end
if revoked == "1" then
  return 1
end
redis.call("HSET", key, "revoked", "1")
return 2
`

// Revoke and insert run in one script, so revokeAllScript sees either the
// old record active or the new record present.
const rotateScript = `
local value = redis.call("GET", KEYS[1])
if not value then
  return 0
end
local key = ARGV[1] .. value
local revoked = redis.call("HGET", key, "revoked")
if not revoked then
  return 0
end
if revoked == "1" then
  return 1
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return 3
end
redis.call("HSET", key, "revoked", "1")
redis.call("HSET", KEYS[2],
  "id", ARGV[2],
  "user_id", ARGV[3],
  "device_id", ARGV[4],
  "issued_at", ARGV[5],
  "expires_at", ARGV[6],
  "revoked", "0")
redis.call("PEXPIRE", KEYS[2], ARGV[7])
redis.call("SET", KEYS[3], ARGV[8], "PX", ARGV[7])
redis.call("SADD", KEYS[4], ARGV[8])
redis.call("PEXPIRE", KEYS[4], ARGV[7])
return 2
`

const revokeAllScript = `
local n = 0
for _, value in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local key = ARGV[1] .. value
  local revoked = redis.call("HGET", key, "revoked")
  if not revoked then
    redis.call("SREM", KEYS[1], value)
  elseif revoked == "0" then
    redis.call("HSET", key, "revoked", "1")
    n = n + 1
  end
end
return n
`

var (
	insertLua           = redis.NewScript(insertScript)
	compareAndRevokeLua = redis.NewScript(compareAndRevokeScript)
	rotateLua           = redis.NewScript(rotateScript)
	revokeAllLua        = redis.NewScript(revokeAllScript)
)

// SessionStorage keeps refresh tokens in Redis. The scripts derive record
// keys at run time, so it needs a single-shard deployment.
type SessionStorage struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

func NewSessionStorage(client redis.UniversalClient, prefix string, retention time.Duration) *SessionStorage {
	return &SessionStorage{
		client:    client,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *SessionStorage) valuePrefix() string {
	return s.prefix + ":rt:v:"
}

func (s *SessionStorage) valueKey(value string) string {
	return s.valuePrefix() + value
}

func (s *SessionStorage) idKey(id uuid.UUID) string {
	return s.prefix + ":rt:id:" + id.String()
}

func (s *SessionStorage) userKey(userID uuid.UUID) string {
	return s.prefix + ":rt:u:" + userID.String()
}

func (s *SessionStorage) recordTTL(token models.RefreshToken) time.Duration {
	ttl := token.ExpiresAt.Sub(s.now()) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	return ttl
}

func (s *SessionStorage) Insert(ctx context.Context, token models.RefreshToken) error {
	ttl := s.recordTTL(token)

	status, err := insertLua.Run(
		ctx,
		s.client,
		[]string{s.valueKey(token.TokenValue), s.idKey(token.ID), s.userKey(token.UserID)},
		token.ID.String(),
		token.UserID.String(),
		token.DeviceID,
		strconv.FormatInt(token.IssuedAt.UnixNano(), 10),
		strconv.FormatInt(token.ExpiresAt.UnixNano(), 10),
		ttl.Milliseconds(),
		token.TokenValue,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis insert refresh token: %w", err)
	}
	if status == insertStatusConflict {
		return fmt.Errorf("insert refresh token: %w", storage.ErrTokenConflict)
	}
	return nil
}

func (s *SessionStorage) FindByTokenValue(ctx context.Context, value string) (*models.RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.valueKey(value)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrSessionNotFound
	}

	token, err := decodeToken(value, fields)
	if err != nil {
		return nil, fmt.Errorf("decode refresh token record: %w", err)
	}
	return token, nil
}

func (s *SessionStorage) CompareAndRevoke(ctx context.Context, id uuid.UUID) error {
	status, err := compareAndRevokeLua.Run(ctx, s.client, []string{s.idKey(id)}, s.valuePrefix()).Int64()
	if err != nil {
		return fmt.Errorf("redis revoke refresh token: %w", err)
	}

	switch status {
	case revokeStatusRevoked:
		return nil
	case revokeStatusAlready:
		return storage.ErrAlreadyRevoked
	case revokeStatusNotFound:
		return fmt.Errorf("refresh token %s: %w", id, storage.ErrSessionNotFound)
	default:
		return fmt.Errorf("redis revoke refresh token: unexpected status %d", status)
	}
}

func (s *SessionStorage) Rotate(ctx context.Context, id uuid.UUID, next models.RefreshToken) error {
	status, err := rotateLua.Run(
		ctx,
		s.client,
		[]string{s.idKey(id), s.valueKey(next.TokenValue), s.idKey(next.ID), s.userKey(next.UserID)},
		s.valuePrefix(),
		next.ID.String(),
		next.UserID.String(),
		next.DeviceID,
		strconv.FormatInt(next.IssuedAt.UnixNano(), 10),
		strconv.FormatInt(next.ExpiresAt.UnixNano(), 10),
		s.recordTTL(next).Milliseconds(),
		next.TokenValue,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis rotate refresh token: %w", err)
	}

	switch status {
	case revokeStatusRevoked:
		return nil
	case revokeStatusAlready:
		return storage.ErrAlreadyRevoked
	case revokeStatusNotFound:
		return fmt.Errorf("refresh token %s: %w", id, storage.ErrSessionNotFound)
	case rotateStatusConflict:
		return fmt.Errorf("rotate refresh token: %w", storage.ErrTokenConflict)
	default:
		return fmt.Errorf("redis rotate refresh token: unexpected status %d", status)
	}
}

func (s *SessionStorage) RevokeAllActiveForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := revokeAllLua.Run(ctx, s.client, []string{s.userKey(userID)}, s.valuePrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis revoke user sessions: %w", err)
	}
	return n, nil
}

func decodeToken(value string, fields map[string]string) (*models.RefreshToken, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	userID, err := uuid.Parse(fields["user_id"])
	if err != nil {
		return nil, fmt.Errorf("user_id: %w", err)
	}
	issued, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}

	var revoked bool
	switch fields["revoked"] {
	case "0":
	case "1":
		revoked = true
	default:
		return nil, errors.New("revoked: unexpected value")
	}

	return &models.RefreshToken{
		ID:         id,
		UserID:     userID,
		TokenValue: value,
		DeviceID:   fields["device_id"],
		IssuedAt:   time.Unix(0, issued).UTC(),
		ExpiresAt:  time.Unix(0, expires).UTC(),
		Revoked:    revoked,
	}, nil
}
