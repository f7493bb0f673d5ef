package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rryowa/authsessions/internal/metrics"
	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
	"github.com/rryowa/authsessions/internal/util"
)

const (
	containAttempts = 3
	containBackoff  = 100 * time.Millisecond
)

// AuthService owns the refresh-token lifecycle: login, rotation with reuse
// detection, logout and logout-all. It keeps no token state between calls;
// every decision re-reads the session store.
type AuthService struct {
	sessions SessionStore
	users    UserDirectory
	verifier CredentialVerifier
	minter   AccessTokenMinter
	notifier ReuseNotifier
	metrics  *metrics.Recorder
	log      *zap.SugaredLogger

	refreshTTL        time.Duration
	storeTimeout      time.Duration
	maxInsertAttempts int

	now           func() time.Time
	newTokenValue func() (string, error)
}

type AuthOption func(*AuthService)

func WithClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

func WithTokenGenerator(gen func() (string, error)) AuthOption {
	return func(s *AuthService) { s.newTokenValue = gen }
}

func WithReuseNotifier(n ReuseNotifier) AuthOption {
	return func(s *AuthService) { s.notifier = n }
}

func WithMetrics(r *metrics.Recorder) AuthOption {
	return func(s *AuthService) { s.metrics = r }
}

func NewAuthService(
	sessions SessionStore,
	users UserDirectory,
	verifier CredentialVerifier,
	minter AccessTokenMinter,
	tokenCfg *util.TokenConfig,
	sessionCfg *util.SessionConfig,
	log *zap.SugaredLogger,
	opts ...AuthOption,
) *AuthService {
	s := &AuthService{
		sessions:          sessions,
		users:             users,
		verifier:          verifier,
		minter:            minter,
		log:               log,
		refreshTTL:        tokenCfg.RefreshTTL,
		storeTimeout:      sessionCfg.StoreTimeout,
		maxInsertAttempts: sessionCfg.MaxInsertAttempts,
		now:               time.Now,
		newTokenValue:     NewRefreshTokenValue,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxInsertAttempts < 1 {
		s.maxInsertAttempts = 1
	}
	return s
}

// Login verifies email and password and opens a new session for deviceID.
// An unknown email and a wrong password both fail with ErrInvalidCredentials
// after exactly one hash comparison.
func (s *AuthService) Login(ctx context.Context, email, password, deviceID string) (*models.TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user *models.User
	err := s.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.FindByEmail(ctx, email)
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		return nil, storeUnavailable("find user", err)
	}

	if user == nil {
		s.verifier.Verify(password, "")
		return nil, s.fail(ctx, KindInvalidCredentials, "reason", "user_not_found")
	}
	if !s.verifier.Verify(password, user.PasswordHash) {
		return nil, s.fail(ctx, KindInvalidCredentials, "reason", "password_mismatch", "user_id", user.ID)
	}

	pair, err := s.issue(ctx, user, deviceID, s.sessions.Insert)
	if err != nil {
		return nil, err
	}
	s.metrics.SessionIssued(ctx, metrics.OpLogin)
	s.log.Infow("Login succeeded", "user_id", user.ID, "device_id", deviceID, "session_id", pair.RefreshToken.ID)

	return pair, nil
}

// Refresh exchanges a live refresh token for a new pair. The presented token
// is consumed by Rotate, which revokes it and stores its successor in one
// step; whoever loses that swap, or presents an already revoked token,
// triggers a wipe of every session the user holds.
// An empty deviceID keeps the device of the presented token.
func (s *AuthService) Refresh(ctx context.Context, presented, deviceID string) (*models.TokenPair, error) {
	if presented == "" {
		return nil, s.fail(ctx, KindInvalidToken, "reason", "empty")
	}

	token, err := s.findToken(ctx, presented)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, s.fail(ctx, KindInvalidToken, "reason", "not_found")
	}
	if err != nil {
		return nil, err
	}

	if token.Revoked {
		return nil, s.containReuse(ctx, token, deviceID)
	}
	if token.IsExpired(s.now()) {
		return nil, s.fail(ctx, KindExpired, "user_id", token.UserID, "session_id", token.ID)
	}

	var user *models.User
	err = s.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.FindByID(ctx, token.UserID)
		return err
	})
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, s.fail(ctx, KindInvalidToken, "reason", "user_gone", "user_id", token.UserID)
	}
	if err != nil {
		return nil, storeUnavailable("find user", err)
	}

	if deviceID == "" {
		deviceID = token.DeviceID
	}
	pair, err := s.issue(ctx, user, deviceID, func(ctx context.Context, next models.RefreshToken) error {
		return s.sessions.Rotate(ctx, token.ID, next)
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyRevoked):
		return nil, s.containReuse(ctx, token, deviceID)
	case errors.Is(err, storage.ErrSessionNotFound):
		return nil, s.fail(ctx, KindInvalidToken, "reason", "vanished", "session_id", token.ID)
	default:
		return nil, err
	}
	s.metrics.SessionsRevoked(ctx, metrics.ReasonRotation, 1)
	s.metrics.SessionIssued(ctx, metrics.OpRefresh)
	s.log.Infow("Refresh token rotated",
		"user_id", user.ID, "device_id", deviceID, "old_session_id", token.ID, "session_id", pair.RefreshToken.ID)

	return pair, nil
}

// Logout revokes a live token. Unknown, revoked and expired tokens are a
// no-op; only store failures are returned.
func (s *AuthService) Logout(ctx context.Context, presented string) error {
	if presented == "" {
		return nil
	}

	token, err := s.findToken(ctx, presented)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !token.IsActive(s.now()) {
		return nil
	}

	err = s.withStoreTimeout(ctx, func(ctx context.Context) error {
		return s.sessions.CompareAndRevoke(ctx, token.ID)
	})
	switch {
	case err == nil:
		s.metrics.SessionsRevoked(ctx, metrics.ReasonLogout, 1)
		s.log.Infow("Logged out", "user_id", token.UserID, "session_id", token.ID, "device_id", token.DeviceID)
		return nil
	case errors.Is(err, storage.ErrAlreadyRevoked), errors.Is(err, storage.ErrSessionNotFound):
		return nil
	default:
		return storeUnavailable("revoke refresh token", err)
	}
}

// LogoutAll revokes every active session of userID and reports how many
// were revoked.
func (s *AuthService) LogoutAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := s.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.sessions.RevokeAllActiveForUser(ctx, userID)
		return err
	})
	if err != nil {
		return 0, storeUnavailable("revoke user sessions", err)
	}

	s.metrics.SessionsRevoked(ctx, metrics.ReasonLogoutAll, n)
	s.log.Infow("Logged out of all sessions", "user_id", userID, "revoked", n)
	return n, nil
}

// issue mints an access token and stores a fresh refresh token through
// store, regenerating the value on collision. ErrAlreadyRevoked and
// ErrSessionNotFound from store are returned unwrapped.
func (s *AuthService) issue(
	ctx context.Context,
	user *models.User,
	deviceID string,
	store func(context.Context, models.RefreshToken) error,
) (*models.TokenPair, error) {
	access, err := s.minter.Mint(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	for attempt := 1; attempt <= s.maxInsertAttempts; attempt++ {
		value, err := s.newTokenValue()
		if err != nil {
			return nil, fmt.Errorf("generate refresh token: %w", err)
		}
		token := models.NewRefreshToken(user.ID, deviceID, value, s.now().UTC(), s.refreshTTL)

		err = s.withStoreTimeout(ctx, func(ctx context.Context) error {
			return store(ctx, token)
		})
		switch {
		case err == nil:
			return &models.TokenPair{AccessToken: access, RefreshToken: token}, nil
		case errors.Is(err, storage.ErrAlreadyRevoked), errors.Is(err, storage.ErrSessionNotFound):
			return nil, err
		case !errors.Is(err, storage.ErrTokenConflict):
			return nil, storeUnavailable("store refresh token", err)
		}
		s.log.Warnw("Refresh token value collision, regenerating", "user_id", user.ID, "attempt", attempt)
	}

	return nil, storeUnavailable("store refresh token",
		fmt.Errorf("%w after %d attempts", storage.ErrTokenConflict, s.maxInsertAttempts))
}

// containReuse wipes every active session of the token's owner. The wipe runs
// detached from the caller's cancellation and is retried, since it must
// finish even when the triggering request is gone.
func (s *AuthService) containReuse(ctx context.Context, token *models.RefreshToken, deviceID string) error {
	s.metrics.ReuseDetected(ctx)
	detached := context.WithoutCancel(ctx)

	var (
		revoked int64
		err     error
	)
	for attempt := 1; attempt <= containAttempts; attempt++ {
		err = s.withStoreTimeout(detached, func(ctx context.Context) error {
			var err error
			revoked, err = s.sessions.RevokeAllActiveForUser(ctx, token.UserID)
			return err
		})
		if err == nil {
			break
		}
		s.log.Errorw("Session wipe after reuse failed", "user_id", token.UserID, "attempt", attempt, "error", err)
		if attempt < containAttempts {
			time.Sleep(containBackoff * time.Duration(attempt))
		}
	}

	if err == nil {
		s.metrics.SessionsRevoked(ctx, metrics.ReasonReuse, revoked)
		if s.notifier != nil {
			s.notifier.NotifyReuseDetected(detached, models.ReuseEvent{
				UserID:     token.UserID,
				TokenID:    token.ID,
				DeviceID:   deviceID,
				Revoked:    revoked,
				DetectedAt: s.now().UTC(),
			})
		}
	}

	s.log.Errorw("Refresh token reuse detected",
		"user_id", token.UserID,
		"token_id", token.ID,
		"token_device_id", token.DeviceID,
		"device_id", deviceID,
		"revoked", revoked,
		"wipe_error", err,
	)
	s.metrics.AuthFailure(ctx, string(KindReuseDetected))
	return authFailure(KindReuseDetected, nil)
}

func (s *AuthService) findToken(ctx context.Context, value string) (*models.RefreshToken, error) {
	var token *models.RefreshToken
	err := s.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.sessions.FindByTokenValue(ctx, value)
		return err
	})
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storeUnavailable("find refresh token", err)
	}
	return token, nil
}

func (s *AuthService) fail(ctx context.Context, kind FailureKind, fields ...any) error {
	s.metrics.AuthFailure(ctx, string(kind))
	s.log.Warnw("Authentication failed", append([]any{"kind", kind}, fields...)...)
	return authFailure(kind, nil)
}

func (s *AuthService) withStoreTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(ctx)
}
