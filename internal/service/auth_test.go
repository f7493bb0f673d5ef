package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
	"github.com/rryowa/authsessions/internal/storage/memory"
	"github.com/rryowa/authsessions/internal/util"
)

const (
	testEmail    = "u@x.com"
	testPassword = "correctpw"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.ReuseEvent
}

func (n *recordingNotifier) NotifyReuseDetected(_ context.Context, e models.ReuseEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func testTokenConfig() *util.TokenConfig {
	return &util.TokenConfig{
		JwtSecretKey: "test-secret-test-secret-test-secret",
		Issuer:       "authsessions",
		Audience:     "authsessions-api",
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   7 * 24 * time.Hour,
	}
}

func testSessionConfig() *util.SessionConfig {
	return &util.SessionConfig{
		StoreTimeout:      time.Second,
		MaxInsertAttempts: 3,
	}
}

type fixture struct {
	svc      *AuthService
	sessions SessionStore
	users    *memory.InMemoryUserDirectory
	clock    *fakeClock
	user     *models.User
}

func newFixture(t *testing.T, sessions SessionStore, sessionCfg *util.SessionConfig, opts ...AuthOption) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	if sessions == nil {
		sessions = memory.NewSessionRepository(log)
	}
	if sessionCfg == nil {
		sessionCfg = testSessionConfig()
	}

	verifier := NewBcryptVerifier(bcrypt.MinCost)
	hash, err := verifier.Hash(testPassword)
	require.NoError(t, err)

	users := memory.NewUserRepository()
	user, err := users.CreateUser(context.Background(), testEmail, hash)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 1, 19, 17, 43, 30, 0, time.UTC)}
	tokens := NewTokenService(testTokenConfig(), memory.NewTokenStorage())
	tokens.now = clock.Now

	opts = append([]AuthOption{WithClock(clock.Now)}, opts...)
	svc := NewAuthService(sessions, users, verifier, tokens, testTokenConfig(), sessionCfg, log, opts...)

	return &fixture{svc: svc, sessions: sessions, users: users, clock: clock, user: user}
}

func (f *fixture) mustFind(t *testing.T, value string) *models.RefreshToken {
	t.Helper()
	tok, err := f.sessions.FindByTokenValue(context.Background(), value)
	require.NoError(t, err)
	return tok
}

func TestLogin_ProducesUsableSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken.Token)
	assert.NotEmpty(t, pair.RefreshToken.TokenValue)
	assert.Equal(t, f.user.ID, pair.RefreshToken.UserID)
	assert.Equal(t, "deviceA", pair.RefreshToken.DeviceID)
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), pair.RefreshToken.ExpiresAt)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken.TokenValue, next.RefreshToken.TokenValue)
	assert.NotEqual(t, pair.RefreshToken.ID, next.RefreshToken.ID)
	assert.NotEqual(t, pair.AccessToken.JTI, next.AccessToken.JTI)

	assert.True(t, f.mustFind(t, pair.RefreshToken.TokenValue).Revoked)
	assert.False(t, f.mustFind(t, next.RefreshToken.TokenValue).Revoked)
}

func TestLogin_NormalisesEmail(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.svc.Login(context.Background(), "  U@X.com ", testPassword, "deviceA")
	assert.NoError(t, err)
}

func TestLogin_UnknownEmailAndWrongPasswordAreIndistinguishable(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, ghostErr := f.svc.Login(ctx, "ghost@x.com", "x", "d")
	_, wrongErr := f.svc.Login(ctx, testEmail, "wrongpw", "d")

	require.ErrorIs(t, ghostErr, ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, ghostErr.Error(), wrongErr.Error())

	ghostKind, _ := FailureKindOf(ghostErr)
	wrongKind, _ := FailureKindOf(wrongErr)
	assert.Equal(t, ghostKind, wrongKind)
}

func TestRefresh_RotationConsumesToken(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	assert.ErrorIs(t, err, ErrReuseDetected)
	assert.False(t, errors.Is(err, ErrTokenInvalid))
}

func TestRefresh_ReuseWipesEverySession(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, nil, nil, WithReuseNotifier(notifier))
	ctx := context.Background()

	a, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)
	b, err := f.svc.Login(ctx, testEmail, testPassword, "deviceB")
	require.NoError(t, err)
	c, err := f.svc.Login(ctx, testEmail, testPassword, "deviceC")
	require.NoError(t, err)

	rotated, err := f.svc.Refresh(ctx, a.RefreshToken.TokenValue, "deviceA")
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, a.RefreshToken.TokenValue, "attacker")
	require.ErrorIs(t, err, ErrReuseDetected)

	for _, value := range []string{
		a.RefreshToken.TokenValue,
		b.RefreshToken.TokenValue,
		c.RefreshToken.TokenValue,
		rotated.RefreshToken.TokenValue,
	} {
		assert.True(t, f.mustFind(t, value).Revoked)
	}

	_, err = f.svc.Refresh(ctx, b.RefreshToken.TokenValue, "deviceB")
	assert.ErrorIs(t, err, ErrReuseDetected)

	require.NotEmpty(t, notifier.events)
	assert.Equal(t, f.user.ID, notifier.events[0].UserID)
	assert.Equal(t, a.RefreshToken.ID, notifier.events[0].TokenID)
	assert.Equal(t, "attacker", notifier.events[0].DeviceID)
	assert.Equal(t, int64(3), notifier.events[0].Revoked)
}

func TestRefresh_ConcurrentRaceHasOneWinner(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var success, reuse int
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrReuseDetected):
			reuse++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, reuse)
}

func TestRefresh_ExpiryIsAbsolute(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	f.clock.Advance(7 * 24 * time.Hour)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.False(t, f.mustFind(t, pair.RefreshToken.TokenValue).Revoked, "expired token must not be rotated")
}

func TestRefresh_UnknownOrEmptyToken(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.svc.Refresh(context.Background(), "never-issued", "deviceA")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = f.svc.Refresh(context.Background(), "", "deviceA")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefresh_EmptyDeviceKeepsPreviousDevice(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "")
	require.NoError(t, err)
	assert.Equal(t, "deviceA", next.RefreshToken.DeviceID)

	moved, err := f.svc.Refresh(ctx, next.RefreshToken.TokenValue, "deviceB")
	require.NoError(t, err)
	assert.Equal(t, "deviceB", moved.RefreshToken.DeviceID)
}

func TestLogout_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken.TokenValue))
	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken.TokenValue))
	assert.True(t, f.mustFind(t, pair.RefreshToken.TokenValue).Revoked)

	assert.NoError(t, f.svc.Logout(ctx, "never-issued"))
	assert.NoError(t, f.svc.Logout(ctx, ""))

	_, err = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	assert.ErrorIs(t, err, ErrReuseDetected)
}

func TestLogout_ExpiredTokenIsNoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)

	assert.NoError(t, f.svc.Logout(ctx, pair.RefreshToken.TokenValue))
	assert.False(t, f.mustFind(t, pair.RefreshToken.TokenValue).Revoked)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	a, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)
	b, err := f.svc.Login(ctx, testEmail, testPassword, "deviceB")
	require.NoError(t, err)

	n, err := f.svc.LogoutAll(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, f.mustFind(t, a.RefreshToken.TokenValue).Revoked)
	assert.True(t, f.mustFind(t, b.RefreshToken.TokenValue).Revoked)

	n, err = f.svc.LogoutAll(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.LogoutAll(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func sequenceGenerator(values ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[i%len(values)]
		i++
		return v, nil
	}
}

func TestLogin_RegeneratesOnValueCollision(t *testing.T) {
	f := newFixture(t, nil, nil, WithTokenGenerator(sequenceGenerator("dup", "dup", "fresh")))
	ctx := context.Background()

	first, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, "dup", first.RefreshToken.TokenValue)

	second, err := f.svc.Login(ctx, testEmail, testPassword, "deviceB")
	require.NoError(t, err)
	assert.Equal(t, "fresh", second.RefreshToken.TokenValue)
	assert.Equal(t, "deviceA", f.mustFind(t, "dup").DeviceID, "collision must not overwrite")
}

func TestLogin_CollisionRetriesAreBounded(t *testing.T) {
	f := newFixture(t, nil, nil, WithTokenGenerator(sequenceGenerator("dup")))
	ctx := context.Background()

	_, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, testEmail, testPassword, "deviceB")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, isAuth := FailureKindOf(err)
	assert.False(t, isAuth)
}

// blockingStore never answers until the caller's deadline passes.
type blockingStore struct {
	SessionStore
}

func (blockingStore) FindByTokenValue(ctx context.Context, _ string) (*models.RefreshToken, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRefresh_StoreTimeoutIsTransient(t *testing.T) {
	cfg := testSessionConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	f := newFixture(t, blockingStore{SessionStore: memory.NewSessionRepository(zap.NewNop().Sugar())}, cfg)

	_, err := f.svc.Refresh(context.Background(), "anything", "deviceA")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, isAuth := FailureKindOf(err)
	assert.False(t, isAuth)

	assert.ErrorIs(t, f.svc.Logout(context.Background(), "anything"), ErrStoreUnavailable)
}

type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) FindByTokenValue(ctx context.Context, value string) (*models.RefreshToken, error) {
	args := m.Called(ctx, value)
	if tok, ok := args.Get(0).(*models.RefreshToken); ok {
		return tok, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSessionStore) Insert(ctx context.Context, token models.RefreshToken) error {
	return m.Called(ctx, token).Error(0)
}

func (m *mockSessionStore) CompareAndRevoke(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSessionStore) Rotate(ctx context.Context, id uuid.UUID, next models.RefreshToken) error {
	return m.Called(ctx, id, next).Error(0)
}

func (m *mockSessionStore) RevokeAllActiveForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func TestRefresh_LostSwapIsReuse(t *testing.T) {
	store := &mockSessionStore{}
	f := newFixture(t, store, nil)

	tok := models.NewRefreshToken(f.user.ID, "deviceA", "value", f.clock.Now(), time.Hour)
	store.On("FindByTokenValue", mock.Anything, "value").Return(&tok, nil)
	store.On("Rotate", mock.Anything, tok.ID, mock.Anything).Return(storage.ErrAlreadyRevoked)
	store.On("RevokeAllActiveForUser", mock.Anything, f.user.ID).Return(int64(1), nil).Once()

	_, err := f.svc.Refresh(context.Background(), "value", "deviceA")
	assert.ErrorIs(t, err, ErrReuseDetected)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestRefresh_ReuseWipeIsRetried(t *testing.T) {
	store := &mockSessionStore{}
	f := newFixture(t, store, nil)

	tok := models.NewRefreshToken(f.user.ID, "deviceA", "value", f.clock.Now(), time.Hour)
	tok.Revoked = true
	store.On("FindByTokenValue", mock.Anything, "value").Return(&tok, nil)
	store.On("RevokeAllActiveForUser", mock.Anything, f.user.ID).Return(int64(0), errors.New("connection reset")).Once()
	store.On("RevokeAllActiveForUser", mock.Anything, f.user.ID).Return(int64(2), nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Refresh(ctx, "value", "deviceA")
	assert.ErrorIs(t, err, ErrReuseDetected)
	store.AssertNumberOfCalls(t, "RevokeAllActiveForUser", 2)
}

func TestRefresh_TransientRevokeFailure(t *testing.T) {
	store := &mockSessionStore{}
	f := newFixture(t, store, nil)

	tok := models.NewRefreshToken(f.user.ID, "deviceA", "value", f.clock.Now(), time.Hour)
	store.On("FindByTokenValue", mock.Anything, "value").Return(&tok, nil)
	store.On("Rotate", mock.Anything, tok.ID, mock.Anything).Return(errors.New("connection refused"))

	_, err := f.svc.Refresh(context.Background(), "value", "deviceA")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	store.AssertNotCalled(t, "RevokeAllActiveForUser", mock.Anything, mock.Anything)
}

func TestRefresh_ConflictRegeneratesSuccessor(t *testing.T) {
	store := &mockSessionStore{}
	f := newFixture(t, store, nil, WithTokenGenerator(sequenceGenerator("taken", "fresh")))

	tok := models.NewRefreshToken(f.user.ID, "deviceA", "value", f.clock.Now(), time.Hour)
	store.On("FindByTokenValue", mock.Anything, "value").Return(&tok, nil)
	store.On("Rotate", mock.Anything, tok.ID, mock.MatchedBy(func(next models.RefreshToken) bool {
		return next.TokenValue == "taken"
	})).Return(storage.ErrTokenConflict).Once()
	store.On("Rotate", mock.Anything, tok.ID, mock.MatchedBy(func(next models.RefreshToken) bool {
		return next.TokenValue == "fresh"
	})).Return(nil).Once()

	pair, err := f.svc.Refresh(context.Background(), "value", "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", pair.RefreshToken.TokenValue)
	assert.Equal(t, "deviceA", pair.RefreshToken.DeviceID)
	store.AssertExpectations(t)
}

// interleavedStore runs hook once, around the first Rotate that reaches it.
// With afterRotate unset the hook lands before the swap, otherwise right after
// the successor is stored but before the caller sees the result.
type interleavedStore struct {
	SessionStore
	afterRotate bool
	fired       atomic.Bool
	hook        func()
}

func (s *interleavedStore) Rotate(ctx context.Context, id uuid.UUID, next models.RefreshToken) error {
	if !s.afterRotate && s.fired.CompareAndSwap(false, true) {
		s.hook()
	}
	err := s.SessionStore.Rotate(ctx, id, next)
	if s.afterRotate && s.fired.CompareAndSwap(false, true) {
		s.hook()
	}
	return err
}

func newInterleavedFixture(t *testing.T, afterRotate bool) (*fixture, *interleavedStore) {
	t.Helper()
	store := &interleavedStore{
		SessionStore: memory.NewSessionRepository(zap.NewNop().Sugar()),
		afterRotate:  afterRotate,
	}
	return newFixture(t, store, nil), store
}

func (f *fixture) assertNoActiveSessions(t *testing.T) {
	t.Helper()
	n, err := f.sessions.RevokeAllActiveForUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "a session survived the wipe")
}

func TestRefresh_LogoutAllBeforeSwapWins(t *testing.T) {
	f, store := newInterleavedFixture(t, false)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	var wiped int64
	store.hook = func() {
		wiped, err = f.svc.LogoutAll(ctx, f.user.ID)
		require.NoError(t, err)
	}

	_, err = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	assert.ErrorIs(t, err, ErrReuseDetected)
	assert.Equal(t, int64(1), wiped)
	f.assertNoActiveSessions(t)
}

func TestRefresh_LogoutAllAfterRotateRevokesSuccessor(t *testing.T) {
	f, store := newInterleavedFixture(t, true)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	var wiped int64
	store.hook = func() {
		wiped, err = f.svc.LogoutAll(ctx, f.user.ID)
		require.NoError(t, err)
	}

	rotated, err := f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, int64(1), wiped)
	assert.True(t, f.mustFind(t, rotated.RefreshToken.TokenValue).Revoked)

	_, err = f.svc.Refresh(ctx, rotated.RefreshToken.TokenValue, "deviceA")
	assert.ErrorIs(t, err, ErrReuseDetected)
	f.assertNoActiveSessions(t)
}

func TestRefresh_RacingReplayBeforeSwapLeavesNothingActive(t *testing.T) {
	f, store := newInterleavedFixture(t, false)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	var (
		attacker    *models.TokenPair
		attackerErr error
	)
	store.hook = func() {
		attacker, attackerErr = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "attacker")
	}

	_, err = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	assert.ErrorIs(t, err, ErrReuseDetected)

	require.NoError(t, attackerErr)
	assert.True(t, f.mustFind(t, attacker.RefreshToken.TokenValue).Revoked)
	_, err = f.svc.Refresh(ctx, attacker.RefreshToken.TokenValue, "attacker")
	assert.ErrorIs(t, err, ErrReuseDetected)
	f.assertNoActiveSessions(t)
}

func TestRefresh_ReplayAfterRotateRevokesSuccessor(t *testing.T) {
	f, store := newInterleavedFixture(t, true)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword, "deviceA")
	require.NoError(t, err)

	var replayErr error
	store.hook = func() {
		_, replayErr = f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "attacker")
	}

	rotated, err := f.svc.Refresh(ctx, pair.RefreshToken.TokenValue, "deviceA")
	require.NoError(t, err)
	assert.ErrorIs(t, replayErr, ErrReuseDetected)
	assert.True(t, f.mustFind(t, rotated.RefreshToken.TokenValue).Revoked)
	f.assertNoActiveSessions(t)
}
