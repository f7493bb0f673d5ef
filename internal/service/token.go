package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
	"github.com/rryowa/authsessions/internal/util"
)

type TokenService struct {
	JwtSecretKey []byte
	issuer       string
	audience     string
	accessTTL    time.Duration
	tokenStorage storage.TokenStorage
	now          func() time.Time
}

func NewTokenService(cfg *util.TokenConfig, tokenStorage storage.TokenStorage) *TokenService {
	return &TokenService{
		JwtSecretKey: []byte(cfg.JwtSecretKey),
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		accessTTL:    cfg.AccessTTL,
		tokenStorage: tokenStorage,
		now:          time.Now,
	}
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *AccessClaims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrAccessTokenInvalid)
	}
	return id, nil
}

// Mint creates an HS256 signed access token with a fresh JTI.
func (ts *TokenService) Mint(userID uuid.UUID, email string) (models.AccessToken, error) {
	now := ts.now().UTC().Truncate(time.Second)
	jti := uuid.NewString()
	expires := now.Add(ts.accessTTL)

	claims := &AccessClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID.String(),
			Issuer:    ts.issuer,
			Audience:  jwt.ClaimStrings{ts.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(ts.JwtSecretKey)
	if err != nil {
		return models.AccessToken{}, fmt.Errorf("signed string: %w", err)
	}

	return models.AccessToken{
		Token:     signedToken,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// ValidateAccessToken verifies signature, issuer, audience and expiry, then
// checks the denylist.
func (ts *TokenService) ValidateAccessToken(ctx context.Context, token string) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(util.JWTLeeWay),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(ts.issuer),
		jwt.WithAudience(ts.audience),
		jwt.WithTimeFunc(ts.now),
	}

	parsedToken, err := jwt.ParseWithClaims(
		token,
		&AccessClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, ErrInvalidSigningMethod
			}
			return ts.JwtSecretKey, nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccessTokenInvalid, err)
	}

	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok || !parsedToken.Valid || claims.ID == "" {
		return nil, ErrAccessTokenInvalid
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}

	revoked, err := ts.tokenStorage.IsTokenInvalidated(ctx, claims.ID)
	if err != nil {
		return nil, storeUnavailable("check access token denylist", err)
	}
	if revoked {
		return nil, ErrAccessTokenRevoked
	}

	return claims, nil
}

// InvalidateAccessToken denylists the token's JTI for the rest of its life.
func (ts *TokenService) InvalidateAccessToken(ctx context.Context, claims *AccessClaims) error {
	if claims == nil || claims.ExpiresAt == nil {
		return errors.New("invalidate access token: missing expiry")
	}
	remaining := claims.ExpiresAt.Time.Sub(ts.now())
	if err := ts.tokenStorage.InvalidateToken(ctx, claims.ID, remaining); err != nil {
		return storeUnavailable("invalidate access token", err)
	}
	return nil
}

// NewRefreshTokenValue returns 256 bits from crypto/rand, base64url encoded.
func NewRefreshTokenValue() (string, error) {
	raw := make([]byte, util.RawTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
