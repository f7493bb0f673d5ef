package models

import "time"

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,password_bytes"`
	DeviceID string `json:"device_id" validate:"required,max=100"`
}

type TokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	DeviceID     string `json:"device_id" validate:"omitempty,max=100"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type TokenPairResponse struct {
	TokenType             string    `json:"token_type"`
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

func NewTokenPairResponse(pair *TokenPair) TokenPairResponse {
	return TokenPairResponse{
		TokenType:             "Bearer",
		AccessToken:           pair.AccessToken.Token,
		AccessTokenExpiresAt:  pair.AccessToken.ExpiresAt,
		RefreshToken:          pair.RefreshToken.TokenValue,
		RefreshTokenExpiresAt: pair.RefreshToken.ExpiresAt,
	}
}

type RevokeSessionsResponse struct {
	Revoked int64 `json:"revoked"`
}
