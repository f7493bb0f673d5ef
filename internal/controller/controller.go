package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/service"
	"github.com/rryowa/authsessions/internal/util"
)

// Authenticator is the session lifecycle the HTTP handlers drive.
type Authenticator interface {
	Login(ctx context.Context, email, password, deviceID string) (*models.TokenPair, error)
	Refresh(ctx context.Context, presented, deviceID string) (*models.TokenPair, error)
	Logout(ctx context.Context, presented string) error
	LogoutAll(ctx context.Context, userID uuid.UUID) (int64, error)
}

type AccessTokenRevoker interface {
	InvalidateAccessToken(ctx context.Context, claims *service.AccessClaims) error
}

type ErrorResponse struct {
	Reason string `json:"reason"`
}

type Controller struct {
	zapLogger   *zap.SugaredLogger
	authService Authenticator
	tokens      AccessTokenRevoker
}

func NewController(logger *zap.SugaredLogger, authService Authenticator, tokens AccessTokenRevoker) *Controller {
	return &Controller{
		zapLogger:   logger,
		authService: authService,
		tokens:      tokens,
	}
}

// (GET /api/ping).
func (c *Controller) CheckServer(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, "ok")
}

// (POST /api/auth/login).
func (c *Controller) Login(ctx echo.Context) error {
	var req models.LoginRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}

	pair, err := c.authService.Login(ctx.Request().Context(), req.Email, req.Password, req.DeviceID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, models.NewTokenPairResponse(pair))
}

// (POST /api/auth/refresh).
func (c *Controller) Refresh(ctx echo.Context) error {
	var req models.TokenRefreshRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}

	pair, err := c.authService.Refresh(ctx.Request().Context(), req.RefreshToken, req.DeviceID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, models.NewTokenPairResponse(pair))
}

// (POST /api/auth/logout).
func (c *Controller) Logout(ctx echo.Context) error {
	var req models.LogoutRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}

	if err := c.authService.Logout(ctx.Request().Context(), req.RefreshToken); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

// LogoutAll revokes every session of the bearer's user and denylists the
// bearer's own access token. Other outstanding access tokens live out their
// TTL.
//
// (POST /api/auth/logout-all).
func (c *Controller) LogoutAll(ctx echo.Context) error {
	userID, ok := ctx.Get(models.MwUserIDKey).(uuid.UUID)
	if !ok {
		return service.ErrAccessTokenInvalid
	}
	reqCtx := ctx.Request().Context()

	if _, err := c.authService.LogoutAll(reqCtx, userID); err != nil {
		return err
	}

	if claims, ok := ctx.Get(models.MwClaimsKey).(*service.AccessClaims); ok {
		if err := c.tokens.InvalidateAccessToken(reqCtx, claims); err != nil {
			c.zapLogger.Warnw("Failed to denylist access token after logout-all", "user_id", userID, "error", err)
		}
	}
	return ctx.NoContent(http.StatusNoContent)
}

// (POST /api/admin/users/{user_id}/revoke-sessions).
func (c *Controller) RevokeUserSessions(ctx echo.Context) error {
	userID, err := uuid.Parse(ctx.Param("user_id"))
	if err != nil {
		return util.NewResponseError(http.StatusBadRequest, "invalid user_id")
	}

	n, err := c.authService.LogoutAll(ctx.Request().Context(), userID)
	if err != nil {
		return err
	}
	c.zapLogger.Infow("Admin revoked user sessions", "user_id", userID, "revoked", n)
	return ctx.JSON(http.StatusOK, models.RevokeSessionsResponse{Revoked: n})
}

func bindAndValidate(ctx echo.Context, req any) error {
	if err := ctx.Bind(req); err != nil {
		return util.NewResponseError(http.StatusBadRequest, "malformed request body")
	}
	if err := ctx.Validate(req); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return util.NewResponseError(http.StatusBadRequest, "%s", err.Error())
	}
	return nil
}

func RegisterHandlers(g *echo.Group, c *Controller, bearer, apiKey echo.MiddlewareFunc) {
	g.GET("/ping", c.CheckServer)

	auth := g.Group("/auth")
	auth.POST("/login", c.Login)
	auth.POST("/refresh", c.Refresh)
	auth.POST("/logout", c.Logout)
	auth.POST("/logout-all", c.LogoutAll, bearer)

	admin := g.Group("/admin", apiKey)
	admin.POST("/users/:user_id/revoke-sessions", c.RevokeUserSessions)
}
