package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/service"
	"github.com/rryowa/authsessions/internal/util"
)

type APIKeyValidator interface {
	IsValidAPIKey(ctx context.Context, key string) (bool, error)
}

type AccessTokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*service.AccessClaims, error)
}

// APIKeyAuthMiddleware checks the X-API-Key header against the configured
// admin key.
func APIKeyAuthMiddleware(keys APIKeyValidator, log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey := c.Request().Header.Get(models.MwAPIKeyHeader)
			if apiKey == "" {
				return util.NewResponseError(http.StatusUnauthorized, "API key is missing")
			}

			ok, err := keys.IsValidAPIKey(c.Request().Context(), apiKey)
			switch {
			case errors.Is(err, service.ErrAPIKeyNotConfigured):
				log.Warn("Admin request rejected: API key is not configured")
				return util.NewResponseError(http.StatusUnauthorized, "Invalid API key")
			case err != nil:
				log.Errorw("Error validating API key", "error", err)
				return util.NewResponseError(http.StatusServiceUnavailable, "Error validating API key")
			case !ok:
				return util.NewResponseError(http.StatusUnauthorized, "Invalid API key")
			}

			return next(c)
		}
	}
}

// BearerAuthMiddleware validates the access token from the Authorization
// header and stores the user id and claims in the echo context.
func BearerAuthMiddleware(tokens AccessTokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			scheme, raw, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				return service.ErrAccessTokenInvalid
			}

			claims, err := tokens.ValidateAccessToken(c.Request().Context(), strings.TrimSpace(raw))
			if err != nil {
				return err
			}
			userID, err := claims.UserID()
			if err != nil {
				return err
			}

			c.Set(models.MwUserIDKey, userID)
			c.Set(models.MwClaimsKey, claims)
			return next(c)
		}
	}
}

func GetLoggerMiddlewareConfig(log *zap.SugaredLogger) echomiddleware.RequestLoggerConfig {
	return echomiddleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogError:    true,
		LogLatency:  true,
		LogRemoteIP: true,
		HandleError: true,

		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			if v.Status >= http.StatusInternalServerError {
				log.Errorw("Request", fields...)
			} else {
				log.Infow("Request", fields...)
			}
			return nil
		},
	}
}
