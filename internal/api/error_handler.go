package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/authsessions/internal/controller"
	"github.com/rryowa/authsessions/internal/service"
	"github.com/rryowa/authsessions/internal/util"
)

const reasonUnauthorized = "unauthorized"

// ErrorHandler renders every error as {"reason": ...}. Authentication
// failures of any kind share one body so callers cannot tell them apart.
func ErrorHandler(log *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, reason := classify(err)
		switch {
		case status >= http.StatusInternalServerError:
			log.Errorw("Request failed", "error", err, "status", status, "uri", c.Request().RequestURI)
		case status == http.StatusUnauthorized:
			kind, _ := service.FailureKindOf(err)
			log.Debugw("Request unauthorized", "kind", kind, "error", err, "uri", c.Request().RequestURI)
		}

		if err := c.JSON(status, controller.ErrorResponse{Reason: reason}); err != nil {
			log.Errorw("failed to write json response", "error", err)
		}
	}
}

func classify(err error) (int, string) {
	if isUnauthorized(err) {
		return http.StatusUnauthorized, reasonUnauthorized
	}
	if errors.Is(err, service.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable, "service unavailable, retry later"
	}

	var respErr util.MyResponseError
	if errors.As(err, &respErr) {
		return respErr.Status, respErr.Msg
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, msg
	}

	return http.StatusInternalServerError, "internal server error"
}

func isUnauthorized(err error) bool {
	if _, ok := service.FailureKindOf(err); ok {
		return true
	}
	return errors.Is(err, service.ErrAccessTokenInvalid) ||
		errors.Is(err, service.ErrAccessTokenRevoked)
}
