// Command webhook-receiver is a development sink for security webhooks. It
// logs every refresh-token reuse event it receives.
package main

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rryowa/authsessions/internal/util"
)

type reuseEvent struct {
	Event      string    `json:"event"`
	UserID     uuid.UUID `json:"user_id"`
	TokenID    uuid.UUID `json:"token_id"`
	DeviceID   string    `json:"device_id"`
	Revoked    int64     `json:"revoked"`
	DetectedAt time.Time `json:"detected_at"`
}

func main() {
	log := util.NewZapLogger(os.Getenv("LOG_LEVEL"))

	addr := os.Getenv("WEBHOOK_RECEIVER_ADDRESS")
	if addr == "" {
		addr = ":9090"
	}

	e := echo.New()
	e.HideBanner = true
	e.POST("/", func(c echo.Context) error {
		var event reuseEvent
		if err := c.Bind(&event); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Error parsing JSON")
		}

		log.Warnw("Received webhook",
			"event", event.Event,
			"user_id", event.UserID,
			"token_id", event.TokenID,
			"device_id", event.DeviceID,
			"revoked", event.Revoked,
			"detected_at", event.DetectedAt,
		)
		return c.String(http.StatusOK, "Webhook received!")
	})

	log.Infof("Webhook receiver listening on %s", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}
