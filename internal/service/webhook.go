package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/authsessions/internal/models"
)

const (
	defaultHTTPStatusThreshold = 300

	EventRefreshTokenReuse = "refresh_token_reuse"
)

type reuseWebhookPayload struct {
	Event string `json:"event"`
	models.ReuseEvent
}

// WebhookService posts security events to an external receiver. Delivery is
// fire-and-forget; failures are only logged.
type WebhookService struct {
	client     *http.Client
	log        *zap.SugaredLogger
	webhookURL string
	timeout    time.Duration
}

func NewWebhookService(log *zap.SugaredLogger, webhookURL string, timeout time.Duration) *WebhookService {
	return &WebhookService{
		client:     &http.Client{Timeout: timeout},
		log:        log,
		webhookURL: webhookURL,
		timeout:    timeout,
	}
}

func (s *WebhookService) NotifyReuseDetected(ctx context.Context, event models.ReuseEvent) {
	if s.webhookURL == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		payload, err := json.Marshal(reuseWebhookPayload{Event: EventRefreshTokenReuse, ReuseEvent: event})
		if err != nil {
			s.log.Errorw("failed to marshal webhook payload", "error", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(payload))
		if err != nil {
			s.log.Errorw("failed to create webhook request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Errorw("failed to send webhook", "error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= defaultHTTPStatusThreshold {
			s.log.Warnw("webhook returned non-2xx status", "status", resp.StatusCode)
		}
	}()
}
