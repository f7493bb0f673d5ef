// Package metrics records security counters for the session lifecycle
// through the OpenTelemetry metric API.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	OpLogin   = "login"
	OpRefresh = "refresh"

	ReasonLogout    = "logout"
	ReasonLogoutAll = "logout_all"
	ReasonRotation  = "rotation"
	ReasonReuse     = "reuse"
)

// Recorder is safe to use as a nil pointer; every method becomes a no-op.
type Recorder struct {
	issued   metric.Int64Counter
	failures metric.Int64Counter
	reuse    metric.Int64Counter
	revoked  metric.Int64Counter
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	issued, err := meter.Int64Counter("auth_sessions_issued_total",
		metric.WithDescription("Refresh sessions issued by login or rotation."))
	if err != nil {
		return nil, fmt.Errorf("create issued counter: %w", err)
	}
	failures, err := meter.Int64Counter("auth_failures_total",
		metric.WithDescription("Authentication failures by internal kind."))
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	reuse, err := meter.Int64Counter("auth_reuse_detected_total",
		metric.WithDescription("Presentations of an already revoked refresh token."))
	if err != nil {
		return nil, fmt.Errorf("create reuse counter: %w", err)
	}
	revoked, err := meter.Int64Counter("auth_sessions_revoked_total",
		metric.WithDescription("Refresh sessions revoked by reason."))
	if err != nil {
		return nil, fmt.Errorf("create revoked counter: %w", err)
	}

	return &Recorder{
		issued:   issued,
		failures: failures,
		reuse:    reuse,
		revoked:  revoked,
	}, nil
}

func (r *Recorder) SessionIssued(ctx context.Context, op string) {
	if r == nil {
		return
	}
	r.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (r *Recorder) AuthFailure(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (r *Recorder) ReuseDetected(ctx context.Context) {
	if r == nil {
		return
	}
	r.reuse.Add(ctx, 1)
}

func (r *Recorder) SessionsRevoked(ctx context.Context, reason string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.revoked.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}
