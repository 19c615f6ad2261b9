// Package monitoring surfaces pipeline health: operator alerts for breaker
// trips and failed syncs, and a metrics snapshot for the status endpoints.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBreakerOpen     AlertType = "breaker_open"
	AlertSyncFailure     AlertType = "sync_failure"
	AlertLargeRateChange AlertType = "large_rate_change"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter delivers alerts to the configured webhook. With no webhook
// configured every alert still lands in the structured log.
type Alerter struct {
	cfg    config.AlertConfig
	client *http.Client
	log    *zap.Logger
}

// NewAlerter creates a new Alerter with the given alert config.
func NewAlerter(cfg config.AlertConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    zap.L().Named("monitoring"),
	}
}

// BreakerOpen reports a circuit breaker tripping open for a source.
func (a *Alerter) BreakerOpen(ctx context.Context, source string, errorRate float64) {
	a.Send(ctx, Alert{
		Type:     AlertBreakerOpen,
		Severity: "high",
		Message:  fmt.Sprintf("Circuit breaker opened for source %s (error rate %.0f%%)", source, errorRate*100),
		Details: map[string]any{
			"source":     source,
			"error_rate": errorRate,
		},
		Timestamp: time.Now().UTC(),
	})
}

// SyncFailure reports a job that exhausted its retry budget.
func (a *Alerter) SyncFailure(ctx context.Context, jobType, jobID, errMsg string) {
	a.Send(ctx, Alert{
		Type:     AlertSyncFailure,
		Severity: "high",
		Message:  fmt.Sprintf("Sync job %s (%s) failed permanently: %s", jobID, jobType, errMsg),
		Details: map[string]any{
			"job_type": jobType,
			"job_id":   jobID,
		},
		Timestamp: time.Now().UTC(),
	})
}

// LargeRateChange reports an import that changed more rates than the
// configured threshold.
func (a *Alerter) LargeRateChange(ctx context.Context, importID string, count, threshold int) {
	a.Send(ctx, Alert{
		Type:     AlertLargeRateChange,
		Severity: "medium",
		Message:  fmt.Sprintf("Import %s changed %d rates (threshold %d)", importID, count, threshold),
		Details: map[string]any{
			"import_id":    importID,
			"rate_changes": count,
			"threshold":    threshold,
		},
		Timestamp: time.Now().UTC(),
	})
}

// Send logs the alert and POSTs it to the webhook when one is configured.
// Delivery failures are logged, never returned; alerting must not fail the
// operation that raised it.
func (a *Alerter) Send(ctx context.Context, alert Alert) {
	a.log.Warn("alert",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
		zap.String("message", alert.Message),
	)

	if a.cfg.WebhookURL == "" {
		return
	}

	body, err := json.Marshal(alert)
	if err != nil {
		a.log.Error("alert marshal failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		a.log.Error("alert request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Error("alert webhook failed", zap.Error(err))
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		a.log.Error("alert webhook rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("type", string(alert.Type)))
	}
}
