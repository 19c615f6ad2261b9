// Package notify turns material catalog changes into notification intents
// for watching users. Delivery is pluggable; the default emitters log the
// intent or POST it to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

// Emitter delivers one notification intent.
type Emitter interface {
	Emit(ctx context.Context, intent model.NotificationIntent) error
}

// Service resolves watchers and fans intents out to every emitter. Emit
// failures are logged, never propagated; a broken webhook must not fail an
// import.
type Service struct {
	store    store.Store
	emitters []Emitter
	log      *zap.Logger
}

func NewService(s store.Store, emitters ...Emitter) *Service {
	return &Service{store: s, emitters: emitters, log: zap.L().Named("notify")}
}

// RateChange emits one intent per watcher of the product.
func (s *Service) RateChange(ctx context.Context, p *model.Product, oldRate, newRate float64) {
	watchers, err := s.store.ListWatchers(ctx, p.ID)
	if err != nil {
		s.log.Warn("watcher lookup failed", zap.Int64("product_id", p.ID), zap.Error(err))
		return
	}

	for _, w := range watchers {
		s.emit(ctx, model.NotificationIntent{
			Title: fmt.Sprintf("Tariff change: %s", p.HTSCode),
			Message: fmt.Sprintf("Base rate for %s moved from %.2f%% to %.2f%%",
				p.HTSCode, oldRate, newRate),
			Type:      model.IntentRateChange,
			ProductID: p.ID,
			UserID:    w.UserID,
			CreatedAt: time.Now().UTC(),
		})
	}
}

// ProductRemoved emits one intent per watcher of a product dropped from the
// catalog.
func (s *Service) ProductRemoved(ctx context.Context, p *model.Product) {
	watchers, err := s.store.ListWatchers(ctx, p.ID)
	if err != nil {
		s.log.Warn("watcher lookup failed", zap.Int64("product_id", p.ID), zap.Error(err))
		return
	}

	for _, w := range watchers {
		s.emit(ctx, model.NotificationIntent{
			Title:     fmt.Sprintf("Removed from catalog: %s", p.HTSCode),
			Message:   fmt.Sprintf("%s (%s) is no longer listed", p.HTSCode, p.Description),
			Type:      model.IntentProductRemove,
			ProductID: p.ID,
			UserID:    w.UserID,
			CreatedAt: time.Now().UTC(),
		})
	}
}

func (s *Service) emit(ctx context.Context, intent model.NotificationIntent) {
	for _, e := range s.emitters {
		if err := e.Emit(ctx, intent); err != nil {
			s.log.Warn("emit failed",
				zap.String("type", string(intent.Type)),
				zap.Int64("user_id", intent.UserID),
				zap.Error(err))
		}
	}
}

// LogEmitter writes intents to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, intent model.NotificationIntent) error {
	zap.L().Info("notification intent",
		zap.String("type", string(intent.Type)),
		zap.Int64("product_id", intent.ProductID),
		zap.Int64("user_id", intent.UserID),
		zap.String("title", intent.Title),
	)
	return nil
}

// WebhookEmitter POSTs intents as JSON to a configured URL.
type WebhookEmitter struct {
	URL    string
	Client *http.Client
}

func NewWebhookEmitter(url string) *WebhookEmitter {
	return &WebhookEmitter{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *WebhookEmitter) Emit(ctx context.Context, intent model.NotificationIntent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return eris.Wrap(err, "notify: marshal intent")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook post")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return eris.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
