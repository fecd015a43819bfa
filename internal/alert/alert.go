// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alert routes notifications from the core services to configured
// channels. Every alert is persisted before fan-out, deliveries are
// throttled per dedup key, and channels that keep failing are disabled.
package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Alert severities, lowest to highest.
const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Channel kinds.
const (
	KindSlack   = "slack"
	KindWebhook = "webhook"
	KindLog     = "log"
)

const (
	maxDeliveryAttempts = 5
	retryBackoffBase    = 30 * time.Second
	retryBackoffCap     = 30 * time.Minute
)

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Sender delivers one alert to one channel.
type Sender interface {
	Send(ctx context.Context, ch *storage.AlertChannel, a *storage.Alert) error
}

// Bus is the alert fan-out service.
type Bus struct {
	store   *storage.Store
	clock   clock.Clock
	ids     clock.IDs
	cfg     config.AlertsConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	senders  map[string]Sender
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Bus with the built-in slack, webhook, and log senders.
func New(store *storage.Store, clk clock.Clock, ids clock.IDs,
	cfg config.AlertsConfig, logger *slog.Logger, m *metrics.Metrics) *Bus {
	busLogger := log.WithComponent(logger, "alert")
	return &Bus{
		store:   store,
		clock:   clk,
		ids:     ids,
		cfg:     cfg,
		logger:  busLogger,
		metrics: m,
		senders: map[string]Sender{
			KindSlack:   &slackSender{},
			KindWebhook: newWebhookSender(),
			KindLog:     &logSender{logger: busLogger},
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RegisterSender installs or replaces the sender for a channel kind.
func (b *Bus) RegisterSender(kind string, s Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[kind] = s
}

// Notify satisfies the dispatcher's alert sink. Emit errors are logged,
// never propagated into the execution path.
func (b *Bus) Notify(ctx context.Context, n dispatch.Notification) {
	if _, err := b.Emit(ctx, n); err != nil {
		b.logger.Error("alert emit failed", "title", n.Title, log.Error(err))
	}
}

// Emit persists an alert and fans it out to every matching channel.
func (b *Bus) Emit(ctx context.Context, n dispatch.Notification) (*storage.Alert, error) {
	if _, ok := severityRank[n.Severity]; !ok {
		return nil, spineerrors.Validation("severity", "unknown severity "+n.Severity)
	}
	if n.Title == "" {
		return nil, spineerrors.Validation("title", "must not be empty")
	}

	now := b.clock.Now()
	a := &storage.Alert{
		ID:        b.ids.New(),
		Severity:  n.Severity,
		Title:     n.Title,
		Message:   n.Message,
		Source:    n.Source,
		Domain:    n.Domain,
		DedupKey:  n.DedupKey,
		Metadata:  encodeMetadata(n.Metadata),
		CreatedAt: now,
	}
	if err := b.store.InsertAlert(ctx, a); err != nil {
		return nil, err
	}

	channels, err := b.store.ListAlertChannels(ctx)
	if err != nil {
		return a, err
	}
	for _, ch := range channels {
		if !b.matches(ch, a) {
			continue
		}
		if err := b.dispatchToChannel(ctx, ch, a); err != nil {
			b.logger.Error("alert fan-out failed",
				"alert_id", a.ID, "channel", ch.Name, log.Error(err))
		}
	}
	return a, nil
}

// matches reports whether a channel wants this alert: enabled, severity at
// or above its floor, and domain inside its filter (empty filter matches
// all).
func (b *Bus) matches(ch *storage.AlertChannel, a *storage.Alert) bool {
	if !ch.Enabled {
		return false
	}
	if severityRank[a.Severity] < severityRank[ch.MinSeverity] {
		return false
	}
	domains := decodeDomains(ch.Domains)
	if len(domains) == 0 {
		return true
	}
	for _, d := range domains {
		if d == a.Domain {
			return true
		}
	}
	return false
}

// dispatchToChannel applies the throttle and performs the first delivery
// attempt. Suppressed sends still leave a delivery row for the audit trail.
func (b *Bus) dispatchToChannel(ctx context.Context, ch *storage.AlertChannel, a *storage.Alert) error {
	now := b.clock.Now()
	if a.DedupKey != "" {
		window := b.throttleWindow(ch)
		allowed, err := b.store.ClaimThrottle(ctx, a.DedupKey, ch.Name, window, now)
		if err != nil {
			return err
		}
		if !allowed {
			b.metrics.AlertDeliveries.WithLabelValues(ch.Name, storage.DeliverySuppressed).Inc()
			return b.store.InsertAlertDelivery(ctx, &storage.AlertDelivery{
				AlertID:   a.ID,
				Channel:   ch.Name,
				Attempt:   1,
				Status:    storage.DeliverySuppressed,
				Error:     "throttled by dedup key",
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}
	return b.attemptDelivery(ctx, ch, a, 1)
}

// attemptDelivery sends through the channel's circuit breaker and records
// the outcome. Failures schedule a retry unless attempts are exhausted.
func (b *Bus) attemptDelivery(ctx context.Context, ch *storage.AlertChannel, a *storage.Alert, attempt int) error {
	now := b.clock.Now()
	if err := b.store.InsertAlertDelivery(ctx, &storage.AlertDelivery{
		AlertID:   a.ID,
		Channel:   ch.Name,
		Attempt:   attempt,
		Status:    storage.DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	sendErr := b.send(ctx, ch, a)
	now = b.clock.Now()

	if sendErr == nil {
		b.metrics.AlertDeliveries.WithLabelValues(ch.Name, storage.DeliverySent).Inc()
		if err := b.store.UpdateAlertDelivery(ctx, a.ID, ch.Name, attempt,
			storage.DeliverySent, "", nil, now); err != nil {
			return err
		}
		return b.store.RecordChannelDeliveryOutcome(ctx, ch.Name, true,
			b.disableThreshold(), now)
	}

	b.metrics.AlertDeliveries.WithLabelValues(ch.Name, storage.DeliveryFailed).Inc()
	var nextRetry *time.Time
	if attempt < maxDeliveryAttempts {
		at := now.Add(retryBackoff(attempt))
		nextRetry = &at
	}
	if err := b.store.UpdateAlertDelivery(ctx, a.ID, ch.Name, attempt,
		storage.DeliveryFailed, sendErr.Error(), nextRetry, now); err != nil {
		return err
	}
	if err := b.store.RecordChannelDeliveryOutcome(ctx, ch.Name, false,
		b.disableThreshold(), now); err != nil {
		return err
	}
	b.logger.Warn("alert delivery failed",
		"alert_id", a.ID, "channel", ch.Name, "attempt", attempt, "error", sendErr.Error())
	return nil
}

func (b *Bus) send(ctx context.Context, ch *storage.AlertChannel, a *storage.Alert) error {
	b.mu.Lock()
	sender, ok := b.senders[ch.Kind]
	breaker := b.breakers[ch.Name]
	if breaker == nil {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ch.Name,
			MaxRequests: 1,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		})
		b.breakers[ch.Name] = breaker
	}
	b.mu.Unlock()

	if !ok {
		return spineerrors.New(spineerrors.CategoryValidation, "unknown channel kind "+ch.Kind)
	}
	_, err := breaker.Execute(func() (any, error) {
		return nil, sender.Send(ctx, ch, a)
	})
	return err
}

// RetryFailedDeliveries re-attempts failed deliveries whose retry time has
// arrived. Each retry gets a fresh attempt row; the exhausted row keeps its
// failed status with no retry time so it is not picked up again.
func (b *Bus) RetryFailedDeliveries(ctx context.Context) error {
	now := b.clock.Now()
	due, err := b.store.ListRetryableDeliveries(ctx, now, 100)
	if err != nil {
		return err
	}
	for _, d := range due {
		if err := b.store.UpdateAlertDelivery(ctx, d.AlertID, d.Channel, d.Attempt,
			storage.DeliveryFailed, d.Error, nil, now); err != nil {
			return err
		}

		ch, err := b.store.GetAlertChannel(ctx, d.Channel)
		if err != nil {
			b.logger.Warn("dropping retry for unknown channel",
				"alert_id", d.AlertID, "channel", d.Channel)
			continue
		}
		if !ch.Enabled {
			continue
		}
		a, err := b.store.GetAlert(ctx, d.AlertID)
		if err != nil {
			return err
		}
		if err := b.attemptDelivery(ctx, ch, a, d.Attempt+1); err != nil {
			b.logger.Error("alert retry failed",
				"alert_id", d.AlertID, "channel", d.Channel, log.Error(err))
		}
	}
	return nil
}

// RunRetrier periodically retries failed deliveries until ctx is done.
func (b *Bus) RunRetrier(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.RetryFailedDeliveries(ctx); err != nil {
				b.logger.Error("delivery retry sweep failed", log.Error(err))
			}
		}
	}
}

// UpsertChannel validates and registers a channel, applying configured
// defaults for fields left zero.
func (b *Bus) UpsertChannel(ctx context.Context, ch *storage.AlertChannel) error {
	if ch.Name == "" {
		return spineerrors.Validation("channel.name", "must not be empty")
	}
	switch ch.Kind {
	case KindSlack, KindWebhook, KindLog:
	default:
		return spineerrors.Validation("channel.kind", "unknown kind "+ch.Kind)
	}
	if ch.MinSeverity == "" {
		ch.MinSeverity = SeverityWarn
	}
	if _, ok := severityRank[ch.MinSeverity]; !ok {
		return spineerrors.Validation("channel.min_severity", "unknown severity "+ch.MinSeverity)
	}
	if ch.Domains == "" {
		ch.Domains = "[]"
	}
	if ch.Config == "" {
		ch.Config = "{}"
	}
	if ch.ThrottleMinutes <= 0 {
		ch.ThrottleMinutes = b.cfg.ChannelDefaults.ThrottleMinutes
	}
	now := b.clock.Now()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now
	return b.store.UpsertAlertChannel(ctx, ch)
}

// Channels lists all configured channels.
func (b *Bus) Channels(ctx context.Context) ([]*storage.AlertChannel, error) {
	return b.store.ListAlertChannels(ctx)
}

// SetChannelEnabled toggles a channel and clears its failure streak.
func (b *Bus) SetChannelEnabled(ctx context.Context, name string, enabled bool) error {
	return b.store.SetAlertChannelEnabled(ctx, name, enabled, b.clock.Now())
}

// Get returns one alert.
func (b *Bus) Get(ctx context.Context, id string) (*storage.Alert, error) {
	return b.store.GetAlert(ctx, id)
}

// List returns recent alerts, optionally filtered.
func (b *Bus) List(ctx context.Context, severity, domain string, limit int) ([]*storage.Alert, error) {
	return b.store.ListAlerts(ctx, severity, domain, limit)
}

// Deliveries returns the delivery attempts of one alert.
func (b *Bus) Deliveries(ctx context.Context, alertID string) ([]*storage.AlertDelivery, error) {
	return b.store.ListAlertDeliveries(ctx, alertID)
}

func (b *Bus) throttleWindow(ch *storage.AlertChannel) time.Duration {
	minutes := ch.ThrottleMinutes
	if minutes <= 0 {
		minutes = b.cfg.ChannelDefaults.ThrottleMinutes
	}
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

func (b *Bus) disableThreshold() int {
	if b.cfg.ChannelDisableAfterConsecutiveFailures > 0 {
		return b.cfg.ChannelDisableAfterConsecutiveFailures
	}
	return 5
}

func retryBackoff(attempt int) time.Duration {
	delay := retryBackoffBase << (attempt - 1)
	if delay > retryBackoffCap || delay <= 0 {
		return retryBackoffCap
	}
	return delay
}

func decodeDomains(raw string) []string {
	if raw == "" {
		return nil
	}
	var domains []string
	if err := json.Unmarshal([]byte(raw), &domains); err != nil {
		return nil
	}
	return domains
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
