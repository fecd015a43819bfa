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

package storage

import (
	"context"
	"database/sql"
	"time"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Alert delivery statuses.
const (
	DeliveryPending    = "pending"
	DeliverySent       = "sent"
	DeliveryFailed     = "failed"
	DeliverySuppressed = "suppressed"
)

// AlertChannel is a configured notification destination.
type AlertChannel struct {
	Name                string
	Kind                string // slack, webhook, log
	MinSeverity         string
	Domains             string // JSON array; empty array matches all
	Config              string // JSON, kind-specific
	Enabled             bool
	ThrottleMinutes     int
	ConsecutiveFailures int
	DisabledReason      string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const alertChannelColumns = `name, kind, min_severity, domains, config, enabled,
	throttle_minutes, consecutive_failures, disabled_reason, created_at, updated_at`

type alertChannelRow struct {
	Name                string         `db:"name"`
	Kind                string         `db:"kind"`
	MinSeverity         string         `db:"min_severity"`
	Domains             string         `db:"domains"`
	Config              string         `db:"config"`
	Enabled             int            `db:"enabled"`
	ThrottleMinutes     int            `db:"throttle_minutes"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	DisabledReason      sql.NullString `db:"disabled_reason"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
}

func (r alertChannelRow) toChannel() *AlertChannel {
	return &AlertChannel{
		Name:                r.Name,
		Kind:                r.Kind,
		MinSeverity:         r.MinSeverity,
		Domains:             r.Domains,
		Config:              r.Config,
		Enabled:             r.Enabled == 1,
		ThrottleMinutes:     r.ThrottleMinutes,
		ConsecutiveFailures: r.ConsecutiveFailures,
		DisabledReason:      stringOf(r.DisabledReason),
		CreatedAt:           parseTime(r.CreatedAt),
		UpdatedAt:           parseTime(r.UpdatedAt),
	}
}

// UpsertAlertChannel registers or updates a channel by name.
func (q queries) UpsertAlertChannel(ctx context.Context, c *AlertChannel) error {
	res, err := q.exec(ctx, `
		UPDATE core_alert_channels
		SET kind = ?, min_severity = ?, domains = ?, config = ?, enabled = ?,
		    throttle_minutes = ?, updated_at = ?
		WHERE name = ?`,
		c.Kind, c.MinSeverity, c.Domains, c.Config, boolInt(c.Enabled),
		c.ThrottleMinutes, formatTime(c.UpdatedAt), c.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_alert_channels (`+alertChannelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Kind, c.MinSeverity, c.Domains, c.Config, boolInt(c.Enabled),
		c.ThrottleMinutes, c.ConsecutiveFailures, nullString(c.DisabledReason),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

// GetAlertChannel retrieves a channel by name.
func (q queries) GetAlertChannel(ctx context.Context, name string) (*AlertChannel, error) {
	var row alertChannelRow
	err := q.get(ctx, &row, `SELECT `+alertChannelColumns+` FROM core_alert_channels WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("alert channel", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toChannel(), nil
}

// ListAlertChannels returns all channels ordered by name.
func (q queries) ListAlertChannels(ctx context.Context) ([]*AlertChannel, error) {
	var rows []alertChannelRow
	if err := q.list(ctx, &rows, `SELECT `+alertChannelColumns+` FROM core_alert_channels ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]*AlertChannel, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toChannel())
	}
	return out, nil
}

// RecordChannelDeliveryOutcome updates the consecutive-failure streak. A
// success resets the counter and clears any disabled reason; a failure
// increments it and disables the channel once the threshold is reached.
func (q queries) RecordChannelDeliveryOutcome(ctx context.Context, name string, success bool, disableThreshold int, now time.Time) error {
	if success {
		_, err := q.exec(ctx, `
			UPDATE core_alert_channels
			SET consecutive_failures = 0, disabled_reason = NULL, updated_at = ?
			WHERE name = ?`, formatTime(now), name)
		return err
	}
	_, err := q.exec(ctx, `
		UPDATE core_alert_channels
		SET consecutive_failures = consecutive_failures + 1, updated_at = ?
		WHERE name = ?`, formatTime(now), name)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		UPDATE core_alert_channels
		SET enabled = 0, disabled_reason = 'auto-disabled after repeated delivery failures', updated_at = ?
		WHERE name = ? AND consecutive_failures >= ? AND enabled = 1`,
		formatTime(now), name, disableThreshold)
	return err
}

// SetAlertChannelEnabled manually toggles a channel, clearing the
// auto-disable state on enable.
func (q queries) SetAlertChannelEnabled(ctx context.Context, name string, enabled bool, now time.Time) error {
	res, err := q.exec(ctx, `
		UPDATE core_alert_channels
		SET enabled = ?, consecutive_failures = 0, disabled_reason = NULL, updated_at = ?
		WHERE name = ?`,
		boolInt(enabled), formatTime(now), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spineerrors.NotFound("alert channel", name)
	}
	return nil
}

// Alert is one emitted alert.
type Alert struct {
	ID        string
	Severity  string
	Title     string
	Message   string
	Source    string
	Domain    string
	DedupKey  string
	Metadata  string // JSON
	CreatedAt time.Time
}

// InsertAlert appends an alert.
func (q queries) InsertAlert(ctx context.Context, a *Alert) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_alerts
			(id, severity, title, message, source, domain, dedup_key, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Severity, a.Title, a.Message, a.Source,
		nullString(a.Domain), nullString(a.DedupKey), a.Metadata,
		formatTime(a.CreatedAt))
	return err
}

type alertRow struct {
	ID        string         `db:"id"`
	Severity  string         `db:"severity"`
	Title     string         `db:"title"`
	Message   string         `db:"message"`
	Source    string         `db:"source"`
	Domain    sql.NullString `db:"domain"`
	DedupKey  sql.NullString `db:"dedup_key"`
	Metadata  string         `db:"metadata"`
	CreatedAt string         `db:"created_at"`
}

func (r alertRow) toAlert() *Alert {
	return &Alert{
		ID:        r.ID,
		Severity:  r.Severity,
		Title:     r.Title,
		Message:   r.Message,
		Source:    r.Source,
		Domain:    stringOf(r.Domain),
		DedupKey:  stringOf(r.DedupKey),
		Metadata:  r.Metadata,
		CreatedAt: parseTime(r.CreatedAt),
	}
}

// GetAlert retrieves an alert by id.
func (q queries) GetAlert(ctx context.Context, id string) (*Alert, error) {
	var row alertRow
	err := q.get(ctx, &row, `
		SELECT id, severity, title, message, source, domain, dedup_key, metadata, created_at
		FROM core_alerts WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("alert", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toAlert(), nil
}

// ListAlerts returns recent alerts, newest first.
func (q queries) ListAlerts(ctx context.Context, severity, domain string, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, severity, title, message, source, domain, dedup_key, metadata, created_at
		FROM core_alerts WHERE 1=1`
	args := []any{}
	if severity != "" {
		query += " AND severity = ?"
		args = append(args, severity)
	}
	if domain != "" {
		query += " AND domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var rows []alertRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAlert())
	}
	return out, nil
}

// AlertDelivery records one delivery attempt of an alert to a channel.
type AlertDelivery struct {
	ID          int64
	AlertID     string
	Channel     string
	Attempt     int
	Status      string
	Error       string
	NextRetryAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InsertAlertDelivery records a delivery attempt row.
func (q queries) InsertAlertDelivery(ctx context.Context, d *AlertDelivery) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_alert_deliveries
			(alert_id, channel, attempt, status, error, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AlertID, d.Channel, d.Attempt, d.Status, nullString(d.Error),
		formatTimePtr(d.NextRetryAt), formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	return err
}

// UpdateAlertDelivery records the outcome of a delivery attempt.
func (q queries) UpdateAlertDelivery(ctx context.Context, alertID, channel string, attempt int, status, errMsg string, nextRetryAt *time.Time, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_alert_deliveries
		SET status = ?, error = ?, next_retry_at = ?, updated_at = ?
		WHERE alert_id = ? AND channel = ? AND attempt = ?`,
		status, nullString(errMsg), formatTimePtr(nextRetryAt), formatTime(now),
		alertID, channel, attempt)
	return err
}

// ListAlertDeliveries returns the delivery attempts of one alert in
// insertion order.
func (q queries) ListAlertDeliveries(ctx context.Context, alertID string) ([]*AlertDelivery, error) {
	var rows []struct {
		ID          int64          `db:"id"`
		AlertID     string         `db:"alert_id"`
		Channel     string         `db:"channel"`
		Attempt     int            `db:"attempt"`
		Status      string         `db:"status"`
		Error       sql.NullString `db:"error"`
		NextRetryAt sql.NullString `db:"next_retry_at"`
		CreatedAt   string         `db:"created_at"`
		UpdatedAt   string         `db:"updated_at"`
	}
	err := q.list(ctx, &rows, `
		SELECT id, alert_id, channel, attempt, status, error, next_retry_at,
		       created_at, updated_at
		FROM core_alert_deliveries
		WHERE alert_id = ? ORDER BY id`, alertID)
	if err != nil {
		return nil, err
	}
	out := make([]*AlertDelivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, &AlertDelivery{
			ID:          r.ID,
			AlertID:     r.AlertID,
			Channel:     r.Channel,
			Attempt:     r.Attempt,
			Status:      r.Status,
			Error:       stringOf(r.Error),
			NextRetryAt: parseTimePtr(r.NextRetryAt),
			CreatedAt:   parseTime(r.CreatedAt),
			UpdatedAt:   parseTime(r.UpdatedAt),
		})
	}
	return out, nil
}

// ListRetryableDeliveries returns failed deliveries whose retry time has
// arrived.
func (q queries) ListRetryableDeliveries(ctx context.Context, now time.Time, limit int) ([]*AlertDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID          int64          `db:"id"`
		AlertID     string         `db:"alert_id"`
		Channel     string         `db:"channel"`
		Attempt     int            `db:"attempt"`
		Status      string         `db:"status"`
		Error       sql.NullString `db:"error"`
		NextRetryAt sql.NullString `db:"next_retry_at"`
		CreatedAt   string         `db:"created_at"`
		UpdatedAt   string         `db:"updated_at"`
	}
	err := q.list(ctx, &rows, `
		SELECT id, alert_id, channel, attempt, status, error, next_retry_at,
		       created_at, updated_at
		FROM core_alert_deliveries
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at LIMIT ?`,
		DeliveryFailed, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*AlertDelivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, &AlertDelivery{
			ID:          r.ID,
			AlertID:     r.AlertID,
			Channel:     r.Channel,
			Attempt:     r.Attempt,
			Status:      r.Status,
			Error:       stringOf(r.Error),
			NextRetryAt: parseTimePtr(r.NextRetryAt),
			CreatedAt:   parseTime(r.CreatedAt),
			UpdatedAt:   parseTime(r.UpdatedAt),
		})
	}
	return out, nil
}

// ClaimThrottle decides whether a (dedup_key, channel) send is allowed now.
// The first caller inserts the throttle row and wins; callers inside the
// window bump send_count and lose; callers after the window reset the row
// and win.
func (q queries) ClaimThrottle(ctx context.Context, dedupKey, channel string, window time.Duration, now time.Time) (bool, error) {
	_, err := q.exec(ctx, `
		INSERT INTO core_alert_throttle (dedup_key, channel, last_sent_at, send_count, expires_at)
		VALUES (?, ?, ?, 1, ?)`,
		dedupKey, channel, formatTime(now), formatTime(now.Add(window)))
	if err == nil {
		return true, nil
	}
	if !IsConflict(err) {
		return false, err
	}

	// Window expired: take over the row.
	res, err := q.exec(ctx, `
		UPDATE core_alert_throttle
		SET last_sent_at = ?, send_count = 1, expires_at = ?
		WHERE dedup_key = ? AND channel = ? AND expires_at <= ?`,
		formatTime(now), formatTime(now.Add(window)), dedupKey, channel, formatTime(now))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Still inside the window: count the suppressed send.
	_, err = q.exec(ctx, `
		UPDATE core_alert_throttle SET send_count = send_count + 1
		WHERE dedup_key = ? AND channel = ?`, dedupKey, channel)
	return false, err
}
