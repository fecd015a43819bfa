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

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// slackSender posts alerts to a Slack incoming webhook. Channel config:
// {"webhook_url": "https://hooks.slack.com/..."}.
type slackSender struct{}

type slackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

func (s *slackSender) Send(ctx context.Context, ch *storage.AlertChannel, a *storage.Alert) error {
	var cfg slackConfig
	if err := json.Unmarshal([]byte(ch.Config), &cfg); err != nil {
		return spineerrors.Validation("channel.config", "invalid slack config: "+err.Error())
	}
	if cfg.WebhookURL == "" {
		return spineerrors.Validation("channel.config", "slack channel needs webhook_url")
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", a.Severity, a.Title),
		Attachments: []slack.Attachment{{
			Color: severityColor(a.Severity),
			Text:  a.Message,
			Fields: []slack.AttachmentField{
				{Title: "Source", Value: a.Source, Short: true},
				{Title: "Domain", Value: a.Domain, Short: true},
			},
			Ts: json.Number(fmt.Sprintf("%d", a.CreatedAt.Unix())),
		}},
	}
	if err := slack.PostWebhookContext(ctx, cfg.WebhookURL, msg); err != nil {
		return spineerrors.Transient(err, "posting to slack")
	}
	return nil
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "danger"
	case SeverityError:
		return "danger"
	case SeverityWarn:
		return "warning"
	default:
		return "good"
	}
}

// webhookSender POSTs the alert as JSON. Channel config:
// {"url": "...", "headers": {"X-Token": "..."}}.
type webhookSender struct {
	client *http.Client
}

func newWebhookSender() *webhookSender {
	return &webhookSender{client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

func (w *webhookSender) Send(ctx context.Context, ch *storage.AlertChannel, a *storage.Alert) error {
	var cfg webhookConfig
	if err := json.Unmarshal([]byte(ch.Config), &cfg); err != nil {
		return spineerrors.Validation("channel.config", "invalid webhook config: "+err.Error())
	}
	if cfg.URL == "" {
		return spineerrors.Validation("channel.config", "webhook channel needs url")
	}

	payload, err := json.Marshal(map[string]any{
		"id":         a.ID,
		"severity":   a.Severity,
		"title":      a.Title,
		"message":    a.Message,
		"source":     a.Source,
		"domain":     a.Domain,
		"dedup_key":  a.DedupKey,
		"metadata":   json.RawMessage(a.Metadata),
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return spineerrors.Permanent(err, "encoding webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return spineerrors.Permanent(err, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return spineerrors.Transient(err, "posting webhook")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return spineerrors.Newf(spineerrors.CategoryTransient,
			"webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// logSender writes alerts to the service log. Useful as a default channel
// and in development.
type logSender struct {
	logger *slog.Logger
}

func (l *logSender) Send(_ context.Context, _ *storage.AlertChannel, a *storage.Alert) error {
	l.logger.Warn("alert",
		"alert_id", a.ID,
		"severity", a.Severity,
		"title", a.Title,
		"message", a.Message,
		"source", a.Source,
		"domain", a.Domain)
	return nil
}
