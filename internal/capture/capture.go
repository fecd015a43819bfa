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

// Package capture issues capture identities and maintains the data ledger:
// manifest, rejects, quality checks, anomalies, and readiness verdicts.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Anomaly severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Service writes capture-scoped ledger entries. It is the only component
// that mutates manifest, rejects, quality, and anomaly tables.
type Service struct {
	store  *storage.Store
	clock  clock.Clock
	ids    clock.IDs
	cfg    config.CaptureConfig
	logger *slog.Logger
}

// New creates a capture service.
func New(store *storage.Store, clk clock.Clock, ids clock.IDs, cfg config.CaptureConfig, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		clock:  clk,
		ids:    ids,
		cfg:    cfg,
		logger: log.WithComponent(logger, "capture"),
	}
}

// Capture identifies one attempt at producing a dataset partition.
type Capture struct {
	ID         string
	CapturedAt time.Time
	BatchID    string
}

// NewCapture mints a capture identity for (domain, tier, partition). The
// trailing segment is the first HashWidth hex characters of
// sha256(RFC3339 captured_at), which keeps captures of the same partition
// distinguishable across attempts.
func (s *Service) NewCapture(domain, tier, partition string) Capture {
	capturedAt := s.clock.Now()
	return Capture{
		ID:         s.CaptureID(domain, tier, partition, capturedAt),
		CapturedAt: capturedAt,
		BatchID:    uuid.NewString(),
	}
}

// CaptureID builds the capture_id string for a known captured_at.
func (s *Service) CaptureID(domain, tier, partition string, capturedAt time.Time) string {
	sep := s.cfg.Separator
	if sep == "" {
		sep = ":"
	}
	width := s.cfg.HashWidth
	if width < 6 || width > 8 {
		width = 6
	}
	sum := sha256.Sum256([]byte(capturedAt.UTC().Format(time.RFC3339)))
	suffix := strings.ToLower(hex.EncodeToString(sum[:]))[:width]
	return strings.Join([]string{domain, tier, partition, suffix}, sep)
}

// RecordManifest upserts the manifest row for a completed stage.
func (s *Service) RecordManifest(ctx context.Context, m *storage.Manifest) error {
	m.UpdatedAt = s.clock.Now()
	if err := s.store.UpsertManifest(ctx, m); err != nil {
		return err
	}
	s.logger.Info("manifest updated",
		"domain", m.Domain,
		log.PartitionKey, m.PartitionKey,
		"stage", m.Stage,
		"row_count", m.RowCount)
	return nil
}

// RecordReject appends one reject row for a bad input record.
func (s *Service) RecordReject(ctx context.Context, r *storage.Reject) error {
	r.CreatedAt = s.clock.Now()
	return s.store.InsertReject(ctx, r)
}

// RecordQualityCheck appends a quality check outcome.
func (s *Service) RecordQualityCheck(ctx context.Context, c *storage.QualityCheck) error {
	c.CreatedAt = s.clock.Now()
	if err := s.store.InsertQualityCheck(ctx, c); err != nil {
		return err
	}
	if c.Status == storage.QualityFail {
		s.logger.Warn("quality check failed",
			"domain", c.Domain,
			log.PartitionKey, c.PartitionKey,
			"check", c.CheckName)
	}
	return nil
}

// RecordAnomaly appends an anomaly and returns its id.
func (s *Service) RecordAnomaly(ctx context.Context, a *storage.Anomaly) (string, error) {
	if a.ID == "" {
		a.ID = s.ids.New()
	}
	a.DetectedAt = s.clock.Now()
	if err := s.store.InsertAnomaly(ctx, a); err != nil {
		return "", err
	}
	s.logger.Warn("anomaly recorded",
		"anomaly_id", a.ID,
		"domain", a.Domain,
		"severity", a.Severity,
		"category", a.Category)
	return a.ID, nil
}

// ListAnomalies returns anomalies matching the filter.
func (s *Service) ListAnomalies(ctx context.Context, f storage.AnomalyFilter) ([]*storage.Anomaly, error) {
	return s.store.ListAnomalies(ctx, f)
}

// AckAnomaly acknowledges an anomaly. Returns false when it was already
// resolved or does not exist.
func (s *Service) AckAnomaly(ctx context.Context, id, ackBy, reason string) (bool, error) {
	return s.store.AckAnomaly(ctx, id, ackBy, reason, s.clock.Now())
}

// RegisterDependency declares that domain requires depends_on to have
// produced requiredStage before its partitions count as current.
func (s *Service) RegisterDependency(ctx context.Context, domain, dependsOn, requiredStage string) error {
	return s.store.InsertCalcDependency(ctx, &storage.CalcDependency{
		Domain:          domain,
		DependsOnDomain: dependsOn,
		RequiredStage:   requiredStage,
	}, s.clock.Now())
}

// RegisterExpectedSchedule declares the preliminary window for a use.
func (s *Service) RegisterExpectedSchedule(ctx context.Context, domain, readyFor string, maxAge time.Duration) error {
	return s.store.UpsertExpectedSchedule(ctx, &storage.ExpectedSchedule{
		Domain:        domain,
		ReadyFor:      readyFor,
		MaxAgeSeconds: int(maxAge / time.Second),
	}, s.clock.Now())
}

// Certify records a human certification of a partition for a use.
func (s *Service) Certify(ctx context.Context, domain, partitionKey, readyFor, certifier string) error {
	r, err := s.store.GetDataReadiness(ctx, domain, partitionKey, readyFor)
	if err != nil {
		return err
	}
	if r == nil {
		return spineerrors.NotFound("readiness", domain+"/"+partitionKey+"/"+readyFor)
	}
	return s.store.CertifyReadiness(ctx, domain, partitionKey, readyFor, certifier, s.clock.Now())
}

// Block marks a partition blocked for a use with a reason.
func (s *Service) Block(ctx context.Context, domain, partitionKey, readyFor, reason string) error {
	return s.store.BlockReadiness(ctx, domain, partitionKey, readyFor, reason, s.clock.Now())
}

// GetReadiness returns the stored readiness row, or nil.
func (s *Service) GetReadiness(ctx context.Context, domain, partitionKey, readyFor string) (*storage.DataReadiness, error) {
	return s.store.GetDataReadiness(ctx, domain, partitionKey, readyFor)
}
