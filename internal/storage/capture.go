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
)

// Quality check statuses.
const (
	QualityPass = "PASS"
	QualityWarn = "WARN"
	QualityFail = "FAIL"
)

// Manifest records that a (domain, partition, stage) has been produced.
type Manifest struct {
	Domain       string
	PartitionKey string
	Stage        string
	RowCount     int64
	Metrics      string // JSON
	ExecutionID  string
	BatchID      string
	CaptureID    string
	UpdatedAt    time.Time
}

// UpsertManifest writes the manifest row for a stage completion.
// Idempotent: re-running a stage replaces the row in place.
func (q queries) UpsertManifest(ctx context.Context, m *Manifest) error {
	res, err := q.exec(ctx, `
		UPDATE core_manifest
		SET row_count = ?, metrics = ?, execution_id = ?, batch_id = ?,
		    capture_id = ?, updated_at = ?
		WHERE domain = ? AND partition_key = ? AND stage = ?`,
		m.RowCount, nullString(m.Metrics), m.ExecutionID, m.BatchID,
		nullString(m.CaptureID), formatTime(m.UpdatedAt),
		m.Domain, m.PartitionKey, m.Stage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_manifest
			(domain, partition_key, stage, row_count, metrics, execution_id,
			 batch_id, capture_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Domain, m.PartitionKey, m.Stage, m.RowCount, nullString(m.Metrics),
		m.ExecutionID, m.BatchID, nullString(m.CaptureID), formatTime(m.UpdatedAt))
	if err != nil && IsConflict(err) {
		// Lost an insert race; fall back to the update.
		_, err = q.exec(ctx, `
			UPDATE core_manifest
			SET row_count = ?, metrics = ?, execution_id = ?, batch_id = ?,
			    capture_id = ?, updated_at = ?
			WHERE domain = ? AND partition_key = ? AND stage = ?`,
			m.RowCount, nullString(m.Metrics), m.ExecutionID, m.BatchID,
			nullString(m.CaptureID), formatTime(m.UpdatedAt),
			m.Domain, m.PartitionKey, m.Stage)
	}
	return err
}

type manifestRow struct {
	Domain       string         `db:"domain"`
	PartitionKey string         `db:"partition_key"`
	Stage        string         `db:"stage"`
	RowCount     int64          `db:"row_count"`
	Metrics      sql.NullString `db:"metrics"`
	ExecutionID  string         `db:"execution_id"`
	BatchID      string         `db:"batch_id"`
	CaptureID    sql.NullString `db:"capture_id"`
	UpdatedAt    string         `db:"updated_at"`
}

func (r manifestRow) toManifest() *Manifest {
	return &Manifest{
		Domain:       r.Domain,
		PartitionKey: r.PartitionKey,
		Stage:        r.Stage,
		RowCount:     r.RowCount,
		Metrics:      stringOf(r.Metrics),
		ExecutionID:  r.ExecutionID,
		BatchID:      r.BatchID,
		CaptureID:    stringOf(r.CaptureID),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
}

// GetManifest retrieves one manifest row, or nil when the stage has not
// been produced.
func (q queries) GetManifest(ctx context.Context, domain, partitionKey, stage string) (*Manifest, error) {
	var row manifestRow
	err := q.get(ctx, &row, `
		SELECT domain, partition_key, stage, row_count, metrics, execution_id,
		       batch_id, capture_id, updated_at
		FROM core_manifest
		WHERE domain = ? AND partition_key = ? AND stage = ?`,
		domain, partitionKey, stage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toManifest(), nil
}

// ListManifestPartitions returns partition keys present for a domain and
// stage. The backfill planner subtracts these from a requested range.
func (q queries) ListManifestPartitions(ctx context.Context, domain, stage string) ([]string, error) {
	var keys []string
	err := q.list(ctx, &keys, `
		SELECT partition_key FROM core_manifest
		WHERE domain = ? AND stage = ?
		ORDER BY partition_key`, domain, stage)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ListManifests returns all manifest rows for a domain partition.
func (q queries) ListManifests(ctx context.Context, domain, partitionKey string) ([]*Manifest, error) {
	var rows []manifestRow
	err := q.list(ctx, &rows, `
		SELECT domain, partition_key, stage, row_count, metrics, execution_id,
		       batch_id, capture_id, updated_at
		FROM core_manifest
		WHERE domain = ? AND partition_key = ?
		ORDER BY stage`, domain, partitionKey)
	if err != nil {
		return nil, err
	}
	out := make([]*Manifest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toManifest())
	}
	return out, nil
}

// Reject records one bad input record.
type Reject struct {
	Domain        string
	PartitionKey  string
	ReasonCode    string
	RawPayload    string
	SourceLocator string
	ExecutionID   string
	BatchID       string
	CreatedAt     time.Time
}

// InsertReject appends a reject row.
func (q queries) InsertReject(ctx context.Context, r *Reject) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_rejects
			(domain, partition_key, reason_code, raw_payload, source_locator,
			 execution_id, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Domain, r.PartitionKey, r.ReasonCode, nullString(r.RawPayload),
		nullString(r.SourceLocator), r.ExecutionID, r.BatchID, formatTime(r.CreatedAt))
	return err
}

// CountRejects counts rejects for a partition.
func (q queries) CountRejects(ctx context.Context, domain, partitionKey string) (int64, error) {
	var n int64
	err := q.get(ctx, &n, `
		SELECT COUNT(*) FROM core_rejects
		WHERE domain = ? AND partition_key = ?`, domain, partitionKey)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// QualityCheck records one check outcome over a partition.
type QualityCheck struct {
	Domain       string
	PartitionKey string
	CheckName    string
	Category     string
	Status       string
	Actual       string
	Expected     string
	Details      string
	ExecutionID  string
	CreatedAt    time.Time
}

// InsertQualityCheck appends a quality check row.
func (q queries) InsertQualityCheck(ctx context.Context, c *QualityCheck) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_quality
			(domain, partition_key, check_name, category, status, actual,
			 expected, details, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Domain, c.PartitionKey, c.CheckName, c.Category, c.Status,
		nullString(c.Actual), nullString(c.Expected), nullString(c.Details),
		nullString(c.ExecutionID), formatTime(c.CreatedAt))
	return err
}

// ListQualityChecks returns checks for a partition in insertion order.
func (q queries) ListQualityChecks(ctx context.Context, domain, partitionKey string) ([]*QualityCheck, error) {
	var rows []struct {
		Domain       string         `db:"domain"`
		PartitionKey string         `db:"partition_key"`
		CheckName    string         `db:"check_name"`
		Category     string         `db:"category"`
		Status       string         `db:"status"`
		Actual       sql.NullString `db:"actual"`
		Expected     sql.NullString `db:"expected"`
		Details      sql.NullString `db:"details"`
		ExecutionID  sql.NullString `db:"execution_id"`
		CreatedAt    string         `db:"created_at"`
	}
	err := q.list(ctx, &rows, `
		SELECT domain, partition_key, check_name, category, status, actual,
		       expected, details, execution_id, created_at
		FROM core_quality
		WHERE domain = ? AND partition_key = ?
		ORDER BY id`, domain, partitionKey)
	if err != nil {
		return nil, err
	}
	out := make([]*QualityCheck, 0, len(rows))
	for _, r := range rows {
		out = append(out, &QualityCheck{
			Domain:       r.Domain,
			PartitionKey: r.PartitionKey,
			CheckName:    r.CheckName,
			Category:     r.Category,
			Status:       r.Status,
			Actual:       stringOf(r.Actual),
			Expected:     stringOf(r.Expected),
			Details:      stringOf(r.Details),
			ExecutionID:  stringOf(r.ExecutionID),
			CreatedAt:    parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// Anomaly is a detected deviation over captured data.
type Anomaly struct {
	ID           string
	Domain       string
	PartitionKey string
	Severity     string
	Category     string
	Message      string
	Sample       string // JSON array of affected records
	ExecutionID  string
	DetectedAt   time.Time
	ResolvedAt   *time.Time
	AckBy        string
	AckReason    string
}

// InsertAnomaly appends an anomaly row.
func (q queries) InsertAnomaly(ctx context.Context, a *Anomaly) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_anomalies
			(id, domain, partition_key, severity, category, message, sample,
			 execution_id, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Domain, nullString(a.PartitionKey), a.Severity, a.Category,
		a.Message, nullString(a.Sample), nullString(a.ExecutionID),
		formatTime(a.DetectedAt))
	return err
}

// AnomalyFilter selects anomalies for listing.
type AnomalyFilter struct {
	Domain       string
	PartitionKey string
	Severity     string
	Category     string
	Unresolved   bool
	Limit        int
}

type anomalyRow struct {
	ID           string         `db:"id"`
	Domain       string         `db:"domain"`
	PartitionKey sql.NullString `db:"partition_key"`
	Severity     string         `db:"severity"`
	Category     string         `db:"category"`
	Message      string         `db:"message"`
	Sample       sql.NullString `db:"sample"`
	ExecutionID  sql.NullString `db:"execution_id"`
	DetectedAt   string         `db:"detected_at"`
	ResolvedAt   sql.NullString `db:"resolved_at"`
	AckBy        sql.NullString `db:"ack_by"`
	AckReason    sql.NullString `db:"ack_reason"`
}

// ListAnomalies returns anomalies matching the filter, newest first.
func (q queries) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]*Anomaly, error) {
	query := `
		SELECT id, domain, partition_key, severity, category, message, sample,
		       execution_id, detected_at, resolved_at, ack_by, ack_reason
		FROM core_anomalies WHERE 1=1`
	args := []any{}
	if f.Domain != "" {
		query += " AND domain = ?"
		args = append(args, f.Domain)
	}
	if f.PartitionKey != "" {
		query += " AND partition_key = ?"
		args = append(args, f.PartitionKey)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Unresolved {
		query += " AND resolved_at IS NULL"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []anomalyRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Anomaly, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Anomaly{
			ID:           r.ID,
			Domain:       r.Domain,
			PartitionKey: stringOf(r.PartitionKey),
			Severity:     r.Severity,
			Category:     r.Category,
			Message:      r.Message,
			Sample:       stringOf(r.Sample),
			ExecutionID:  stringOf(r.ExecutionID),
			DetectedAt:   parseTime(r.DetectedAt),
			ResolvedAt:   parseTimePtr(r.ResolvedAt),
			AckBy:        stringOf(r.AckBy),
			AckReason:    stringOf(r.AckReason),
		})
	}
	return out, nil
}

// AckAnomaly acknowledges (resolves) an anomaly.
func (q queries) AckAnomaly(ctx context.Context, id, ackBy, reason string, at time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE core_anomalies
		SET resolved_at = ?, ack_by = ?, ack_reason = ?
		WHERE id = ? AND resolved_at IS NULL`,
		formatTime(at), ackBy, nullString(reason), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountCriticalAnomalies counts unresolved CRITICAL anomalies on a
// partition. Feeds the readiness reducer.
func (q queries) CountCriticalAnomalies(ctx context.Context, domain, partitionKey string) (int64, error) {
	var n int64
	err := q.get(ctx, &n, `
		SELECT COUNT(*) FROM core_anomalies
		WHERE domain = ? AND partition_key = ?
		  AND severity = 'CRITICAL' AND resolved_at IS NULL`,
		domain, partitionKey)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CalcDependency declares that domain depends on depends_on_domain having
// produced required_stage.
type CalcDependency struct {
	Domain          string
	DependsOnDomain string
	RequiredStage   string
}

// InsertCalcDependency registers a dependency edge. Conflicts are ignored.
func (q queries) InsertCalcDependency(ctx context.Context, d *CalcDependency, now time.Time) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_calc_dependencies (domain, depends_on_domain, required_stage, created_at)
		VALUES (?, ?, ?, ?)`,
		d.Domain, d.DependsOnDomain, d.RequiredStage, formatTime(now))
	if err != nil && IsConflict(err) {
		return nil
	}
	return err
}

// ListCalcDependencies returns the dependency edges for a domain.
func (q queries) ListCalcDependencies(ctx context.Context, domain string) ([]*CalcDependency, error) {
	var rows []struct {
		Domain          string `db:"domain"`
		DependsOnDomain string `db:"depends_on_domain"`
		RequiredStage   string `db:"required_stage"`
	}
	err := q.list(ctx, &rows, `
		SELECT domain, depends_on_domain, required_stage
		FROM core_calc_dependencies WHERE domain = ?`, domain)
	if err != nil {
		return nil, err
	}
	out := make([]*CalcDependency, 0, len(rows))
	for _, r := range rows {
		out = append(out, &CalcDependency{
			Domain:          r.Domain,
			DependsOnDomain: r.DependsOnDomain,
			RequiredStage:   r.RequiredStage,
		})
	}
	return out, nil
}

// ExpectedSchedule declares the maximum age before a partition is
// considered past its preliminary window for a given use.
type ExpectedSchedule struct {
	Domain        string
	ReadyFor      string
	MaxAgeSeconds int
}

// UpsertExpectedSchedule registers an expected cadence.
func (q queries) UpsertExpectedSchedule(ctx context.Context, e *ExpectedSchedule, now time.Time) error {
	res, err := q.exec(ctx, `
		UPDATE core_expected_schedules SET max_age_seconds = ?
		WHERE domain = ? AND ready_for = ?`,
		e.MaxAgeSeconds, e.Domain, e.ReadyFor)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_expected_schedules (domain, ready_for, max_age_seconds, created_at)
		VALUES (?, ?, ?, ?)`,
		e.Domain, e.ReadyFor, e.MaxAgeSeconds, formatTime(now))
	if err != nil && IsConflict(err) {
		return nil
	}
	return err
}

// GetExpectedSchedule retrieves the cadence for (domain, ready_for), or nil.
func (q queries) GetExpectedSchedule(ctx context.Context, domain, readyFor string) (*ExpectedSchedule, error) {
	var row struct {
		Domain        string `db:"domain"`
		ReadyFor      string `db:"ready_for"`
		MaxAgeSeconds int    `db:"max_age_seconds"`
	}
	err := q.get(ctx, &row, `
		SELECT domain, ready_for, max_age_seconds
		FROM core_expected_schedules
		WHERE domain = ? AND ready_for = ?`, domain, readyFor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ExpectedSchedule{Domain: row.Domain, ReadyFor: row.ReadyFor, MaxAgeSeconds: row.MaxAgeSeconds}, nil
}

// DataReadiness is the reduced readiness verdict for a partition and use.
type DataReadiness struct {
	Domain                string
	PartitionKey          string
	ReadyFor              string
	AllPartitionsPresent  bool
	AllStagesComplete     bool
	NoCriticalAnomalies   bool
	DependenciesCurrent   bool
	AgeExceedsPreliminary bool
	IsReady               bool
	CertifiedBy           string
	CertifiedAt           *time.Time
	BlockedReason         string
	UpdatedAt             time.Time
}

// UpsertDataReadiness writes the reducer output for a partition.
func (q queries) UpsertDataReadiness(ctx context.Context, d *DataReadiness) error {
	res, err := q.exec(ctx, `
		UPDATE core_data_readiness
		SET all_partitions_present = ?, all_stages_complete = ?,
		    no_critical_anomalies = ?, dependencies_current = ?,
		    age_exceeds_preliminary = ?, is_ready = ?, updated_at = ?
		WHERE domain = ? AND partition_key = ? AND ready_for = ?`,
		boolInt(d.AllPartitionsPresent), boolInt(d.AllStagesComplete),
		boolInt(d.NoCriticalAnomalies), boolInt(d.DependenciesCurrent),
		boolInt(d.AgeExceedsPreliminary), boolInt(d.IsReady), formatTime(d.UpdatedAt),
		d.Domain, d.PartitionKey, d.ReadyFor)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_data_readiness
			(domain, partition_key, ready_for, all_partitions_present,
			 all_stages_complete, no_critical_anomalies, dependencies_current,
			 age_exceeds_preliminary, is_ready, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Domain, d.PartitionKey, d.ReadyFor,
		boolInt(d.AllPartitionsPresent), boolInt(d.AllStagesComplete),
		boolInt(d.NoCriticalAnomalies), boolInt(d.DependenciesCurrent),
		boolInt(d.AgeExceedsPreliminary), boolInt(d.IsReady), formatTime(d.UpdatedAt))
	return err
}

// GetDataReadiness retrieves the readiness row, or nil when never reduced.
func (q queries) GetDataReadiness(ctx context.Context, domain, partitionKey, readyFor string) (*DataReadiness, error) {
	var row struct {
		Domain                string         `db:"domain"`
		PartitionKey          string         `db:"partition_key"`
		ReadyFor              string         `db:"ready_for"`
		AllPartitionsPresent  int            `db:"all_partitions_present"`
		AllStagesComplete     int            `db:"all_stages_complete"`
		NoCriticalAnomalies   int            `db:"no_critical_anomalies"`
		DependenciesCurrent   int            `db:"dependencies_current"`
		AgeExceedsPreliminary int            `db:"age_exceeds_preliminary"`
		IsReady               int            `db:"is_ready"`
		CertifiedBy           sql.NullString `db:"certified_by"`
		CertifiedAt           sql.NullString `db:"certified_at"`
		BlockedReason         sql.NullString `db:"blocked_reason"`
		UpdatedAt             string         `db:"updated_at"`
	}
	err := q.get(ctx, &row, `
		SELECT domain, partition_key, ready_for, all_partitions_present,
		       all_stages_complete, no_critical_anomalies, dependencies_current,
		       age_exceeds_preliminary, is_ready, certified_by, certified_at,
		       blocked_reason, updated_at
		FROM core_data_readiness
		WHERE domain = ? AND partition_key = ? AND ready_for = ?`,
		domain, partitionKey, readyFor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &DataReadiness{
		Domain:                row.Domain,
		PartitionKey:          row.PartitionKey,
		ReadyFor:              row.ReadyFor,
		AllPartitionsPresent:  row.AllPartitionsPresent == 1,
		AllStagesComplete:     row.AllStagesComplete == 1,
		NoCriticalAnomalies:   row.NoCriticalAnomalies == 1,
		DependenciesCurrent:   row.DependenciesCurrent == 1,
		AgeExceedsPreliminary: row.AgeExceedsPreliminary == 1,
		IsReady:               row.IsReady == 1,
		CertifiedBy:           stringOf(row.CertifiedBy),
		CertifiedAt:           parseTimePtr(row.CertifiedAt),
		BlockedReason:         stringOf(row.BlockedReason),
		UpdatedAt:             parseTime(row.UpdatedAt),
	}, nil
}

// CertifyReadiness records a human certification of a partition.
func (q queries) CertifyReadiness(ctx context.Context, domain, partitionKey, readyFor, certifier string, at time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_data_readiness
		SET certified_by = ?, certified_at = ?, blocked_reason = NULL, updated_at = ?
		WHERE domain = ? AND partition_key = ? AND ready_for = ?`,
		certifier, formatTime(at), formatTime(at), domain, partitionKey, readyFor)
	return err
}

// BlockReadiness marks a partition blocked for a use with a reason.
func (q queries) BlockReadiness(ctx context.Context, domain, partitionKey, readyFor, reason string, at time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_data_readiness
		SET is_ready = 0, blocked_reason = ?, updated_at = ?
		WHERE domain = ? AND partition_key = ? AND ready_for = ?`,
		reason, formatTime(at), domain, partitionKey, readyFor)
	return err
}
