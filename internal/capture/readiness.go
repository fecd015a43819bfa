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

package capture

import (
	"context"
	"time"

	"github.com/marketspine/spine/internal/storage"
)

// ReduceInput names the partition and the stage set a use requires.
type ReduceInput struct {
	Domain       string
	PartitionKey string
	ReadyFor     string

	// RequiredStages must all appear in the manifest for the partition to
	// count as stage-complete.
	RequiredStages []string
}

// Reduce recomputes the readiness verdict for one partition and use from
// the manifest, open anomalies, registered dependencies, and the expected
// cadence, then persists it. The verdict is a pure function of stored
// state; re-running it is idempotent.
func (s *Service) Reduce(ctx context.Context, in ReduceInput) (*storage.DataReadiness, error) {
	now := s.clock.Now()

	manifests, err := s.store.ListManifests(ctx, in.Domain, in.PartitionKey)
	if err != nil {
		return nil, err
	}
	present := make(map[string]*storage.Manifest, len(manifests))
	var newest time.Time
	for _, m := range manifests {
		present[m.Stage] = m
		if m.UpdatedAt.After(newest) {
			newest = m.UpdatedAt
		}
	}

	allStages := true
	for _, stage := range in.RequiredStages {
		if _, ok := present[stage]; !ok {
			allStages = false
			break
		}
	}

	critical, err := s.store.CountCriticalAnomalies(ctx, in.Domain, in.PartitionKey)
	if err != nil {
		return nil, err
	}

	deps, err := s.store.ListCalcDependencies(ctx, in.Domain)
	if err != nil {
		return nil, err
	}
	depsCurrent := true
	for _, dep := range deps {
		m, err := s.store.GetManifest(ctx, dep.DependsOnDomain, in.PartitionKey, dep.RequiredStage)
		if err != nil {
			return nil, err
		}
		if m == nil {
			depsCurrent = false
			break
		}
	}

	// A partition still inside its preliminary window is not yet settled.
	// With no registered cadence the window is zero.
	agePastPreliminary := true
	expected, err := s.store.GetExpectedSchedule(ctx, in.Domain, in.ReadyFor)
	if err != nil {
		return nil, err
	}
	if expected != nil && !newest.IsZero() {
		window := time.Duration(expected.MaxAgeSeconds) * time.Second
		agePastPreliminary = now.Sub(newest) >= window
	}

	readiness := &storage.DataReadiness{
		Domain:                in.Domain,
		PartitionKey:          in.PartitionKey,
		ReadyFor:              in.ReadyFor,
		AllPartitionsPresent:  len(manifests) > 0,
		AllStagesComplete:     allStages,
		NoCriticalAnomalies:   critical == 0,
		DependenciesCurrent:   depsCurrent,
		AgeExceedsPreliminary: agePastPreliminary,
		UpdatedAt:             now,
	}
	readiness.IsReady = readiness.AllPartitionsPresent &&
		readiness.AllStagesComplete &&
		readiness.NoCriticalAnomalies &&
		readiness.DependenciesCurrent &&
		readiness.AgeExceedsPreliminary

	if err := s.store.UpsertDataReadiness(ctx, readiness); err != nil {
		return nil, err
	}
	return readiness, nil
}
