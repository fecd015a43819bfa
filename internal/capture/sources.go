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
	"crypto/sha256"
	"encoding/hex"

	"github.com/marketspine/spine/internal/storage"
)

// RegisterSource upserts a source registration.
func (s *Service) RegisterSource(ctx context.Context, src *storage.Source) error {
	now := s.clock.Now()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	if src.Kind == "" {
		src.Kind = "http"
	}
	return s.store.UpsertSource(ctx, src)
}

// GetSource returns a registered source by name.
func (s *Service) GetSource(ctx context.Context, name string) (*storage.Source, error) {
	return s.store.GetSource(ctx, name)
}

// ListSources lists registered sources, optionally filtered by domain.
func (s *Service) ListSources(ctx context.Context, domain string) ([]*storage.Source, error) {
	return s.store.ListSources(ctx, domain)
}

// FetchOutcome describes one completed fetch against a source.
type FetchOutcome struct {
	// ContentHash is sha256(payload) in hex; empty for failed fetches.
	ContentHash string

	// Unchanged reports that the payload hash matched the previous
	// successful fetch, meaning the upstream did not change.
	Unchanged bool
}

// RecordFetch records a fetch attempt and caches the payload by content
// hash. A payload identical to the previous successful fetch is recorded
// as not_modified and not re-cached.
func (s *Service) RecordFetch(ctx context.Context, sourceName string, payload []byte, etag, lastModified string) (*FetchOutcome, error) {
	now := s.clock.Now()
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	last, err := s.store.LastSourceFetch(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	unchanged := last != nil && last.Status != storage.FetchError && last.ContentHash == hash

	status := storage.FetchOK
	if unchanged {
		status = storage.FetchNotModified
	}
	if err := s.store.InsertSourceFetch(ctx, &storage.SourceFetch{
		SourceName:   sourceName,
		FetchedAt:    now,
		Status:       status,
		ContentHash:  hash,
		ETag:         etag,
		LastModified: lastModified,
		Bytes:        int64(len(payload)),
	}); err != nil {
		return nil, err
	}

	if !unchanged {
		if err := s.store.PutSourceCache(ctx, hash, sourceName, payload, now); err != nil {
			return nil, err
		}
	}
	return &FetchOutcome{ContentHash: hash, Unchanged: unchanged}, nil
}

// RecordFetchError records a failed fetch attempt.
func (s *Service) RecordFetchError(ctx context.Context, sourceName string, fetchErr error) error {
	return s.store.InsertSourceFetch(ctx, &storage.SourceFetch{
		SourceName: sourceName,
		FetchedAt:  s.clock.Now(),
		Status:     storage.FetchError,
		Error:      fetchErr.Error(),
	})
}

// CachedPayload returns the cached bytes for a content hash, or nil.
func (s *Service) CachedPayload(ctx context.Context, contentHash string) ([]byte, error) {
	return s.store.GetSourceCache(ctx, contentHash)
}
