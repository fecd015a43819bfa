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

package errors_test

import (
	stderrors "errors"
	"net/http"
	"testing"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want spineerrors.Category
	}{
		{"typed transient", spineerrors.Transient(stderrors.New("conn reset"), "fetch"), spineerrors.CategoryTransient},
		{"typed validation", spineerrors.Validation("tier", "unknown tier"), spineerrors.CategoryValidation},
		{"wrapped keeps category", spineerrors.Wrap(spineerrors.NotFound("pipeline", "x"), "resolving"), spineerrors.CategoryNotFound},
		{"plain error is permanent", stderrors.New("boom"), spineerrors.CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := spineerrors.CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !spineerrors.IsRetryable(spineerrors.Transient(nil, "flaky")) {
		t.Error("transient errors should be retryable")
	}
	if spineerrors.IsRetryable(spineerrors.Validation("week_ending", "bad date")) {
		t.Error("validation errors must never be retryable")
	}
	if spineerrors.IsRetryable(spineerrors.Timeout("pipeline run")) {
		t.Error("timeouts are terminal, not retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{spineerrors.Validation("f", "bad"), http.StatusBadRequest},
		{spineerrors.NotFound("execution", "01ABC"), http.StatusNotFound},
		{spineerrors.Conflict("lock held"), http.StatusConflict},
		{spineerrors.Timeout("run"), http.StatusGatewayTimeout},
		{spineerrors.Transient(nil, "upstream 503"), http.StatusInternalServerError},
		{stderrors.New("unclassified"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := spineerrors.HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWrapPreservesChain(t *testing.T) {
	root := spineerrors.Conflict("idempotency hit")
	wrapped := spineerrors.Wrapf(root, "submitting %s", "finra.otc.ingest_week")

	var e *spineerrors.Error
	if !spineerrors.As(wrapped, &e) {
		t.Fatal("wrapped error should expose *Error")
	}
	if e.Category != spineerrors.CategoryConflict {
		t.Errorf("wrapped category = %v, want conflict", e.Category)
	}
	if !spineerrors.Is(wrapped, root) {
		t.Error("wrapped error should match root with errors.Is")
	}
}

func TestWrapNil(t *testing.T) {
	if spineerrors.Wrap(nil, "context") != nil {
		t.Error("Wrap(nil, _) should return nil")
	}
}
