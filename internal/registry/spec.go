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

// Package registry holds the process-wide pipeline registry and the
// parameter framework that turns raw caller input into canonical,
// idempotency-keyed parameter maps.
package registry

import (
	"context"
	"log/slog"
	"time"
)

// ParamType enumerates the supported parameter kinds.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeDate    ParamType = "date"
	TypePath    ParamType = "path"
	TypeEnum    ParamType = "enum"
)

// ParamDef declares one pipeline parameter.
type ParamDef struct {
	// Name is the canonical parameter name.
	Name string

	// Type selects the coercion and validation applied to raw input.
	Type ParamType

	// Required marks the parameter as mandatory after defaults.
	Required bool

	// Default is applied when the parameter is absent. Ignored for
	// required parameters.
	Default any

	// Values lists the permitted values for enum parameters.
	Values []string

	// Aliases maps accepted spellings to canonical enum values. Applied
	// before type checks.
	Aliases map[string]string

	// Description documents the parameter for describe output.
	Description string
}

// PipelineSpec is the immutable registration record for one pipeline.
type PipelineSpec struct {
	// Name is the dotted, unique pipeline name.
	Name string

	// Description documents the pipeline.
	Description string

	// Version identifies the spec revision.
	Version int

	// Params declares the accepted parameters, required and optional.
	Params []ParamDef

	// Ingest marks pipelines that read external files. Ingest pipelines
	// may derive file_path from (tier, week_ending).
	Ingest bool

	// FilePathTemplate derives file_path for ingest pipelines when the
	// caller omits it. Placeholders: {tier}, {week_ending}.
	FilePathTemplate string

	// ConcurrencyKeyTemplate derives the lock key guarding concurrent
	// runs, e.g. "finra:{tier}:{week_ending}". Empty disables locking.
	ConcurrencyKeyTemplate string

	// Domain is the data domain the pipeline writes.
	Domain string
}

// RunError describes a pipeline failure.
type RunError struct {
	Category string // transient, permanent, timeout, data, dependency
	Message  string
	Details  map[string]any
}

// RunResult is returned by a pipeline implementation.
type RunResult struct {
	Status        string // completed or failed
	RowsProcessed int64
	Metrics       map[string]any
	Error         *RunError
}

// Run statuses a pipeline may report.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunRequest carries everything a pipeline needs for one attempt.
type RunRequest struct {
	Params      map[string]any
	ExecutionID string
	CaptureID   string
	BatchID     string
	StartedAt   time.Time
	Logger      *slog.Logger
}

// Pipeline is the contract domain implementations satisfy. Run must poll
// ctx at suspension points so cancellation and timeouts take effect.
type Pipeline interface {
	Describe() PipelineSpec
	Run(ctx context.Context, req RunRequest) RunResult
}

// Factory constructs a pipeline instance. Registration stores the factory
// so construction can be deferred to dispatch time.
type Factory func() Pipeline
