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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

func ingestSpec() PipelineSpec {
	return PipelineSpec{
		Name:    "finra.otc.ingest_week",
		Version: 1,
		Ingest:  true,
		Domain:  "finra.otc_transparency",
		Params: []ParamDef{
			{
				Name: "tier", Type: TypeEnum, Required: true,
				Values:  []string{"T1", "T2", "OTC"},
				Aliases: map[string]string{"t1": "T1", "tier1": "T1", "t2": "T2", "tier2": "T2", "otc": "OTC"},
			},
			{Name: "week_ending", Type: TypeDate, Required: true},
			{Name: "file_path", Type: TypePath},
			{Name: "dry_run", Type: TypeBoolean, Default: false},
		},
		FilePathTemplate:       "data/finra/{tier}/{week_ending}.psv",
		ConcurrencyKeyTemplate: "finra:{tier}:{week_ending}",
	}
}

func TestValidateAliasesAndDefaults(t *testing.T) {
	res, err := Validate(ingestSpec(), map[string]any{
		"tier":        "t1",
		"week_ending": "2025-12-26",
	})
	require.NoError(t, err)

	assert.Equal(t, "T1", res.Params["tier"])
	assert.Equal(t, false, res.Params["dry_run"])
	assert.Equal(t, "data/finra/T1/2025-12-26.psv", res.Params["file_path"])
}

func TestValidateCanonicalStable(t *testing.T) {
	a, err := Validate(ingestSpec(), map[string]any{"tier": "t1", "week_ending": "2025-12-26"})
	require.NoError(t, err)
	b, err := Validate(ingestSpec(), map[string]any{"week_ending": "2025-12-26", "tier": "T1"})
	require.NoError(t, err)

	assert.Equal(t, a.CanonicalJSON, b.CanonicalJSON)
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.Len(t, a.IdempotencyKey, 64)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		code string
	}{
		{"missing required", map[string]any{"tier": "T1"}, "ParamMissing"},
		{"bad enum", map[string]any{"tier": "T9", "week_ending": "2025-12-26"}, "ParamInvalid"},
		{"bad date", map[string]any{"tier": "T1", "week_ending": "Friday"}, "ParamInvalid"},
		{"unknown param", map[string]any{"tier": "T1", "week_ending": "2025-12-26", "nope": 1}, "ParamInvalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(ingestSpec(), tt.raw)
			require.Error(t, err)
			assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryValidation))
			var se *spineerrors.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Details["error"])
		})
	}
}

func TestCoercion(t *testing.T) {
	spec := PipelineSpec{
		Name: "p",
		Params: []ParamDef{
			{Name: "n", Type: TypeInteger},
			{Name: "flag", Type: TypeBoolean},
		},
	}

	res, err := Validate(spec, map[string]any{"n": "42", "flag": "yes"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Params["n"])
	assert.Equal(t, true, res.Params["flag"])

	// JSON numbers arrive as float64.
	res, err = Validate(spec, map[string]any{"n": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Params["n"])

	_, err = Validate(spec, map[string]any{"n": 1.5})
	require.Error(t, err)
}

func TestResolveIngestSourceExplicitWins(t *testing.T) {
	src, err := ResolveIngestSource(ingestSpec(), map[string]any{
		"tier": "T1", "week_ending": "2025-12-26", "file_path": "/tmp/override.psv",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeExplicit, src.Mode)
	assert.Equal(t, "/tmp/override.psv", src.FilePath)
}

func TestResolveIngestSourceDerived(t *testing.T) {
	src, err := ResolveIngestSource(ingestSpec(), map[string]any{
		"tier": "OTC", "week_ending": "2025-12-26",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeDerived, src.Mode)
	assert.Equal(t, "data/finra/OTC/2025-12-26.psv", src.FilePath)
	assert.Equal(t, map[string]string{"tier": "OTC", "week_ending": "2025-12-26"}, src.Substituted)
}

func TestResolveIngestSourceUnresolved(t *testing.T) {
	spec := ingestSpec()
	spec.FilePathTemplate = ""

	_, err := ResolveIngestSource(spec, map[string]any{"tier": "T1"})
	require.Error(t, err)
	var se *spineerrors.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "IngestSourceUnresolved", se.Details["error"])
}

func TestConcurrencyKey(t *testing.T) {
	key, err := ConcurrencyKey(ingestSpec(), map[string]any{
		"tier": "OTC", "week_ending": "2025-12-26",
	})
	require.NoError(t, err)
	assert.Equal(t, "finra:OTC:2025-12-26", key)

	// No template means no locking.
	key, err = ConcurrencyKey(PipelineSpec{Name: "p"}, nil)
	require.NoError(t, err)
	assert.Empty(t, key)

	_, err = ConcurrencyKey(ingestSpec(), map[string]any{"tier": "OTC"})
	require.Error(t, err)
}

func TestRegistryLookupAndPrefixList(t *testing.T) {
	reg := New()
	for _, name := range []string{"finra.otc.ingest_week", "finra.otc.normalize", "prices.eod"} {
		n := name
		require.NoError(t, reg.Register(func() Pipeline { return stubPipeline{name: n} }))
	}

	spec, err := reg.Get("prices.eod")
	require.NoError(t, err)
	assert.Equal(t, "prices.eod", spec.Name)

	_, err = reg.Get("missing")
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))

	finra := reg.List("finra.")
	require.Len(t, finra, 2)
	assert.Equal(t, "finra.otc.ingest_week", finra[0].Name)

	all := reg.List("")
	assert.Len(t, all, 3)

	// Duplicate registration conflicts.
	err = reg.Register(func() Pipeline { return stubPipeline{name: "prices.eod"} })
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryConflict))
}
