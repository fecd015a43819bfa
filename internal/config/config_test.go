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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, 1000, cfg.Scheduler.TickMS)
	assert.Equal(t, 12, cfg.Scheduler.MaxLookbackWeeks)
	assert.Equal(t, 6, cfg.Capture.HashWidth)
	assert.Contains(t, cfg.Dispatcher.Lanes, "backfill")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spine.yaml")
	data := `
database:
  dialect: postgres
  url: postgres://localhost/spine
scheduler:
  tick_ms: 250
dispatcher:
  lanes:
    normal:
      max_concurrency: 8
      max_retries: 2
      backoff_base_ms: 100
      backoff_cap_ms: 5000
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Dialect)
	assert.Equal(t, 250, cfg.Scheduler.TickMS)
	assert.Equal(t, 8, cfg.Dispatcher.Lanes["normal"].MaxConcurrency)
	// Unset sections keep their defaults.
	assert.Equal(t, 900, cfg.Scheduler.DefaultMisfireGraceSeconds)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SPINE_DATABASE_URL", "file:env.db")
	t.Setenv("SPINE_SCHEDULER_TICK_MS", "50")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "file:env.db", cfg.Database.URL)
	assert.Equal(t, 50, cfg.Scheduler.TickMS)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad dialect", func(c *Config) { c.Database.Dialect = "oracle" }},
		{"no lanes", func(c *Config) { c.Dispatcher.Lanes = nil }},
		{"zero concurrency", func(c *Config) {
			lane := c.Dispatcher.Lanes["normal"]
			lane.MaxConcurrency = 0
			c.Dispatcher.Lanes["normal"] = lane
		}},
		{"cap below base", func(c *Config) {
			lane := c.Dispatcher.Lanes["normal"]
			lane.BackoffCapMS = 10
			lane.BackoffBaseMS = 100
			c.Dispatcher.Lanes["normal"] = lane
		}},
		{"hash width too wide", func(c *Config) { c.Capture.HashWidth = 12 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, spineerrors.CategoryValidation, spineerrors.CategoryOf(err))
		})
	}
}

func TestLaneFallback(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Dispatcher.Lanes["normal"], cfg.Lane("unknown-lane"))
	assert.Equal(t, cfg.Dispatcher.Lanes["backfill"], cfg.Lane("backfill"))
}
