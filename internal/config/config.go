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

// Package config loads and validates the Market Spine configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Config represents the complete Market Spine configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	WorkItem   WorkItemConfig   `yaml:"workitem"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Capture    CaptureConfig    `yaml:"capture_id"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
}

// DatabaseConfig configures the storage adapter.
type DatabaseConfig struct {
	// Dialect selects the SQL dialect: sqlite, postgres, or mysql.
	// Default: sqlite
	Dialect string `yaml:"dialect"`

	// URL is the connection string (file path for sqlite).
	// Environment: SPINE_DATABASE_URL
	URL string `yaml:"url"`

	// MaxOpenConns bounds the connection pool. Default: 10 (1 for sqlite).
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns bounds idle pooled connections. Default: 5.
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`
}

// LaneConfig holds the retry and concurrency policy for one execution lane.
type LaneConfig struct {
	// MaxConcurrency is the number of workers the lane may occupy.
	MaxConcurrency int `yaml:"max_concurrency"`

	// MaxRetries is the number of transient-failure retries before an
	// execution is dead-lettered.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBaseMS is the base delay for exponential backoff.
	BackoffBaseMS int `yaml:"backoff_base_ms"`

	// BackoffCapMS caps the computed backoff delay.
	BackoffCapMS int `yaml:"backoff_cap_ms"`

	// TimeoutMS is the wall-clock budget for one attempt. Zero disables
	// the timeout.
	TimeoutMS int `yaml:"timeout_ms"`
}

// DispatcherConfig configures the dispatcher and its lanes.
type DispatcherConfig struct {
	// Lanes maps lane name (normal, priority, backfill) to its policy.
	Lanes map[string]LaneConfig `yaml:"lanes"`

	// LockTTL is how long a concurrency lock may be held without a
	// heartbeat. Default: 10m.
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`
}

// SchedulerConfig configures schedule evaluation.
type SchedulerConfig struct {
	// TickMS is the evaluation interval in milliseconds. Default: 1000.
	TickMS int `yaml:"tick_ms"`

	// DefaultMisfireGraceSeconds is applied to schedules that do not set
	// their own grace. Default: 900.
	DefaultMisfireGraceSeconds int `yaml:"default_misfire_grace_seconds"`

	// MaxLookbackWeeks clamps how far back catch-up evaluation may reach.
	// Callers may pass force=true to bypass the clamp. Default: 12.
	MaxLookbackWeeks int `yaml:"max_lookback_weeks"`
}

// WorkItemConfig configures the durable work-item queue.
type WorkItemConfig struct {
	// LeaseTTLMS is the lease duration granted to a worker. Default: 300000.
	LeaseTTLMS int `yaml:"lease_ttl_ms"`

	// ReclaimIntervalMS is how often expired leases are swept back to
	// PENDING. Default: 30000.
	ReclaimIntervalMS int `yaml:"reclaim_interval_ms"`
}

// AlertsConfig configures the alert bus.
type AlertsConfig struct {
	// ChannelDefaults apply to channels that do not override them.
	ChannelDefaults ChannelDefaults `yaml:"channel_defaults"`

	// ChannelDisableAfterConsecutiveFailures disables a channel once its
	// delivery failure streak reaches this count. Default: 5.
	ChannelDisableAfterConsecutiveFailures int `yaml:"channel_disable_after_consecutive_failures"`
}

// ChannelDefaults holds default per-channel settings.
type ChannelDefaults struct {
	// ThrottleMinutes is the dedup window for alerts sharing a dedup_key.
	// Default: 60.
	ThrottleMinutes int `yaml:"throttle_minutes"`
}

// CaptureConfig configures capture_id construction.
type CaptureConfig struct {
	// Separator joins the capture_id segments. Default: ":".
	Separator string `yaml:"separator"`

	// HashAlgo names the captured_at hash. Only sha256 is supported.
	HashAlgo string `yaml:"timestamp_hash_algo"`

	// HashWidth is the number of hex characters kept from the hash.
	// Default: 6; consumers tolerate up to 8.
	HashWidth int `yaml:"timestamp_hash_width"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`
}

// APIConfig configures the HTTP API listener.
type APIConfig struct {
	// Listen is the address the API binds to. Default: 127.0.0.1:7410.
	Listen string `yaml:"listen"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dialect:      "sqlite",
			URL:          "spine.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Dispatcher: DispatcherConfig{
			Lanes: map[string]LaneConfig{
				"normal":   {MaxConcurrency: 4, MaxRetries: 3, BackoffBaseMS: 1000, BackoffCapMS: 60000, TimeoutMS: 0},
				"priority": {MaxConcurrency: 2, MaxRetries: 3, BackoffBaseMS: 500, BackoffCapMS: 30000, TimeoutMS: 0},
				"backfill": {MaxConcurrency: 2, MaxRetries: 5, BackoffBaseMS: 2000, BackoffCapMS: 300000, TimeoutMS: 0},
			},
			LockTTL: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			TickMS:                     1000,
			DefaultMisfireGraceSeconds: 900,
			MaxLookbackWeeks:           12,
		},
		WorkItem: WorkItemConfig{
			LeaseTTLMS:        300000,
			ReclaimIntervalMS: 30000,
		},
		Alerts: AlertsConfig{
			ChannelDefaults:                        ChannelDefaults{ThrottleMinutes: 60},
			ChannelDisableAfterConsecutiveFailures: 5,
		},
		Capture: CaptureConfig{
			Separator: ":",
			HashAlgo:  "sha256",
			HashWidth: 6,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		API: APIConfig{Listen: "127.0.0.1:7410"},
	}
}

// Load reads configuration from path, applies environment overrides, and
// validates the result. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, spineerrors.Wrapf(err, "reading config %s", path)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, spineerrors.Validation("config", fmt.Sprintf("parsing %s: %v", path, err))
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SPINE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SPINE_DATABASE_DIALECT"); v != "" {
		cfg.Database.Dialect = v
	}
	if v := os.Getenv("SPINE_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("SPINE_SCHEDULER_TICK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.TickMS = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return spineerrors.Validation("database.dialect",
			fmt.Sprintf("unsupported dialect %q", c.Database.Dialect))
	}

	if len(c.Dispatcher.Lanes) == 0 {
		return spineerrors.Validation("dispatcher.lanes", "at least one lane is required")
	}
	for name, lane := range c.Dispatcher.Lanes {
		if lane.MaxConcurrency <= 0 {
			return spineerrors.Validation("dispatcher.lanes."+name+".max_concurrency", "must be positive")
		}
		if lane.MaxRetries < 0 {
			return spineerrors.Validation("dispatcher.lanes."+name+".max_retries", "must not be negative")
		}
		if lane.BackoffCapMS < lane.BackoffBaseMS {
			return spineerrors.Validation("dispatcher.lanes."+name+".backoff_cap_ms", "must be >= backoff_base_ms")
		}
	}

	if c.Scheduler.TickMS <= 0 {
		return spineerrors.Validation("scheduler.tick_ms", "must be positive")
	}
	if c.Scheduler.MaxLookbackWeeks <= 0 {
		return spineerrors.Validation("scheduler.max_lookback_weeks", "must be positive")
	}
	if c.WorkItem.LeaseTTLMS <= 0 {
		return spineerrors.Validation("workitem.lease_ttl_ms", "must be positive")
	}
	if c.Capture.HashAlgo != "sha256" {
		return spineerrors.Validation("capture_id.timestamp_hash_algo", "only sha256 is supported")
	}
	if c.Capture.HashWidth < 6 || c.Capture.HashWidth > 8 {
		return spineerrors.Validation("capture_id.timestamp_hash_width", "must be between 6 and 8")
	}
	return nil
}

// Lane returns the policy for the named lane, falling back to "normal".
func (c *Config) Lane(name string) LaneConfig {
	if lane, ok := c.Dispatcher.Lanes[name]; ok {
		return lane
	}
	return c.Dispatcher.Lanes["normal"]
}
