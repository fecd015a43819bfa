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

package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon answers just enough of the API for the schedule runner:
// "good" triggers succeed, "bad" triggers fail with a dependency error.
func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/schedules/good/trigger", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "sr-1", "schedule_name": "good", "status": "triggered",
			"execution_id": "exec-1", "scheduled_at": "2025-12-22T08:00:00Z",
		})
	})
	mux.HandleFunc("POST /v1/schedules/bad/trigger", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"category": "dependency", "message": "target pipeline unavailable",
			},
		})
	})
	mux.HandleFunc("GET /v1/schedules/overdue", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"name": "good", "target_type": "pipeline", "target": "p",
				"schedule_type": "cron", "expression": "0 9 * * 1", "enabled": true},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCommand(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--server", server))
	err := root.Execute()
	return out.String(), err
}

func TestScheduleRunAllSucceed(t *testing.T) {
	srv := fakeDaemon(t)

	out, err := runCommand(t, srv.URL, "schedule", "run", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "good")
	assert.Contains(t, out, "exec-1")
}

func TestScheduleRunAllFailed(t *testing.T) {
	srv := fakeDaemon(t)

	out, err := runCommand(t, srv.URL, "schedule", "run", "bad")
	require.Error(t, err)

	var exit *ExitCodeError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.Code)
	assert.Contains(t, out, "FAILED")
}

func TestScheduleRunPartialFailure(t *testing.T) {
	srv := fakeDaemon(t)

	_, err := runCommand(t, srv.URL, "schedule", "run", "good", "bad")
	require.Error(t, err)

	var exit *ExitCodeError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.Code)
}

func TestScheduleRunDryRun(t *testing.T) {
	srv := fakeDaemon(t)

	out, err := runCommand(t, srv.URL, "schedule", "run", "--all-due", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would trigger good")
}

func TestScheduleRunRequiresTarget(t *testing.T) {
	srv := fakeDaemon(t)

	_, err := runCommand(t, srv.URL, "schedule", "run")
	require.Error(t, err)
}
