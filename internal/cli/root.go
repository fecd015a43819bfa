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

// Package cli implements the spinectl command tree. Commands talk to a
// running spined over its HTTP API; they hold no direct storage access.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/client"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Version information set from main via SetVersion.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version information.
func SetVersion(v, c, d string) {
	version, commit, buildDate = v, c, d
}

// options are the global flags shared by every command.
type options struct {
	server string
	json   bool
}

// ExitCodeError carries a specific process exit code through cobra.
// The schedule runner uses 1 for all-failed and 2 for partial failure.
type ExitCodeError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ExitCodeError) Error() string { return e.Message }

// HandleExitError prints err and exits with its code (1 by default).
func HandleExitError(err error) {
	var exit *ExitCodeError
	if spineerrors.As(err, &exit) {
		if exit.Message != "" {
			fmt.Fprintln(os.Stderr, "Error:", exit.Message)
		}
		os.Exit(exit.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

// NewRootCommand builds the spinectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "spinectl",
		Short: "Control a Market Spine daemon",
		Long: `spinectl manages pipelines, executions, schedules, workflows, data
quality, and backfills on a running spined instance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", client.DefaultBaseURL,
		"Base URL of the spined API")
	root.PersistentFlags().BoolVar(&opts.json, "json", false,
		"Output JSON instead of tables")

	root.AddCommand(newVersionCommand())
	root.AddCommand(newPipelineCommand(opts))
	root.AddCommand(newExecCommand(opts))
	root.AddCommand(newDeadLetterCommand(opts))
	root.AddCommand(newScheduleCommand(opts))
	root.AddCommand(newAnomalyCommand(opts))
	root.AddCommand(newReadinessCommand(opts))
	root.AddCommand(newWorkflowCommand(opts))
	root.AddCommand(newBackfillCommand(opts))
	root.AddCommand(newWatermarkCommand(opts))
	root.AddCommand(newWorkItemCommand(opts))
	root.AddCommand(newAlertCommand(opts))

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spinectl %s (commit: %s, built: %s)\n",
				version, commit, buildDate)
		},
	}
}

// api returns the client for the configured server.
func (o *options) api() *client.Client {
	return client.New(o.server)
}

// emit writes v as JSON when --json is set; otherwise it calls table.
func (o *options) emit(cmd *cobra.Command, v any, table func(w *tabwriter.Writer)) error {
	if o.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	table(w)
	return w.Flush()
}

// parseParams turns repeated key=value flags into a parameter map. Values
// stay strings; the server-side parameter framework coerces them.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, spineerrors.Validation("param",
				fmt.Sprintf("expected key=value, got %q", pair))
		}
		params[key] = value
	}
	return params, nil
}

// dash substitutes a dash for empty table cells.
func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
