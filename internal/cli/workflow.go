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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/api"
)

func newWorkflowCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflow DAGs",
	}
	cmd.AddCommand(newWorkflowListCommand(opts))
	cmd.AddCommand(newWorkflowRunCommand(opts))
	cmd.AddCommand(newWorkflowGetCommand(opts))
	cmd.AddCommand(newWorkflowStepsCommand(opts))
	cmd.AddCommand(newWorkflowEventsCommand(opts))
	return cmd
}

func newWorkflowListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workflows, err := opts.api().Workflows(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd, workflows, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "NAME\tVERSION\tSTEPS\tDESCRIPTION")
				for _, wf := range workflows {
					fmt.Fprintf(w, "%v\t%v\t%v\t%v\n",
						wf["name"], wf["version"], wf["steps"], wf["description"])
				}
			})
		},
	}
}

func newWorkflowRunCommand(opts *options) *cobra.Command {
	var (
		params []string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Start a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			c := opts.api()
			run, err := c.RunWorkflow(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			if wait {
				run, err = waitForWorkflowRun(cmd, opts, run.ID)
				if err != nil {
					return err
				}
			}
			return opts.emit(cmd, run, func(w *tabwriter.Writer) {
				printWorkflowRun(w, run)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Workflow parameter (key=value, repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the run reaches a terminal state")
	return cmd
}

func waitForWorkflowRun(cmd *cobra.Command, opts *options, id string) (*api.WorkflowRun, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		run, err := opts.api().WorkflowRun(cmd.Context(), id)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case "PENDING", "RUNNING":
		default:
			return run, nil
		}
		select {
		case <-cmd.Context().Done():
			return run, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func newWorkflowGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.api().WorkflowRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, run, func(w *tabwriter.Writer) {
				printWorkflowRun(w, run)
			})
		},
	}
}

func newWorkflowStepsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List a run's step attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := opts.api().WorkflowSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, steps, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "STEP\tATTEMPT\tSTATUS\tEXECUTION\tERROR")
				for _, st := range steps {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
						st.StepName, st.Attempt, st.Status, dash(st.ExecutionID), dash(st.Error))
				}
			})
		},
	}
}

func newWorkflowEventsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "List a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.api().WorkflowEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, events, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "TIME\tSTEP\tTYPE\tDATA")
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						ev.CreatedAt.Format(time.RFC3339), dash(ev.StepName),
						ev.EventType, dash(string(ev.Data)))
				}
			})
		},
	}
}

func printWorkflowRun(w *tabwriter.Writer, run *api.WorkflowRun) {
	fmt.Fprintf(w, "ID:\t%s\n", run.ID)
	fmt.Fprintf(w, "Workflow:\t%s (v%d)\n", run.Workflow, run.Version)
	fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	fmt.Fprintf(w, "Trigger:\t%s\n", run.TriggerSource)
	fmt.Fprintf(w, "Steps:\t%d total, %d completed, %d failed, %d skipped\n",
		run.TotalSteps, run.CompletedSteps, run.FailedSteps, run.SkippedSteps)
	if run.StartedAt != nil {
		fmt.Fprintf(w, "Started:\t%s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", run.Error)
	}
}
