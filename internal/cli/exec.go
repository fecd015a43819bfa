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
	"github.com/marketspine/spine/internal/client"
)

func newExecCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Submit and inspect pipeline executions",
	}
	cmd.AddCommand(newExecSubmitCommand(opts))
	cmd.AddCommand(newExecGetCommand(opts))
	cmd.AddCommand(newExecListCommand(opts))
	cmd.AddCommand(newExecEventsCommand(opts))
	cmd.AddCommand(newExecCancelCommand(opts))
	cmd.AddCommand(newExecRetryCommand(opts))
	return cmd
}

func newExecSubmitCommand(opts *options) *cobra.Command {
	var (
		params []string
		lane   string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "submit <pipeline>",
		Short: "Submit an execution",
		Long: `Submit an execution of the named pipeline. Duplicate submissions with
the same pipeline and params return the existing in-flight execution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			c := opts.api()
			exec, err := c.SubmitExecution(cmd.Context(), args[0], p, lane)
			if err != nil {
				return err
			}
			if wait {
				exec, err = waitForExecution(cmd, c, exec.ID)
				if err != nil {
					return err
				}
			}
			return opts.emit(cmd, exec, func(w *tabwriter.Writer) {
				printExecution(w, exec)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Pipeline parameter (key=value, repeatable)")
	cmd.Flags().StringVar(&lane, "lane", "", "Execution lane (defaults to the pipeline's lane)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the execution reaches a terminal state")
	return cmd
}

// waitForExecution polls until the execution leaves pending/running.
func waitForExecution(cmd *cobra.Command, c *client.Client, id string) (*api.Execution, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		exec, err := c.Execution(cmd.Context(), id)
		if err != nil {
			return nil, err
		}
		switch exec.Status {
		case "pending", "running":
		default:
			return exec, nil
		}
		select {
		case <-cmd.Context().Done():
			return exec, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func newExecGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := opts.api().Execution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, exec, func(w *tabwriter.Writer) {
				printExecution(w, exec)
			})
		},
	}
}

func newExecListCommand(opts *options) *cobra.Command {
	var filter client.ExecutionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			execs, err := opts.api().Executions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return opts.emit(cmd, execs, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tLANE\tTRIGGER\tRETRIES\tCREATED")
				for _, e := range execs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
						e.ID, e.Pipeline, e.Status, e.Lane, e.TriggerSource,
						e.RetryCount, e.MaxRetries, e.CreatedAt.Format(time.RFC3339))
				}
			})
		},
	}
	cmd.Flags().StringVar(&filter.Pipeline, "pipeline", "", "Filter by pipeline name")
	cmd.Flags().StringVar(&filter.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&filter.Lane, "lane", "", "Filter by lane")
	cmd.Flags().StringVar(&filter.Cursor, "cursor", "", "Pagination cursor (last seen execution ID)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum rows")
	return cmd
}

func newExecEventsCommand(opts *options) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <execution-id>",
		Short: "Show an execution's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.api().ExecutionEvents(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			return opts.emit(cmd, events, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "SEQ\tTYPE\tTIMESTAMP\tDATA")
				for _, ev := range events {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
						ev.Seq, ev.Type, ev.Timestamp.Format(time.RFC3339), dash(string(ev.Data)))
				}
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only events with seq greater than this")
	return cmd
}

func newExecCancelCommand(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation of a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().CancelExecution(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")
	return cmd
}

func newExecRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <execution-id>",
		Short: "Create a fresh execution from a failed or dead-lettered one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := opts.api().RetryExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, exec, func(w *tabwriter.Writer) {
				printExecution(w, exec)
			})
		},
	}
}

func printExecution(w *tabwriter.Writer, e *api.Execution) {
	fmt.Fprintf(w, "ID:\t%s\n", e.ID)
	fmt.Fprintf(w, "Pipeline:\t%s\n", e.Pipeline)
	fmt.Fprintf(w, "Status:\t%s\n", e.Status)
	fmt.Fprintf(w, "Lane:\t%s\n", e.Lane)
	fmt.Fprintf(w, "Trigger:\t%s\n", e.TriggerSource)
	fmt.Fprintf(w, "Retries:\t%d/%d\n", e.RetryCount, e.MaxRetries)
	fmt.Fprintf(w, "Created:\t%s\n", e.CreatedAt.Format(time.RFC3339))
	if e.StartedAt != nil {
		fmt.Fprintf(w, "Started:\t%s\n", e.StartedAt.Format(time.RFC3339))
	}
	if e.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", e.CompletedAt.Format(time.RFC3339))
	}
	if e.ParentExecutionID != "" {
		fmt.Fprintf(w, "Parent:\t%s\n", e.ParentExecutionID)
	}
	if e.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t[%s] %s\n", e.ErrorCategory, e.ErrorMessage)
	}
	if len(e.Params) > 0 {
		fmt.Fprintf(w, "Params:\t%s\n", string(e.Params))
	}
	if len(e.Result) > 0 {
		fmt.Fprintf(w, "Result:\t%s\n", string(e.Result))
	}
}

func newDeadLetterCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and resolve dead-lettered executions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			letters, err := opts.api().DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return opts.emit(cmd, letters, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "EXECUTION\tPIPELINE\tCATEGORY\tRETRIES\tCREATED\tERROR")
				for _, d := range letters {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						d.ExecutionID, d.Pipeline, dash(d.ErrorCategory), d.RetryCount,
						d.CreatedAt.Format(time.RFC3339), dash(d.ErrorMessage))
				}
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.AddCommand(list)

	var (
		resolvedBy string
		note       string
	)
	resolve := &cobra.Command{
		Use:   "resolve <execution-id>",
		Short: "Mark a dead letter handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().ResolveDeadLetter(cmd.Context(), args[0], resolvedBy, note); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dead letter %s resolved\n", args[0])
			return nil
		},
	}
	resolve.Flags().StringVar(&resolvedBy, "by", "", "Operator resolving the dead letter")
	resolve.Flags().StringVar(&note, "note", "", "Resolution note")
	_ = resolve.MarkFlagRequired("by")
	cmd.AddCommand(resolve)

	return cmd
}
