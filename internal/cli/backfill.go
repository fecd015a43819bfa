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

func newBackfillCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Plan and drive historical backfills",
	}
	cmd.AddCommand(newBackfillPlanCommand(opts))
	cmd.AddCommand(newBackfillExecuteCommand(opts))
	cmd.AddCommand(newBackfillGetCommand(opts))
	cmd.AddCommand(newBackfillListCommand(opts))
	cmd.AddCommand(newBackfillCancelCommand(opts))
	cmd.AddCommand(newBackfillRetryKeyCommand(opts))
	return cmd
}

func newBackfillPlanCommand(opts *options) *cobra.Command {
	var req client.BackfillPlanRequest
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Enumerate and persist a backfill plan",
		Long: `Enumerate the partition keys between --start and --end using the
domain's partition template and persist them as a resumable plan.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := opts.api().PlanBackfill(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.emit(cmd, plan, func(w *tabwriter.Writer) {
				printBackfillPlan(w, plan)
			})
		},
	}
	cmd.Flags().StringVar(&req.Domain, "domain", "", "Data domain to backfill")
	cmd.Flags().StringVar(&req.Source, "source", "", "Source identifier")
	cmd.Flags().StringVar(&req.Template, "template", "", "Partition template (daily, weekly, or monthly)")
	cmd.Flags().StringVar(&req.RangeStart, "start", "", "Inclusive range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.RangeEnd, "end", "", "Inclusive range end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.Stage, "stage", "", "Pipeline stage to backfill")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newBackfillExecuteCommand(opts *options) *cobra.Command {
	var (
		req    client.BackfillExecuteRequest
		params []string
	)
	cmd := &cobra.Command{
		Use:   "execute <plan-id>",
		Short: "Drain a plan's pending partition keys through the work queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			req.Params = p
			plan, err := opts.api().ExecuteBackfill(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return opts.emit(cmd, plan, func(w *tabwriter.Writer) {
				printBackfillPlan(w, plan)
			})
		},
	}
	cmd.Flags().StringVar(&req.Pipeline, "pipeline", "", "Pipeline to run per partition key")
	cmd.Flags().StringVar(&req.PartitionParam, "partition-param", "", "Parameter name that receives the partition key")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Extra pipeline parameter (key=value, repeatable)")
	cmd.Flags().IntVar(&req.MaxAttempts, "max-attempts", 0, "Attempts per partition key (0 = default)")
	_ = cmd.MarkFlagRequired("pipeline")
	_ = cmd.MarkFlagRequired("partition-param")
	return cmd
}

func newBackfillGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <plan-id>",
		Short: "Show one backfill plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := opts.api().Backfill(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, plan, func(w *tabwriter.Writer) {
				printBackfillPlan(w, plan)
			})
		},
	}
}

func newBackfillListCommand(opts *options) *cobra.Command {
	var (
		domain string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backfill plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plans, err := opts.api().Backfills(cmd.Context(), domain, limit)
			if err != nil {
				return err
			}
			return opts.emit(cmd, plans, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "PLAN\tDOMAIN\tSOURCE\tRANGE\tSTATUS\tPROGRESS\tUPDATED")
				for _, p := range plans {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s..%s\t%s\t%.1f%%\t%s\n",
						p.PlanID, p.Domain, p.Source, p.RangeStart, p.RangeEnd,
						p.Status, p.ProgressPct, p.UpdatedAt.Format(time.RFC3339))
				}
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Filter by data domain")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newBackfillCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().CancelBackfill(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s cancelled\n", args[0])
			return nil
		},
	}
}

func newBackfillRetryKeyCommand(opts *options) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "retry-key <plan-id>",
		Short: "Move one failed partition key back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := opts.api().RetryBackfillKey(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}
			return opts.emit(cmd, plan, func(w *tabwriter.Writer) {
				printBackfillPlan(w, plan)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Partition key to retry")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func printBackfillPlan(w *tabwriter.Writer, p *api.BackfillPlan) {
	fmt.Fprintf(w, "Plan:\t%s\n", p.PlanID)
	fmt.Fprintf(w, "Domain:\t%s\n", p.Domain)
	fmt.Fprintf(w, "Source:\t%s\n", p.Source)
	fmt.Fprintf(w, "Range:\t%s..%s\n", p.RangeStart, p.RangeEnd)
	fmt.Fprintf(w, "Status:\t%s\n", p.Status)
	fmt.Fprintf(w, "Progress:\t%.1f%%\n", p.ProgressPct)
	fmt.Fprintf(w, "Checkpoint:\t%s\n", dash(p.Checkpoint))
	fmt.Fprintf(w, "Partitions:\t%s\n", dash(string(p.PartitionKeys)))
	fmt.Fprintf(w, "Completed:\t%s\n", dash(string(p.CompletedKeys)))
	fmt.Fprintf(w, "Failed:\t%s\n", dash(string(p.FailedKeys)))
}

func newWatermarkCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect per-source watermarks",
	}

	var domain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a domain's watermarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			marks, err := opts.api().Watermarks(cmd.Context(), domain)
			if err != nil {
				return err
			}
			return opts.emit(cmd, marks, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "DOMAIN\tSOURCE\tPARTITION\tLOW\tHIGH\tUPDATED")
				for _, m := range marks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.Domain, m.Source, dash(m.PartitionKey), dash(m.LowWater),
						m.HighWater, m.UpdatedAt.Format(time.RFC3339))
				}
			})
		},
	}
	list.Flags().StringVar(&domain, "domain", "", "Data domain")
	_ = list.MarkFlagRequired("domain")
	cmd.AddCommand(list)

	var advanceReq client.WatermarkWrite
	advance := &cobra.Command{
		Use:   "advance",
		Short: "Advance a watermark (a lower value is a no-op)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mark, err := opts.api().AdvanceWatermark(cmd.Context(), advanceReq)
			if err != nil {
				return err
			}
			return opts.emit(cmd, mark, func(w *tabwriter.Writer) {
				printWatermark(w, mark)
			})
		},
	}
	advance.Flags().StringVar(&advanceReq.Domain, "domain", "", "Data domain")
	advance.Flags().StringVar(&advanceReq.Source, "source", "", "Source identifier")
	advance.Flags().StringVar(&advanceReq.PartitionKey, "partition", "", "Partition key")
	advance.Flags().StringVar(&advanceReq.HighWater, "high", "", "New high-water value")
	advance.Flags().StringVar(&advanceReq.LowWater, "low", "", "Low-water value")
	_ = advance.MarkFlagRequired("domain")
	_ = advance.MarkFlagRequired("source")
	_ = advance.MarkFlagRequired("high")
	cmd.AddCommand(advance)

	var rewindReq client.WatermarkWrite
	rewind := &cobra.Command{
		Use:   "rewind",
		Short: "Lower a watermark, recording the decrease as an anomaly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mark, err := opts.api().RewindWatermark(cmd.Context(), rewindReq)
			if err != nil {
				return err
			}
			return opts.emit(cmd, mark, func(w *tabwriter.Writer) {
				printWatermark(w, mark)
			})
		},
	}
	rewind.Flags().StringVar(&rewindReq.Domain, "domain", "", "Data domain")
	rewind.Flags().StringVar(&rewindReq.Source, "source", "", "Source identifier")
	rewind.Flags().StringVar(&rewindReq.PartitionKey, "partition", "", "Partition key")
	rewind.Flags().StringVar(&rewindReq.HighWater, "high", "", "New, lower high-water value")
	rewind.Flags().StringVar(&rewindReq.Reason, "reason", "", "Why the watermark is being rewound")
	_ = rewind.MarkFlagRequired("domain")
	_ = rewind.MarkFlagRequired("source")
	_ = rewind.MarkFlagRequired("high")
	_ = rewind.MarkFlagRequired("reason")
	cmd.AddCommand(rewind)

	return cmd
}

func printWatermark(w *tabwriter.Writer, m *api.Watermark) {
	fmt.Fprintf(w, "Domain:\t%s\n", m.Domain)
	fmt.Fprintf(w, "Source:\t%s\n", m.Source)
	fmt.Fprintf(w, "Partition:\t%s\n", dash(m.PartitionKey))
	fmt.Fprintf(w, "Low water:\t%s\n", dash(m.LowWater))
	fmt.Fprintf(w, "High water:\t%s\n", m.HighWater)
	fmt.Fprintf(w, "Updated:\t%s\n", m.UpdatedAt.Format(time.RFC3339))
}

func newWorkItemCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workitem",
		Short: "Inspect durable work items",
	}

	var (
		domain string
		state  string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := opts.api().WorkItems(cmd.Context(), domain, state, limit)
			if err != nil {
				return err
			}
			return opts.emit(cmd, items, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tDOMAIN\tPIPELINE\tPARTITION\tSTATE\tATTEMPTS\tLAST ERROR")
				for _, it := range items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
						it.ID, it.Domain, it.Pipeline, it.PartitionKey, it.State,
						it.AttemptCount, it.MaxAttempts, dash(it.LastError))
				}
			})
		},
	}
	list.Flags().StringVar(&domain, "domain", "", "Filter by data domain")
	list.Flags().StringVar(&state, "state", "", "Filter by state")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.AddCommand(list)

	return cmd
}
