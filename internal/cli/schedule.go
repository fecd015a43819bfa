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
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

func newScheduleCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules",
	}
	cmd.AddCommand(newScheduleUpsertCommand(opts))
	cmd.AddCommand(newScheduleListCommand(opts))
	cmd.AddCommand(newScheduleGetCommand(opts))
	cmd.AddCommand(newScheduleRunsCommand(opts))
	cmd.AddCommand(newScheduleEnableCommand(opts, true))
	cmd.AddCommand(newScheduleEnableCommand(opts, false))
	cmd.AddCommand(newScheduleTriggerCommand(opts))
	cmd.AddCommand(newScheduleUpcomingCommand(opts))
	cmd.AddCommand(newScheduleOverdueCommand(opts))
	cmd.AddCommand(newScheduleRunCommand(opts))
	return cmd
}

func newScheduleUpsertCommand(opts *options) *cobra.Command {
	var (
		req     client.ScheduleUpsert
		disable bool
	)
	cmd := &cobra.Command{
		Use:   "upsert <name>",
		Short: "Register or replace a schedule",
		Long: `Register a schedule by name. Re-registering with identical settings is
a no-op; a changed registration replaces the schedule and bumps its
version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if disable {
				enabled := false
				req.Enabled = &enabled
			}
			sched, err := opts.api().UpsertSchedule(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return opts.emit(cmd, sched, func(w *tabwriter.Writer) {
				printSchedule(w, sched)
			})
		},
	}
	cmd.Flags().StringVar(&req.TargetType, "target-type", "pipeline", "Target type (pipeline or workflow)")
	cmd.Flags().StringVar(&req.Target, "target", "", "Pipeline or workflow name to run")
	cmd.Flags().StringVar(&req.Params, "params", "", "Target params as a JSON object")
	cmd.Flags().StringVar(&req.ScheduleType, "type", "cron", "Schedule type (cron, interval, or once)")
	cmd.Flags().StringVar(&req.Expression, "expression", "", "Cron expression, interval duration, or RFC3339 instant")
	cmd.Flags().StringVar(&req.Timezone, "timezone", "", "IANA timezone for cron evaluation")
	cmd.Flags().IntVar(&req.MaxInstances, "max-instances", 0, "Maximum concurrent emissions (0 = default)")
	cmd.Flags().IntVar(&req.MisfireGraceSeconds, "misfire-grace", 0, "Misfire grace window in seconds (0 = default)")
	cmd.Flags().BoolVar(&disable, "disabled", false, "Register the schedule disabled")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("expression")
	return cmd
}

func newScheduleListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schedules, err := opts.api().Schedules(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd, schedules, func(w *tabwriter.Writer) {
				printScheduleTable(w, schedules)
			})
		},
	}
}

func newScheduleGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := opts.api().Schedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, sched, func(w *tabwriter.Writer) {
				printSchedule(w, sched)
			})
		},
	}
}

func newScheduleRunsCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <name>",
		Short: "List recent emissions of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := opts.api().ScheduleRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return opts.emit(cmd, runs, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "SCHEDULED\tSTATUS\tEXECUTION\tRUN\tSKIP\tERROR")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ScheduledAt.Format(time.RFC3339), r.Status,
						dash(r.ExecutionID), dash(r.RunID), dash(r.SkipReason), dash(r.Error))
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}

func newScheduleEnableCommand(opts *options, enable bool) *cobra.Command {
	use, short := "enable <name>", "Enable a schedule"
	if !enable {
		use, short = "disable <name>", "Disable a schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().SetScheduleEnabled(cmd.Context(), args[0], enable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %s enabled=%t\n", args[0], enable)
			return nil
		},
	}
}

func newScheduleTriggerCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <name>",
		Short: "Emit one immediate run outside the schedule's cadence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.api().TriggerSchedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, run, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Schedule:\t%s\n", run.ScheduleName)
				fmt.Fprintf(w, "Status:\t%s\n", run.Status)
				fmt.Fprintf(w, "Execution:\t%s\n", dash(run.ExecutionID))
				fmt.Fprintf(w, "Run:\t%s\n", dash(run.RunID))
			})
		},
	}
}

func newScheduleUpcomingCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "upcoming",
		Short: "List enabled schedules ordered by next fire-time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schedules, err := opts.api().UpcomingSchedules(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return opts.emit(cmd, schedules, func(w *tabwriter.Writer) {
				printScheduleTable(w, schedules)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}

func newScheduleOverdueCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List enabled schedules whose fire-time has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schedules, err := opts.api().OverdueSchedules(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd, schedules, func(w *tabwriter.Writer) {
				printScheduleTable(w, schedules)
			})
		},
	}
}

// newScheduleRunCommand triggers named schedules (or everything overdue)
// and reports an aggregate exit code: 0 all succeeded or dry-run, 1 all
// failed, 2 partial failure.
func newScheduleRunCommand(opts *options) *cobra.Command {
	var (
		allOverdue bool
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "run [name...]",
		Short: "Trigger schedules now and report an aggregate exit code",
		Long: `Trigger the named schedules, or with --all-due every enabled schedule
whose fire-time has passed. Exits 0 when every trigger succeeded (or
with --dry-run), 1 when all failed, 2 on partial failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !allOverdue {
				return spineerrors.Validation("name", "name a schedule or pass --all-due")
			}
			c := opts.api()

			names := args
			if allOverdue {
				overdue, err := c.OverdueSchedules(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range overdue {
					names = append(names, s.Name)
				}
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing due")
				return nil
			}
			if dryRun {
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "would trigger %s\n", name)
				}
				return nil
			}

			failed := 0
			for _, name := range names {
				run, err := c.TriggerSchedule(cmd.Context(), name)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAILED\t%v\n", name, err)
				case run.Status == "failed":
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAILED\t%s\n", name, dash(run.Error))
				default:
					ref := run.ExecutionID
					if ref == "" {
						ref = run.RunID
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", name, run.Status, dash(ref))
				}
			}
			switch {
			case failed == 0:
				return nil
			case failed == len(names):
				return &ExitCodeError{Code: 1,
					Message: fmt.Sprintf("all %d schedules failed", failed)}
			default:
				return &ExitCodeError{Code: 2,
					Message: fmt.Sprintf("%d of %d schedules failed", failed, len(names))}
			}
		},
	}
	cmd.Flags().BoolVar(&allOverdue, "all-due", false, "Trigger every overdue schedule")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only print what would be triggered")
	return cmd
}

func printSchedule(w *tabwriter.Writer, s *api.Schedule) {
	fmt.Fprintf(w, "Name:\t%s\n", s.Name)
	fmt.Fprintf(w, "Target:\t%s %s\n", s.TargetType, s.Target)
	fmt.Fprintf(w, "Type:\t%s\n", s.ScheduleType)
	fmt.Fprintf(w, "Expression:\t%s\n", s.Expression)
	fmt.Fprintf(w, "Timezone:\t%s\n", dash(s.Timezone))
	fmt.Fprintf(w, "Enabled:\t%t\n", s.Enabled)
	fmt.Fprintf(w, "Version:\t%d\n", s.Version)
	fmt.Fprintf(w, "Next run:\t%s\n", formatTimePtr(s.NextRunAt))
	fmt.Fprintf(w, "Last run:\t%s\n", formatTimePtr(s.LastRunAt))
	fmt.Fprintf(w, "Last status:\t%s\n", dash(s.LastRunStatus))
}

func printScheduleTable(w *tabwriter.Writer, schedules []*api.Schedule) {
	fmt.Fprintln(w, "NAME\tTARGET\tTYPE\tEXPRESSION\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, s := range schedules {
		fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\t%t\t%s\t%s\n",
			s.Name, s.TargetType, s.Target, s.ScheduleType, s.Expression,
			s.Enabled, formatTimePtr(s.NextRunAt), dash(s.LastRunStatus))
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
