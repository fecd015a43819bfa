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
)

func newAlertCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Inspect alerts and delivery channels",
	}

	var (
		severity string
		domain   string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List emitted alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			alerts, err := opts.api().Alerts(cmd.Context(), severity, domain, limit)
			if err != nil {
				return err
			}
			return opts.emit(cmd, alerts, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tSEVERITY\tDOMAIN\tTITLE\tCREATED")
				for _, a := range alerts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						a.ID, a.Severity, dash(a.Domain), a.Title,
						a.CreatedAt.Format(time.RFC3339))
				}
			})
		},
	}
	list.Flags().StringVar(&severity, "severity", "", "Filter by severity")
	list.Flags().StringVar(&domain, "domain", "", "Filter by data domain")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.AddCommand(list)

	deliveries := &cobra.Command{
		Use:   "deliveries <alert-id>",
		Short: "List delivery attempts for one alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := opts.api().AlertDeliveries(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, ds, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "CHANNEL\tATTEMPT\tSTATUS\tNEXT RETRY\tERROR")
				for _, d := range ds {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
						d.Channel, d.Attempt, d.Status,
						formatTimePtr(d.NextRetryAt), dash(d.Error))
				}
			})
		},
	}
	cmd.AddCommand(deliveries)

	channels := &cobra.Command{
		Use:   "channels",
		Short: "List delivery channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			chs, err := opts.api().AlertChannels(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd, chs, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "NAME\tKIND\tMIN SEVERITY\tENABLED\tFAILURES\tDISABLED REASON")
				for _, ch := range chs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
						ch.Name, ch.Kind, ch.MinSeverity, ch.Enabled,
						ch.ConsecutiveFailures, dash(ch.DisabledReason))
				}
			})
		},
	}
	cmd.AddCommand(channels)

	cmd.AddCommand(newAlertChannelEnableCommand(opts, true))
	cmd.AddCommand(newAlertChannelEnableCommand(opts, false))

	return cmd
}

func newAlertChannelEnableCommand(opts *options, enable bool) *cobra.Command {
	use, short := "enable-channel <name>", "Enable a delivery channel"
	if !enable {
		use, short = "disable-channel <name>", "Disable a delivery channel"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().SetAlertChannelEnabled(cmd.Context(), args[0], enable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s enabled=%t\n", args[0], enable)
			return nil
		},
	}
}
