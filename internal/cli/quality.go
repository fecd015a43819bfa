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

	"github.com/marketspine/spine/internal/client"
)

func newAnomalyCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Inspect and acknowledge data anomalies",
	}

	var filter client.AnomalyFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List detected anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			anomalies, err := opts.api().Anomalies(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return opts.emit(cmd, anomalies, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tDOMAIN\tPARTITION\tSEVERITY\tCATEGORY\tDETECTED\tMESSAGE")
				for _, a := range anomalies {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						a.ID, a.Domain, dash(a.PartitionKey), a.Severity, a.Category,
						a.DetectedAt.Format(time.RFC3339), a.Message)
				}
			})
		},
	}
	list.Flags().StringVar(&filter.Domain, "domain", "", "Filter by data domain")
	list.Flags().StringVar(&filter.Partition, "partition", "", "Filter by partition key")
	list.Flags().StringVar(&filter.Severity, "severity", "", "Filter by severity")
	list.Flags().StringVar(&filter.Category, "category", "", "Filter by category")
	list.Flags().BoolVar(&filter.Unresolved, "unresolved", false, "Only unresolved anomalies")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum rows")
	cmd.AddCommand(list)

	var (
		ackBy  string
		reason string
	)
	ack := &cobra.Command{
		Use:   "ack <anomaly-id>",
		Short: "Acknowledge an anomaly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().AckAnomaly(cmd.Context(), args[0], ackBy, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "anomaly %s acknowledged by %s\n", args[0], ackBy)
			return nil
		},
	}
	ack.Flags().StringVar(&ackBy, "by", "", "Operator acknowledging the anomaly")
	ack.Flags().StringVar(&reason, "reason", "", "Acknowledgement reason")
	_ = ack.MarkFlagRequired("by")
	cmd.AddCommand(ack)

	return cmd
}

func newReadinessCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readiness",
		Short: "Inspect, certify, and block partition readiness",
	}

	get := &cobra.Command{
		Use:   "get <domain> <partition> <ready-for>",
		Short: "Show the readiness verdict for one partition and use",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, err := opts.api().Readiness(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return opts.emit(cmd, rd, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Domain:\t%s\n", rd.Domain)
				fmt.Fprintf(w, "Partition:\t%s\n", rd.PartitionKey)
				fmt.Fprintf(w, "Ready for:\t%s\n", rd.ReadyFor)
				fmt.Fprintf(w, "Ready:\t%t\n", rd.IsReady)
				fmt.Fprintf(w, "Partitions present:\t%t\n", rd.AllPartitionsPresent)
				fmt.Fprintf(w, "Stages complete:\t%t\n", rd.AllStagesComplete)
				fmt.Fprintf(w, "No critical anomalies:\t%t\n", rd.NoCriticalAnomalies)
				fmt.Fprintf(w, "Dependencies current:\t%t\n", rd.DependenciesCurrent)
				fmt.Fprintf(w, "Past preliminary age:\t%t\n", rd.AgeExceedsPreliminary)
				fmt.Fprintf(w, "Certified by:\t%s\n", dash(rd.CertifiedBy))
				if rd.CertifiedAt != nil {
					fmt.Fprintf(w, "Certified at:\t%s\n", rd.CertifiedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(w, "Blocked reason:\t%s\n", dash(rd.BlockedReason))
			})
		},
	}
	cmd.AddCommand(get)

	var certifier string
	certify := &cobra.Command{
		Use:   "certify <domain> <partition> <ready-for>",
		Short: "Certify a partition for a downstream use",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().CertifyReadiness(cmd.Context(), args[0], args[1], args[2], certifier); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s certified for %s\n", args[0], args[1], args[2])
			return nil
		},
	}
	certify.Flags().StringVar(&certifier, "by", "", "Certifying operator")
	_ = certify.MarkFlagRequired("by")
	cmd.AddCommand(certify)

	var blockReason string
	block := &cobra.Command{
		Use:   "block <domain> <partition> <ready-for>",
		Short: "Block a partition for a downstream use",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().BlockReadiness(cmd.Context(), args[0], args[1], args[2], blockReason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s blocked for %s\n", args[0], args[1], args[2])
			return nil
		},
	}
	block.Flags().StringVar(&blockReason, "reason", "", "Why the partition is blocked")
	_ = block.MarkFlagRequired("reason")
	cmd.AddCommand(block)

	return cmd
}
