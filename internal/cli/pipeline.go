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

	"github.com/spf13/cobra"
)

func newPipelineCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect registered pipelines",
	}
	cmd.AddCommand(newPipelineListCommand(opts))
	cmd.AddCommand(newPipelineDescribeCommand(opts))
	cmd.AddCommand(newPipelineResolveSourceCommand(opts))
	return cmd
}

func newPipelineListCommand(opts *options) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines, optionally by dotted prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pipelines, err := opts.api().Pipelines(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			return opts.emit(cmd, pipelines, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "NAME\tVERSION\tDOMAIN\tINGEST\tDESCRIPTION")
				for _, p := range pipelines {
					fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%s\n",
						p.Name, p.Version, dash(p.Domain), p.Ingest, dash(p.Description))
				}
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Dotted name prefix filter")
	return cmd
}

func newPipelineDescribeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <name>",
		Short: "Show a pipeline and its parameter declarations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.api().Pipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd, p, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Name:\t%s\n", p.Name)
				fmt.Fprintf(w, "Version:\t%d\n", p.Version)
				fmt.Fprintf(w, "Domain:\t%s\n", dash(p.Domain))
				fmt.Fprintf(w, "Ingest:\t%t\n", p.Ingest)
				fmt.Fprintf(w, "Description:\t%s\n", dash(p.Description))
				if len(p.Params) > 0 {
					fmt.Fprintln(w, "\nPARAM\tTYPE\tREQUIRED\tDEFAULT\tVALUES")
					for _, def := range p.Params {
						defaultVal := "-"
						if def.Default != nil {
							defaultVal = fmt.Sprint(def.Default)
						}
						values := "-"
						if len(def.Values) > 0 {
							values = fmt.Sprint(def.Values)
						}
						fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
							def.Name, def.Type, def.Required, defaultVal, values)
					}
				}
			})
		},
	}
}

func newPipelineResolveSourceCommand(opts *options) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "resolve-source <name>",
		Short: "Show where an ingest pipeline would read from for given params",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			resolved, err := opts.api().ResolveSource(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return opts.emit(cmd, resolved, func(w *tabwriter.Writer) {
				for _, key := range []string{"file_path", "mode", "substituted"} {
					if v, ok := resolved[key]; ok {
						fmt.Fprintf(w, "%s:\t%v\n", key, v)
					}
				}
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Pipeline parameter (key=value, repeatable)")
	return cmd
}
