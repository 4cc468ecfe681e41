// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List plugin sources",
		Long: `List the sources plugins are installed from: the built-in official source
followed by the sources configured under "sources" in the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTYPE\tURL\tNAME")
			for _, s := range h.loader.Sources() {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Type, s.URL, s.Name)
			}
			return tw.Flush() //nolint:wrapcheck // writer errors are reported as-is
		},
	}
}
