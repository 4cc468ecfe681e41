// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

func newSchemaCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin.json JSON Schema",
		Args:  cobra.NoArgs,
		// The schema does not depend on configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := plugin.GenerateSchema()
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
				return err //nolint:wrapcheck // writer errors are reported as-is
			}
			if err := os.WriteFile(out, schema, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			cmd.Printf("Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the schema to a file instead of stdout")
	return cmd
}
