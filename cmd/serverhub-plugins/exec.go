// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newCallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <id> <function> [arg ...]",
		Short: "Call an exported function of an enabled plugin",
		Long: `Start the enabled plugins, call one exported function and print its result
as YAML. Arguments are parsed as YAML, so JSON objects are accepted.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := make([]any, 0, len(args)-2)
			for _, raw := range args[2:] {
				v, err := parseValue(raw)
				if err != nil {
					return err
				}
				callArgs = append(callArgs, v)
			}

			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.start(ctx); err != nil {
				return err
			}
			defer h.stop(ctx)

			out, err := h.runtime.CallFunction(ctx, args[0], args[1], callArgs...)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
}

// toolView is the YAML view of a registered tool.
type toolView struct {
	Name        string   `yaml:"name"`
	Plugin      string   `yaml:"plugin"`
	Category    string   `yaml:"category"`
	Description string   `yaml:"description,omitempty"`
	Dangerous   bool     `yaml:"dangerous,omitempty"`
	Parameters  []string `yaml:"parameters,omitempty,flow"`
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools contributed by enabled plugins",
		Long: `Start the enabled plugins and list every tool they registered, declared in
their manifest or registered by plugin code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.start(ctx); err != nil {
				return err
			}
			defer h.stop(ctx)

			defs := h.tools.List()
			views := make([]toolView, 0, len(defs))
			for _, d := range defs {
				params := make([]string, 0, len(d.Parameters))
				for name := range d.Parameters {
					params = append(params, name)
				}
				sort.Strings(params)
				views = append(views, toolView{
					Name:        d.Name,
					Plugin:      d.Owner,
					Category:    d.Category,
					Description: d.Description,
					Dangerous:   d.Dangerous,
					Parameters:  params,
				})
			}
			return writeYAML(cmd.OutOrStdout(), views)
		},
	}
	cmd.AddCommand(newToolsRunCmd(opts))
	return cmd
}

func newToolsRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id> <tool> [key=value ...]",
		Short: "Execute a plugin tool",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs := make(map[string]any, len(args)-2)
			for _, arg := range args[2:] {
				key, raw, err := splitAssignment(arg)
				if err != nil {
					return err
				}
				if toolArgs[key], err = parseValue(raw); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.start(ctx); err != nil {
				return err
			}
			defer h.stop(ctx)

			out, err := h.runtime.ExecuteTool(ctx, args[0], args[1], toolArgs)
			if err != nil {
				return fmt.Errorf("tool %s of %s failed: %w", args[1], args[0], err)
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
}
