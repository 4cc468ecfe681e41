// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// archiveExtensions are installed with InstallFromArchive; anything else is
// treated as an unpacked plugin directory.
var archiveExtensions = []string{".shplugin", ".zip"}

func newListCmd(opts *rootOptions) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.discover(cmd.Context()); err != nil {
				return err
			}
			plugins := h.loader.List()
			if asYAML {
				infos := make([]pluginInfo, 0, len(plugins))
				for _, p := range plugins {
					infos = append(infos, newPluginInfo(p))
				}
				return writeYAML(cmd.OutOrStdout(), infos)
			}
			if len(plugins) == 0 {
				cmd.Println("No plugins installed in", h.loader.Dir())
				return nil
			}
			return formatPluginTable(cmd.OutOrStdout(), plugins)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "output plugins as YAML")
	return cmd
}

func newInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show details of an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.discover(cmd.Context()); err != nil {
				return err
			}
			p, ok := h.loader.Get(args[0])
			if !ok {
				return fmt.Errorf("plugin %s is not installed: %w", args[0], plugin.ErrNotFound)
			}
			return writeYAML(cmd.OutOrStdout(), newPluginInfo(p))
		},
	}
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	var replace, enable bool
	cmd := &cobra.Command{
		Use:   "install <archive|directory>",
		Short: "Install a plugin from a .shplugin archive or a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.discover(ctx); err != nil {
				return err
			}
			defer h.stop(ctx)

			var installOpts []plugin.InstallOption
			if replace {
				installOpts = append(installOpts, plugin.WithReplace())
			}

			src := args[0]
			var p *plugin.LoadedPlugin
			if isArchive(src) {
				data, readErr := os.ReadFile(src) //nolint:gosec // operator-supplied package path
				if readErr != nil {
					return fmt.Errorf("failed to read %s: %w", src, readErr)
				}
				p, err = h.loader.InstallFromArchive(ctx, data, installOpts...)
			} else {
				p, err = h.loader.InstallFromPath(ctx, src, installOpts...)
			}
			if err != nil {
				return err
			}
			cmd.Printf("Installed %s %s\n", p.ID(), p.Manifest.Version)

			if enable {
				if err := h.loader.EnablePlugin(ctx, p.ID()); err != nil {
					return err
				}
				cmd.Printf("Enabled %s\n", p.ID())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an installed plugin with the same id")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the plugin after installing")
	return cmd
}

func isArchive(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range archiveExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func newEnableCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a plugin",
		Long: `Enable a plugin after checking its dependencies are enabled. The plugin is
activated once to verify it starts; a failing activation leaves it in the
error state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.discover(ctx); err != nil {
				return err
			}
			defer h.stop(ctx)

			if err := h.loader.EnablePlugin(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("Enabled %s\n", args[0])
			return nil
		},
	}
}

func newDisableCmd(opts *rootOptions) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a plugin",
		Long: `Disable a plugin. Plugins that depend on it must be disabled first, or
pass --cascade to disable them as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.discover(ctx); err != nil {
				return err
			}

			var disableOpts []plugin.DisableOption
			if cascade {
				disableOpts = append(disableOpts, plugin.WithCascade())
			}
			if err := h.loader.DisablePlugin(ctx, args[0], disableOpts...); err != nil {
				return err
			}
			cmd.Printf("Disabled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also disable enabled dependents")
	return cmd
}

func newUninstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Remove an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.discover(ctx); err != nil {
				return err
			}
			if err := h.loader.UninstallPlugin(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("Uninstalled %s\n", args[0])
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	var unset []string
	cmd := &cobra.Command{
		Use:   "config <id> [key=value ...]",
		Short: "Show or update a plugin's configuration",
		Long: `Without assignments, print the plugin's effective configuration. Values
are parsed as YAML, so numbers and booleans keep their type.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := newHost(opts.cfg, hostOptions{})
			if err != nil {
				return err
			}
			if err := h.discover(ctx); err != nil {
				return err
			}

			id := args[0]
			if len(args) == 1 && len(unset) == 0 {
				p, ok := h.loader.Get(id)
				if !ok {
					return fmt.Errorf("plugin %s is not installed: %w", id, plugin.ErrNotFound)
				}
				return writeYAML(cmd.OutOrStdout(), p.EffectiveConfig())
			}

			partial := make(map[string]any, len(args)-1+len(unset))
			for _, arg := range args[1:] {
				key, raw, err := splitAssignment(arg)
				if err != nil {
					return err
				}
				if partial[key], err = parseValue(raw); err != nil {
					return err
				}
			}
			for _, key := range unset {
				partial[key] = nil
			}

			merged, err := h.loader.UpdatePluginConfig(ctx, id, partial)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), merged)
		},
	}
	cmd.Flags().StringSliceVar(&unset, "unset", nil, "config keys to remove")
	return cmd
}
