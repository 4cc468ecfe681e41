// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Zhang142857/serverhub-sub000/internal/config"
	"github.com/Zhang142857/serverhub-sub000/internal/logging"
)

const serviceName = "serverhub-plugins"

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configFile string
	cfg        *config.Config
}

// NewRootCmd creates the root command for the plugin host CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "serverhub-plugins",
		Short: "Manage and run ServerHub plugins",
		Long: `serverhub-plugins installs, enables and inspects ServerHub plugins and
runs them in sandboxed Lua or JavaScript runtimes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/serverhub/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newListCmd(opts),
		newInfoCmd(opts),
		newInstallCmd(opts),
		newEnableCmd(opts),
		newDisableCmd(opts),
		newUninstallCmd(opts),
		newConfigCmd(opts),
		newCallCmd(opts),
		newToolsCmd(opts),
		newSourcesCmd(opts),
		newServeCmd(opts),
		newSchemaCmd(),
	)
	return cmd
}

// load resolves configuration and installs the default logger.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := logging.Setup(serviceName, cfg.AppVersion, cfg.LogFormat, cmd.ErrOrStderr(), logging.WithLevel(level))
	slog.SetDefault(logger)
	o.cfg = cfg
	return nil
}
