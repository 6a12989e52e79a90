package main

import (
	"github.com/nickyhof/ForkDB"
	"github.com/nickyhof/ForkDB/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
	dataDir    string
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "forkdb",
		Short:         "Speculative multi-branch SQL execution",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides the config)")

	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newSchemaCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newExperimentCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newRestoreCmd(opts))
	cmd.AddCommand(newSeedCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newRemoteCmd(opts))
	cmd.AddCommand(newPushCmd(opts))
	cmd.AddCommand(newPullCmd(opts))
	cmd.AddCommand(newShellCmd(opts))
	return cmd
}

func (opts *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	return cfg, nil
}

func (opts *rootOptions) open() (*ForkDB.Instance, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	var options []ForkDB.Option
	if opts.logger != nil {
		options = append(options, ForkDB.WithLogger(opts.logger))
	}
	return ForkDB.Open(cfg, options...)
}
