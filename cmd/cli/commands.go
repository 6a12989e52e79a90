package main

import (
	"encoding/json"
	"fmt"

	"github.com/nickyhof/ForkDB"
	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/db"
	"github.com/nickyhof/ForkDB/sql"
	"github.com/spf13/cobra"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var seed string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and its mainline database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := ForkDB.Init(cmd.Context(), cfg, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", cfg.DataDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&seed, "seed", "", "seed mainline from a path, http(s):// or s3:// URL")
	return cmd
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the mainline schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			schema, err := instance.Schema(cmd.Context(), core.MainlineID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), schema.String())
			return nil
		},
	}
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Execute statements against mainline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			return executeScript(cmd, instance, core.MainlineID, args[0])
		},
	}
}

func newExperimentCmd(opts *rootOptions) *cobra.Command {
	var (
		planFile   string
		autoCommit bool
		selectID   string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "experiment <question>",
		Short: "Answer a question by running competing strategies in parallel worlds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			oracles, err := instance.Oracles(planFile)
			if err != nil {
				return err
			}

			experiment := instance.Experiment(oracles, autoCommit || instance.Config.Execution.AutoCommit)
			report, err := experiment.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("select") && report.Finalize == nil {
				if _, err := experiment.Select(&report, selectID); err != nil {
					return err
				}
			}

			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "YAML plan for the static oracle")
	cmd.Flags().BoolVar(&autoCommit, "auto-commit", false, "commit the recommended world")
	cmd.Flags().StringVar(&selectID, "select", "", "commit this world (empty selects the recommendation)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List mainline transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			transactions, err := instance.History()
			if err != nil {
				return err
			}

			table := db.NewTable(cmd.OutOrStdout())
			table.Header([]string{"id", "when", "kind", "world", "author"})
			for _, txn := range transactions {
				table.Row([]string{
					txn.Short(),
					txn.When.Format("2006-01-02 15:04:05"),
					string(txn.Promotion.Kind),
					txn.Promotion.World,
					txn.Author,
				})
			}
			table.Render()
			return nil
		},
	}
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <transaction>",
		Short: "Restore mainline as of a history transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			txn, err := instance.Restore(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored mainline (transaction %s)\n", txn.Short())
			return nil
		},
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <url>",
		Short: "Replace mainline with a snapshot from a path, http(s):// or s3:// URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			if err := instance.Seed(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded mainline from %s\n", args[0])
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <url>",
		Short: "Write the mainline snapshot to a path or s3:// URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			if err := instance.Export(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported mainline to %s\n", args[0])
			return nil
		},
	}
}

// executeScript runs every statement of script in a world and stops at the
// first failure.
func executeScript(cmd *cobra.Command, instance *ForkDB.Instance, worldID string, script string) error {
	for _, text := range sql.Split(script) {
		entry, err := instance.Execute(cmd.Context(), worldID, text)
		if err != nil {
			return err
		}
		db.Render(cmd.OutOrStdout(), entry)
	}
	return nil
}
