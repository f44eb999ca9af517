package cmd

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the job store schema",
		Long:  `Creates or updates the jobs table of the configured postgres or sqlite backend. The command is idempotent.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := migrate(cmd.Context(), cfg); err != nil {
				return err
			}
			cmd.Println("schema up to date")
			return nil
		},
	}
}
