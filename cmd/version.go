package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-fetcher/internal/server"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(server.Version)
		},
	}
}
