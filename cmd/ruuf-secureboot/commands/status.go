package commands

import (
	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print firmware mode and Secure Boot state",
	Args:  exactArgs(0),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return app.CheckSecureBoot(cmd.Context(), cmd.OutOrStdout(), newProbe(), false)
}
