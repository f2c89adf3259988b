package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/pkg/blockdev"
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Request Secure Boot and print the remaining steps",
	Long: `On Linux with shim, asks mokutil to re-enable signature validation, which
completes after a reboot. Firmware Secure Boot itself is switched in firmware
setup; the printed steps say how.`,
	Args: exactArgs(0),
	RunE: runEnable,
}

// checkPrivilege is replaced in tests.
var checkPrivilege = blockdev.CheckPrivilege

func init() {
	rootCmd.AddCommand(enableCmd)
}

func runEnable(cmd *cobra.Command, args []string) error {
	// Both platforms issue commands that need root or Administrator.
	if runtime.GOOS == "linux" || runtime.GOOS == "windows" {
		if err := checkPrivilege(); err != nil {
			return err
		}
	}
	return app.CheckSecureBoot(cmd.Context(), cmd.OutOrStdout(), newProbe(), true)
}
