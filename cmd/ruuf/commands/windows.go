package commands

import (
	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/pkg/image"
)

var windowsFlags flashFlags

var windowsCmd = &cobra.Command{
	Use:   "windows --iso <path> --device <selector>",
	Short: "Create a Windows installer drive",
	Long: `Partitions the device GPT with a FAT32 ESP and a DATA partition (NTFS when
the image holds files over 4 GiB, FAT32 with split files otherwise), copies the
installer files, writes boot code and verifies every file.`,
	Args: exactArgs(0),
	RunE: runWindows,
}

func init() {
	rootCmd.AddCommand(windowsCmd)
	windowsFlags.register(windowsCmd, "iso", "Windows installer ISO")
}

func runWindows(cmd *cobra.Command, args []string) error {
	if err := windowsFlags.require("iso"); err != nil {
		return err
	}
	return flash(cmd, windowsFlags.options(windowsFlags.iso, image.FamilyWindows))
}
