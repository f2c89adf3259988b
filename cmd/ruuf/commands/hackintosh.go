package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ruuf/ruuf/pkg/image"
)

var hackintoshFlags flashFlags

var hackintoshCmd = &cobra.Command{
	Use:   "hackintosh --installer <path> --device <selector> [--opencore <dir|zip>]",
	Short: "Create a macOS installer drive that boots through OpenCore",
	Long: `Partitions the device GPT with a FAT32 ESP and an HFS+ DATA partition,
stages the OpenCore EFI tree on the ESP, restores the installer onto DATA and
leaves a README with the remaining manual steps.`,
	Args: exactArgs(0),
	RunE: runHackintosh,
}

func init() {
	rootCmd.AddCommand(hackintoshCmd)
	hackintoshFlags.register(hackintoshCmd, "installer", "macOS installer (.app, .dmg or ISO)")
	hackintoshCmd.Flags().String("opencore", "", "OpenCore EFI directory or release .zip")
	viper.BindPFlag("opencore-path", hackintoshCmd.Flags().Lookup("opencore"))
}

func runHackintosh(cmd *cobra.Command, args []string) error {
	if err := hackintoshFlags.require("installer"); err != nil {
		return err
	}
	opts := hackintoshFlags.options(hackintoshFlags.iso, image.FamilyMacOS)
	opts.OpenCorePath = viper.GetString("opencore-path")
	return flash(cmd, opts)
}
