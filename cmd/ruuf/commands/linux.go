package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/pkg/image"
)

var (
	linuxFlags  flashFlags
	linuxDistro string
)

var linuxCmd = &cobra.Command{
	Use:   "linux (--iso <path> | --distro <name>) --device <selector>",
	Short: "Write a Linux hybrid ISO onto a drive",
	Long: `Writes the image sector by sector from offset 0 and verifies it by reading
the same number of bytes back. --distro fetches the image from the configured
mirror first.`,
	Args: exactArgs(0),
	RunE: runLinux,
}

func init() {
	rootCmd.AddCommand(linuxCmd)
	linuxFlags.register(linuxCmd, "iso", "Linux hybrid ISO")
	linuxCmd.Flags().StringVar(&linuxDistro, "distro", "", "Distribution name from the 'distros' config")
}

func runLinux(cmd *cobra.Command, args []string) error {
	if err := linuxFlags.require(""); err != nil {
		return err
	}
	switch {
	case linuxFlags.iso != "" && linuxDistro != "":
		return app.Usagef("--iso and --distro are mutually exclusive")
	case linuxFlags.iso == "" && linuxDistro == "":
		return app.Usagef("one of --iso or --distro is required")
	}

	path := linuxFlags.iso
	if linuxDistro != "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		res, err := fetchDistro(cmd.Context(), cfg, linuxDistro)
		if err != nil {
			return err
		}
		path = res.LocalPath
	}

	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return flash(cmd, linuxFlags.options(path, image.FamilyLinux))
}
