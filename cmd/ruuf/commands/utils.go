package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/internal/config"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
)

// loadConfig loads and validates configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, app.Usage(errors.Wrap(err, "config invalid"))
	}
	return cfg, nil
}

func setupLogging(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app.SetupLogging(os.Stderr, cfg.LogLevel, cfg.JSONLogs)
	return nil
}

// exactArgs is cobra.ExactArgs reported as a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return app.Usage(cobra.ExactArgs(n)(cmd, args))
	}
}

type flashFlags struct {
	device string
	iso    string
	yes    bool
	noTUI  bool
}

func (f *flashFlags) register(cmd *cobra.Command, imageFlag, imageHelp string) {
	cmd.Flags().StringVar(&f.device, "device", "", "Target device (path or ID from 'ruuf devices')")
	if imageFlag != "" {
		cmd.Flags().StringVar(&f.iso, imageFlag, "", imageHelp)
	}
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Erase the device without asking")
	cmd.Flags().BoolVar(&f.noTUI, "no-tui", false, "Plain line output instead of the interactive view")
}

func (f *flashFlags) require(imageFlag string) error {
	if f.device == "" {
		return app.Usagef("--device is required")
	}
	if imageFlag != "" && f.iso == "" {
		return app.Usagef("--%s is required", imageFlag)
	}
	return nil
}

func (f *flashFlags) options(imagePath string, family image.Family) app.FlashOptions {
	return app.FlashOptions{
		Device:    f.device,
		ImagePath: imagePath,
		Family:    family,
		Yes:       f.yes,
		NoTUI:     f.noTUI,
		In:        os.Stdin,
		Out:       os.Stdout,
	}
}

// flash runs one job with a fresh runtime.
func flash(cmd *cobra.Command, opts app.FlashOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt := app.New(cfg)
	defer rt.Close()

	_, err = rt.Flash(cmd.Context(), opts)
	return err
}

// bindFlag binds a local flag to the config key of the same name.
func bindFlag(cmd *cobra.Command, name string) {
	viper.BindPFlag(name, cmd.Flags().Lookup(name))
}
