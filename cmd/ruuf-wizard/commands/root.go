package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/internal/config"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/secureboot"
)

var (
	wizardISO        string
	wizardDevice     string
	wizardYes        bool
	wizardNoTUI      bool
	wizardSkipEnable bool
)

var rootCmd = &cobra.Command{
	Use:   "ruuf-wizard --iso <path> --device <selector>",
	Short: "Create a Windows installer drive, then check Secure Boot",
	Long: `Flashes a Windows installer onto the device exactly like 'ruuf windows'.
When the drive is ready it reports this machine's Secure Boot state and, unless
--skip-enable is given, how to turn Secure Boot on. A failed flash stops the
wizard before the Secure Boot step.`,
	Args:              exactArgs(0),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
	RunE:              runWizard,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(app.ExitCode(err))
	}
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return app.Usage(err)
	})

	rootCmd.Flags().StringVar(&wizardISO, "iso", "", "Windows installer ISO")
	rootCmd.Flags().StringVar(&wizardDevice, "device", "", "Target device (path or ID from 'ruuf devices')")
	rootCmd.Flags().BoolVarP(&wizardYes, "yes", "y", false, "Erase the device without asking")
	rootCmd.Flags().BoolVar(&wizardNoTUI, "no-tui", false, "Plain line output instead of the interactive view")
	rootCmd.Flags().BoolVar(&wizardSkipEnable, "skip-enable", false, "Only report Secure Boot state")

	rootCmd.PersistentFlags().String("work-dir", "", "Working directory for mounts and the job lock")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	for _, name := range []string{"work-dir", "log-level"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	if wizardISO == "" || wizardDevice == "" {
		return app.Usagef("--iso and --device are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt := app.New(cfg)
	defer rt.Close()

	if _, err := rt.Flash(cmd.Context(), app.FlashOptions{
		Device:    wizardDevice,
		ImagePath: wizardISO,
		Family:    image.FamilyWindows,
		Yes:       wizardYes,
		NoTUI:     wizardNoTUI,
		In:        os.Stdin,
		Out:       os.Stdout,
	}); err != nil {
		return err
	}

	fmt.Println("\nSecure Boot")
	probe := secureboot.NewProbe(rt.Runner)
	if err := app.CheckSecureBoot(cmd.Context(), os.Stdout, probe, !wizardSkipEnable); err != nil {
		return errors.Wrap(err, "secure boot check failed")
	}
	return nil
}

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

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return app.Usage(cobra.ExactArgs(n)(cmd, args))
	}
}
