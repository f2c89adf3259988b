package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/secureboot"
)

var (
	logLevel string
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "ruuf-secureboot",
	Short: "Inspect and enable UEFI Secure Boot on this machine",
	Long: `Reads the firmware Secure Boot state on every call. 'enable' issues the
platform toggle where one can be scripted and otherwise prints the steps to
take in firmware setup.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		app.SetupLogging(os.Stderr, logLevel, jsonLogs)
	},
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
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
}

// newProbe is replaced in tests.
var newProbe = func() *secureboot.Probe {
	return secureboot.NewProbe(command.NewExecRunner())
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return app.Usage(cobra.ExactArgs(n)(cmd, args))
	}
}
