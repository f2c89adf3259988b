package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ruuf/ruuf/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "ruuf",
	Short: "Create bootable USB drives for Windows, macOS and Linux",
	Long: `Writes an installer image onto a removable drive so that it boots:
Windows installers get a GPT layout with FAT32/NTFS and boot code, macOS
installers are staged behind OpenCore, Linux hybrid ISOs are written raw.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
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

	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/ruuf.db", "SQLite job archive path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("work-dir", "", "Working directory for mounts, downloads and the job lock")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().Int("chunk-size", 4*1024*1024, "Copy chunk size in bytes (multiple of 512)")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket of the image mirror")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")

	bindPFlags(rootCmd, "sqlite-path", "fsm-db-path", "work-dir", "log-level", "json-logs", "chunk-size", "s3-bucket", "s3-region")
}

// bindPFlags binds persistent flags to the config keys of the same name.
func bindPFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		viper.BindPFlag(name, cmd.PersistentFlags().Lookup(name))
	}
}
