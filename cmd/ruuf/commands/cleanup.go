package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/internal/config"
)

var (
	cleanupDownloads bool
	cleanupMounts    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cached downloads and stale mount points",
	Long: `Clean up working-directory leftovers:
  --downloads   Remove cached images and their digest sidecars
  --mounts      Remove empty mount point directories left by interrupted jobs`,
	Args: exactArgs(0),
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDownloads, "downloads", false, "Remove cached downloads")
	cleanupCmd.Flags().BoolVar(&cleanupMounts, "mounts", false, "Remove stale mount points")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupDownloads && !cleanupMounts {
		return app.Usagef("must specify --downloads or --mounts")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt := app.New(cfg)
	defer rt.Close()
	if rt.Slot.Held() {
		return fmt.Errorf("a flash job is running; try again when it finishes")
	}

	removed := 0
	if cleanupDownloads {
		removed += cleanupDownloadDir(cfg)
	}
	if cleanupMounts {
		removed += cleanupMountDirs(cfg)
	}
	fmt.Printf("Removed %d item(s)\n", removed)
	return nil
}

func cleanupDownloadDir(cfg *config.Config) int {
	dir := filepath.Join(cfg.WorkDir, "downloads")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		if err := os.Remove(p); err != nil {
			fmt.Printf("Failed to remove %s: %v\n", entry.Name(), err)
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".sha256") {
			fmt.Printf("Removed download: %s\n", entry.Name())
			removed++
		}
	}
	return removed
}

// cleanupMountDirs removes only empty directories: a non-empty one may be
// a live mount.
func cleanupMountDirs(cfg *config.Config) int {
	root := filepath.Join(cfg.WorkDir, "mnt")
	devices, err := os.ReadDir(root)
	if err != nil {
		return 0
	}

	removed := 0
	for _, dev := range devices {
		if !dev.IsDir() {
			continue
		}
		devDir := filepath.Join(root, dev.Name())
		mounts, _ := os.ReadDir(devDir)
		for _, m := range mounts {
			if os.Remove(filepath.Join(devDir, m.Name())) == nil {
				removed++
			}
		}
		if os.Remove(devDir) == nil {
			fmt.Printf("Removed mount points for %s\n", dev.Name())
		}
	}
	return removed
}
