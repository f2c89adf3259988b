package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
)

var (
	devicesAll   bool
	devicesWatch bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List removable drives that can be flashed",
	Long: `Lists removable, non-system drives above the minimum size that no flash
job is using. --all shows every block device with the reason it is excluded.
--watch re-lists whenever a device node appears or disappears.`,
	Args: exactArgs(0),
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&devicesAll, "all", false, "Show excluded devices too")
	devicesCmd.Flags().BoolVar(&devicesWatch, "watch", false, "Refresh on hotplug events")
	devicesCmd.Flags().Int64("min-device-size", 1024*1024*1024, "Hide devices smaller than this many bytes")
	bindFlag(devicesCmd, "min-device-size")
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt := app.New(cfg)
	defer rt.Close()

	list := func(ctx context.Context) {
		fmt.Println(renderDevices(ctx, rt, devicesAll))
	}

	if !devicesWatch {
		list(cmd.Context())
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return watchDevices(ctx, "/dev", list)
}

func renderDevices(ctx context.Context, rt *app.Runtime, all bool) string {
	var devs []device.Device
	if all {
		var err error
		if devs, err = rt.Devices.All(ctx); err != nil {
			return fmt.Sprintf("device probe failed: %v", err)
		}
	} else {
		seq, err := rt.Devices.List(ctx)
		if err != nil {
			// The listing is still usable; the probe error is a diagnostic.
			slog.Warn("device_list_degraded", "error", err)
		}
		devs = slices.Collect(seq)
	}
	if len(devs) == 0 {
		return "No removable devices found"
	}

	status := func(d device.Device) string {
		return deviceStatus(d, rt.Config.MinDeviceSize, rt.Slot.Busy)
	}
	return deviceTable(devs, all, status).String()
}

func deviceTable(devs []device.Device, all bool, status func(device.Device) string) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 40

	header := []any{"DEVICE", "SIZE", "MODEL", "BUS", "TABLE", "MOUNTED"}
	if all {
		header = append(header, "STATUS")
	}
	table.AddRow(header...)

	for _, d := range devs {
		model := strings.TrimSpace(d.Vendor + " " + d.Model)
		if model == "" {
			model = "-"
		}
		var mounts []string
		for _, v := range d.MountedVolumes {
			if v.MountPoint != "" {
				mounts = append(mounts, v.MountPoint)
			}
		}
		row := []any{d.DisplayPath, humanize.IBytes(uint64(d.SizeBytes)), model,
			orDash(d.Transport), orDash(d.PartitionTable), orDash(strings.Join(mounts, ","))}
		if all {
			row = append(row, status(d))
		}
		table.AddRow(row...)
	}
	return table
}

// deviceStatus explains why a device is or is not offered as a target.
func deviceStatus(d device.Device, minSize int64, busy func(string) bool) string {
	if err := d.Flashable(); err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			return "excluded: " + e.Err.Error()
		}
		return "excluded"
	}
	switch {
	case busy != nil && busy(d.ID):
		return "busy"
	case minSize > 0 && d.SizeBytes < minSize:
		return "too small"
	}
	return "ok"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// watchDevices calls list once, then again after each burst of changes
// under dir. Hosts without a watchable /dev fall back to polling.
func watchDevices(ctx context.Context, dir string, list func(context.Context)) error {
	list(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(dir)
	}
	if err != nil {
		slog.Warn("device_watch_unavailable", "dir", dir, "error", err, "fallback", "poll")
		if watcher != nil {
			watcher.Close()
		}
		return pollDevices(ctx, 2*time.Second, list)
	}
	defer watcher.Close()

	const settle = 750 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			slog.Debug("device_node_event", "name", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("device_watch_error", "error", err)
		case <-fire:
			fire = nil
			fmt.Printf("\n--- %s ---\n", time.Now().Format(time.TimeOnly))
			list(ctx)
		}
	}
}

func pollDevices(ctx context.Context, every time.Duration, list func(context.Context)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			list(ctx)
		}
	}
}
