package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/pkg/db"
	"github.com/ruuf/ruuf/pkg/errors"
)

var (
	historyLimit int
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past flash jobs and their outcome",
	Args:  exactArgs(0),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Show at most this many jobs (0 for all)")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete finished jobs older than this, e.g. 720h")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt := app.New(cfg)
	defer rt.Close()

	repo, err := rt.OpenRepository()
	if err != nil {
		return err
	}

	if historyPrune > 0 {
		n, err := repo.Prune(cmd.Context(), time.Now().Add(-historyPrune))
		if err != nil {
			return errors.Wrap(err, "prune failed")
		}
		fmt.Printf("Pruned %d job(s)\n", n)
		return nil
	}

	jobs, err := repo.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	fmt.Println(historyTable(jobs))
	return nil
}

func historyTable(jobs []*db.FlashJob) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 48

	table.AddRow("WHEN", "DEVICE", "FAMILY", "STATE", "WRITTEN", "ERROR", "ERASED")
	for _, j := range jobs {
		when := j.CreatedAt
		if t, ok := parseTimestamp(j.CreatedAt); ok {
			when = humanize.Time(t)
		}
		errText := "-"
		if j.ErrorKind != "" {
			errText = j.ErrorKind
		}
		erased := "no"
		if j.DeviceDestroyed {
			erased = "yes"
		}
		table.AddRow(when, j.DevicePath, orDash(j.Family), j.State,
			humanize.IBytes(uint64(j.BytesWritten)), errText, erased)
	}
	return table
}

// parseTimestamp accepts both renderings sqlite drivers give CURRENT_TIMESTAMP.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
