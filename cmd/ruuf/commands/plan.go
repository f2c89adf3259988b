package commands

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/internal/tui"
	"github.com/ruuf/ruuf/pkg/job"
)

var (
	planISO    string
	planDevice string
	planOutput string
)

var planCmd = &cobra.Command{
	Use:   "plan --iso <path> --device <selector>",
	Short: "Show what a flash would do without touching the device",
	Args:  exactArgs(0),
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVar(&planISO, "iso", "", "Installer image")
	planCmd.Flags().StringVar(&planDevice, "device", "", "Target device")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "text", "Output format: text or yaml")
}

// planReport is the yaml rendering of a preview.
type planReport struct {
	Device struct {
		Path      string `yaml:"path"`
		ID        string `yaml:"id"`
		SizeBytes int64  `yaml:"size_bytes"`
	} `yaml:"device"`
	Image struct {
		Path            string `yaml:"path"`
		Family          string `yaml:"family"`
		Version         string `yaml:"version,omitempty"`
		Container       string `yaml:"container"`
		SizeBytes       int64  `yaml:"size_bytes"`
		LargestFile     string `yaml:"largest_file,omitempty"`
		LargestFileSize int64  `yaml:"largest_file_bytes,omitempty"`
	} `yaml:"image"`
	Plan    any          `yaml:"plan"`
	Extents []extentInfo `yaml:"extents,omitempty"`
}

type extentInfo struct {
	Index      int    `yaml:"index"`
	Role       string `yaml:"role"`
	Filesystem string `yaml:"filesystem"`
	Start      int64  `yaml:"start"`
	Size       int64  `yaml:"size"`
}

func newPlanReport(s job.Summary) (*planReport, error) {
	r := &planReport{Plan: s.Plan}
	r.Device.Path = s.Device.DisplayPath
	r.Device.ID = s.Device.ID
	r.Device.SizeBytes = s.Device.SizeBytes

	img := s.Image
	r.Image.Path = img.Path
	r.Image.Family = string(img.Family)
	r.Image.Version = img.DetectedVersion
	r.Image.Container = string(img.Container)
	r.Image.SizeBytes = img.SizeBytes
	r.Image.LargestFile = img.LargestFilePath
	r.Image.LargestFileSize = img.LargestFileBytes

	extents, err := s.Plan.Layout(s.Device.SizeBytes)
	if err != nil {
		return nil, err
	}
	for _, e := range extents {
		r.Extents = append(r.Extents, extentInfo{
			Index:      e.Index,
			Role:       string(e.Partition.Role),
			Filesystem: string(e.Partition.Filesystem),
			Start:      e.Start,
			Size:       e.Size,
		})
	}
	return r, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	if planISO == "" || planDevice == "" {
		return app.Usagef("--iso and --device are required")
	}
	if planOutput != "text" && planOutput != "yaml" {
		return app.Usagef("--output must be text or yaml, got %q", planOutput)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt := app.New(cfg)
	defer rt.Close()

	summary, err := rt.Preview(cmd.Context(), planDevice, planISO)
	if err != nil {
		return err
	}
	report, err := newPlanReport(summary)
	if err != nil {
		return err
	}

	if planOutput == "yaml" {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	}

	fmt.Print(tui.Describe(summary))
	for _, e := range report.Extents {
		fmt.Printf("  %d  %-5s %-6s at %-10s %s\n", e.Index, e.Role, e.Filesystem,
			humanize.IBytes(uint64(e.Start)), humanize.IBytes(uint64(e.Size)))
	}
	return nil
}
