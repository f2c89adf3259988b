package partition

import (
	"log/slog"
	"strings"

	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
)

// Options tune planning. NTFSAvailable is decided by the host: whether an
// NTFS formatter exists for the target.
type Options struct {
	ESPWindows    int64
	ESPMacOS      int64
	PreferNTFS    bool
	NTFSAvailable bool
	AllowSplit    bool
}

// DefaultOptions returns the stock ESP sizes with NTFS preferred and
// FAT32 splitting as the fallback.
func DefaultOptions() Options {
	return Options{
		ESPWindows:    260 * MiB,
		ESPMacOS:      200 * MiB,
		PreferNTFS:    true,
		NTFSAvailable: true,
		AllowSplit:    true,
	}
}

type Planner struct {
	opts Options
}

func NewPlanner(opts Options) *Planner {
	return &Planner{opts: opts}
}

// MinimumCapacity is the smallest device that can hold img under this
// planner's layout.
func (p *Planner) MinimumCapacity(img *image.SourceImage) int64 {
	switch img.Family {
	case image.FamilyWindows:
		return Alignment + p.opts.ESPWindows + img.SizeBytes + gptReserve
	case image.FamilyMacOS:
		return Alignment + p.opts.ESPMacOS + img.SizeBytes + gptReserve
	default:
		return img.SizeBytes
	}
}

// Plan computes the partition layout for writing img onto dev.
func (p *Planner) Plan(dev device.Device, img *image.SourceImage) (*Plan, error) {
	slog.Info("partition_plan_start",
		"device", dev.DisplayPath,
		"device_size_mb", dev.SizeBytes/MiB,
		"family", img.Family,
		"image_size_mb", img.SizeBytes/MiB,
		"largest_file_mb", img.LargestFileBytes/MiB)

	if need := p.MinimumCapacity(img); dev.SizeBytes < need {
		slog.Error("partition_plan_device_too_small", "device", dev.DisplayPath, "need_mb", need/MiB, "have_mb", dev.SizeBytes/MiB)
		return nil, errors.Newf(errors.KindDeviceTooSmall, "plan",
			"%s holds %d bytes, image needs at least %d", dev.DisplayPath, dev.SizeBytes, need)
	}

	var plan *Plan
	var err error
	switch img.Family {
	case image.FamilyWindows:
		plan, err = p.windows(img)
	case image.FamilyMacOS:
		plan = p.macOS(img)
	case image.FamilyLinux:
		plan = &Plan{
			Scheme:     SchemeNone,
			Family:     image.FamilyLinux,
			Partitions: []Partition{{Role: RoleRaw, Filesystem: None, Remaining: true}},
		}
	default:
		return nil, errors.Newf(errors.KindInvalidImage, "plan", "image family %q is not classified", img.Family)
	}
	if err != nil {
		return nil, err
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if _, err := plan.Layout(dev.SizeBytes); err != nil {
		return nil, err
	}

	slog.Info("partition_plan_complete", "device", dev.DisplayPath, "plan", plan.String())
	return plan, nil
}

func (p *Planner) windows(img *image.SourceImage) (*Plan, error) {
	dataFS := FAT32
	split := false

	if img.LargestFileBytes > FAT32MaxFileSize {
		switch {
		case p.opts.NTFSAvailable && (p.opts.PreferNTFS || !p.opts.AllowSplit):
			dataFS = NTFS
		case p.opts.AllowSplit:
			split = true
			slog.Warn("partition_plan_fat32_split",
				"file", img.LargestFilePath,
				"file_size_mb", img.LargestFileBytes/MiB)
		default:
			return nil, errors.Newf(errors.KindUnsupportedLayout, "plan",
				"%s is %d bytes, over the FAT32 limit, and neither NTFS nor splitting is available",
				img.LargestFilePath, img.LargestFileBytes)
		}
	}

	return &Plan{
		Scheme: SchemeGPT,
		Family: image.FamilyWindows,
		Split:  split,
		Partitions: []Partition{
			{Role: RoleESP, Filesystem: FAT32, SizeBytes: p.opts.ESPWindows, Label: "EFI"},
			{Role: RoleData, Filesystem: dataFS, Remaining: true, Label: Label(dataFS, img.Label, "WINSTALL"), Bootable: true},
		},
	}, nil
}

func (p *Planner) macOS(img *image.SourceImage) *Plan {
	return &Plan{
		Scheme: SchemeGPT,
		Family: image.FamilyMacOS,
		Partitions: []Partition{
			{Role: RoleESP, Filesystem: FAT32, SizeBytes: p.opts.ESPMacOS, Label: "EFI"},
			{Role: RoleData, Filesystem: HFSPlus, Remaining: true, Label: Label(HFSPlus, img.Label, "Install macOS")},
		},
	}
}

// Label fits a volume label to what fs accepts, falling back to def.
func Label(fs Filesystem, label, def string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = def
	}
	switch fs {
	case FAT32, ExFAT:
		var b strings.Builder
		for _, r := range strings.ToUpper(label) {
			if r < 0x20 || r > 0x7e || strings.ContainsRune(`"*+,./:;<=>?[\]|`, r) {
				r = '_'
			}
			b.WriteRune(r)
		}
		label = b.String()
		if len(label) > 11 {
			label = label[:11]
		}
	case NTFS:
		if len(label) > 32 {
			label = label[:32]
		}
	}
	return label
}
