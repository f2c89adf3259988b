// Package partition computes target partition layouts and recognizes the
// partition table already present on a device.
package partition

import (
	"fmt"

	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
)

const (
	MiB = int64(1) << 20
	GiB = int64(1) << 30

	// FAT32MaxFileSize is the largest file a FAT32 directory entry can describe.
	FAT32MaxFileSize = 4*GiB - 1

	// Alignment of every partition start.
	Alignment = MiB

	// gptReserve keeps the backup GPT header and entries clear at the end.
	gptReserve = MiB
)

// Scheme is the partition table format written to the device.
type Scheme string

const (
	SchemeMBR  Scheme = "mbr"
	SchemeGPT  Scheme = "gpt"
	SchemeNone Scheme = "none"
)

// Role is what a partition is for.
type Role string

const (
	RoleESP  Role = "esp"
	RoleBoot Role = "boot"
	RoleData Role = "data"
	RoleRaw  Role = "raw"
)

// Filesystem created on a partition.
type Filesystem string

const (
	FAT32   Filesystem = "fat32"
	NTFS    Filesystem = "ntfs"
	HFSPlus Filesystem = "hfsplus"
	ExFAT   Filesystem = "exfat"
	None    Filesystem = "none"
)

// Partition is one entry of a Plan. Remaining partitions take whatever
// space is left after the fixed-size ones.
type Partition struct {
	Role       Role       `yaml:"role"`
	Filesystem Filesystem `yaml:"filesystem"`
	SizeBytes  int64      `yaml:"size_bytes,omitempty"`
	Remaining  bool       `yaml:"remaining,omitempty"`
	Label      string     `yaml:"label,omitempty"`
	Bootable   bool       `yaml:"bootable,omitempty"`
}

// Plan is the ordered partition layout for one job. Split means oversized
// files must be split at copy time because DATA is FAT32.
type Plan struct {
	Scheme     Scheme       `yaml:"scheme"`
	Family     image.Family `yaml:"family"`
	Partitions []Partition  `yaml:"partitions"`
	Split      bool         `yaml:"split,omitempty"`
}

// Extent is a partition placed on a device of known size.
type Extent struct {
	Index     int
	Partition Partition
	Start     int64
	Size      int64
}

// IsRaw reports whether the plan is a whole-device image write.
func (p *Plan) IsRaw() bool {
	return len(p.Partitions) == 1 && p.Partitions[0].Role == RoleRaw
}

// ESP returns the EFI system partition, if any.
func (p *Plan) ESP() (Partition, bool) {
	return p.find(RoleESP)
}

// Data returns the partition that receives the installer payload.
func (p *Plan) Data() (Partition, bool) {
	return p.find(RoleData)
}

func (p *Plan) find(role Role) (Partition, bool) {
	for _, part := range p.Partitions {
		if part.Role == role {
			return part, true
		}
	}
	return Partition{}, false
}

// Validate checks the structural invariants of a plan.
func (p *Plan) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Newf(errors.KindUnsupportedLayout, "validate plan", format, args...)
	}

	if len(p.Partitions) == 0 {
		return invalid("plan has no partitions")
	}

	raw := 0
	for _, part := range p.Partitions {
		if part.Role == RoleRaw {
			raw++
		}
	}
	if raw > 0 {
		if p.Family != image.FamilyLinux {
			return invalid("raw partition planned for %s image", p.Family)
		}
		if len(p.Partitions) != 1 {
			return invalid("raw partition must be the only partition")
		}
		if p.Scheme != SchemeNone {
			return invalid("raw copy carries its own partition table, scheme must be none")
		}
		return nil
	}
	if p.Family == image.FamilyLinux {
		return invalid("linux images are written raw")
	}
	if p.Scheme != SchemeGPT && p.Scheme != SchemeMBR {
		return invalid("unknown scheme %q", p.Scheme)
	}

	seenESP := false
	for i, part := range p.Partitions {
		switch part.Role {
		case RoleESP:
			if part.Filesystem != FAT32 {
				return invalid("esp must be fat32, got %s", part.Filesystem)
			}
			seenESP = true
		case RoleData, RoleBoot:
			if !seenESP {
				return invalid("%s partition precedes the esp", part.Role)
			}
		}
		if part.Remaining && i != len(p.Partitions)-1 {
			return invalid("only the last partition may take the remaining space")
		}
		if !part.Remaining && part.SizeBytes <= 0 {
			return invalid("partition %d has no size", i+1)
		}
	}
	if !seenESP {
		return invalid("%s plan has no esp", p.Family)
	}

	if data, ok := p.Data(); p.Split && (!ok || data.Filesystem != FAT32) {
		return invalid("file splitting only applies to a fat32 data partition")
	}
	return nil
}

// Layout places the plan on a device of deviceSize bytes with 1 MiB
// aligned starts.
func (p *Plan) Layout(deviceSize int64) ([]Extent, error) {
	if p.IsRaw() {
		return []Extent{{Index: 1, Partition: p.Partitions[0], Start: 0, Size: deviceSize}}, nil
	}

	end := alignDown(deviceSize-gptReserve, Alignment)
	start := Alignment
	extents := make([]Extent, 0, len(p.Partitions))

	for i, part := range p.Partitions {
		size := part.SizeBytes
		if part.Remaining {
			size = end - start
		}
		if size <= 0 || start+size > end {
			return nil, errors.Newf(errors.KindDeviceTooSmall, "layout",
				"partition %d (%s) does not fit on %d bytes", i+1, part.Role, deviceSize)
		}
		extents = append(extents, Extent{Index: i + 1, Partition: part, Start: start, Size: size})
		start = alignUp(start+size, Alignment)
	}
	return extents, nil
}

// String renders the plan on one line for logs and confirmation prompts.
func (p *Plan) String() string {
	s := fmt.Sprintf("%s:", p.Scheme)
	for _, part := range p.Partitions {
		size := "remaining"
		if !part.Remaining {
			size = fmt.Sprintf("%dMiB", part.SizeBytes/MiB)
		}
		s += fmt.Sprintf(" %s(%s,%s)", part.Role, part.Filesystem, size)
	}
	if p.Split {
		s += " split"
	}
	return s
}

func alignDown(n, a int64) int64 { return n / a * a }

func alignUp(n, a int64) int64 { return (n + a - 1) / a * a }
