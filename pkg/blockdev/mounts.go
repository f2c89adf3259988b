package blockdev

import (
	"slices"
	"strconv"
	"strings"

	"github.com/deniswernert/go-fstab"
)

// PartitionPath returns the node of partition n on devPath. Devices whose
// name ends in a digit (nvme0n1, mmcblk0, loop0) take a "p" separator.
func PartitionPath(devPath string, n int) string {
	if devPath == "" {
		return ""
	}
	last := devPath[len(devPath)-1]
	if last >= '0' && last <= '9' {
		return devPath + "p" + strconv.Itoa(n)
	}
	return devPath + strconv.Itoa(n)
}

// belongsTo reports whether spec is devPath or one of its partitions.
func belongsTo(spec, devPath string) bool {
	if spec == devPath {
		return true
	}
	rest, ok := strings.CutPrefix(spec, devPath)
	if !ok || rest == "" {
		return false
	}
	if last := devPath[len(devPath)-1]; last >= '0' && last <= '9' {
		if rest, ok = strings.CutPrefix(rest, "p"); !ok {
			return false
		}
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return rest != ""
}

// mountedFrom lists mount points in the mount table whose source is
// devPath or one of its partitions, deepest first.
func mountedFrom(mountsPath, devPath string) ([]string, error) {
	mounts, err := fstab.ParseFile(mountsPath)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range mounts {
		if belongsTo(m.Spec, devPath) && m.File != "" && m.File != "none" {
			out = append(out, m.File)
		}
	}
	slices.Reverse(out)
	return out, nil
}
