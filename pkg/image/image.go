// Package image classifies installer images by inspecting their directory
// structure without extracting them.
package image

import "strings"

// Family is the operating system an image installs.
type Family string

const (
	FamilyWindows Family = "windows"
	FamilyMacOS   Family = "macos"
	FamilyLinux   Family = "linux"
)

// ParseFamily maps a user-facing mode name to a Family.
func ParseFamily(s string) (Family, bool) {
	switch strings.ToLower(s) {
	case "windows", "win":
		return FamilyWindows, true
	case "macos", "mac", "hackintosh":
		return FamilyMacOS, true
	case "linux":
		return FamilyLinux, true
	}
	return "", false
}

// Container is the on-disk format the image was read from.
type Container string

const (
	ContainerISO9660 Container = "iso9660"
	ContainerUDF     Container = "udf"
	ContainerDMG     Container = "dmg"
	ContainerApp     Container = "app"
)

// SourceImage describes a classified installer image. Family is decided by
// content, never by file name.
type SourceImage struct {
	Path             string
	SizeBytes        int64
	Family           Family
	DetectedVersion  string
	Label            string
	Container        Container
	LargestFileBytes int64
	LargestFilePath  string
	FileCount        int
}
