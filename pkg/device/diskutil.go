package device

import (
	"fmt"
	"strings"

	"howett.net/plist"
)

type diskutilList struct {
	AllDisksAndPartitions []diskutilEntry `plist:"AllDisksAndPartitions"`
	WholeDisks            []string        `plist:"WholeDisks"`
}

type diskutilEntry struct {
	DeviceIdentifier string          `plist:"DeviceIdentifier"`
	Size             int64           `plist:"Size"`
	Content          string          `plist:"Content"`
	MountPoint       string          `plist:"MountPoint"`
	Partitions       []diskutilEntry `plist:"Partitions"`
}

type diskutilInfo struct {
	DeviceIdentifier   string `plist:"DeviceIdentifier"`
	DeviceNode         string `plist:"DeviceNode"`
	ParentWholeDisk    string `plist:"ParentWholeDisk"`
	Size               int64  `plist:"Size"`
	TotalSize          int64  `plist:"TotalSize"`
	Internal           bool   `plist:"Internal"`
	Removable          bool   `plist:"Removable"`
	RemovableMedia     bool   `plist:"RemovableMedia"`
	Ejectable          bool   `plist:"Ejectable"`
	WritableMedia      bool   `plist:"WritableMedia"`
	MediaName          string `plist:"MediaName"`
	BusProtocol        string `plist:"BusProtocol"`
	Content            string `plist:"Content"`
	FilesystemType     string `plist:"FilesystemType"`
	APFSPhysicalStores []struct {
		APFSPhysicalStore string `plist:"APFSPhysicalStore"`
	} `plist:"APFSPhysicalStores"`
}

func parseDiskutilList(data []byte) (diskutilList, error) {
	var l diskutilList
	if _, err := plist.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("parse diskutil list: %w", err)
	}
	return l, nil
}

func parseDiskutilInfo(data []byte) (diskutilInfo, error) {
	var info diskutilInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse diskutil info: %w", err)
	}
	return info, nil
}

// systemWholeDisks returns the whole disks backing the root volume, including
// the physical stores of an APFS container.
func systemWholeDisks(root diskutilInfo) map[string]bool {
	disks := make(map[string]bool)
	if root.ParentWholeDisk != "" {
		disks[root.ParentWholeDisk] = true
	}
	for _, s := range root.APFSPhysicalStores {
		disks[wholeDiskOf(s.APFSPhysicalStore)] = true
	}
	return disks
}

// wholeDiskOf maps "disk2s1" to "disk2".
func wholeDiskOf(id string) string {
	if i := strings.LastIndex(id, "s"); i > len("disk") {
		return id[:i]
	}
	return id
}

func darwinDevice(entry diskutilEntry, info diskutilInfo, system map[string]bool) Device {
	size := info.TotalSize
	if size == 0 {
		size = info.Size
	}
	if size == 0 {
		size = entry.Size
	}
	node := info.DeviceNode
	if node == "" {
		node = "/dev/" + entry.DeviceIdentifier
	}

	d := Device{
		ID:             entry.DeviceIdentifier,
		DisplayPath:    node,
		SizeBytes:      size,
		IsRemovable:    !info.Internal && (info.Removable || info.RemovableMedia || info.Ejectable || strings.EqualFold(info.BusProtocol, "USB")),
		IsSystemDisk:   system[entry.DeviceIdentifier],
		ReadOnly:       !info.WritableMedia,
		Model:          strings.TrimSpace(info.MediaName),
		Transport:      strings.ToLower(info.BusProtocol),
		PartitionTable: partitionTableFromContent(entry.Content),
	}

	if entry.MountPoint != "" {
		d.MountedVolumes = append(d.MountedVolumes, Volume{Path: node, MountPoint: entry.MountPoint, Filesystem: entry.Content})
	}
	for _, p := range entry.Partitions {
		if p.MountPoint == "" {
			continue
		}
		d.MountedVolumes = append(d.MountedVolumes, Volume{
			Path:       "/dev/" + p.DeviceIdentifier,
			MountPoint: p.MountPoint,
			Filesystem: p.Content,
		})
		if p.MountPoint == "/" {
			d.IsSystemDisk = true
		}
	}
	return d
}

func partitionTableFromContent(content string) string {
	switch content {
	case "GUID_partition_scheme":
		return "gpt"
	case "FDisk_partition_scheme":
		return "dos"
	case "Apple_partition_scheme":
		return "apm"
	}
	return ""
}
