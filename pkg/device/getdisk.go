package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// getDiskScript emits one JSON object per disk with its lettered volumes.
const getDiskScript = `Get-Disk | ForEach-Object {
  $d = $_
  [PSCustomObject]@{
    Number = $d.Number
    FriendlyName = $d.FriendlyName
    Manufacturer = $d.Manufacturer
    Size = $d.Size
    BusType = "$($d.BusType)"
    IsBoot = $d.IsBoot
    IsSystem = $d.IsSystem
    IsReadOnly = $d.IsReadOnly
    PartitionStyle = "$($d.PartitionStyle)"
    Volumes = @(Get-Partition -DiskNumber $d.Number -ErrorAction SilentlyContinue | Where-Object DriveLetter | ForEach-Object {
      [PSCustomObject]@{ Letter = "$($_.DriveLetter):"; FileSystem = "$((Get-Volume -Partition $_ -ErrorAction SilentlyContinue).FileSystem)" }
    })
  }
} | ConvertTo-Json -Depth 4`

type windowsDisk struct {
	Number         int    `json:"Number"`
	FriendlyName   string `json:"FriendlyName"`
	Manufacturer   string `json:"Manufacturer"`
	Size           int64  `json:"Size"`
	BusType        string `json:"BusType"`
	IsBoot         bool   `json:"IsBoot"`
	IsSystem       bool   `json:"IsSystem"`
	IsReadOnly     bool   `json:"IsReadOnly"`
	PartitionStyle string `json:"PartitionStyle"`
	Volumes        []struct {
		Letter     string `json:"Letter"`
		FileSystem string `json:"FileSystem"`
	} `json:"Volumes"`
}

// parseGetDisk accepts ConvertTo-Json output, which is a bare object when
// only one disk exists.
func parseGetDisk(data []byte) ([]Device, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var disks []windowsDisk
	if data[0] == '{' {
		var one windowsDisk
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("parse Get-Disk output: %w", err)
		}
		disks = append(disks, one)
	} else if err := json.Unmarshal(data, &disks); err != nil {
		return nil, fmt.Errorf("parse Get-Disk output: %w", err)
	}

	devices := make([]Device, 0, len(disks))
	for _, w := range disks {
		bus := strings.ToUpper(w.BusType)
		d := Device{
			ID:             fmt.Sprintf("PhysicalDrive%d", w.Number),
			DisplayPath:    fmt.Sprintf(`\\.\PhysicalDrive%d`, w.Number),
			SizeBytes:      w.Size,
			IsRemovable:    bus == "USB" || bus == "SD" || bus == "MMC",
			IsSystemDisk:   w.IsBoot || w.IsSystem,
			ReadOnly:       w.IsReadOnly,
			Model:          strings.TrimSpace(w.FriendlyName),
			Vendor:         strings.TrimSpace(w.Manufacturer),
			Transport:      strings.ToLower(w.BusType),
			PartitionTable: strings.ToLower(w.PartitionStyle),
		}
		for _, v := range w.Volumes {
			d.MountedVolumes = append(d.MountedVolumes, Volume{Path: v.Letter, MountPoint: v.Letter + `\`, Filesystem: v.FileSystem})
		}
		devices = append(devices, d)
	}
	return devices, nil
}
