package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deniswernert/go-fstab"
)

// lsblkColumns are requested with -J -b so sizes are plain byte counts.
const lsblkColumns = "NAME,PATH,TYPE,SIZE,RM,RO,TRAN,MODEL,VENDOR,PTTYPE,FSTYPE,MOUNTPOINT"

// systemMountPoints mark a disk as holding the running system.
var systemMountPoints = map[string]bool{
	"/":         true,
	"/boot":     true,
	"/boot/efi": true,
	"/efi":      true,
	"/usr":      true,
	"/var":      true,
	"/home":     true,
	"[SWAP]":    true,
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	Size       flexInt       `json:"size"`
	RM         flexBool      `json:"rm"`
	RO         flexBool      `json:"ro"`
	Tran       string        `json:"tran"`
	Model      string        `json:"model"`
	Vendor     string        `json:"vendor"`
	PTType     string        `json:"pttype"`
	FSType     string        `json:"fstype"`
	MountPoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

// flexBool accepts the "0"/"1" strings of older util-linux and JSON booleans.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "1", "true":
		*b = true
	default:
		*b = false
	}
	return nil
}

// flexInt accepts quoted and bare integers.
type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("lsblk size %q: %w", s, err)
	}
	*n = flexInt(v)
	return nil
}

// parseLsblk turns `lsblk -J -b` output into whole-disk records. mounts
// supplements lsblk's single MOUNTPOINT column with every mount of each node.
func parseLsblk(data []byte, mounts fstab.Mounts) ([]Device, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	bySpec := make(map[string][]*fstab.Mount)
	for _, m := range mounts {
		bySpec[m.Spec] = append(bySpec[m.Spec], m)
	}

	var devices []Device
	for _, disk := range out.Blockdevices {
		if disk.Type != "disk" {
			continue
		}

		path := disk.Path
		if path == "" {
			path = "/dev/" + disk.Name
		}
		tran := strings.ToLower(strings.TrimSpace(disk.Tran))

		d := Device{
			ID:             disk.Name,
			DisplayPath:    path,
			SizeBytes:      int64(disk.Size),
			IsRemovable:    bool(disk.RM),
			ReadOnly:       bool(disk.RO),
			Model:          strings.TrimSpace(disk.Model),
			Vendor:         strings.TrimSpace(disk.Vendor),
			Transport:      tran,
			PartitionTable: disk.PTType,
		}
		collectVolumes(&d, disk, bySpec)
		devices = append(devices, d)
	}

	return devices, nil
}

func collectVolumes(d *Device, node lsblkDevice, bySpec map[string][]*fstab.Mount) {
	path := node.Path
	if path == "" {
		path = "/dev/" + node.Name
	}

	seen := make(map[string]bool)
	add := func(mp, fs string) {
		if mp == "" || seen[mp] {
			return
		}
		seen[mp] = true
		d.MountedVolumes = append(d.MountedVolumes, Volume{Path: path, MountPoint: mp, Filesystem: fs})
		if systemMountPoints[mp] {
			d.IsSystemDisk = true
		}
	}

	add(node.MountPoint, node.FSType)
	for _, m := range bySpec[path] {
		fs := node.FSType
		if fs == "" {
			fs = m.VfsType
		}
		add(m.File, fs)
	}

	for _, child := range node.Children {
		collectVolumes(d, child, bySpec)
	}
}

// sysfsUSB reports whether /sys/block/<name> resolves through a USB bus,
// covering lsblk builds that leave TRAN empty.
func sysfsUSB(sysRoot, name string) bool {
	target, err := filepath.EvalSymlinks(filepath.Join(sysRoot, "block", name))
	if err != nil {
		return false
	}
	return strings.Contains(target, "/usb")
}

// sysfsRemovable reads /sys/block/<name>/removable.
func sysfsRemovable(sysRoot, name string) (bool, bool) {
	data, err := os.ReadFile(filepath.Join(sysRoot, "block", name, "removable"))
	if err != nil {
		return false, false
	}
	return strings.TrimSpace(string(data)) == "1", true
}
