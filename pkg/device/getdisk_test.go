package device

import "testing"

func TestParseGetDisk(t *testing.T) {
	const out = `[
  {"Number":0,"FriendlyName":"NVMe SKHynix","Manufacturer":"","Size":512110190592,"BusType":"NVMe","IsBoot":true,"IsSystem":true,"IsReadOnly":false,"PartitionStyle":"GPT",
   "Volumes":[{"Letter":"C:","FileSystem":"NTFS"}]},
  {"Number":2,"FriendlyName":"Kingston DataTraveler 3.0","Manufacturer":"Kingston","Size":31037849600,"BusType":"USB","IsBoot":false,"IsSystem":false,"IsReadOnly":false,"PartitionStyle":"MBR",
   "Volumes":[{"Letter":"E:","FileSystem":"FAT32"}]}
]`

	devices, err := parseGetDisk([]byte(out))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 disks, got %d", len(devices))
	}

	sys, usb := devices[0], devices[1]
	if !sys.IsSystemDisk || sys.IsRemovable {
		t.Errorf("boot disk flags wrong: %+v", sys)
	}
	if usb.DisplayPath != `\\.\PhysicalDrive2` || !usb.IsRemovable || usb.IsSystemDisk {
		t.Errorf("usb disk wrong: %+v", usb)
	}
	if usb.PartitionTable != "mbr" || len(usb.MountedVolumes) != 1 || usb.MountedVolumes[0].MountPoint != `E:\` {
		t.Errorf("usb layout wrong: %+v", usb)
	}
}

func TestParseGetDisk_SingleObject(t *testing.T) {
	const out = `{"Number":1,"FriendlyName":"Generic SD","Size":7948206080,"BusType":"SD","IsBoot":false,"IsSystem":false,"IsReadOnly":false,"PartitionStyle":"RAW","Volumes":[]}`
	devices, err := parseGetDisk([]byte(out))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(devices) != 1 || !devices[0].IsRemovable {
		t.Errorf("unexpected result: %+v", devices)
	}
}
