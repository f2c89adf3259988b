package image

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/kdomanski/iso9660"
)

const sectorSize = 2048

// walkISO indexes an ISO-9660 image through its directory records.
func walkISO(r io.ReaderAt, t *tree) error {
	img, err := iso9660.OpenImage(r)
	if err != nil {
		return fmt.Errorf("open iso9660: %w", err)
	}
	root, err := img.RootDir()
	if err != nil {
		return fmt.Errorf("read root directory: %w", err)
	}
	return walkISODir(root, "", 0, t)
}

func walkISODir(dir *iso9660.File, prefix string, depth int, t *tree) error {
	if depth > maxDepth {
		return fmt.Errorf("directory nesting deeper than %d at %s", maxDepth, prefix)
	}
	children, err := dir.GetChildren()
	if err != nil {
		return fmt.Errorf("read directory %q: %w", prefix, err)
	}

	for _, c := range children {
		name := isoName(c.Name())
		if name == "" {
			continue
		}
		p := path.Join(prefix, name)

		if c.IsDir() {
			if err := t.addDir(p); err != nil {
				return err
			}
			if err := walkISODir(c, p, depth+1, t); err != nil {
				return err
			}
			continue
		}

		file := c
		if err := t.addFile(p, c.Size(), func() (io.Reader, error) { return file.Reader(), nil }); err != nil {
			return err
		}
	}
	return nil
}

// isoName strips the ";1" version suffix and the trailing dot ISO-9660
// records carry for names without an extension.
func isoName(name string) string {
	if i := strings.LastIndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSuffix(name, ".")
	if name == "" || name == "\x00" || name == "\x01" {
		return ""
	}
	return name
}

// volumeDescriptors reports which volume recognition identifiers appear in
// the descriptor area starting at sector 16.
func volumeDescriptors(r io.ReaderAt) map[string]bool {
	found := make(map[string]bool)
	buf := make([]byte, 6)
	for sector := int64(16); sector < 64; sector++ {
		if _, err := r.ReadAt(buf, sector*sectorSize); err != nil {
			break
		}
		id := string(buf[1:6])
		switch id {
		case "CD001", "BEA01", "NSR02", "NSR03", "TEA01", "BOOT2", "CDW02":
			found[id] = true
		default:
			return found
		}
		if id == "TEA01" {
			return found
		}
	}
	return found
}

// isoLabel reads the volume identifier of the primary volume descriptor.
func isoLabel(r io.ReaderAt) string {
	buf := make([]byte, 72)
	if _, err := r.ReadAt(buf, 16*sectorSize); err != nil {
		return ""
	}
	if buf[0] != 1 || string(buf[1:6]) != "CD001" {
		return ""
	}
	return strings.TrimSpace(string(bytes.TrimRight(buf[40:72], "\x00")))
}
