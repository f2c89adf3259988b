package image

import (
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ruuf/ruuf/pkg/errors"
)

// windowsSourceMarkers identify Windows Setup media.
var windowsSourceMarkers = []string{
	"sources/install.wim",
	"sources/install.esd",
	"sources/install.swm",
	"sources/boot.wim",
}

// Inspector classifies installer images.
type Inspector struct{}

// NewInspector creates an Inspector.
func NewInspector() *Inspector {
	return &Inspector{}
}

// Classify inspects the image at p. Anything unreadable or unrecognized is
// an InvalidImage error.
func (in *Inspector) Classify(p string) (*SourceImage, error) {
	slog.Info("image_classify_start", "path", p)

	fi, err := os.Stat(p)
	if err != nil {
		return nil, errors.New(errors.KindInvalidImage, "stat "+p, err)
	}

	var img *SourceImage
	if fi.IsDir() {
		img, err = in.classifyBundle(p)
	} else {
		img, err = in.classifyFile(p, fi.Size())
	}
	if err != nil {
		slog.Error("image_classify_failed", "path", p, "error", err)
		return nil, err
	}

	slog.Info("image_classified",
		"path", p,
		"family", img.Family,
		"container", img.Container,
		"version", img.DetectedVersion,
		"largest_file", img.LargestFilePath,
		"largest_file_mb", img.LargestFileBytes/1024/1024,
	)
	return img, nil
}

// classifyBundle handles an "Install macOS *.app" directory.
func (in *Inspector) classifyBundle(dir string) (*SourceImage, error) {
	if !isInstallerBundle(dir) {
		return nil, errors.Newf(errors.KindInvalidImage, "classify "+dir, "directory is not a macOS installer application")
	}

	img := &SourceImage{
		Path:      dir,
		Family:    FamilyMacOS,
		Container: ContainerApp,
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		img.FileCount++
		img.SizeBytes += info.Size()
		if info.Size() > img.LargestFileBytes {
			img.LargestFileBytes = info.Size()
			img.LargestFilePath, _ = filepath.Rel(filepath.Dir(dir), p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.New(errors.KindInvalidImage, "walk "+dir, err)
	}

	img.DetectedVersion = versionFromPlists(
		filepath.Base(dir),
		readOptional(filepath.Join(dir, "Contents", "SharedSupport", "InstallInfo.plist")),
		readOptional(filepath.Join(dir, "Contents", "Info.plist")),
	)
	img.Label = strings.TrimSuffix(filepath.Base(dir), ".app")
	return img, nil
}

func (in *Inspector) classifyFile(p string, size int64) (*SourceImage, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.New(errors.KindInvalidImage, "open "+p, err)
	}
	defer f.Close()

	if hasUDIFTrailer(f, size) {
		return &SourceImage{
			Path:             p,
			SizeBytes:        size,
			Family:           FamilyMacOS,
			Container:        ContainerDMG,
			DetectedVersion:  versionFromAppName(strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)) + ".app"),
			LargestFileBytes: size,
			LargestFilePath:  filepath.Base(p),
			FileCount:        1,
			Label:            strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
		}, nil
	}

	vrs := volumeDescriptors(f)
	t := newTree()
	img := &SourceImage{Path: p, SizeBytes: size}

	switch {
	case vrs["NSR02"] || vrs["NSR03"]:
		img.Container = ContainerUDF
		label, err := walkUDF(f, t)
		if err != nil {
			return nil, errors.New(errors.KindInvalidImage, "read udf "+p, err)
		}
		img.Label = label
	case vrs["CD001"]:
		img.Container = ContainerISO9660
		if err := walkISO(f, t); err != nil {
			return nil, errors.Classify(errors.KindInvalidImage, "read iso9660 "+p, err)
		}
		img.Label = isoLabel(f)
	default:
		return nil, errors.Newf(errors.KindInvalidImage, "classify "+p, "not an ISO-9660, UDF or Apple disk image")
	}

	if len(t.files) == 0 {
		return nil, errors.Newf(errors.KindInvalidImage, "classify "+p, "image contains no files")
	}
	if img.Label == "" && img.Container == ContainerUDF {
		img.Label = isoLabel(f)
	}

	img.FileCount = len(t.files)
	img.LargestFilePath, img.LargestFileBytes = t.largest()
	img.Family, img.DetectedVersion = familyOf(t)
	return img, nil
}

// familyOf applies the marker order: Windows, then macOS, then Linux.
func familyOf(t *tree) (Family, string) {
	for _, m := range windowsSourceMarkers {
		if t.hasFile(m) {
			return FamilyWindows, ""
		}
	}
	if t.hasFile("bootmgr") && t.hasDir("efi/microsoft/boot") {
		return FamilyWindows, ""
	}

	if app, ok := installerInTree(t); ok {
		installInfoPlist, _ := t.readSmall(path.Join(app, "contents/sharedsupport/installinfo.plist"), 1<<20)
		infoPlist, _ := t.readSmall(path.Join(app, "contents/info.plist"), 1<<20)
		return FamilyMacOS, versionFromPlists(path.Base(t.display[app]), installInfoPlist, infoPlist)
	}

	return FamilyLinux, ""
}

// Classify inspects p with a default Inspector.
func Classify(p string) (*SourceImage, error) {
	return NewInspector().Classify(p)
}
