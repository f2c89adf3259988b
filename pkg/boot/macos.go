package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/partition"
	"github.com/ruuf/ruuf/pkg/security"
)

const readmeName = "README.txt"

type macOSStrategy struct {
	files
}

func (m *macOSStrategy) Family() image.Family { return image.FamilyMacOS }

func (m *macOSStrategy) openCorePath(env *Env) string {
	if env.OpenCorePath != "" {
		return env.OpenCorePath
	}
	return m.d.OpenCorePath
}

// Check resolves the OpenCore bundle before anything touches the device.
func (m *macOSStrategy) Check(ctx context.Context, env *Env) error {
	if env.Plan.Family != image.FamilyMacOS || env.Plan.IsRaw() {
		return errors.Newf(errors.KindUnsupportedLayout, "check", "plan %s is not a macOS layout", env.Plan)
	}
	for _, part := range env.Plan.Partitions {
		if !m.d.Manager.Supports(part.Filesystem) {
			return errors.Newf(errors.KindUnsupportedLayout, "check", "this host cannot create %s", part.Filesystem)
		}
	}

	oc := m.openCorePath(env)
	if oc == "" {
		return errors.Newf(errors.KindInvalidImage, "check", "an OpenCore bundle (folder or release zip) is required")
	}
	fi, err := os.Stat(oc)
	if err != nil {
		return errors.New(errors.KindInvalidImage, "opencore "+oc, err)
	}
	if fi.IsDir() {
		_, _, err := locateOpenCore(oc)
		return err
	}
	if !strings.EqualFold(filepath.Ext(oc), ".zip") {
		return errors.Newf(errors.KindInvalidImage, "opencore "+oc, "expected a folder or a .zip release")
	}
	return nil
}

// stageOpenCore extracts a zipped bundle into the work dir. Nothing is
// written to the device here.
func (m *macOSStrategy) stageOpenCore(env *Env) error {
	if env.openCoreEFI != "" {
		return nil
	}
	root := m.openCorePath(env)
	if fi, err := os.Stat(root); err == nil && !fi.IsDir() {
		dest := filepath.Join(m.d.WorkDir, "opencore", strings.TrimSuffix(filepath.Base(root), filepath.Ext(root)))
		if err := os.RemoveAll(dest); err != nil {
			return errors.Wrap(err, "clear opencore staging")
		}
		v := security.NewValidator(512<<20, 2<<30, m.d.MaxArchiveRatio)
		slog.Info("opencore_extract_start", "archive", root, "dest", dest)
		if err := ExtractZip(root, dest, v); err != nil {
			return err
		}
		root = dest
	}

	efi, sample, err := locateOpenCore(root)
	if err != nil {
		return err
	}
	env.openCoreEFI, env.openCoreSample = efi, sample
	return nil
}

// Copy places the installer payload on DATA.
func (m *macOSStrategy) Copy(ctx context.Context, env *Env) error {
	if err := m.stageOpenCore(env); err != nil {
		return err
	}
	if err := m.mountTargets(ctx, env); err != nil {
		return err
	}

	_, ocTotal, err := scanTree(env.openCoreEFI)
	if err != nil {
		return err
	}
	v := security.NewValidator(0, m.dataCapacity(env), m.d.MaxArchiveRatio)

	switch env.Image.Container {
	case image.ContainerApp:
		_, total, err := scanTree(env.Image.Path)
		if err != nil {
			return err
		}
		env.total = total + ocTotal
		if err := v.AddCopiedSize(total); err != nil {
			return err
		}
		if err := env.copyTree(ctx, env.Image.Path, env.dataDir, volumeData, filepath.Base(env.Image.Path), m.d.ChunkSize); err != nil {
			return err
		}

	case image.ContainerDMG:
		env.total = env.Image.SizeBytes + ocTotal
		if err := v.AddCopiedSize(env.Image.SizeBytes); err != nil {
			return err
		}
		sum, err := env.copyFile(ctx, env.Image.Path, env.dataDir, volumeData, filepath.Base(env.Image.Path), m.d.ChunkSize)
		if err != nil {
			return err
		}
		env.sourceSHA = sum

	default:
		src, err := m.mountImage(ctx, env)
		if err != nil {
			return err
		}
		_, total, err := scanTree(src)
		if err != nil {
			return err
		}
		env.total = total + ocTotal
		if err := v.AddCopiedSize(total); err != nil {
			return err
		}
		if err := env.copyTree(ctx, src, env.dataDir, volumeData, "", m.d.ChunkSize); err != nil {
			return err
		}
	}

	if env.sourceSHA == "" {
		env.sourceSHA = env.manifestSum(env.Image.LargestFilePath)
	}
	return nil
}

// Bootstrap copies the OpenCore EFI tree verbatim onto the ESP and leaves
// a README with the remaining manual steps on DATA.
func (m *macOSStrategy) Bootstrap(ctx context.Context, env *Env) error {
	if err := m.stageOpenCore(env); err != nil {
		return err
	}
	if err := m.mountTargets(ctx, env); err != nil {
		return err
	}

	slog.Info("opencore_copy_start", "device", env.Device.DisplayPath, "source", env.openCoreEFI)
	if err := env.copyTree(ctx, env.openCoreEFI, env.espDir, volumeESP, "EFI", m.d.ChunkSize); err != nil {
		return err
	}

	ocDir := findChild(env.espDir, "EFI", "OC")
	if findChild(ocDir, "config.plist") == "" {
		if env.openCoreSample == "" {
			slog.Warn("opencore_config_missing", "device", env.Device.DisplayPath, "reason", "bundle has neither config.plist nor Docs/Sample.plist")
		} else {
			rel := filepath.ToSlash(filepath.Join("EFI", filepath.Base(ocDir), "config.plist"))
			if _, err := env.copyFile(ctx, env.openCoreSample, env.espDir, volumeESP, rel, m.d.ChunkSize); err != nil {
				return err
			}
			slog.Info("opencore_sample_config_installed", "device", env.Device.DisplayPath)
		}
	}

	readme := readmeText(env)
	if _, _, err := env.writeFile(ctx, strings.NewReader(readme), env.dataDir, volumeData, readmeName, "writing "+readmeName, m.d.ChunkSize); err != nil {
		return err
	}
	return nil
}

func readmeText(env *Env) string {
	version := env.Image.DetectedVersion
	if version == "" {
		version = "(unknown version)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "This drive installs macOS %s on a PC through OpenCore.\n\n", version)
	fmt.Fprintf(&b, "1. The EFI partition holds the OpenCore tree exactly as it was in the bundle.\n")
	fmt.Fprintf(&b, "   Edit EFI/OC/config.plist for the target machine's hardware before booting.\n")
	fmt.Fprintf(&b, "2. In the firmware setup, boot in UEFI mode and disable Secure Boot.\n")
	fmt.Fprintf(&b, "3. Boot from this drive and pick the installer in the OpenCore menu.\n")
	if env.Image.Container == image.ContainerDMG {
		fmt.Fprintf(&b, "\nThe installer was copied as the disk image %s.\n", filepath.Base(env.Image.Path))
		fmt.Fprintf(&b, "Restore it onto this partition from a Mac (asr restore, or createinstallmedia\n")
		fmt.Fprintf(&b, "from the app inside it) before booting the target machine.\n")
	}
	data, _ := env.Plan.Data()
	if data.Filesystem == partition.HFSPlus {
		fmt.Fprintf(&b, "\nThe installer partition is HFS+ (Mac OS Extended, Journaled).\n")
	}
	return b.String()
}
