package boot

import (
	"archive/zip"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/security"
)

// ExtractZip unpacks an OpenCore release archive into destDir under the
// validator's path, size and compression ratio limits.
func ExtractZip(zipPath, destDir string, validator *security.Validator) error {
	validator.Reset()

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return errors.New(errors.KindInvalidImage, "open "+zipPath, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := validator.ValidatePath(f.Name); err != nil {
			return errors.Wrap(err, "invalid path in archive")
		}
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))

		switch mode := f.Mode(); {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "failed to create directory")
			}

		case mode&fs.ModeSymlink != 0:
			linkTarget, err := readSmall(f)
			if err != nil {
				return errors.Wrap(err, "failed to read symlink")
			}
			if err := validator.ValidateSymlink(f.Name, linkTarget); err != nil {
				return errors.Wrap(err, "invalid symlink target")
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrap(err, "failed to create parent dir")
			}
			if err := os.Symlink(linkTarget, target); err != nil && !os.IsExist(err) {
				return errors.Wrap(err, "failed to create symlink")
			}

		default:
			size := int64(f.UncompressedSize64)
			if err := validator.ValidateFileSize(f.Name, size); err != nil {
				return err
			}
			if err := validator.AddCopiedSize(size); err != nil {
				return err
			}
			if err := extractFile(f, target, size); err != nil {
				return err
			}
		}
	}

	fi, err := os.Stat(zipPath)
	if err != nil {
		return errors.Wrap(err, "failed to stat archive")
	}
	return validator.ValidateCompressionRatio(fi.Size(), validator.CopiedSize())
}

func extractFile(f *zip.File, target string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "failed to create parent dir")
	}
	rc, err := f.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open archive entry")
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	// The header size is trusted only as far as the limit reader goes.
	if _, err := io.Copy(out, io.LimitReader(rc, size)); err != nil {
		out.Close()
		return errors.Wrap(err, "failed to write file")
	}
	return out.Close()
}

func readSmall(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	return string(b), err
}

// locateOpenCore finds the EFI tree in an OpenCore bundle: a release
// layout (X64/EFI), a prepared folder holding EFI, or the EFI folder
// itself. It also returns the sample config shipped in Docs, if any.
func locateOpenCore(root string) (efi, sample string, err error) {
	for _, candidate := range [][]string{{"X64", "EFI"}, {"EFI"}} {
		if p := findChild(root, candidate...); p != "" && isDir(p) {
			efi = p
			break
		}
	}
	if efi == "" && strings.EqualFold(filepath.Base(root), "EFI") && isDir(root) {
		efi = root
	}
	if efi == "" || findChild(efi, "OC") == "" {
		return "", "", errors.Newf(errors.KindInvalidImage, "locate opencore", "%s holds no EFI/OC tree", root)
	}

	sample = findChild(root, "Docs", "Sample.plist")
	slog.Info("opencore_located", "efi", efi, "sample_config", sample)
	return efi, sample, nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
