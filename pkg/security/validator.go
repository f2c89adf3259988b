// Package security guards file copies onto a target partition and the
// extraction of bootloader archives.
package security

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ruuf/ruuf/pkg/errors"
)

// Validator checks every file placed on a target volume: its path must
// stay inside the destination, its size must fit the target filesystem
// and the running total must fit the partition.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu          sync.Mutex
	copiedTotal int64
}

// NewValidator creates a validator. A maxFileSize of zero disables the
// per-file ceiling.
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath rejects entry names that would land outside the
// destination directory.
func (v *Validator) ValidatePath(name string) error {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return errors.Newf(errors.KindInvalidImage, "validate path", "absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return errors.Newf(errors.KindInvalidImage, "validate path", "path traversal detected: %s", name)
	}
	return nil
}

// ValidateSymlink checks that a relative link target, resolved from the
// link's own directory, stays inside the destination root.
func (v *Validator) ValidateSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) {
		slog.Error("security_symlink_validation_failed", "symlink", linkPath, "target", target, "reason", "absolute_target")
		return errors.Newf(errors.KindInvalidImage, "validate symlink", "absolute symlink target: %s -> %s", linkPath, target)
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
		if depth < 0 {
			break
		}
	}

	if depth < 0 {
		slog.Error("security_symlink_validation_failed",
			"symlink", linkPath,
			"target", target,
			"resolved", resolved)
		return errors.Newf(errors.KindInvalidImage, "validate symlink",
			"path traversal detected: %s -> %s resolves to %s", linkPath, target, resolved)
	}
	return nil
}

// Exceeds reports whether a file of size bytes is over the per-file ceiling.
func (v *Validator) Exceeds(size int64) bool {
	return v.maxFileSize > 0 && size > v.maxFileSize
}

// ValidateFileSize fails when a single file cannot be stored on the
// target filesystem.
func (v *Validator) ValidateFileSize(name string, size int64) error {
	if v.Exceeds(size) {
		slog.Error("security_file_size_exceeded",
			"file", name,
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return errors.Newf(errors.KindUnsupportedLayout, "validate file size",
			"%s is %d bytes, target filesystem holds at most %d", name, size, v.maxFileSize)
	}
	return nil
}

// AddCopiedSize tracks the bytes placed on the target and fails once the
// partition would overflow.
func (v *Validator) AddCopiedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.copiedTotal += size

	if v.maxTotalSize > 0 && v.copiedTotal > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"copied_total_mb", v.copiedTotal/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return errors.Newf(errors.KindDeviceTooSmall, "copy",
			"copied %d bytes, partition holds %d", v.copiedTotal, v.maxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio rejects archives that inflate beyond the
// configured ratio.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return errors.Newf(errors.KindInvalidImage, "validate archive", "compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return errors.Newf(errors.KindInvalidImage, "validate archive",
			"compression ratio %.2f exceeds max %.2f", ratio, v.maxCompressionRatio)
	}

	slog.Debug("security_compression_validated", "ratio", ratio)
	return nil
}

// Reset clears the copied total.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.copiedTotal = 0
}

// CopiedSize returns the bytes accounted so far.
func (v *Validator) CopiedSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.copiedTotal
}
