package boot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ruuf/ruuf/pkg/errors"
)

const verifyWorkers = 4

type volume string

const (
	volumeData volume = "data"
	volumeESP  volume = "esp"
)

// manifestEntry records what was written so Verify can read it back.
type manifestEntry struct {
	volume volume
	rel    string
	sha256 string
	size   int64
}

type treeEntry struct {
	rel  string
	abs  string
	dir  bool
	size int64
}

// scanTree lists regular files and directories under root with
// slash-separated relative paths. Other file types cannot be stored on
// FAT32 or NTFS targets and are skipped.
func scanTree(root string) ([]treeEntry, int64, error) {
	var entries []treeEntry
	var total int64

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			entries = append(entries, treeEntry{rel: rel, abs: p, dir: true})
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			entries = append(entries, treeEntry{rel: rel, abs: p, size: info.Size()})
			total += info.Size()
		default:
			slog.Warn("copy_entry_skipped", "path", rel, "type", d.Type().String())
		}
		return nil
	})
	if err != nil {
		return nil, 0, errors.New(errors.KindWriteFailure, "scan "+root, err)
	}
	return entries, total, nil
}

// pump moves r to write in chunks, hashing what passes through and
// consulting the checkpoint before each chunk.
func (e *Env) pump(ctx context.Context, r io.Reader, write func([]byte) error, step string, chunk int) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, chunk)
	var n int64

	for {
		if err := e.checkpoint(ctx); err != nil {
			return "", n, err
		}
		m, rerr := io.ReadFull(r, buf)
		if m > 0 {
			h.Write(buf[:m])
			if err := write(buf[:m]); err != nil {
				return "", n, errors.New(errors.KindWriteFailure, step, err)
			}
			n += int64(m)
			e.advance(int64(m), step)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", n, errors.New(errors.KindWriteFailure, step, rerr)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// copyFile copies src to dst and records it in the manifest.
func (e *Env) copyFile(ctx context.Context, src, dstRoot string, vol volume, rel string, chunk int) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", errors.New(errors.KindWriteFailure, "open "+rel, err)
	}
	defer in.Close()

	sum, _, err := e.writeFile(ctx, in, dstRoot, vol, rel, "copying "+rel, chunk)
	return sum, err
}

func (e *Env) writeFile(ctx context.Context, r io.Reader, dstRoot string, vol volume, rel, step string, chunk int) (string, int64, error) {
	dst := filepath.Join(dstRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, errors.New(errors.KindWriteFailure, "create "+path.Dir(rel), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", 0, errors.New(errors.KindWriteFailure, "create "+rel, err)
	}

	sum, n, err := e.pump(ctx, r, func(p []byte) error {
		_, err := out.Write(p)
		return err
	}, step, chunk)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = errors.New(errors.KindWriteFailure, "close "+rel, cerr)
	}
	if err != nil {
		return "", n, err
	}

	e.manifest = append(e.manifest, manifestEntry{volume: vol, rel: rel, sha256: sum, size: n})
	return sum, n, nil
}

// splitCopy writes src as rel.part001, rel.part002, ... of at most
// partSize bytes each.
func (e *Env) splitCopy(ctx context.Context, src, dstRoot, rel string, partSize int64, chunk int) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.New(errors.KindWriteFailure, "open "+rel, err)
	}
	defer in.Close()

	slog.Info("copy_split_start", "file", rel, "part_size_mb", partSize>>20)
	for i := 1; ; i++ {
		partRel := fmt.Sprintf("%s.part%03d", rel, i)
		_, n, err := e.writeFile(ctx, io.LimitReader(in, partSize), dstRoot, volumeData, partRel, "splitting "+rel, chunk)
		if err != nil {
			return err
		}
		if n == 0 {
			os.Remove(filepath.Join(dstRoot, filepath.FromSlash(partRel)))
			e.manifest = e.manifest[:len(e.manifest)-1]
			break
		}
		if n < partSize {
			break
		}
	}
	return nil
}

// copyTree copies every entry of src below dstRoot/prefix.
func (e *Env) copyTree(ctx context.Context, src, dstRoot string, vol volume, prefix string, chunk int) error {
	entries, _, err := scanTree(src)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		rel := path.Join(prefix, ent.rel)
		if ent.dir {
			if err := os.MkdirAll(filepath.Join(dstRoot, filepath.FromSlash(rel)), 0755); err != nil {
				return errors.New(errors.KindWriteFailure, "create "+rel, err)
			}
			continue
		}
		if _, err := e.copyFile(ctx, ent.abs, dstRoot, vol, rel, chunk); err != nil {
			return err
		}
	}
	return nil
}

func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// verifyManifest re-reads every written file and compares its digest.
func (e *Env) verifyManifest(ctx context.Context) error {
	slog.Info("verify_manifest_start", "device", e.Device.DisplayPath, "files", len(e.manifest))
	if e.Sink != nil {
		e.Sink(100, fmt.Sprintf("verifying %d files", len(e.manifest)))
	}

	roots := map[volume]string{volumeData: e.dataDir, volumeESP: e.espDir}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyWorkers)
	for _, m := range e.manifest {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			target := filepath.Join(roots[m.volume], filepath.FromSlash(m.rel))
			sum, n, err := hashFile(target)
			if err != nil {
				return errors.New(errors.KindVerifyFailure, "read back "+m.rel, err)
			}
			if n != m.size || sum != m.sha256 {
				slog.Error("verify_mismatch", "file", m.rel, "volume", m.volume, "want", m.sha256, "got", sum, "size", n)
				return errors.Newf(errors.KindVerifyFailure, "verify "+m.rel, "checksum mismatch on %s volume", m.volume)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.KindCancelled, "verify", ctx.Err())
		}
		return err
	}

	slog.Info("verify_manifest_complete", "device", e.Device.DisplayPath, "files", len(e.manifest))
	return nil
}

// manifestSum returns the digest recorded for rel, matched without case.
func (e *Env) manifestSum(rel string) string {
	for _, m := range e.manifest {
		if strings.EqualFold(m.rel, rel) {
			return m.sha256
		}
	}
	return ""
}
