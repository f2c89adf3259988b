package image

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ruuf/ruuf/pkg/errors"
)

const (
	maxEntries = 500000
	maxDepth   = 64
)

// tree is the directory index of an image, keyed by lower-cased path.
type tree struct {
	files   map[string]int64
	dirs    map[string]bool
	display map[string]string
	opener  map[string]func() (io.Reader, error)
	entries int
}

func newTree() *tree {
	return &tree{
		files:   make(map[string]int64),
		dirs:    make(map[string]bool),
		display: make(map[string]string),
		opener:  make(map[string]func() (io.Reader, error)),
	}
}

func (t *tree) count() error {
	t.entries++
	if t.entries > maxEntries {
		return errors.Newf(errors.KindInvalidImage, "walk", "more than %d directory entries", maxEntries)
	}
	return nil
}

func (t *tree) addDir(p string) error {
	if err := t.count(); err != nil {
		return err
	}
	key := strings.ToLower(p)
	t.dirs[key] = true
	t.display[key] = p
	return nil
}

// addFile sums sizes of repeated entries so multi-extent files report
// their full length.
func (t *tree) addFile(p string, size int64, open func() (io.Reader, error)) error {
	if err := t.count(); err != nil {
		return err
	}
	key := strings.ToLower(p)
	t.files[key] += size
	t.display[key] = p
	if _, ok := t.opener[key]; !ok && open != nil {
		t.opener[key] = open
	}
	return nil
}

func (t *tree) hasFile(p string) bool {
	_, ok := t.files[strings.ToLower(p)]
	return ok
}

func (t *tree) hasDir(p string) bool {
	return t.dirs[strings.ToLower(p)]
}

func (t *tree) largest() (string, int64) {
	var name string
	var size int64
	for k, s := range t.files {
		if s > size || (s == size && k < name) {
			name, size = k, s
		}
	}
	return t.display[name], size
}

func (t *tree) total() int64 {
	var n int64
	for _, s := range t.files {
		n += s
	}
	return n
}

// readSmall returns the content of a metadata file up to limit bytes.
func (t *tree) readSmall(p string, limit int64) ([]byte, error) {
	open, ok := t.opener[strings.ToLower(p)]
	if !ok {
		return nil, fmt.Errorf("%s: not found", p)
	}
	r, err := open()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(r, limit))
}

// dirsMatching returns directories whose base name satisfies match.
func (t *tree) dirsMatching(match func(base string) bool) []string {
	var out []string
	for d := range t.dirs {
		if match(path.Base(d)) {
			out = append(out, d)
		}
	}
	return out
}
