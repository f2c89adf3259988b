package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"unicode/utf16"
)

// Descriptor tag identifiers (ECMA-167 3/7.2.1, 4/7.2.1).
const (
	tagAnchor            = 2
	tagPartition         = 5
	tagLogicalVolume     = 6
	tagTerminating       = 8
	tagFileSet           = 256
	tagFileIdentifier    = 257
	tagFileEntry         = 261
	tagExtendedFileEntry = 266
)

const (
	udfFileTypeDir   = 4
	udfCharDirectory = 0x02
	udfCharDeleted   = 0x04
	udfCharParent    = 0x08

	maxUDFDirBytes = 16 << 20
)

type udfExtent struct {
	lbn    uint32
	length uint32
}

type udfEntry struct {
	dir      bool
	size     int64
	extents  []udfExtent
	embedded []byte
}

// udfVolume reads directories from a single physical partition UDF volume,
// which is how Windows installation media are mastered.
type udfVolume struct {
	r         io.ReaderAt
	blockSize int64
	partStart int64
	fsdLBN    uint32
	label     string
}

func openUDF(r io.ReaderAt) (*udfVolume, error) {
	anchor := make([]byte, 512)
	if _, err := r.ReadAt(anchor, 256*sectorSize); err != nil {
		return nil, fmt.Errorf("read anchor: %w", err)
	}
	if tagID(anchor) != tagAnchor {
		return nil, fmt.Errorf("no anchor volume descriptor at sector 256")
	}
	vdsLen := le32(anchor, 16)
	vdsLoc := int64(le32(anchor, 20))

	v := &udfVolume{r: r, blockSize: sectorSize}
	partitions := make(map[uint16]int64)
	mapPartition := -1

	buf := make([]byte, 512)
	for i := int64(0); i < int64(vdsLen)/sectorSize && i < 64; i++ {
		if _, err := r.ReadAt(buf, (vdsLoc+i)*sectorSize); err != nil {
			return nil, fmt.Errorf("read volume descriptor: %w", err)
		}
		switch tagID(buf) {
		case tagPartition:
			partitions[le16(buf, 22)] = int64(le32(buf, 188))
		case tagLogicalVolume:
			if bs := le32(buf, 212); bs != 0 {
				v.blockSize = int64(bs)
			}
			v.label = dstring(buf[84:212])
			v.fsdLBN = le32(buf, 252)
			if le32(buf, 268) > 0 {
				if buf[440] != 1 {
					return nil, fmt.Errorf("unsupported partition map type %d", buf[440])
				}
				mapPartition = int(le16(buf, 444))
			}
		case tagTerminating:
			i = 64
		}
	}

	if mapPartition < 0 {
		return nil, fmt.Errorf("no logical volume descriptor")
	}
	start, ok := partitions[uint16(mapPartition)]
	if !ok {
		return nil, fmt.Errorf("partition %d not described", mapPartition)
	}
	v.partStart = start

	return v, nil
}

func (v *udfVolume) block(lbn uint32) ([]byte, error) {
	buf := make([]byte, v.blockSize)
	if _, err := v.r.ReadAt(buf, v.partStart*sectorSize+int64(lbn)*v.blockSize); err != nil {
		return nil, fmt.Errorf("read block %d: %w", lbn, err)
	}
	return buf, nil
}

func (v *udfVolume) entry(lbn uint32) (*udfEntry, error) {
	b, err := v.block(lbn)
	if err != nil {
		return nil, err
	}

	var eaLen, adLen uint32
	var adStart int
	switch tagID(b) {
	case tagFileEntry:
		eaLen, adLen = le32(b, 168), le32(b, 172)
		adStart = 176
	case tagExtendedFileEntry:
		eaLen, adLen = le32(b, 208), le32(b, 212)
		adStart = 216
	default:
		return nil, fmt.Errorf("block %d is not a file entry (tag %d)", lbn, tagID(b))
	}
	adStart += int(eaLen)
	if adStart+int(adLen) > len(b) {
		return nil, fmt.Errorf("file entry at block %d overruns its block", lbn)
	}

	e := &udfEntry{
		dir:  b[27] == udfFileTypeDir,
		size: int64(binary.LittleEndian.Uint64(b[56:64])),
	}

	ads := b[adStart : adStart+int(adLen)]
	switch binary.LittleEndian.Uint16(b[34:36]) & 0x7 {
	case 0:
		for i := 0; i+8 <= len(ads); i += 8 {
			e.extents = append(e.extents, udfExtent{length: le32(ads, i) & 0x3fffffff, lbn: le32(ads, i+4)})
		}
	case 1:
		for i := 0; i+16 <= len(ads); i += 16 {
			e.extents = append(e.extents, udfExtent{length: le32(ads, i) & 0x3fffffff, lbn: le32(ads, i+4)})
		}
	case 3:
		e.embedded = append([]byte(nil), ads...)
	default:
		return nil, fmt.Errorf("unsupported allocation descriptor type at block %d", lbn)
	}
	return e, nil
}

func (v *udfVolume) read(e *udfEntry, limit int64) ([]byte, error) {
	if e.embedded != nil {
		return e.embedded, nil
	}
	size := min(e.size, limit)
	out := make([]byte, 0, size)
	for _, ext := range e.extents {
		if int64(len(out)) >= size {
			break
		}
		n := min(int64(ext.length), size-int64(len(out)))
		buf := make([]byte, n)
		if _, err := v.r.ReadAt(buf, v.partStart*sectorSize+int64(ext.lbn)*v.blockSize); err != nil {
			return nil, fmt.Errorf("read extent at block %d: %w", ext.lbn, err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

type udfChild struct {
	name string
	dir  bool
	lbn  uint32
}

func (v *udfVolume) children(dir *udfEntry) ([]udfChild, error) {
	data, err := v.read(dir, maxUDFDirBytes)
	if err != nil {
		return nil, err
	}

	var out []udfChild
	for pos := 0; pos+38 <= len(data); {
		if binary.LittleEndian.Uint16(data[pos:]) != tagFileIdentifier {
			break
		}
		chars := data[pos+18]
		nameLen := int(data[pos+19])
		lbn := le32(data, pos+24)
		iuLen := int(binary.LittleEndian.Uint16(data[pos+36:]))

		nameStart := pos + 38 + iuLen
		if nameStart+nameLen > len(data) {
			return nil, fmt.Errorf("file identifier overruns directory")
		}
		if chars&(udfCharParent|udfCharDeleted) == 0 && nameLen > 0 {
			out = append(out, udfChild{
				name: decodeDChars(data[nameStart : nameStart+nameLen]),
				dir:  chars&udfCharDirectory != 0,
				lbn:  lbn,
			})
		}
		pos += (38 + iuLen + nameLen + 3) &^ 3
	}
	return out, nil
}

// walkUDF indexes the volume starting at the file set's root directory.
func walkUDF(r io.ReaderAt, t *tree) (string, error) {
	v, err := openUDF(r)
	if err != nil {
		return "", err
	}

	fsd, err := v.block(v.fsdLBN)
	if err != nil {
		return "", err
	}
	if tagID(fsd) != tagFileSet {
		return "", fmt.Errorf("no file set descriptor at block %d", v.fsdLBN)
	}
	root, err := v.entry(le32(fsd, 404))
	if err != nil {
		return "", fmt.Errorf("read root directory: %w", err)
	}
	return v.label, v.walk(root, "", 0, t)
}

func (v *udfVolume) walk(dir *udfEntry, prefix string, depth int, t *tree) error {
	if depth > maxDepth {
		return fmt.Errorf("directory nesting deeper than %d at %s", maxDepth, prefix)
	}
	kids, err := v.children(dir)
	if err != nil {
		return fmt.Errorf("read directory %q: %w", prefix, err)
	}
	for _, k := range kids {
		p := path.Join(prefix, k.name)
		e, err := v.entry(k.lbn)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if k.dir || e.dir {
			if err := t.addDir(p); err != nil {
				return err
			}
			if err := v.walk(e, p, depth+1, t); err != nil {
				return err
			}
			continue
		}
		entry := e
		if err := t.addFile(p, e.size, func() (io.Reader, error) {
			data, err := v.read(entry, 1<<20)
			if err != nil {
				return nil, err
			}
			return bytes.NewReader(data), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func tagID(b []byte) uint16 { return binary.LittleEndian.Uint16(b[0:2]) }

func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off : off+2]) }

func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }

// decodeDChars decodes an OSTA compressed unicode string.
func decodeDChars(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	switch b[0] {
	case 8:
		runes := make([]rune, 0, len(b)-1)
		for _, c := range b[1:] {
			runes = append(runes, rune(c))
		}
		return string(runes)
	case 16:
		units := make([]uint16, 0, (len(b)-1)/2)
		for i := 1; i+1 < len(b); i += 2 {
			units = append(units, binary.BigEndian.Uint16(b[i:]))
		}
		return string(utf16.Decode(units))
	}
	return ""
}

// dstring decodes a fixed-size field whose last byte holds the used length.
func dstring(field []byte) string {
	n := int(field[len(field)-1])
	if n == 0 || n > len(field)-1 {
		return ""
	}
	return decodeDChars(field[:n])
}
