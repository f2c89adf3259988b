package partition

import (
	"bytes"
	"fmt"
	"io"
)

// DetectScheme reports the partition table found on a device or image by
// its on-disk signatures: the 0x55AA boot signature in LBA 0 and the
// "EFI PART" header in LBA 1.
func DetectScheme(r io.ReaderAt, size int64) (Scheme, error) {
	if size < 1024 {
		return SchemeNone, nil
	}

	buf := make([]byte, 1024)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return SchemeNone, fmt.Errorf("read partition table: %w", err)
	}

	if buf[510] != 0x55 || buf[511] != 0xAA {
		return SchemeNone, nil
	}
	if bytes.Equal(buf[512:520], []byte("EFI PART")) {
		return SchemeGPT, nil
	}
	return SchemeMBR, nil
}
