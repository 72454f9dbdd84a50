package update

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

const copyBufferSize = 8192

// partPrefix marks in-flight temp files in staging so scans skip them.
const partPrefix = ".part-"

// writeAtomic streams src into a temp file next to dst and renames it
// into place, so dst is either absent or complete.
func writeAtomic(dst string, src io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, partPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("%w: create temp in %s: %v", ErrIO, dir, err)
	}
	tmpName := tmp.Name()

	n, err := io.CopyBuffer(tmp, src, make([]byte, copyBufferSize))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("%w: write %s: %v", ErrIO, dst, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("%w: rename into %s: %v", ErrIO, dst, err)
	}
	return n, nil
}

// copyFile copies the file at src to dst atomically.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrIO, src, err)
	}
	defer in.Close()
	return writeAtomic(dst, in)
}

// fileDigest returns the hex BLAKE3 digest of the file at path. The file
// is streamed so memory stays flat for large bundles.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s for hashing: %v", ErrIO, path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.CopyBuffer(hasher, f, make([]byte, copyBufferSize)); err != nil {
		return "", fmt.Errorf("%w: hashing %s: %v", ErrIO, path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
