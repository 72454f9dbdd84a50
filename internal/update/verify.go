package update

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// boundaryChecksum sums the first and last four bytes of the file as
// little-endian words. It only catches truncated-to-zero or zero-filled
// bundles and is not an integrity check.
func boundaryChecksum(f *os.File, size int64) (uint32, error) {
	if size < 4 {
		return 0, nil
	}

	var word [4]byte
	var sum uint32

	if _, err := f.ReadAt(word[:], 0); err != nil {
		return 0, err
	}
	sum += binary.LittleEndian.Uint32(word[:])

	if _, err := f.ReadAt(word[:], size-4); err != nil && err != io.EOF {
		return 0, err
	}
	sum += binary.LittleEndian.Uint32(word[:])

	return sum, nil
}

// Verify checks a staged file and records the outcome on file. A file
// passes when it is non-empty, within the size ceiling, has a non-zero
// boundary checksum, and its BLAKE3 digest matches the declared one if
// any was declared. The digest is recorded either way.
func (m *Manager) Verify(file *UpdateFile) bool {
	ok, digest, reason := m.verify(file)

	m.mu.Lock()
	file.Verified = ok
	if digest != "" {
		file.Digest = digest
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warnf("Verification failed for %s: %s", file.Filename, reason)
	}
	return ok
}

func (m *Manager) verify(file *UpdateFile) (bool, string, string) {
	f, err := os.Open(file.StagedPath)
	if err != nil {
		return false, "", fmt.Sprintf("cannot open: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, "", fmt.Sprintf("cannot stat: %v", err)
	}

	size := info.Size()
	if size == 0 {
		return false, "", "file is empty"
	}
	if size > m.opts.MaxBytes {
		return false, "", fmt.Sprintf("size %d exceeds ceiling %d", size, m.opts.MaxBytes)
	}

	sum, err := boundaryChecksum(f, size)
	if err != nil {
		return false, "", fmt.Sprintf("cannot read boundary bytes: %v", err)
	}
	if sum == 0 {
		return false, "", "boundary checksum is zero"
	}

	digest, err := fileDigest(file.StagedPath)
	if err != nil {
		return false, "", err.Error()
	}

	expected := strings.ToLower(strings.TrimSpace(file.ExpectedDigest))
	switch {
	case expected == "" && m.opts.RequireDigest:
		return false, digest, "no declared digest and digests are required"
	case expected != "" && digest != expected:
		return false, digest, fmt.Sprintf("digest %s does not match declared %s", digest, expected)
	}
	return true, digest, ""
}
