package update

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RebootMarkerText is the literal content of the reboot marker file.
const RebootMarkerText = "REBOOT_REQUIRED"

func (m *Manager) writeRebootMarker() error {
	if m.opts.RebootMarker == "" {
		return fmt.Errorf("%w: no reboot marker path configured", ErrIO)
	}
	if err := os.MkdirAll(filepath.Dir(m.opts.RebootMarker), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	_, err := writeAtomic(m.opts.RebootMarker, strings.NewReader(RebootMarkerText+"\n"))
	return err
}

// RebootPending reports whether the reboot marker is present and holds
// the expected text.
func (m *Manager) RebootPending() bool {
	return RebootPending(m.opts.RebootMarker)
}

// RebootPending reports whether the marker at path requests a reboot.
func RebootPending(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(data), []byte(RebootMarkerText))
}

// ClearRebootMarker removes the marker. Normally the boot-time consumer
// does this; the maintenance console exposes it for bench use.
func (m *Manager) ClearRebootMarker() error {
	if m.opts.RebootMarker == "" {
		return nil
	}
	if err := os.Remove(m.opts.RebootMarker); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	m.mu.Lock()
	m.markerPending = false
	m.mu.Unlock()
	m.log.Infof("Reboot marker cleared")
	return nil
}
