package update

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Install applies one staged file. Package files are copied into the
// application directory and config files into the config directory.
// Firmware is only verified; flashing belongs to the platform. On
// success the staged file is removed and TotalInstalled is bumped.
func (m *Manager) Install(file *UpdateFile) error {
	if file.Kind == KindUnknown {
		return fmt.Errorf("%w: %s", ErrUnknownKind, file.Filename)
	}

	// Re-verified on every attempt.
	if !m.Verify(file) {
		return fmt.Errorf("%w: %s", ErrVerification, file.Filename)
	}

	m.log.Infof("Installing %s update: %s", file.Kind, file.Filename)

	switch file.Kind {
	case KindPackage:
		if _, err := copyFile(file.StagedPath, filepath.Join(m.opts.AppDir, file.Filename)); err != nil {
			return err
		}
	case KindConfig:
		if _, err := copyFile(file.StagedPath, filepath.Join(m.opts.ConfigDir, file.Filename)); err != nil {
			return err
		}
	case KindFirmware:
		m.log.Infof("Firmware %s verified, handing off to platform flasher", file.Filename)
	}

	if err := os.Remove(file.StagedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove staged %s: %v", ErrIO, file.Filename, err)
	}

	m.mu.Lock()
	delete(m.staged, file.Filename)
	m.state.TotalInstalled++
	m.mu.Unlock()

	m.log.Infof("Update %s installed successfully", file.Filename)
	return nil
}

// ProcessPending installs every eligible file in staging and writes the
// reboot marker if at least one install succeeded. Files dropped into
// staging by other tools are picked up as well. Unknown files are
// never touched.
func (m *Manager) ProcessPending() int {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.state.InProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.state.InProgress = false
		m.mu.Unlock()
	}()

	files, err := m.syncStaging()
	if err != nil {
		m.log.Errorf("Failed to open staging directory: %v", err)
		return 0
	}

	installed := 0
	for _, file := range files {
		if file.Kind == KindUnknown {
			m.log.Warnf("Unknown update type: %s, leaving in staging", file.Filename)
			continue
		}

		err := m.Install(file)
		if err == nil {
			installed++
			continue
		}

		if !errors.Is(err, ErrVerification) {
			m.log.Errorf("Failed to install %s: %v", file.Filename, err)
			continue
		}

		m.mu.Lock()
		file.Failures++
		failures := file.Failures
		m.mu.Unlock()

		if m.opts.QuarantineAfter > 0 && failures >= m.opts.QuarantineAfter {
			m.quarantine(file)
		}
	}

	m.mu.RLock()
	retry := m.markerPending
	m.mu.RUnlock()

	if installed > 0 || retry {
		err := m.writeRebootMarker()

		m.mu.Lock()
		m.markerPending = err != nil
		m.mu.Unlock()

		switch {
		case err != nil:
			m.log.Errorf("Failed to create reboot marker: %v", err)
		case installed > 0:
			m.log.Infof("Reboot required to apply %d update(s)", installed)
		default:
			m.log.Infof("Reboot marker written for earlier installs")
		}
	}
	return installed
}

// syncStaging reconciles the tracked table with the staging directory
// and returns the tracked entries sorted by name.
func (m *Manager) syncStaging() ([]*UpdateFile, error) {
	entries, err := os.ReadDir(m.opts.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	now := m.clock.Now()
	present := make(map[string]bool, len(entries))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || hiddenName(name) {
			continue
		}
		present[name] = true
		if _, ok := m.staged[name]; ok {
			continue
		}

		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		m.staged[name] = &UpdateFile{
			Filename:     name,
			StagedPath:   filepath.Join(m.opts.StagingDir, name),
			Kind:         Classify(name),
			SizeBytes:    size,
			DiscoveredAt: now,
		}
	}

	files := make([]*UpdateFile, 0, len(m.staged))
	for name, f := range m.staged {
		if !present[name] {
			delete(m.staged, name)
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

// hiddenName reports names neither the media scan nor the install pass
// will handle. This covers in-flight .part- files.
func hiddenName(name string) bool {
	return strings.HasPrefix(name, ".")
}

// quarantine moves a repeatedly failing file out of staging.
func (m *Manager) quarantine(file *UpdateFile) {
	if m.opts.QuarantineDir == "" {
		return
	}
	if err := os.MkdirAll(m.opts.QuarantineDir, 0755); err != nil {
		m.log.Errorf("Failed to create quarantine directory: %v", err)
		return
	}

	dst := filepath.Join(m.opts.QuarantineDir, file.Filename)
	if err := os.Rename(file.StagedPath, dst); err != nil {
		m.log.Errorf("Failed to quarantine %s: %v", file.Filename, err)
		return
	}

	m.mu.Lock()
	delete(m.staged, file.Filename)
	m.mu.Unlock()

	m.log.Warnf("Quarantined %s after %d failed verifications", file.Filename, file.Failures)
}
