// Package media reads update candidates from removable storage.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

// ManifestName is the optional file on the media root that declares
// the kind and digest of the bundles next to it.
const ManifestName = "manifest.yaml"

// Entry describes a candidate file on removable storage.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Storage is the removable-media adapter used by the Update Manager.
type Storage interface {
	// Connected reports whether the media is currently mounted.
	Connected() bool
	// List returns the regular files at the media root, sorted by name.
	List() ([]Entry, error)
	// Open opens a file previously returned by List.
	Open(name string) (io.ReadCloser, error)
}

// Dir is a Storage backed by a flat directory.
type Dir struct {
	root string
}

// NewDir returns a Storage reading from root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the directory being scanned.
func (d *Dir) Root() string {
	return d.root
}

// Connected reports whether the root directory exists.
func (d *Dir) Connected() bool {
	info, err := os.Stat(d.root)
	return err == nil && info.IsDir()
}

// List returns regular files only; subdirectories are ignored.
func (d *Dir) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read media directory %s: %w", d.root, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Open opens name relative to the root. Path components are stripped.
func (d *Dir) Open(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(d.root, filepath.Base(name)))
}

// Manifest declares bundle kinds and digests for files on the media.
type Manifest struct {
	Files []ManifestEntry `yaml:"files"`
}

// ManifestEntry is one declared file.
type ManifestEntry struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Blake3 string `yaml:"blake3"`
}

// Lookup returns the entry for name, if declared.
func (m *Manifest) Lookup(name string) (ManifestEntry, bool) {
	if m == nil {
		return ManifestEntry{}, false
	}
	for _, e := range m.Files {
		if e.Name == name {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// ReadManifest loads ManifestName from s. A missing manifest is not an
// error and yields (nil, nil).
func ReadManifest(s Storage) (*Manifest, error) {
	rc, err := s.Open(ManifestName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
