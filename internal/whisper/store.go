package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// storeVersion is bumped whenever deviceRecord changes incompatibly.
const storeVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps devices.db byte-stable across saves
	// of the same table.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("whisper: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("whisper: CBOR decoder initialization failed: " + err.Error())
	}
}

type storeFile struct {
	Version int            `cbor:"1,keyasint"`
	SavedAt int64          `cbor:"2,keyasint"`
	Devices []deviceRecord `cbor:"3,keyasint"`
}

// deviceRecord is the persisted part of a Device. Handshake state and
// session keys are not persisted; peers handshake again after restart.
type deviceRecord struct {
	Name         string `cbor:"1,keyasint"`
	Address      string `cbor:"2,keyasint"`
	RSSI         int    `cbor:"3,keyasint"`
	DiscoveredAt int64  `cbor:"4,keyasint"`
	LastSeenAt   int64  `cbor:"5,keyasint"`
}

// Store persists the device table to a single CBOR file.
type Store struct {
	path string
}

// NewStore returns a Store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Save replaces the database with devices.
func (s *Store) Save(devices []Device, now time.Time) error {
	file := storeFile{Version: storeVersion, SavedAt: now.UnixMilli()}
	for _, d := range devices {
		file.Devices = append(file.Devices, deviceRecord{
			Name:         d.Name,
			Address:      d.Address,
			RSSI:         d.RSSI,
			DiscoveredAt: d.DiscoveredAt.UnixMilli(),
			LastSeenAt:   d.LastSeenAt.UnixMilli(),
		})
	}

	data, err := encMode.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode device table: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(s.path), err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write device table: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace device table: %w", err)
	}
	return nil
}

// Load reads the database. A missing file yields no devices.
func (s *Store) Load() ([]Device, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read device table: %w", err)
	}

	var file storeFile
	if err := decMode.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode device table: %w", err)
	}
	if file.Version != storeVersion {
		return nil, fmt.Errorf("unsupported device table version %d", file.Version)
	}

	devices := make([]Device, 0, len(file.Devices))
	for _, r := range file.Devices {
		devices = append(devices, Device{
			Name:         r.Name,
			Address:      r.Address,
			RSSI:         r.RSSI,
			DiscoveredAt: time.UnixMilli(r.DiscoveredAt).UTC(),
			LastSeenAt:   time.UnixMilli(r.LastSeenAt).UTC(),
			State:        StateDiscovered,
		})
	}
	return devices, nil
}
