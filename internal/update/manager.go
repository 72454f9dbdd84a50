// Package update discovers, verifies and installs software and
// configuration updates from removable media or an OTA endpoint.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lilith-daemons/internal/clock"
	"github.com/lilith-daemons/internal/config"
	"github.com/lilith-daemons/internal/logging"
	"github.com/lilith-daemons/internal/media"
	"github.com/lilith-daemons/internal/ota"
)

// Fetcher downloads one OTA bundle into dst, writing at most limit bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string, dst io.Writer, limit int64) (ota.Result, error)
}

// Options holds the Update Manager's paths and limits.
type Options struct {
	StagingDir      string
	AppDir          string
	ConfigDir       string
	RebootMarker    string
	QuarantineDir   string
	MaxBytes        int64
	QuarantineAfter int
	RequireDigest   bool
	OTAEndpoint     string
	OTAArtifact     string
	OTAStagedName   string
	OTATimeout      time.Duration
	MediaInterval   time.Duration
	OTAInterval     time.Duration
}

// OptionsFromConfig extracts the manager's options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StagingDir:      cfg.Paths.StagingDir,
		AppDir:          cfg.Paths.AppDir,
		ConfigDir:       cfg.Paths.ConfigDir,
		RebootMarker:    cfg.Paths.RebootMarker,
		QuarantineDir:   cfg.Paths.QuarantineDir,
		MaxBytes:        cfg.Update.MaxDownloadBytes,
		QuarantineAfter: cfg.Update.QuarantineAfter,
		RequireDigest:   cfg.Update.RequireDigest,
		OTAEndpoint:     cfg.Update.OTAEndpoint,
		OTAArtifact:     cfg.Update.OTAArtifact,
		OTAStagedName:   cfg.Update.OTAStagedName,
		OTATimeout:      cfg.OTATimeout(),
		MediaInterval:   cfg.MediaInterval(),
		OTAInterval:     cfg.OTAInterval(),
	}
}

// mediaStamp identifies a media file version already staged, so the
// same bundle is not re-staged every poll while the media stays in.
type mediaStamp struct {
	size    int64
	modTime time.Time
}

// Manager is the Update Manager worker. All state is owned here and
// guarded by mu; opMu serializes whole operations so a manual trigger
// cannot interleave with the scheduled loop.
type Manager struct {
	opts    Options
	storage media.Storage
	fetcher Fetcher
	probe   ota.Probe
	log     *logging.Logger
	clock   clock.Clock

	opMu sync.Mutex

	mu        sync.RWMutex
	state     RunState
	staged    map[string]*UpdateFile
	mediaSeen map[string]mediaStamp
	// markerPending is set when installs succeeded but the reboot
	// marker could not be written; ProcessPending retries it.
	markerPending bool
}

// NewManager creates the staging, app and config directories and
// returns a Manager. fetcher and probe may be nil, which disables OTA.
func NewManager(opts Options, storage media.Storage, fetcher Fetcher, probe ota.Probe, log *logging.Logger, clk clock.Clock) (*Manager, error) {
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be positive")
	}
	if opts.OTAArtifact == "" {
		opts.OTAArtifact = "latest.vpk"
	}
	if opts.OTAStagedName == "" {
		opts.OTAStagedName = "latest_ota.vpk"
	}
	if log == nil {
		log = logging.Discard("LilithUpdateDaemon")
	}
	if clk == nil {
		clk = clock.Real()
	}

	for _, dir := range []string{opts.StagingDir, opts.AppDir, opts.ConfigDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &Manager{
		opts:      opts,
		storage:   storage,
		fetcher:   fetcher,
		probe:     probe,
		log:       log,
		clock:     clk,
		staged:    make(map[string]*UpdateFile),
		mediaSeen: make(map[string]mediaStamp),
	}, nil
}

// State returns a copy of the run state.
func (m *Manager) State() RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Endpoint returns the configured OTA endpoint, empty when OTA is off.
func (m *Manager) Endpoint() string {
	return m.opts.OTAEndpoint
}

// Staged returns copies of the tracked staging entries, sorted by name.
func (m *Manager) Staged() []UpdateFile {
	m.mu.RLock()
	files := make([]UpdateFile, 0, len(m.staged))
	for _, f := range m.staged {
		files = append(files, *f)
	}
	m.mu.RUnlock()

	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files
}

// ScanRemovableMedia copies every qualifying file on the media into
// staging and returns how many were newly staged.
func (m *Manager) ScanRemovableMedia() int {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := m.clock.Now()
	connected := m.storage != nil && m.storage.Connected()

	m.mu.Lock()
	m.state.MediaConnected = connected
	m.state.LastMediaCheckAt = now
	if !connected {
		// A re-inserted card is scanned afresh.
		m.mediaSeen = make(map[string]mediaStamp)
	}
	m.mu.Unlock()

	if !connected {
		return 0
	}

	m.log.Infof("Scanning removable media for updates...")

	manifest, err := media.ReadManifest(m.storage)
	if err != nil {
		m.log.Warnf("Ignoring unreadable media manifest: %v", err)
		manifest = nil
	}

	entries, err := m.storage.List()
	if err != nil {
		m.log.Errorf("Failed to open media update directory: %v", err)
		return 0
	}

	staged := 0
	for _, entry := range entries {
		if entry.Name == media.ManifestName {
			continue
		}
		if hiddenName(entry.Name) {
			m.log.Debugf("Ignoring hidden media file %s", entry.Name)
			continue
		}

		declared, _ := manifest.Lookup(entry.Name)
		kind, isDeclared := resolveKind(entry.Name, declared.Kind)
		if kind == KindUnknown {
			continue
		}

		stamp := mediaStamp{size: entry.Size, modTime: entry.ModTime}
		m.mu.RLock()
		seen, ok := m.mediaSeen[entry.Name]
		m.mu.RUnlock()
		if ok && seen == stamp {
			continue
		}

		if entry.Size > m.opts.MaxBytes {
			m.log.Warnf("Skipping %s: %d bytes exceeds ceiling %d", entry.Name, entry.Size, m.opts.MaxBytes)
			continue
		}

		dst := filepath.Join(m.opts.StagingDir, entry.Name)
		n, err := m.stageFromMedia(entry.Name, dst)
		if err != nil {
			m.log.Errorf("Failed to copy %s from media: %v", entry.Name, err)
			continue
		}

		m.mu.Lock()
		m.mediaSeen[entry.Name] = stamp
		m.staged[entry.Name] = &UpdateFile{
			Filename:       entry.Name,
			StagedPath:     dst,
			Kind:           kind,
			Declared:       isDeclared,
			SizeBytes:      n,
			DiscoveredAt:   now,
			ExpectedDigest: declared.Blake3,
		}
		m.mu.Unlock()

		staged++
		m.log.Infof("Found media update %s (%s, %d bytes)", entry.Name, kind, n)
	}

	m.mu.Lock()
	m.state.TotalFound += staged
	m.mu.Unlock()

	return staged
}

func (m *Manager) stageFromMedia(name, dst string) (int64, error) {
	src, err := m.storage.Open(name)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrIO, name, err)
	}
	defer src.Close()
	return writeAtomic(dst, src)
}

// CheckNetworkUpdate downloads endpoint's current bundle into staging.
// It returns ErrNetworkUnavailable without touching the network when
// the probe says the endpoint is unreachable. On overflow or any other
// download error nothing is staged.
func (m *Manager) CheckNetworkUpdate(ctx context.Context, endpoint string) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := m.clock.Now()
	m.mu.Lock()
	m.state.LastOTACheckAt = now
	m.mu.Unlock()

	if m.fetcher == nil || endpoint == "" {
		return 0, fmt.Errorf("%w: no OTA endpoint configured", ErrNetworkUnavailable)
	}

	reachable := m.probe == nil || m.probe.Reachable(ctx)
	m.mu.Lock()
	m.state.NetworkAvailable = reachable
	m.mu.Unlock()
	if !reachable {
		m.log.Warnf("No network connectivity for OTA update")
		return 0, ErrNetworkUnavailable
	}

	m.log.Infof("Checking for OTA updates...")

	if m.opts.OTATimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.OTATimeout)
		defer cancel()
	}

	url := strings.TrimRight(endpoint, "/") + "/" + m.opts.OTAArtifact
	tmp, err := os.CreateTemp(m.opts.StagingDir, partPrefix+"ota-*")
	if err != nil {
		m.log.Errorf("Failed to create local file: %v", err)
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpName := tmp.Name()

	result, err := m.fetcher.Fetch(ctx, url, tmp, m.opts.MaxBytes)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: %v", ErrIO, closeErr)
	}
	if err != nil {
		os.Remove(tmpName)
		if errors.Is(err, ota.ErrTooLarge) {
			m.log.Errorf("Download size exceeded limit of %d bytes, discarded", m.opts.MaxBytes)
			return 0, fmt.Errorf("%w: %w", ErrVerification, err)
		}
		m.log.Errorf("OTA download from %s failed: %v", url, err)
		return 0, fmt.Errorf("OTA download failed: %w", err)
	}

	dst := filepath.Join(m.opts.StagingDir, m.opts.OTAStagedName)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		m.log.Errorf("Failed to stage OTA download: %v", err)
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	kind, isDeclared := resolveKind(m.opts.OTAStagedName, result.DeclaredKind)

	m.mu.Lock()
	m.staged[m.opts.OTAStagedName] = &UpdateFile{
		Filename:       m.opts.OTAStagedName,
		StagedPath:     dst,
		Kind:           kind,
		Declared:       isDeclared,
		SizeBytes:      result.Bytes,
		DiscoveredAt:   now,
		ExpectedDigest: result.Blake3,
	}
	m.state.TotalFound++
	m.mu.Unlock()

	m.log.Infof("OTA update downloaded successfully (%d bytes, %s)", result.Bytes, kind)
	return 1, nil
}

// Tick runs one worker iteration: a media scan, an OTA check when one
// is due, and an install pass if either found something.
func (m *Manager) Tick(ctx context.Context) {
	found := m.ScanRemovableMedia()
	if found > 0 {
		m.log.Infof("Media updates found, processing...")
	}

	if m.otaDue() {
		n, err := m.CheckNetworkUpdate(ctx, m.opts.OTAEndpoint)
		switch {
		case errors.Is(err, ErrNetworkUnavailable):
			m.log.Infof("OTA check skipped, retrying next interval")
		case err != nil:
			m.log.Warnf("OTA check failed: %v", err)
		}
		if n > 0 {
			m.log.Infof("OTA updates found, processing...")
			found += n
		}
	}

	if found > 0 {
		m.ProcessPending()
	}
}

func (m *Manager) otaDue() bool {
	if m.opts.OTAEndpoint == "" || m.fetcher == nil {
		return false
	}
	m.mu.RLock()
	last := m.state.LastOTACheckAt
	m.mu.RUnlock()
	return last.IsZero() || m.clock.Now().Sub(last) >= m.opts.OTAInterval
}

// Run loops until ctx is cancelled. Cancellation is observed once per
// iteration, so shutdown waits for the current iteration to finish.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.opts.MediaInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.log.Infof("Update daemon loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		m.Tick(ctx)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	m.log.Infof("Update daemon loop stopped")
	return nil
}
