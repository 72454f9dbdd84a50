package whisper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lilith-daemons/internal/clock"
	"github.com/lilith-daemons/internal/config"
	"github.com/lilith-daemons/internal/logging"
	"github.com/lilith-daemons/internal/radio"
	"github.com/lilith-daemons/internal/whisper/legacy"
)

// DefaultServiceUUID is the vendor service advertised by whisper peers.
const DefaultServiceUUID = "12345678-1234-1234-1234-123456789abc"

// DataHandler receives decrypted payloads from peers with an active
// session. It runs on the engine goroutine and must not block.
type DataHandler func(address string, payload []byte)

// Options holds the engine's limits and timing.
type Options struct {
	ServiceUUID    string
	MaxDevices     int
	MaxSessions    int
	MaxPayload     int
	SessionTimeout time.Duration
	TickInterval   time.Duration
	OnData         DataHandler
}

// OptionsFromConfig extracts the engine's options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ServiceUUID:    cfg.Whisper.ServiceUUID,
		MaxDevices:     cfg.Whisper.MaxDevices,
		MaxSessions:    cfg.Whisper.MaxSessions,
		MaxPayload:     cfg.Whisper.MaxPayloadBytes,
		SessionTimeout: cfg.SessionTimeout(),
		TickInterval:   cfg.TickInterval(),
	}
}

// Engine owns the device and session tables. A single mutex guards
// both; radio calls are made without holding it.
type Engine struct {
	opts   Options
	radio  radio.Radio
	cipher Cipher
	store  *Store
	log    *logging.Logger
	clock  clock.Clock

	mu          sync.Mutex
	devices     *table[*Device]
	sessions    *table[*Session]
	stats       Stats
	nextSession SessionID
	dirty       bool
}

// NewEngine builds an engine. cipher defaults to LegacyCipher and store
// may be nil to disable persistence.
func NewEngine(opts Options, r radio.Radio, cipher Cipher, store *Store, log *logging.Logger, clk clock.Clock) (*Engine, error) {
	if r == nil {
		return nil, errors.New("radio is required")
	}
	if opts.MaxDevices <= 0 || opts.MaxSessions <= 0 {
		return nil, fmt.Errorf("table capacities must be positive (devices=%d, sessions=%d)", opts.MaxDevices, opts.MaxSessions)
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = DefaultServiceUUID
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 1024
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if cipher == nil {
		cipher = LegacyCipher{}
	}
	if log == nil {
		log = logging.Discard("LilithBLEWhisperer")
	}
	if clk == nil {
		clk = clock.Real()
	}

	e := &Engine{
		opts:     opts,
		radio:    r,
		cipher:   cipher,
		store:    store,
		log:      log,
		clock:    clk,
		devices:  newTable[*Device](opts.MaxDevices),
		sessions: newTable[*Session](opts.MaxSessions),
	}
	e.stats.Cipher = cipher.Name()

	if store != nil {
		e.restore()
	}
	return e, nil
}

func (e *Engine) restore() {
	devices, err := e.store.Load()
	if err != nil {
		e.log.Warnf("Ignoring device database %s: %v", e.store.Path(), err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range devices {
		d := devices[i]
		if err := e.devices.insert(d.Address, &d); err != nil {
			e.log.Warnf("Device database holds more than %d devices, dropping the rest", e.opts.MaxDevices)
			break
		}
	}
	if e.devices.size() > 0 {
		e.log.Infof("Restored %d known devices", e.devices.size())
	}
}

// ScanCycle starts scanning if needed, drains the radio's reports and
// registers every new peer advertising the whisper service. Known peers
// only get their last-seen time refreshed. Returns the number of new
// devices.
func (e *Engine) ScanCycle() int {
	if !e.radio.Scanning() {
		if err := e.radio.StartScan(); err != nil {
			e.log.Errorf("Failed to start BLE scanning: %v", err)
			return 0
		}
		e.log.Infof("BLE scanning started")
	}

	reports, err := e.radio.Reports()
	if err != nil {
		e.log.Errorf("Failed to read scan results: %v", err)
		return 0
	}

	added := 0
	for _, ad := range reports {
		if !ad.Advertises(e.opts.ServiceUUID) {
			continue
		}
		addr, err := radio.NormalizeAddress(ad.Address)
		if err != nil {
			e.log.Debugf("Ignoring advertisement: %v", err)
			continue
		}

		if e.touch(addr, ad.RSSI) {
			continue
		}

		name := ad.Name
		if name == "" {
			name = "Unknown"
		}
		if err := e.RegisterDevice(name, addr, ad.RSSI); err == nil {
			added++
		}
	}
	return added
}

// touch refreshes a known device and reports whether it was known.
func (e *Engine) touch(addr string, rssi int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices.get(addr)
	if !ok {
		return false
	}
	d.LastSeenAt = e.clock.Now()
	d.RSSI = rssi
	return true
}

// RegisterDevice adds a peer to the device table. It fails with
// ErrCapacityExceeded when the table is full, leaving it untouched.
func (e *Engine) RegisterDevice(name, address string, rssi int) error {
	addr, err := radio.NormalizeAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	now := e.clock.Now()
	d := &Device{
		Name:         name,
		Address:      addr,
		RSSI:         rssi,
		DiscoveredAt: now,
		LastSeenAt:   now,
		State:        StateDiscovered,
	}

	e.mu.Lock()
	if _, ok := e.devices.get(addr); ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceExists, addr)
	}
	err = e.devices.insert(addr, d)
	if err == nil {
		e.dirty = true
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Warnf("Device table full (%d), rejecting %s", e.opts.MaxDevices, addr)
		return err
	}
	e.log.Infof("Discovered WhispurrNEt device: %s (%s) RSSI: %d", name, addr, rssi)
	return nil
}

// SendHandshake transmits a fresh handshake frame to address.
func (e *Engine) SendHandshake(address string) error {
	addr, err := radio.NormalizeAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	e.mu.Lock()
	_, known := e.devices.get(addr)
	e.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}

	frame := legacy.EncodeHandshake(e.clock.Now())
	if err := e.radio.Transmit(radio.Frame{Address: addr, Kind: radio.FrameHandshake, Payload: frame}); err != nil {
		e.log.Warnf("Failed to send handshake to %s: %v", addr, err)
		return err
	}

	e.mu.Lock()
	if d, ok := e.devices.get(addr); ok && d.State == StateDiscovered {
		d.State = StateHandshakeSent
	}
	e.mu.Unlock()

	e.log.Debugf("Handshake sent to %s", addr)
	return nil
}

// ProcessHandshake validates a received handshake frame. On success the
// device is marked handshaken and given a session key for today. A
// frame whose timestamp is not newer than the last accepted one from
// the same peer is a replay and changes nothing.
func (e *Engine) ProcessHandshake(address string, frame []byte) error {
	addr, err := radio.NormalizeAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	stamp, err := legacy.DecodeHandshake(frame)
	if err != nil {
		e.mu.Lock()
		e.stats.RejectedFrames++
		e.mu.Unlock()
		e.log.Warnf("Dropping handshake from %s: %v", addr, err)
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	now := e.clock.Now()

	e.mu.Lock()
	d, ok := e.devices.get(addr)
	if !ok {
		e.mu.Unlock()
		e.log.Warnf("Handshake from unknown device %s ignored", addr)
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if d.HandshakeCompleted && !stamp.After(d.LastHandshakeStamp) {
		e.mu.Unlock()
		e.log.Warnf("Replayed handshake from %s ignored", addr)
		return fmt.Errorf("%w: %s", ErrReplay, addr)
	}

	first := !d.HandshakeCompleted
	d.HandshakeCompleted = true
	d.LastHandshakeStamp = stamp
	d.SessionKey = legacy.DeriveSessionKey(addr, now)
	d.LastSeenAt = now
	if _, active := e.sessions.get(addr); !active {
		d.State = StateHandshakeComplete
	}
	e.stats.TotalHandshakes++
	e.mu.Unlock()

	if first {
		e.log.Infof("WhispurrNEt handshake completed with %s", addr)
	} else {
		e.log.Debugf("Handshake refreshed with %s", addr)
	}
	return nil
}

// OpenSession creates a session for a handshaken peer and returns its
// ID. A peer with a live session gets that session's ID back.
func (e *Engine) OpenSession(address string) (SessionID, error) {
	addr, err := radio.NormalizeAddress(address)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices.get(addr)
	if !ok {
		e.log.Errorf("Device %s not found for session creation", addr)
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if !d.HandshakeCompleted {
		return 0, fmt.Errorf("%w: %s", ErrHandshakeIncomplete, addr)
	}
	if s, ok := e.sessions.get(addr); ok {
		return s.ID, nil
	}
	if e.sessions.full() {
		e.log.Warnf("Maximum active sessions reached (%d), not opening %s", e.opts.MaxSessions, addr)
		return 0, ErrCapacityExceeded
	}

	e.nextSession++
	now := e.clock.Now()
	s := &Session{
		ID:             e.nextSession,
		PeerAddress:    addr,
		SessionKey:     append([]byte(nil), d.SessionKey...),
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.sessions.insert(addr, s); err != nil {
		return 0, err
	}
	d.State = StateSessionActive

	e.log.Infof("Whisper session %s created with %s", s.ID, addr)
	return s.ID, nil
}

// expiredLocked reports whether s has been idle longer than the timeout.
func (e *Engine) expiredLocked(s *Session, now time.Time) bool {
	return now.Sub(s.LastActivityAt) > e.opts.SessionTimeout
}

// dropSessionLocked removes the session for addr and marks the device.
func (e *Engine) dropSessionLocked(addr string) {
	e.sessions.remove(addr)
	e.stats.ExpiredSessions++
	if d, ok := e.devices.get(addr); ok {
		d.State = StateSessionExpired
	}
}

// Exchange protects payload with the session key and sends it. It fails
// with ErrNoActiveSession when there is no session or the session has
// expired; an expired session is removed first.
func (e *Engine) Exchange(address string, payload []byte) error {
	addr, err := radio.NormalizeAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(payload) > e.opts.MaxPayload {
		e.log.Warnf("Data too large for exchange (%d > %d bytes)", len(payload), e.opts.MaxPayload)
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	now := e.clock.Now()

	e.mu.Lock()
	s, ok := e.sessions.get(addr)
	if !ok {
		e.mu.Unlock()
		e.log.Warnf("No active session for data exchange with %s", addr)
		return fmt.Errorf("%w: %s", ErrNoActiveSession, addr)
	}
	if e.expiredLocked(s, now) {
		e.dropSessionLocked(addr)
		e.mu.Unlock()
		e.log.Warnf("Session %s with %s timed out, removing session", s.ID, addr)
		return fmt.Errorf("%w: %s", ErrNoActiveSession, addr)
	}
	key := s.SessionKey
	id := s.ID
	e.mu.Unlock()

	sealed, err := e.cipher.Seal(key, payload)
	if err != nil {
		return fmt.Errorf("failed to seal payload: %w", err)
	}
	if err := e.radio.Transmit(radio.Frame{Address: addr, Kind: radio.FrameData, Payload: sealed}); err != nil {
		e.log.Warnf("Failed to send data to %s: %v", addr, err)
		return err
	}

	e.mu.Lock()
	if s, ok := e.sessions.get(addr); ok && s.ID == id {
		s.LastActivityAt = now
		s.ExchangeCount++
	}
	e.stats.SuccessfulExchanges++
	e.mu.Unlock()

	e.log.Infof("Data exchanged with %s (session %s)", addr, id)
	return nil
}

// HandleFrame dispatches one frame received from a peer.
func (e *Engine) HandleFrame(frame radio.Frame) error {
	if frame.Kind == radio.FrameHandshake {
		return e.ProcessHandshake(frame.Address, frame.Payload)
	}

	addr, err := radio.NormalizeAddress(frame.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%w: empty data frame", ErrProtocol)
	}

	now := e.clock.Now()

	e.mu.Lock()
	s, ok := e.sessions.get(addr)
	if ok && e.expiredLocked(s, now) {
		e.dropSessionLocked(addr)
		ok = false
	}
	if !ok {
		e.stats.RejectedFrames++
		e.mu.Unlock()
		e.log.Warnf("Data from %s without an active session dropped", addr)
		return fmt.Errorf("%w: %s", ErrNoActiveSession, addr)
	}
	key := s.SessionKey
	e.mu.Unlock()

	payload, err := e.cipher.Open(key, frame.Payload)
	if err != nil {
		e.mu.Lock()
		e.stats.RejectedFrames++
		e.mu.Unlock()
		e.log.Warnf("Undecodable data from %s dropped: %v", addr, err)
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(payload) > e.opts.MaxPayload {
		e.mu.Lock()
		e.stats.RejectedFrames++
		e.mu.Unlock()
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	e.mu.Lock()
	if s, ok := e.sessions.get(addr); ok {
		s.LastActivityAt = now
	}
	e.stats.ReceivedFrames++
	e.mu.Unlock()

	if e.opts.OnData != nil {
		e.opts.OnData(addr, payload)
	}
	return nil
}

// SweepExpiredSessions removes every session idle longer than the
// timeout and returns how many were removed.
func (e *Engine) SweepExpiredSessions() int {
	now := e.clock.Now()

	e.mu.Lock()
	var expired []*Session
	for _, addr := range e.sessions.keys() {
		s, _ := e.sessions.get(addr)
		if e.expiredLocked(s, now) {
			e.dropSessionLocked(addr)
			expired = append(expired, s)
		}
	}
	e.mu.Unlock()

	for _, s := range expired {
		e.log.Infof("Removing expired session %s with %s", s.ID, s.PeerAddress)
	}
	return len(expired)
}

// Tick runs one engine iteration: scan, handle inbound frames, send
// handshakes to peers that have not completed one, open sessions for
// handshaken peers without one, then sweep expired sessions.
func (e *Engine) Tick() {
	if n := e.ScanCycle(); n > 0 {
		e.log.Infof("Found %d new WhispurrNEt devices", n)
	}

	e.drainInbound()
	for _, addr := range e.addresses(func(d *Device) bool { return !d.HandshakeCompleted }) {
		e.SendHandshake(addr)
	}

	// Replies to this tick's handshakes.
	e.drainInbound()
	for _, addr := range e.addresses(func(d *Device) bool { return d.HandshakeCompleted }) {
		if _, err := e.OpenSession(addr); errors.Is(err, ErrCapacityExceeded) {
			break
		}
	}

	e.SweepExpiredSessions()
	e.persist()
}

// addresses returns the sorted addresses of devices matching keep that
// have no session.
func (e *Engine) addresses(keep func(*Device) bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for _, addr := range e.devices.keys() {
		d, _ := e.devices.get(addr)
		if _, active := e.sessions.get(addr); !active && keep(d) {
			out = append(out, addr)
		}
	}
	return out
}

func (e *Engine) drainInbound() {
	frames, err := e.radio.Receive()
	if err != nil {
		e.log.Errorf("Failed to receive frames: %v", err)
		return
	}
	for _, f := range frames {
		e.HandleFrame(f)
	}
}

// persist writes the device table when it has gained entries.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return
	}
	devices := e.devicesLocked()
	e.dirty = false
	e.mu.Unlock()

	if err := e.store.Save(devices, e.clock.Now()); err != nil {
		e.log.Errorf("Failed to save device database: %v", err)
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
	}
}

// Run loops until ctx is cancelled, then stops scanning and saves the
// device table. Cancellation is observed once per iteration.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Infof("BLE Whisperer daemon thread started")
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		e.Tick()

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	if e.radio.Scanning() {
		if err := e.radio.StopScan(); err != nil {
			e.log.Errorf("Failed to stop BLE scanning: %v", err)
		} else {
			e.log.Infof("BLE scanning stopped")
		}
	}
	e.persist()
	e.log.Infof("BLE Whisperer daemon thread stopped")
	return nil
}

func (e *Engine) devicesLocked() []Device {
	out := make([]Device, 0, e.devices.size())
	for _, addr := range e.devices.keys() {
		d, _ := e.devices.get(addr)
		c := *d
		c.SessionKey = nil
		out = append(out, c)
	}
	return out
}

// Devices returns copies of the device table sorted by address.
// Session keys are not included.
func (e *Engine) Devices() []Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devicesLocked()
}

// Device returns a copy of one device, session key included.
func (e *Engine) Device(address string) (Device, bool) {
	addr, err := radio.NormalizeAddress(address)
	if err != nil {
		return Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices.get(addr)
	if !ok {
		return Device{}, false
	}
	c := *d
	c.SessionKey = append([]byte(nil), d.SessionKey...)
	return c, true
}

// Sessions returns copies of the session table sorted by ID.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	out := make([]Session, 0, e.sessions.size())
	for _, addr := range e.sessions.keys() {
		s, _ := e.sessions.get(addr)
		c := *s
		c.SessionKey = nil
		out = append(out, c)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns a copy of the counters with current table sizes.
func (e *Engine) Stats() Stats {
	scanning := e.radio.Scanning()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats
	st.Scanning = scanning
	st.DeviceCount = e.devices.size()
	st.SessionCount = e.sessions.size()
	return st
}

// Forget removes a device and any session it has.
func (e *Engine) Forget(address string) bool {
	addr, err := radio.NormalizeAddress(address)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.devices.get(addr); !ok {
		return false
	}
	e.devices.remove(addr)
	e.sessions.remove(addr)
	e.dirty = true
	e.log.Infof("Forgot device %s", addr)
	return true
}
