package whisper

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lilith-daemons/internal/clock"
	"github.com/lilith-daemons/internal/logging"
	"github.com/lilith-daemons/internal/radio"
	"github.com/lilith-daemons/internal/whisper/legacy"
)

const peerAddr = "AA:BB:CC:DD:EE:FF"

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	engine *Engine
	sim    *radio.Sim
	clock  *clock.FakeClock
	logs   *logBuffer
}

func testOptions() Options {
	return Options{
		ServiceUUID:    DefaultServiceUUID,
		MaxDevices:     3,
		MaxSessions:    2,
		MaxPayload:     64,
		SessionTimeout: 5 * time.Minute,
		TickInterval:   5 * time.Second,
	}
}

func newHarness(t *testing.T, opts Options, cipher Cipher, store *Store) *harness {
	t.Helper()
	clk := clock.Fake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sim := radio.NewSim(clk)
	t.Cleanup(func() { sim.Close() })

	logs := &logBuffer{}
	log := logging.New(logs, "LilithBLEWhisperer")
	log.SetLevel(logging.LevelDebug)
	log.SetClock(clk)

	e, err := NewEngine(opts, sim, cipher, store, log, clk)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &harness{engine: e, sim: sim, clock: clk, logs: logs}
}

func whisperPeer(addr string) radio.Peer {
	return radio.Peer{Name: "kitty", Address: addr, RSSI: -50, Data: []byte("svc:" + DefaultServiceUUID)}
}

func TestNewEngineValidation(t *testing.T) {
	sim := radio.NewSim(nil)
	defer sim.Close()

	if _, err := NewEngine(testOptions(), nil, nil, nil, nil, nil); err == nil {
		t.Error("Expected error without radio")
	}
	opts := testOptions()
	opts.MaxSessions = 0
	if _, err := NewEngine(opts, sim, nil, nil, nil, nil); err == nil {
		t.Error("Expected error for zero session capacity")
	}
}

func TestScenarioCHandshakeThenSession(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine

	if err := e.RegisterDevice("kitty", peerAddr, -40); err != nil {
		t.Fatal(err)
	}
	if d, _ := e.Device(peerAddr); d.HandshakeCompleted {
		t.Fatal("New device should not be handshaken")
	}

	frame := legacy.EncodeHandshake(h.clock.Now())
	if len(frame) != 16 {
		t.Fatalf("frame length = %d", len(frame))
	}
	if err := e.ProcessHandshake(peerAddr, frame); err != nil {
		t.Fatalf("ProcessHandshake failed: %v", err)
	}

	d, _ := e.Device(peerAddr)
	if !d.HandshakeCompleted || d.State != StateHandshakeComplete {
		t.Fatalf("Unexpected device after handshake: %+v", d)
	}
	want := legacy.DeriveSessionKey(peerAddr, h.clock.Now())
	if !bytes.Equal(d.SessionKey, want) {
		t.Error("Session key not derived from address and date")
	}
	if got := e.Stats().TotalHandshakes; got != 1 {
		t.Errorf("TotalHandshakes = %d, want 1", got)
	}

	id, err := e.OpenSession(peerAddr)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if id == 0 {
		t.Error("Expected a non-zero session id")
	}
	sessions := e.Sessions()
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].PeerAddress != peerAddr {
		t.Errorf("Unexpected sessions: %+v", sessions)
	}

	again, err := e.OpenSession(peerAddr)
	if err != nil || again != id {
		t.Errorf("Second OpenSession = %v, %v; want existing %v", again, err, id)
	}
}

func TestReplayedHandshakeChangesNothing(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	e.RegisterDevice("kitty", peerAddr, -40)

	frame := legacy.EncodeHandshake(h.clock.Now())
	if err := e.ProcessHandshake(peerAddr, frame); err != nil {
		t.Fatal(err)
	}
	id, err := e.OpenSession(peerAddr)
	if err != nil {
		t.Fatal(err)
	}

	beforeStats := e.Stats()
	beforeDevice, _ := e.Device(peerAddr)
	beforeSessions := e.Sessions()

	h.clock.Advance(time.Minute)
	if err := e.ProcessHandshake(peerAddr, frame); !errors.Is(err, ErrReplay) {
		t.Fatalf("Expected ErrReplay, got %v", err)
	}

	if e.Stats() != beforeStats {
		t.Errorf("Stats changed: %+v -> %+v", beforeStats, e.Stats())
	}
	afterDevice, _ := e.Device(peerAddr)
	if afterDevice.State != beforeDevice.State || !afterDevice.LastSeenAt.Equal(beforeDevice.LastSeenAt) ||
		!bytes.Equal(afterDevice.SessionKey, beforeDevice.SessionKey) {
		t.Errorf("Device changed: %+v -> %+v", beforeDevice, afterDevice)
	}
	afterSessions := e.Sessions()
	if !reflect.DeepEqual(afterSessions, beforeSessions) || afterSessions[0].ID != id {
		t.Errorf("Sessions changed: %+v -> %+v", beforeSessions, afterSessions)
	}

	// A newer frame is a legitimate re-handshake.
	if err := e.ProcessHandshake(peerAddr, legacy.EncodeHandshake(h.clock.Now())); err != nil {
		t.Errorf("Fresh handshake rejected: %v", err)
	}
	if got := e.Stats().TotalHandshakes; got != 2 {
		t.Errorf("TotalHandshakes = %d, want 2", got)
	}
}

func TestProcessHandshakeErrors(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	e.RegisterDevice("kitty", peerAddr, -40)

	good := legacy.EncodeHandshake(h.clock.Now())
	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 0xFF

	tests := []struct {
		name  string
		addr  string
		frame []byte
		want  error
	}{
		{"short frame", peerAddr, good[:12], ErrProtocol},
		{"bad magic", peerAddr, badMagic, ErrProtocol},
		{"bad address", "not-an-address", good, ErrProtocol},
		{"unknown device", "11:22:33:44:55:66", good, ErrUnknownDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.ProcessHandshake(tt.addr, tt.frame); !errors.Is(err, tt.want) {
				t.Errorf("ProcessHandshake() error = %v, want %v", err, tt.want)
			}
		})
	}

	d, _ := e.Device(peerAddr)
	if d.HandshakeCompleted {
		t.Error("Rejected frames must not complete the handshake")
	}
	if st := e.Stats(); st.TotalHandshakes != 0 {
		t.Errorf("TotalHandshakes = %d, want 0", st.TotalHandshakes)
	}
	if !strings.Contains(h.logs.String(), "WARN: Dropping handshake from AA:BB:CC:DD:EE:FF") {
		t.Error("Expected WARN for dropped handshake")
	}
}

func TestOpenSessionRequiresHandshake(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	e.RegisterDevice("kitty", peerAddr, -40)

	if _, err := e.OpenSession(peerAddr); !errors.Is(err, ErrHandshakeIncomplete) {
		t.Errorf("Expected ErrHandshakeIncomplete, got %v", err)
	}
	if _, err := e.OpenSession("11:22:33:44:55:66"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice, got %v", err)
	}
	if len(e.Sessions()) != 0 {
		t.Error("No session should exist")
	}
}

func TestDeviceTableCapacity(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine

	for i := 0; i < 3; i++ {
		if err := e.RegisterDevice("peer", fmt.Sprintf("00:00:00:00:00:%02X", i), -60); err != nil {
			t.Fatalf("RegisterDevice %d failed: %v", i, err)
		}
	}
	before := e.Devices()

	h.clock.Advance(time.Second)
	if err := e.RegisterDevice("late", "00:00:00:00:00:FF", -30); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}

	after := e.Devices()
	if len(after) != len(before) {
		t.Fatalf("Device count changed: %d -> %d", len(before), len(after))
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Devices modified: %+v -> %+v", before, after)
	}

	if err := e.RegisterDevice("dup", "00:00:00:00:00:00", -1); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("Expected ErrDeviceExists, got %v", err)
	}
}

func TestSessionTableCapacity(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine

	addrs := []string{"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:03"}
	for _, addr := range addrs {
		e.RegisterDevice("peer", addr, -60)
		if err := e.ProcessHandshake(addr, legacy.EncodeHandshake(h.clock.Now())); err != nil {
			t.Fatal(err)
		}
	}

	for _, addr := range addrs[:2] {
		if _, err := e.OpenSession(addr); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.OpenSession(addrs[2]); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Expected ErrCapacityExceeded, got %v", err)
	}
	if got := len(e.Sessions()); got != 2 {
		t.Errorf("session count = %d, want 2", got)
	}
}

func TestSessionExpiry(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	h.sim.AddPeer(whisperPeer(peerAddr))

	e.RegisterDevice("kitty", peerAddr, -40)
	e.ProcessHandshake(peerAddr, legacy.EncodeHandshake(h.clock.Now()))
	if _, err := e.OpenSession(peerAddr); err != nil {
		t.Fatal(err)
	}

	// Exactly at the timeout the session is still alive.
	h.clock.Advance(5 * time.Minute)
	if n := e.SweepExpiredSessions(); n != 0 {
		t.Fatalf("Swept %d sessions at the boundary", n)
	}

	h.clock.Advance(time.Second)
	if n := e.SweepExpiredSessions(); n != 1 {
		t.Fatalf("Expected 1 swept session, got %d", n)
	}
	if len(e.Sessions()) != 0 {
		t.Error("Session table should be empty")
	}
	if d, _ := e.Device(peerAddr); d.State != StateSessionExpired || !d.HandshakeCompleted {
		t.Errorf("Unexpected device after expiry: %+v", d)
	}

	if err := e.Exchange(peerAddr, []byte("hi")); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestExchangePurgesExpiredSession(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	h.sim.AddPeer(whisperPeer(peerAddr))

	e.RegisterDevice("kitty", peerAddr, -40)
	e.ProcessHandshake(peerAddr, legacy.EncodeHandshake(h.clock.Now()))
	e.OpenSession(peerAddr)

	h.clock.Advance(6 * time.Minute)
	if err := e.Exchange(peerAddr, []byte("late")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Expected ErrNoActiveSession, got %v", err)
	}
	if len(e.Sessions()) != 0 {
		t.Error("Expired session should be purged by Exchange")
	}
	if st := e.Stats(); st.SuccessfulExchanges != 0 || st.ExpiredSessions != 1 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestExchangeLegacy(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	h.sim.AddPeer(whisperPeer(peerAddr))

	e.RegisterDevice("kitty", peerAddr, -40)
	e.ProcessHandshake(peerAddr, legacy.EncodeHandshake(h.clock.Now()))
	e.OpenSession(peerAddr)

	h.clock.Advance(time.Minute)
	payload := []byte("meow")
	if err := e.Exchange(peerAddr, payload); err != nil {
		t.Fatal(err)
	}

	sent := h.sim.Sent()
	if len(sent) != 1 || sent[0].Kind != radio.FrameData {
		t.Fatalf("Unexpected sent frames: %+v", sent)
	}
	key := legacy.DeriveSessionKey(peerAddr, h.clock.Now())
	if !bytes.Equal(legacy.Apply(sent[0].Payload, key), payload) {
		t.Error("Payload not obfuscated with the session key")
	}

	s := e.Sessions()[0]
	if s.ExchangeCount != 1 || !s.LastActivityAt.Equal(h.clock.Now()) {
		t.Errorf("Unexpected session after exchange: %+v", s)
	}
	if e.Stats().SuccessfulExchanges != 1 {
		t.Error("SuccessfulExchanges not incremented")
	}

	if err := e.Exchange(peerAddr, make([]byte, 65)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestExchangeSealedRoundTrip(t *testing.T) {
	var got []byte
	opts := testOptions()
	opts.OnData = func(addr string, payload []byte) { got = payload }

	cipher, err := CipherByName("sealed")
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, opts, cipher, nil)
	e := h.engine
	h.sim.AddPeer(whisperPeer(peerAddr))

	e.RegisterDevice("kitty", peerAddr, -40)
	e.ProcessHandshake(peerAddr, legacy.EncodeHandshake(h.clock.Now()))
	e.OpenSession(peerAddr)

	if err := e.Exchange(peerAddr, []byte("secret purr")); err != nil {
		t.Fatal(err)
	}
	sent := h.sim.Sent()[0]
	if bytes.Contains(sent.Payload, []byte("secret purr")) {
		t.Error("Sealed payload sent in the clear")
	}

	// Loop the frame back as if the peer sent it.
	if err := e.HandleFrame(radio.Frame{Address: peerAddr, Kind: radio.FrameData, Payload: sent.Payload}); err != nil {
		t.Fatal(err)
	}
	if string(got) != "secret purr" {
		t.Errorf("OnData got %q", got)
	}

	tampered := append([]byte(nil), sent.Payload...)
	tampered[len(tampered)-1] ^= 1
	if err := e.HandleFrame(radio.Frame{Address: peerAddr, Kind: radio.FrameData, Payload: tampered}); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol for tampered frame, got %v", err)
	}
	if st := e.Stats(); st.ReceivedFrames != 1 || st.RejectedFrames != 1 || st.Cipher != "sealed" {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestScanCycleFiltersAndRefreshes(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine

	h.sim.AddPeer(whisperPeer("aa:bb:cc:dd:ee:01"))
	h.sim.AddPeer(radio.Peer{Name: "headphones", Address: "AA:BB:CC:DD:EE:02", Data: []byte("0000110b-0000-1000-8000-00805f9b34fb")})
	h.sim.AddPeer(radio.Peer{Address: "AA:BB:CC:DD:EE:03", Data: []byte(DefaultServiceUUID)})

	if n := e.ScanCycle(); n != 2 {
		t.Fatalf("Expected 2 new devices, got %d", n)
	}
	if !h.sim.Scanning() {
		t.Error("ScanCycle should start scanning")
	}

	devices := e.Devices()
	if len(devices) != 2 || devices[0].Address != "AA:BB:CC:DD:EE:01" || devices[1].Name != "Unknown" {
		t.Fatalf("Unexpected devices: %+v", devices)
	}

	h.clock.Advance(10 * time.Second)
	if n := e.ScanCycle(); n != 0 {
		t.Errorf("Expected no new devices on rescan, got %d", n)
	}
	d, _ := e.Device("AA:BB:CC:DD:EE:01")
	if !d.LastSeenAt.Equal(h.clock.Now()) || !d.DiscoveredAt.Before(d.LastSeenAt) {
		t.Errorf("LastSeenAt not refreshed: %+v", d)
	}
}

func TestTickDrivesFullLifecycle(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	h.sim.AddPeer(whisperPeer(peerAddr))
	h.sim.SetResponder(radio.EchoHandshakes)

	e.Tick()

	d, ok := e.Device(peerAddr)
	if !ok || !d.HandshakeCompleted || d.State != StateSessionActive {
		t.Fatalf("Expected active session after one tick, got %+v", d)
	}
	if got := len(e.Sessions()); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}

	// Further ticks do not re-handshake.
	h.clock.Advance(5 * time.Second)
	e.Tick()
	if got := e.Stats().TotalHandshakes; got != 1 {
		t.Errorf("TotalHandshakes = %d, want 1", got)
	}

	// An idle session is swept at the end of a tick and re-opened on
	// the next one.
	h.clock.Advance(6 * time.Minute)
	e.Tick()
	if got := len(e.Sessions()); got != 0 {
		t.Fatalf("Expected idle session to be swept, %d left", got)
	}
	if d, _ := e.Device(peerAddr); d.State != StateSessionExpired {
		t.Errorf("state = %v, want %v", d.State, StateSessionExpired)
	}

	h.clock.Advance(5 * time.Second)
	e.Tick()
	sessions := e.Sessions()
	if len(sessions) != 1 || sessions[0].ID != 2 {
		t.Errorf("Expected fresh session ws-000002, got %+v", sessions)
	}
}

func TestTickWithoutResponderOnlySendsHandshakes(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	e := h.engine
	h.sim.AddPeer(whisperPeer(peerAddr))

	e.Tick()
	d, _ := e.Device(peerAddr)
	if d.HandshakeCompleted || d.State != StateHandshakeSent {
		t.Errorf("Unexpected device: %+v", d)
	}
	if sent := h.sim.Sent(); len(sent) != 1 || sent[0].Kind != radio.FrameHandshake {
		t.Errorf("Expected one handshake frame, got %+v", sent)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "whisper", "devices.db"))

	h := newHarness(t, testOptions(), nil, store)
	h.sim.AddPeer(whisperPeer(peerAddr))
	h.sim.SetResponder(radio.EchoHandshakes)
	h.engine.Tick()

	restarted := newHarness(t, testOptions(), nil, store)
	d, ok := restarted.engine.Device(peerAddr)
	if !ok {
		t.Fatal("Device not restored")
	}
	if d.HandshakeCompleted || len(restarted.engine.Sessions()) != 0 {
		t.Error("Handshake and session state must not survive a restart")
	}
	if d.Name != "kitty" || d.RSSI != -50 {
		t.Errorf("Unexpected restored device: %+v", d)
	}
}
