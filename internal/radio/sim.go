package radio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lilith-daemons/internal/clock"
)

// Responder produces a peer's replies to a frame it received.
type Responder func(frame Frame) []Frame

// EchoHandshakes is a Responder for peers that answer a handshake with
// the same frame, which is what a peer sharing the legacy secret does.
func EchoHandshakes(frame Frame) []Frame {
	if frame.Kind != FrameHandshake {
		return nil
	}
	payload := append([]byte(nil), frame.Payload...)
	return []Frame{{Address: frame.Address, Kind: FrameHandshake, Payload: payload}}
}

// Peer is a simulated device in radio range.
type Peer struct {
	Name    string
	Address string
	RSSI    int
	Data    []byte
}

// SentLogSize bounds the transmit log kept by Sim. Older frames are
// dropped first.
const SentLogSize = 256

// Sim is an in-memory Radio. Every operation goes through a single
// command worker so calls are applied in FIFO order, the way a real
// controller serializes HCI commands.
type Sim struct {
	mu            sync.RWMutex
	peers         map[string]Peer
	scanning      bool
	blackoutUntil time.Time
	pending       []Advertisement
	inbound       []Frame
	sent          []Frame
	responder     Responder
	clock         clock.Clock

	commandQueue chan command
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

type command struct {
	op       string
	frame    Frame
	response chan commandResponse
}

type commandResponse struct {
	reports []Advertisement
	frames  []Frame
	err     error
}

// NewSim starts a simulated radio with no peers in range.
func NewSim(clk clock.Clock) *Sim {
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sim{
		peers:        make(map[string]Peer),
		clock:        clk,
		commandQueue: make(chan command, 64),
		ctx:          ctx,
		cancel:       cancel,
	}

	s.wg.Add(1)
	go s.commandWorker()

	return s
}

func (s *Sim) commandWorker() {
	defer s.wg.Done()

	for {
		select {
		case cmd := <-s.commandQueue:
			cmd.response <- s.processCommand(cmd)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Sim) processCommand(cmd command) commandResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clock.Now().Before(s.blackoutUntil) {
		return commandResponse{err: ErrUnavailable}
	}

	switch cmd.op {
	case "startScan":
		s.scanning = true
		return commandResponse{}
	case "stopScan":
		s.scanning = false
		s.pending = nil
		return commandResponse{}
	case "reports":
		if !s.scanning {
			return commandResponse{err: ErrNotScanning}
		}
		s.advertiseLocked()
		reports := s.pending
		s.pending = nil
		return commandResponse{reports: reports}
	case "transmit":
		return commandResponse{err: s.transmitLocked(cmd.frame)}
	case "receive":
		frames := s.inbound
		s.inbound = nil
		return commandResponse{frames: frames}
	default:
		return commandResponse{err: fmt.Errorf("unknown radio command %q", cmd.op)}
	}
}

// advertiseLocked queues one report per peer in range, as if every
// peer advertised once since the last drain.
func (s *Sim) advertiseLocked() {
	now := s.clock.Now()
	addrs := make([]string, 0, len(s.peers))
	for addr := range s.peers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		p := s.peers[addr]
		s.pending = append(s.pending, Advertisement{
			Name:    p.Name,
			Address: p.Address,
			RSSI:    p.RSSI,
			Data:    append([]byte(nil), p.Data...),
			SeenAt:  now,
		})
	}
}

func (s *Sim) transmitLocked(frame Frame) error {
	if _, ok := s.peers[frame.Address]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, frame.Address)
	}

	frame.Payload = append([]byte(nil), frame.Payload...)
	if len(s.sent) == SentLogSize {
		copy(s.sent, s.sent[1:])
		s.sent = s.sent[:SentLogSize-1]
	}
	s.sent = append(s.sent, frame)

	if s.responder != nil {
		s.inbound = append(s.inbound, s.responder(frame)...)
	}
	return nil
}

func (s *Sim) execute(cmd command) commandResponse {
	cmd.response = make(chan commandResponse, 1)

	select {
	case s.commandQueue <- cmd:
		select {
		case resp := <-cmd.response:
			return resp
		case <-time.After(5 * time.Second):
			return commandResponse{err: ErrBusy}
		case <-s.ctx.Done():
			return commandResponse{err: ErrUnavailable}
		}
	case <-time.After(time.Second):
		return commandResponse{err: ErrBusy}
	case <-s.ctx.Done():
		return commandResponse{err: ErrUnavailable}
	}
}

// StartScan begins collecting advertisements.
func (s *Sim) StartScan() error {
	return s.execute(command{op: "startScan"}).err
}

// StopScan stops scanning and drops undelivered reports.
func (s *Sim) StopScan() error {
	return s.execute(command{op: "stopScan"}).err
}

// Scanning reports whether a scan is active.
func (s *Sim) Scanning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanning
}

// Reports returns one advertisement per peer currently in range.
func (s *Sim) Reports() ([]Advertisement, error) {
	resp := s.execute(command{op: "reports"})
	return resp.reports, resp.err
}

// Transmit delivers a frame to a peer in range.
func (s *Sim) Transmit(frame Frame) error {
	return s.execute(command{op: "transmit", frame: frame}).err
}

// Receive drains frames that peers sent back.
func (s *Sim) Receive() ([]Frame, error) {
	resp := s.execute(command{op: "receive"})
	return resp.frames, resp.err
}

// AddPeer brings a peer into range, replacing any peer at that address.
func (s *Sim) AddPeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.Address] = p
}

// RemovePeer takes a peer out of range.
func (s *Sim) RemovePeer(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, address)
}

// SetResponder installs the function that answers transmitted frames.
func (s *Sim) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// Inject queues a frame as if a peer had sent it unprompted.
func (s *Sim) Inject(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, frame)
}

// Sent returns copies of the last SentLogSize transmitted frames, oldest
// first.
func (s *Sim) Sent() []Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

// Reset power-cycles the controller: scanning stops and every command
// fails with ErrUnavailable for d.
func (s *Sim) Reset(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanning = false
	s.pending = nil
	s.inbound = nil
	s.blackoutUntil = s.clock.Now().Add(d)
}

// Available reports whether the controller is out of its reset window.
func (s *Sim) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.clock.Now().Before(s.blackoutUntil)
}

// Close stops the command worker.
func (s *Sim) Close() error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timeout")
	}
}
