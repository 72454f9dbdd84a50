// Package whisper runs the Whispurr peer protocol: it discovers nearby
// devices over the radio, performs handshakes and keeps a bounded set
// of time-limited sessions for data exchange.
package whisper

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCapacityExceeded    = errors.New("CAPACITY_EXCEEDED")
	ErrProtocol            = errors.New("PROTOCOL_ERROR")
	ErrNoActiveSession     = errors.New("NO_ACTIVE_SESSION")
	ErrUnknownDevice       = errors.New("UNKNOWN_DEVICE")
	ErrDeviceExists        = errors.New("DEVICE_EXISTS")
	ErrHandshakeIncomplete = errors.New("HANDSHAKE_INCOMPLETE")
	ErrReplay              = errors.New("REPLAYED_HANDSHAKE")
	ErrPayloadTooLarge     = errors.New("PAYLOAD_TOO_LARGE")
)

// DeviceState tracks where a peer is in the handshake/session lifecycle.
type DeviceState int

const (
	StateDiscovered DeviceState = iota
	StateHandshakeSent
	StateHandshakeComplete
	StateSessionActive
	StateSessionExpired
)

func (s DeviceState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateHandshakeComplete:
		return "handshake_complete"
	case StateSessionActive:
		return "session_active"
	case StateSessionExpired:
		return "session_expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Device is a peer seen advertising the whisper service.
type Device struct {
	Name               string      `json:"name"`
	Address            string      `json:"address"`
	RSSI               int         `json:"rssi"`
	DiscoveredAt       time.Time   `json:"discoveredAt"`
	LastSeenAt         time.Time   `json:"lastSeenAt"`
	State              DeviceState `json:"state"`
	HandshakeCompleted bool        `json:"handshakeCompleted"`
	// LastHandshakeStamp is the frame timestamp of the last accepted
	// handshake; older or equal stamps are replays.
	LastHandshakeStamp time.Time `json:"lastHandshakeStamp,omitempty"`
	SessionKey         []byte    `json:"-"`
}

// SessionID identifies one session. IDs are never reused within a run.
type SessionID uint64

func (id SessionID) String() string {
	return fmt.Sprintf("ws-%06d", uint64(id))
}

// MarshalText encodes the ID in its printed form.
func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// Session is an open exchange channel with one handshaken peer.
type Session struct {
	ID             SessionID `json:"id"`
	PeerAddress    string    `json:"peerAddress"`
	SessionKey     []byte    `json:"-"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExchangeCount  int       `json:"exchangeCount"`
}

// Stats are the engine's lifetime counters.
type Stats struct {
	Scanning            bool   `json:"scanning"`
	Cipher              string `json:"cipher"`
	DeviceCount         int    `json:"deviceCount"`
	SessionCount        int    `json:"sessionCount"`
	TotalHandshakes     int    `json:"totalHandshakes"`
	SuccessfulExchanges int    `json:"successfulExchanges"`
	ReceivedFrames      int    `json:"receivedFrames"`
	RejectedFrames      int    `json:"rejectedFrames"`
	ExpiredSessions     int    `json:"expiredSessions"`
}
