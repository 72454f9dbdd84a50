// Package radio abstracts the short-range radio used by the whisper
// engine: scanning for advertisements and exchanging frames with peers.
package radio

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrBusy means the radio command queue is full.
	ErrBusy = errors.New("BUSY")
	// ErrUnavailable means the radio is resetting or shut down.
	ErrUnavailable = errors.New("UNAVAILABLE")
	// ErrNotScanning means reports were requested while scanning is off.
	ErrNotScanning = errors.New("NOT_SCANNING")
	// ErrUnknownPeer means a frame was sent to an address not in range.
	ErrUnknownPeer = errors.New("UNKNOWN_PEER")
)

// Advertisement is one scan report.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
	Data    []byte
	SeenAt  time.Time
}

// Advertises reports whether the advertisement payload carries service.
// Payloads are not parsed; a raw substring match is enough for the
// peers this daemon talks to.
func (a Advertisement) Advertises(service string) bool {
	if service == "" || len(a.Data) == 0 {
		return false
	}
	return bytes.Contains(bytes.ToLower(a.Data), []byte(strings.ToLower(service)))
}

// FrameKind distinguishes handshake frames from session data.
type FrameKind int

const (
	FrameHandshake FrameKind = iota
	FrameData
)

func (k FrameKind) String() string {
	if k == FrameHandshake {
		return "handshake"
	}
	return "data"
}

// Frame is a unit sent to or received from a peer.
type Frame struct {
	Address string
	Kind    FrameKind
	Payload []byte
}

// Radio is the platform radio adapter.
type Radio interface {
	StartScan() error
	StopScan() error
	Scanning() bool
	// Reports drains the advertisements collected since the last call.
	Reports() ([]Advertisement, error)
	// Transmit sends one frame to the peer at frame.Address.
	Transmit(frame Frame) error
	// Receive drains frames that arrived from peers.
	Receive() ([]Frame, error)
}

// FormatAddress renders a 6-byte hardware address as AA:BB:CC:DD:EE:FF.
func FormatAddress(addr [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
}

// NormalizeAddress upper-cases an address and validates its shape.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p[0]) || !isHex(p[1]) {
			return "", fmt.Errorf("invalid address %q", addr)
		}
	}
	return addr, nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}
