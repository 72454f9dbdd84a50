// Package legacy implements the original Whispurr handshake frame and
// XOR obfuscation.
//
// THIS IS NOT ENCRYPTION. The shared secret is a compile-time constant,
// the keystream is a repeating XOR, the handshake carries no MAC and
// session keys are derived from public values (peer address and date).
// Anyone who has seen one frame can forge the rest. The package exists
// so the daemon can talk to peers that only speak the old protocol; new
// deployments should select the sealed cipher.
package legacy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// MagicLen and TimestampLen make up the fixed frame.
	MagicLen     = 8
	TimestampLen = 8
	FrameLen     = MagicLen + TimestampLen

	// Mask is folded into every keystream byte.
	Mask byte = 0x5A
)

// Magic opens every handshake frame.
var Magic = [MagicLen]byte{'W', 'H', 'I', 'S', 'P', 'U', 'R', 'R'}

// Secret is the static shared key, including its trailing NUL, as
// shipped on every legacy peer.
var Secret = []byte("LilithSecretKey2024\x00")

var (
	// ErrFrameLength means the frame is not FrameLen bytes.
	ErrFrameLength = errors.New("invalid handshake length")
	// ErrBadMagic means the deobfuscated frame does not start with Magic.
	ErrBadMagic = errors.New("invalid handshake magic")
)

// Obfuscate XORs data in place with key and Mask. Applying it twice
// with the same key restores the input. An empty key leaves data as is.
func Obfuscate(data, key []byte) {
	if len(key) == 0 {
		return
	}
	for i := range data {
		data[i] ^= key[i%len(key)] ^ Mask
	}
}

// Apply returns an obfuscated copy of data.
func Apply(data, key []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	Obfuscate(out, key)
	return out
}

// EncodeHandshake builds an obfuscated frame stamped with ts.
func EncodeHandshake(ts time.Time) []byte {
	frame := make([]byte, FrameLen)
	copy(frame, Magic[:])
	binary.BigEndian.PutUint64(frame[MagicLen:], uint64(ts.UnixMilli()))
	Obfuscate(frame, Secret)
	return frame
}

// DecodeHandshake checks a received frame and returns its timestamp.
func DecodeHandshake(frame []byte) (time.Time, error) {
	if len(frame) != FrameLen {
		return time.Time{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameLength, len(frame), FrameLen)
	}

	plain := Apply(frame, Secret)
	if !bytes.Equal(plain[:MagicLen], Magic[:]) {
		return time.Time{}, ErrBadMagic
	}

	ms := binary.BigEndian.Uint64(plain[MagicLen:])
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// DeriveSessionKey returns the per-peer key for the given calendar day:
// "<address>_YYYYMMDD" obfuscated with Secret. Both sides compute the
// same value without exchanging anything.
func DeriveSessionKey(address string, day time.Time) []byte {
	material := fmt.Sprintf("%s_%04d%02d%02d", address, day.Year(), int(day.Month()), day.Day())
	return Apply([]byte(material), Secret)
}
