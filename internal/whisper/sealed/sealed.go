// Package sealed protects whisper session payloads with XChaCha20-Poly1305.
//
// The AEAD key is derived from the session key with BLAKE3 in key
// derivation mode, so the legacy session-key agreement can stay in
// place while payloads gain confidentiality and integrity. The
// handshake itself is unchanged and still unauthenticated.
package sealed

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// Context is the BLAKE3 derive-key context string.
const Context = "lilith-daemons 2024 whisper session payload v1"

// ErrShortFrame means a sealed frame is shorter than nonce plus tag.
var ErrShortFrame = errors.New("sealed frame too short")

// Overhead is the number of bytes Seal adds to a payload.
const Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Cipher seals payloads as nonce || ciphertext || tag.
type Cipher struct{}

// Name identifies the cipher in logs and status output.
func (Cipher) Name() string { return "sealed" }

// Seal encrypts payload under a key derived from sessionKey.
func (Cipher) Seal(sessionKey, payload []byte) ([]byte, error) {
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, Overhead+len(payload))
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, out, payload, nil), nil
}

// Open authenticates and decrypts a frame produced by Seal.
func (Cipher) Open(sessionKey, frame []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, ErrShortFrame
	}
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := frame[:chacha20poly1305.NonceSizeX], frame[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed frame: %w", err)
	}
	return plain, nil
}

func newAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) == 0 {
		return nil, errors.New("empty session key")
	}
	var key [chacha20poly1305.KeySize]byte
	blake3.DeriveKey(Context, sessionKey, key[:])
	return chacha20poly1305.NewX(key[:])
}
