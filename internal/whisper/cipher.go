package whisper

import (
	"fmt"

	"github.com/lilith-daemons/internal/whisper/legacy"
	"github.com/lilith-daemons/internal/whisper/sealed"
)

// Cipher protects session payloads with a session key.
type Cipher interface {
	Name() string
	Seal(sessionKey, payload []byte) ([]byte, error)
	Open(sessionKey, frame []byte) ([]byte, error)
}

// LegacyCipher is the XOR keystream spoken by old peers. See package
// legacy for why it must not be relied on.
type LegacyCipher struct{}

func (LegacyCipher) Name() string { return "legacy" }

func (LegacyCipher) Seal(sessionKey, payload []byte) ([]byte, error) {
	return legacy.Apply(payload, sessionKey), nil
}

func (LegacyCipher) Open(sessionKey, frame []byte) ([]byte, error) {
	return legacy.Apply(frame, sessionKey), nil
}

// CipherByName maps the whisper.cipher config value to a Cipher.
func CipherByName(name string) (Cipher, error) {
	switch name {
	case "", "legacy":
		return LegacyCipher{}, nil
	case "sealed":
		return sealed.Cipher{}, nil
	default:
		return nil, fmt.Errorf("unknown whisper cipher %q", name)
	}
}
