package sealed

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	c := Cipher{}
	key := []byte("AA:BB:CC:DD:EE:FF_20240301")
	payload := []byte("purr purr")

	frame, err := c.Seal(key, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != len(payload)+Overhead {
		t.Errorf("frame length = %d, want %d", len(frame), len(payload)+Overhead)
	}
	if bytes.Contains(frame, payload) {
		t.Error("Payload visible in sealed frame")
	}

	got, err := c.Open(key, frame)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Open() = %q, want %q", got, payload)
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	c := Cipher{}
	key := []byte("k")
	a, _ := c.Seal(key, []byte("same"))
	b, _ := c.Seal(key, []byte("same"))
	if bytes.Equal(a, b) {
		t.Error("Two seals of the same payload produced identical frames")
	}
}

func TestOpenRejects(t *testing.T) {
	c := Cipher{}
	key := []byte("AA:BB:CC:DD:EE:FF_20240301")
	frame, err := c.Seal(key, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	flipped := append([]byte(nil), frame...)
	flipped[len(flipped)-1] ^= 0x80

	tests := []struct {
		name  string
		key   []byte
		frame []byte
	}{
		{"wrong key", []byte("11:22:33:44:55:66_20240301"), frame},
		{"tampered", key, flipped},
		{"short", key, frame[:Overhead-1]},
		{"empty key", nil, frame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Open(tt.key, tt.frame); err == nil {
				t.Error("Expected Open to fail")
			}
		})
	}

	if _, err := c.Open(key, frame[:3]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Expected ErrShortFrame, got %v", err)
	}
}

func TestSealEmptyKey(t *testing.T) {
	if _, err := (Cipher{}).Seal(nil, []byte("x")); err == nil {
		t.Error("Expected error for empty session key")
	}
}
