package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lilith-daemons/internal/clock"
)

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "LilithUpdateDaemon")
	l.SetClock(clock.Fake(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)))

	l.Infof("Found %d updates", 2)

	want := "[2026-03-04 05:06:07] [LilithUpdateDaemon] INFO: Found 2 updates\n"
	if buf.String() != want {
		t.Errorf("line = %q, want %q", buf.String(), want)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test")
	l.SetLevel(LevelWarn)

	l.Debugf("debug")
	l.Infof("info")
	l.Warnf("warn")
	l.Errorf("error")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "WARN: warn") {
		t.Errorf("first line = %q, want WARN", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR: error") {
		t.Errorf("second line = %q, want ERROR", lines[1])
	}
}

func TestNewlinesAreFlattened(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test")
	l.Warnf("line one\nline two")

	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("expected exactly one newline, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestOpenAppendsToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	l, err := Open(dir, "update.log", "LilithUpdateDaemon", Options{MaxSizeMB: 1, Level: LevelInfo})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Infof("first")
	l.Errorf("second")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "update.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "[LilithUpdateDaemon] INFO: first") {
		t.Errorf("missing first entry in %q", content)
	}
	if !strings.Contains(content, "[LilithUpdateDaemon] ERROR: second") {
		t.Errorf("missing second entry in %q", content)
	}

	// Closing twice is harmless.
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
