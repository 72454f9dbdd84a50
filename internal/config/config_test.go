package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := getDefaultConfig()

	// Update defaults
	if cfg.Update.MediaIntervalSec != 30 {
		t.Errorf("Expected media interval 30s, got %d", cfg.Update.MediaIntervalSec)
	}
	if cfg.Update.OTAIntervalSec != 3600 {
		t.Errorf("Expected OTA interval 3600s, got %d", cfg.Update.OTAIntervalSec)
	}
	if cfg.Update.MaxDownloadBytes != 100*1024*1024 {
		t.Errorf("Expected 100MiB download ceiling, got %d", cfg.Update.MaxDownloadBytes)
	}
	if cfg.Update.QuarantineAfter != 0 {
		t.Errorf("Expected quarantine disabled by default, got %d", cfg.Update.QuarantineAfter)
	}

	// Whisper defaults
	if cfg.Whisper.MaxDevices != 20 || cfg.Whisper.MaxSessions != 5 {
		t.Errorf("Expected capacities 20/5, got %d/%d", cfg.Whisper.MaxDevices, cfg.Whisper.MaxSessions)
	}
	if cfg.Whisper.SessionTimeoutSec != 300 {
		t.Errorf("Expected session timeout 300s, got %d", cfg.Whisper.SessionTimeoutSec)
	}
	if cfg.Whisper.MaxPayloadBytes != 1024 {
		t.Errorf("Expected max payload 1024, got %d", cfg.Whisper.MaxPayloadBytes)
	}
	if cfg.Whisper.Cipher != "legacy" {
		t.Errorf("Expected legacy cipher by default, got %s", cfg.Whisper.Cipher)
	}

	if len(cfg.Network.Maintenance.AllowedCIDRs) != 1 {
		t.Errorf("Expected 1 allowed CIDR, got %d", len(cfg.Network.Maintenance.AllowedCIDRs))
	}

	if err := validateConfig(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDurations(t *testing.T) {
	cfg := getDefaultConfig()

	if cfg.MediaInterval() != 30*time.Second {
		t.Errorf("MediaInterval() = %v", cfg.MediaInterval())
	}
	if cfg.OTAInterval() != time.Hour {
		t.Errorf("OTAInterval() = %v", cfg.OTAInterval())
	}
	if cfg.TickInterval() != 5*time.Second {
		t.Errorf("TickInterval() = %v", cfg.TickInterval())
	}
	if cfg.SessionTimeout() != 5*time.Minute {
		t.Errorf("SessionTimeout() = %v", cfg.SessionTimeout())
	}
	if cfg.StatusInterval() != time.Minute || cfg.StopTimeout() != 30*time.Second {
		t.Errorf("StatusInterval() = %v, StopTimeout() = %v", cfg.StatusInterval(), cfg.StopTimeout())
	}
	if cfg.RadioResetBlackout() != time.Minute {
		t.Errorf("RadioResetBlackout() = %v", cfg.RadioResetBlackout())
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lilithd.yaml")
	content := `
paths:
  stagingDir: /tmp/staging
  mediaDir: /tmp/media
whisper:
  maxDevices: 8
  maxSessions: 2
  cipher: sealed
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Paths.StagingDir != "/tmp/staging" {
		t.Errorf("Expected staging dir from file, got %s", cfg.Paths.StagingDir)
	}
	if cfg.Whisper.MaxDevices != 8 || cfg.Whisper.MaxSessions != 2 {
		t.Errorf("Expected capacities 8/2 from file, got %d/%d", cfg.Whisper.MaxDevices, cfg.Whisper.MaxSessions)
	}
	if cfg.Whisper.Cipher != "sealed" {
		t.Errorf("Expected sealed cipher from file, got %s", cfg.Whisper.Cipher)
	}
	// Untouched keys keep their defaults
	if cfg.Whisper.SessionTimeoutSec != 300 {
		t.Errorf("Expected default session timeout, got %d", cfg.Whisper.SessionTimeoutSec)
	}
}

func TestLoadConfigFromNonExistentFile(t *testing.T) {
	cfg := &Config{}
	err := loadFromFile(cfg, "non-existent-file.yaml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}

	if _, err := Load("non-existent-file.yaml"); err == nil {
		t.Error("Expected Load to fail for an explicit missing file")
	}
}

func TestLoadFromEnvConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	if err := os.WriteFile(path, []byte("update:\n  mediaIntervalSec: 10\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("LILITHD_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Update.MediaIntervalSec != 10 {
		t.Errorf("Expected media interval 10 from LILITHD_CONFIG, got %d", cfg.Update.MediaIntervalSec)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := getDefaultConfig()

	t.Setenv("LILITHD_STAGING_DIR", "/data/staging")
	t.Setenv("LILITHD_OTA_ENDPOINT", "http://10.0.0.2:8000")
	t.Setenv("LILITHD_WHISPER_CIPHER", "sealed")
	t.Setenv("LILITHD_MAINTENANCE_SECRET", "hunter22")

	applyEnvOverrides(cfg)

	if cfg.Paths.StagingDir != "/data/staging" {
		t.Errorf("Expected staging override, got '%s'", cfg.Paths.StagingDir)
	}
	if cfg.Update.OTAEndpoint != "http://10.0.0.2:8000" {
		t.Errorf("Expected endpoint override, got '%s'", cfg.Update.OTAEndpoint)
	}
	if cfg.Whisper.Cipher != "sealed" {
		t.Errorf("Expected cipher override, got '%s'", cfg.Whisper.Cipher)
	}
	if cfg.Network.Maintenance.TokenSecret != "hunter22" {
		t.Errorf("Expected maintenance secret override")
	}
}

func TestApplyOTAIntervalOverride(t *testing.T) {
	cfg := getDefaultConfig()
	original := cfg.Update.OTAIntervalSec

	t.Setenv("LILITHD_OTA_INTERVAL", "600")
	applyEnvOverrides(cfg)
	if cfg.Update.OTAIntervalSec != 600 {
		t.Errorf("Expected OTA interval 600s, got %d", cfg.Update.OTAIntervalSec)
	}

	// Invalid values are ignored
	cfg = getDefaultConfig()
	t.Setenv("LILITHD_OTA_INTERVAL", "hourly")
	applyEnvOverrides(cfg)
	if cfg.Update.OTAIntervalSec != original {
		t.Errorf("Expected original interval %ds for invalid env var, got %d", original, cfg.Update.OTAIntervalSec)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"staging equals media", func(c *Config) { c.Paths.MediaDir = c.Paths.StagingDir }, true},
		{"missing reboot marker", func(c *Config) { c.Paths.RebootMarker = "" }, true},
		{"media interval zero", func(c *Config) { c.Update.MediaIntervalSec = 0 }, true},
		{"ota interval too short", func(c *Config) { c.Update.OTAIntervalSec = 5 }, true},
		{"negative download ceiling", func(c *Config) { c.Update.MaxDownloadBytes = -1 }, true},
		{"negative quarantine", func(c *Config) { c.Update.QuarantineAfter = -3 }, true},
		{"bad endpoint scheme", func(c *Config) { c.Update.OTAEndpoint = "ftp://example.com" }, true},
		{"empty endpoint allowed", func(c *Config) { c.Update.OTAEndpoint = "" }, false},
		{"tick zero", func(c *Config) { c.Whisper.TickIntervalSec = 0 }, true},
		{"zero devices", func(c *Config) { c.Whisper.MaxDevices = 0 }, true},
		{"sessions exceed devices", func(c *Config) { c.Whisper.MaxSessions = 30 }, true},
		{"zero session timeout", func(c *Config) { c.Whisper.SessionTimeoutSec = 0 }, true},
		{"payload too large", func(c *Config) { c.Whisper.MaxPayloadBytes = 1 << 20 }, true},
		{"unknown cipher", func(c *Config) { c.Whisper.Cipher = "rot13" }, true},
		{"unknown log level", func(c *Config) { c.Logging.Level = "chatty" }, true},
		{"negative status interval", func(c *Config) { c.Supervisor.StatusIntervalSec = -1 }, true},
		{"status logging disabled", func(c *Config) { c.Supervisor.StatusIntervalSec = 0 }, false},
		{"zero stop timeout", func(c *Config) { c.Supervisor.StopTimeoutSec = 0 }, true},
		{"radio reset too long", func(c *Config) { c.Supervisor.RadioResetSec = 601 }, true},
		{"upper-case log level", func(c *Config) { c.Logging.Level = "WARN" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		slice []string
		item  string
		want  bool
	}{
		{[]string{"legacy", "sealed"}, "legacy", true},
		{[]string{"legacy", "sealed"}, "invalid", false},
		{[]string{}, "test", false},
		{[]string{"single"}, "single", true},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			if got := contains(tt.slice, tt.item); got != tt.want {
				t.Errorf("contains() = %v, want %v", got, tt.want)
			}
		})
	}
}
