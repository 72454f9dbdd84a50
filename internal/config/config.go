package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the complete configuration for lilithd
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Update     UpdateConfig     `yaml:"update"`
	Whisper    WhisperConfig    `yaml:"whisper"`
	Logging    LoggingConfig    `yaml:"logging"`
	Network    NetworkConfig    `yaml:"network"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// PathsConfig holds the on-device directories and marker files
type PathsConfig struct {
	StagingDir    string `yaml:"stagingDir"`
	MediaDir      string `yaml:"mediaDir"`
	AppDir        string `yaml:"appDir"`
	ConfigDir     string `yaml:"configDir"`
	RebootMarker  string `yaml:"rebootMarker"`
	LogDir        string `yaml:"logDir"`
	WhisperDir    string `yaml:"whisperDir"`
	QuarantineDir string `yaml:"quarantineDir"`
}

// UpdateConfig holds Update Manager settings
type UpdateConfig struct {
	MediaIntervalSec int    `yaml:"mediaIntervalSec"` // removable media poll
	OTAIntervalSec   int    `yaml:"otaIntervalSec"`   // network poll
	MaxDownloadBytes int64  `yaml:"maxDownloadBytes"` // also the verification ceiling
	OTAEndpoint      string `yaml:"otaEndpoint"`
	OTAArtifact      string `yaml:"otaArtifact"`
	OTAStagedName    string `yaml:"otaStagedName"`
	OTATimeoutSec    int    `yaml:"otaTimeoutSec"`
	QuarantineAfter  int    `yaml:"quarantineAfter"` // 0 keeps failed files in staging forever
	RequireDigest    bool   `yaml:"requireDigest"`
}

// WhisperConfig holds Whisper engine settings
type WhisperConfig struct {
	TickIntervalSec   int    `yaml:"tickIntervalSec"`
	MaxDevices        int    `yaml:"maxDevices"`
	MaxSessions       int    `yaml:"maxSessions"`
	SessionTimeoutSec int    `yaml:"sessionTimeoutSec"`
	MaxPayloadBytes   int    `yaml:"maxPayloadBytes"`
	ServiceUUID       string `yaml:"serviceUuid"`
	Cipher            string `yaml:"cipher"` // legacy or sealed
	PersistDevices    bool   `yaml:"persistDevices"`
}

// LoggingConfig holds log stream settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

// SupervisorConfig holds worker lifecycle settings
type SupervisorConfig struct {
	StatusIntervalSec int `yaml:"statusIntervalSec"` // 0 disables the periodic status line
	StopTimeoutSec    int `yaml:"stopTimeoutSec"`
	RadioResetSec     int `yaml:"radioResetSec"`
}

// NetworkConfig holds network-related settings
type NetworkConfig struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// HTTPConfig holds status server settings
type HTTPConfig struct {
	Port         int    `yaml:"port"`
	ServerHeader string `yaml:"serverHeader"`
	DevMode      bool   `yaml:"devMode"`
}

// MaintenanceConfig holds maintenance TCP server settings
type MaintenanceConfig struct {
	Port         int      `yaml:"port"`
	AllowedCIDRs []string `yaml:"allowedCidrs"`
	TokenSecret  string   `yaml:"tokenSecret"`
}

// Load loads configuration from the given file (if any), the file named
// by LILITHD_CONFIG, and environment variables
func Load(path string) (*Config, error) {
	cfg := getDefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if envPath := os.Getenv("LILITHD_CONFIG"); envPath != "" {
		if err := loadFromFile(cfg, envPath); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", envPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig returns the default configuration
func getDefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StagingDir:    "/ux0:/data/lilith/updates",
			MediaDir:      "/ux0:/updates",
			AppDir:        "/ux0:/app",
			ConfigDir:     "/ux0:/data/lilith/config",
			RebootMarker:  "/ux0:/data/lilith/update.flag",
			LogDir:        "/ux0:/data/lilith/logs",
			WhisperDir:    "/ux0:/data/lilith/whisper",
			QuarantineDir: "/ux0:/data/lilith/quarantine",
		},
		Update: UpdateConfig{
			MediaIntervalSec: 30,
			OTAIntervalSec:   3600,
			MaxDownloadBytes: 100 * 1024 * 1024,
			OTAEndpoint:      "https://lilithos-updates.example.com",
			OTAArtifact:      "latest.vpk",
			OTAStagedName:    "latest_ota.vpk",
			OTATimeoutSec:    300,
			QuarantineAfter:  0,
			RequireDigest:    false,
		},
		Whisper: WhisperConfig{
			TickIntervalSec:   5,
			MaxDevices:        20,
			MaxSessions:       5,
			SessionTimeoutSec: 300,
			MaxPayloadBytes:   1024,
			ServiceUUID:       "12345678-1234-1234-1234-123456789abc",
			Cipher:            "legacy",
			PersistDevices:    true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   false,
			Console:    true,
		},
		Network: NetworkConfig{
			HTTP: HTTPConfig{
				Port:         8090,
				ServerHeader: "",
				DevMode:      false,
			},
			Maintenance: MaintenanceConfig{
				Port:         50010,
				AllowedCIDRs: []string{"127.0.0.0/8"},
			},
		},
		Supervisor: SupervisorConfig{
			StatusIntervalSec: 60,
			StopTimeoutSec:    30,
			RadioResetSec:     60,
		},
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("LILITHD_STAGING_DIR"); dir != "" {
		cfg.Paths.StagingDir = dir
	}

	if dir := os.Getenv("LILITHD_MEDIA_DIR"); dir != "" {
		cfg.Paths.MediaDir = dir
	}

	if endpoint := os.Getenv("LILITHD_OTA_ENDPOINT"); endpoint != "" {
		cfg.Update.OTAEndpoint = endpoint
	}

	if interval := os.Getenv("LILITHD_OTA_INTERVAL"); interval != "" {
		if sec, err := strconv.Atoi(interval); err == nil {
			cfg.Update.OTAIntervalSec = sec
		}
	}

	if cipher := os.Getenv("LILITHD_WHISPER_CIPHER"); cipher != "" {
		cfg.Whisper.Cipher = cipher
	}

	if level := os.Getenv("LILITHD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if secret := os.Getenv("LILITHD_MAINTENANCE_SECRET"); secret != "" {
		cfg.Network.Maintenance.TokenSecret = secret
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Paths.StagingDir == "" || cfg.Paths.MediaDir == "" {
		return fmt.Errorf("staging and media directories must be set")
	}

	if cfg.Paths.StagingDir == cfg.Paths.MediaDir {
		return fmt.Errorf("staging directory must differ from media directory")
	}

	if cfg.Paths.RebootMarker == "" {
		return fmt.Errorf("reboot marker path must be set")
	}

	if cfg.Update.MediaIntervalSec <= 0 || cfg.Update.MediaIntervalSec > 3600 {
		return fmt.Errorf("media interval %d seconds is outside reasonable range [1, 3600]", cfg.Update.MediaIntervalSec)
	}

	if cfg.Update.OTAIntervalSec < 60 || cfg.Update.OTAIntervalSec > 7*24*3600 {
		return fmt.Errorf("OTA interval %d seconds is outside reasonable range [60, 604800]", cfg.Update.OTAIntervalSec)
	}

	if cfg.Update.MaxDownloadBytes <= 0 {
		return fmt.Errorf("max download size must be positive, got %d", cfg.Update.MaxDownloadBytes)
	}

	if cfg.Update.QuarantineAfter < 0 {
		return fmt.Errorf("quarantine threshold must not be negative, got %d", cfg.Update.QuarantineAfter)
	}

	if cfg.Update.OTAEndpoint != "" &&
		!strings.HasPrefix(cfg.Update.OTAEndpoint, "http://") &&
		!strings.HasPrefix(cfg.Update.OTAEndpoint, "https://") {
		return fmt.Errorf("OTA endpoint %q must be an http(s) URL", cfg.Update.OTAEndpoint)
	}

	if cfg.Whisper.TickIntervalSec <= 0 || cfg.Whisper.TickIntervalSec > 300 {
		return fmt.Errorf("whisper tick %d seconds is outside reasonable range [1, 300]", cfg.Whisper.TickIntervalSec)
	}

	if cfg.Whisper.MaxDevices <= 0 || cfg.Whisper.MaxSessions <= 0 {
		return fmt.Errorf("whisper capacities must be positive: devices=%d, sessions=%d", cfg.Whisper.MaxDevices, cfg.Whisper.MaxSessions)
	}

	if cfg.Whisper.MaxSessions > cfg.Whisper.MaxDevices {
		return fmt.Errorf("session capacity %d exceeds device capacity %d", cfg.Whisper.MaxSessions, cfg.Whisper.MaxDevices)
	}

	if cfg.Whisper.SessionTimeoutSec <= 0 {
		return fmt.Errorf("session timeout must be positive, got %d", cfg.Whisper.SessionTimeoutSec)
	}

	if cfg.Whisper.MaxPayloadBytes <= 0 || cfg.Whisper.MaxPayloadBytes > 64*1024 {
		return fmt.Errorf("max payload %d bytes is outside reasonable range [1, 65536]", cfg.Whisper.MaxPayloadBytes)
	}

	validCiphers := []string{"legacy", "sealed"}
	if !contains(validCiphers, cfg.Whisper.Cipher) {
		return fmt.Errorf("invalid cipher %s, must be one of: %v", cfg.Whisper.Cipher, validCiphers)
	}

	if cfg.Supervisor.StatusIntervalSec < 0 {
		return fmt.Errorf("status interval must not be negative, got %d", cfg.Supervisor.StatusIntervalSec)
	}

	if cfg.Supervisor.StopTimeoutSec <= 0 {
		return fmt.Errorf("stop timeout must be positive, got %d", cfg.Supervisor.StopTimeoutSec)
	}

	if cfg.Supervisor.RadioResetSec < 0 || cfg.Supervisor.RadioResetSec > 600 {
		return fmt.Errorf("radio reset must be 0-600 seconds, got %d", cfg.Supervisor.RadioResetSec)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(cfg.Logging.Level)) {
		return fmt.Errorf("invalid log level %s, must be one of: %v", cfg.Logging.Level, validLevels)
	}

	return nil
}

// MediaInterval returns the removable media poll interval
func (c *Config) MediaInterval() time.Duration {
	return time.Duration(c.Update.MediaIntervalSec) * time.Second
}

// OTAInterval returns the network poll interval
func (c *Config) OTAInterval() time.Duration {
	return time.Duration(c.Update.OTAIntervalSec) * time.Second
}

// OTATimeout returns the per-download timeout
func (c *Config) OTATimeout() time.Duration {
	return time.Duration(c.Update.OTATimeoutSec) * time.Second
}

// TickInterval returns the whisper engine loop interval
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Whisper.TickIntervalSec) * time.Second
}

// SessionTimeout returns the whisper session idle timeout
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Whisper.SessionTimeoutSec) * time.Second
}

// StatusInterval returns how often the supervisor logs a status line
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Supervisor.StatusIntervalSec) * time.Second
}

// StopTimeout bounds how long shutdown waits for the workers
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Supervisor.StopTimeoutSec) * time.Second
}

// RadioResetBlackout is the default radio_reset offline period
func (c *Config) RadioResetBlackout() time.Duration {
	return time.Duration(c.Supervisor.RadioResetSec) * time.Second
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
