// Package config handles configuration loading and validation for the
// edgecore device daemon.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Version is the current config schema version; Load migrates anything
// older automatically (see migration.go).
const Version = 2

// Config holds the daemon's full runtime configuration.
type Config struct {
	Version int `toml:"version"`

	MQTT    MQTTConfig    `toml:"mqtt"`
	CLSM    CLSMConfig    `toml:"clsm"`
	Seal    SealConfig    `toml:"seal"`
	Logging LoggingConfig `toml:"logging"`
	Health  HealthConfig  `toml:"health"`
}

// MQTTConfig describes the broker connection and topic namespace.
type MQTTConfig struct {
	Host                    string `toml:"host"`
	Port                    int    `toml:"port"`
	ClientIDPrefix          string `toml:"client_id_prefix"`
	TopicRoot               string `toml:"topic_root"`
	CAPath                  string `toml:"ca_path"`
	KeepAliveSec            int    `toml:"keep_alive_sec"`
	CleanSession            bool   `toml:"clean_session"`
	ConnectTimeoutSec       int    `toml:"connect_timeout_sec"`
	MaxReconnectIntervalSec int    `toml:"max_reconnect_interval_sec"`
	QoS                     byte   `toml:"qos"`
}

// CLSMConfig describes the certificate lifecycle policy.
type CLSMConfig struct {
	AutoOnFallback bool `toml:"auto_on_fallback"`
}

// SealConfig describes the secure element backend.
type SealConfig struct {
	Backend           string `toml:"backend"` // "simulator" or "tpm"
	TPMDevicePath     string `toml:"tpm_device_path"`
	DefaultTimeoutMs  int    `toml:"default_timeout_ms"`
	MetadataTimeoutMs int    `toml:"metadata_timeout_ms"`
}

// LoggingConfig describes structured and audit log output.
type LoggingConfig struct {
	Level        string `toml:"level"`
	Format       string `toml:"format"` // "json" or "text"
	Output       string `toml:"output"` // "stdout", "stderr", or "file"
	FilePath     string `toml:"file_path"`
	MaxSizeMB    int    `toml:"max_size_mb"`
	MaxBackups   int    `toml:"max_backups"`
	MaxAgeDays   int    `toml:"max_age_days"`
	AuditLogPath string `toml:"audit_log_path"`
}

// HealthConfig describes the liveness/readiness listener.
type HealthConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	IntervalSec int    `toml:"interval_sec"`
}

// EdgecoreDir returns the base configuration/data directory.
func EdgecoreDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".edgecore")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(EdgecoreDir(), "config.toml")
}

// Clone returns a deep-enough copy of c for Merge/migration to mutate
// without affecting the caller's original.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Load reads configuration from path, applying defaults for anything
// unset, environment overrides, migration and validation. If path does not
// exist, the default configuration is returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes cfg as TOML to path, creating parent directories as
// needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// ApplyEnvOverrides lets a containerized deployment override the broker
// address and SEAL backend without a config file edit.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("EDGECORE_MQTT_HOST"); v != "" {
		c.MQTT.Host = v
	}
	if v := os.Getenv("EDGECORE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.MQTT.Port = port
		}
	}
	if v := os.Getenv("EDGECORE_SEAL_BACKEND"); v != "" {
		c.Seal.Backend = v
	}
	if v := os.Getenv("EDGECORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// EnsureDirectories creates every directory a configured file path lives in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Logging.AuditLogPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
