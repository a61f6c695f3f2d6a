package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformLogDir returns the platform-specific log directory, following
// standard XDG/AppData conventions per platform.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/edgecore/
//   - Linux:   ~/.local/share/edgecore/logs/
//   - Windows: %LOCALAPPDATA%\edgecore\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "edgecore")
	case "linux":
		return filepath.Join(linuxDataDir(), "logs")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "edgecore", "logs")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Local", "edgecore", "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "edgecore")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "edgecore")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".edgecore")
}

// DefaultConfig returns a configuration with sensible defaults for a
// development host (simulator SEAL backend, local-loopback broker).
func DefaultConfig() *Config {
	logDir := PlatformLogDir()

	return &Config{
		Version: Version,
		MQTT: MQTTConfig{
			Host:                    "localhost",
			Port:                    8883,
			ClientIDPrefix:          "edgecore",
			TopicRoot:               "devices",
			KeepAliveSec:            60,
			CleanSession:            true,
			ConnectTimeoutSec:       10,
			MaxReconnectIntervalSec: 30,
			QoS:                     1,
		},
		CLSM: CLSMConfig{
			AutoOnFallback: false,
		},
		Seal: SealConfig{
			Backend:           "simulator",
			TPMDevicePath:     "/dev/tpmrm0",
			DefaultTimeoutMs:  5000,
			MetadataTimeoutMs: 10000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			Output:       "stderr",
			FilePath:     filepath.Join(logDir, "edgecore.log"),
			MaxSizeMB:    50,
			MaxBackups:   5,
			MaxAgeDays:   30,
			AuditLogPath: filepath.Join(logDir, "audit.log"),
		},
		Health: HealthConfig{
			ListenAddr:  "127.0.0.1:9090",
			IntervalSec: 30,
		},
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory and EdgecoreDir for a
// config file in any supported format, returning the first match.
func FindConfigFile() string {
	searchDirs := []string{".", EdgecoreDir()}
	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
