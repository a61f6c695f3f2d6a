package config

import (
	"fmt"
	"strings"
)

// ValidationError represents one rejected configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every ValidationError from one ValidateConfig
// pass, rather than stopping at the first.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of c.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{"version", fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version)})
	}

	errs = append(errs, validateMQTT(&c.MQTT)...)
	errs = append(errs, validateSeal(&c.Seal)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateHealth(&c.Health)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateMQTT(m *MQTTConfig) ValidationErrors {
	var errs ValidationErrors
	if m.Host == "" {
		errs = append(errs, ValidationError{"mqtt.host", "is required"})
	}
	if m.Port < 1 || m.Port > 65535 {
		errs = append(errs, ValidationError{"mqtt.port", fmt.Sprintf("must be 1-65535, got %d", m.Port)})
	}
	if m.ClientIDPrefix == "" {
		errs = append(errs, ValidationError{"mqtt.client_id_prefix", "is required"})
	}
	if m.TopicRoot == "" {
		errs = append(errs, ValidationError{"mqtt.topic_root", "is required"})
	}
	if m.KeepAliveSec < 1 {
		errs = append(errs, ValidationError{"mqtt.keep_alive_sec", "must be at least 1"})
	}
	if m.QoS > 2 {
		errs = append(errs, ValidationError{"mqtt.qos", "must be 0, 1, or 2"})
	}
	return errs
}

func validateSeal(s *SealConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Backend {
	case "simulator", "tpm":
	default:
		errs = append(errs, ValidationError{"seal.backend", fmt.Sprintf(`must be "simulator" or "tpm", got %q`, s.Backend)})
	}
	if s.Backend == "tpm" && s.TPMDevicePath == "" {
		errs = append(errs, ValidationError{"seal.tpm_device_path", "is required when backend is tpm"})
	}
	if s.DefaultTimeoutMs < 1 {
		errs = append(errs, ValidationError{"seal.default_timeout_ms", "must be at least 1"})
	}
	if s.MetadataTimeoutMs < 1 {
		errs = append(errs, ValidationError{"seal.metadata_timeout_ms", "must be at least 1"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("must be debug, info, warn, or error, got %q", l.Level)})
	}
	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf(`must be "json" or "text", got %q`, l.Format)})
	}
	switch l.Output {
	case "stdout", "stderr", "file":
	default:
		errs = append(errs, ValidationError{"logging.output", fmt.Sprintf(`must be "stdout", "stderr", or "file", got %q`, l.Output)})
	}
	if l.Output == "file" && l.FilePath == "" {
		errs = append(errs, ValidationError{"logging.file_path", "is required when output is file"})
	}
	return errs
}

func validateHealth(h *HealthConfig) ValidationErrors {
	var errs ValidationErrors
	if h.ListenAddr == "" {
		errs = append(errs, ValidationError{"health.listen_addr", "is required"})
	}
	if h.IntervalSec < 1 {
		errs = append(errs, ValidationError{"health.interval_sec", "must be at least 1"})
	}
	return errs
}
