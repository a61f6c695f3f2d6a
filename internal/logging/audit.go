// Package logging provides structured logging with slog for edgecore.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types, scoped to the certificate lifecycle and transport
// surfaces this daemon owns.
const (
	AuditEventStartup          AuditEventType = "startup"
	AuditEventShutdown         AuditEventType = "shutdown"
	AuditEventConfigChange     AuditEventType = "config_change"
	AuditEventKeyGenerated     AuditEventType = "key_generated"
	AuditEventKeyAccess        AuditEventType = "key_access"
	AuditEventCertSelected     AuditEventType = "cert_selected"
	AuditEventFallbackObserved AuditEventType = "fallback_observed"
	AuditEventRenewalStarted   AuditEventType = "renewal_started"
	AuditEventRenewalCompleted AuditEventType = "renewal_completed"
	AuditEventManifestRejected AuditEventType = "manifest_rejected"
	AuditEventPUWCompleted     AuditEventType = "puw_completed"
	AuditEventSealFault        AuditEventType = "seal_fault"
	AuditEventMQTTConnected    AuditEventType = "mqtt_connected"
	AuditEventMQTTDisconnected AuditEventType = "mqtt_disconnected"
	AuditEventError            AuditEventType = "error"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	DeviceID   string                 `json:"device_id,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"` // "success", "failure", "denied"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// DeviceID is the device identifier.
	DeviceID string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "edgecore",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "edgecore", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "edgecore", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "edgecore", "audit.log")
	}
}

// AuditLogger handles security audit logging.
type AuditLogger struct {
	config   *AuditLoggerConfig
	rotator  *FileRotator
	logger   *slog.Logger
	mu       sync.Mutex
	deviceID string
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Create a fallback that writes to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	// Create rotator config from audit config
	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level: LevelInfo,
	}

	handler := slog.NewJSONHandler(rotator, opts)
	logger := slog.New(handler)

	return &AuditLogger{
		config:   cfg,
		rotator:  rotator,
		logger:   logger,
		deviceID: cfg.DeviceID,
	}, nil
}

// SetDeviceID sets the device identifier stamped onto subsequent events.
func (a *AuditLogger) SetDeviceID(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceID = deviceID
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.DeviceID == "" {
		event.DeviceID = a.deviceID
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if a.rotator == nil {
		// Fallback logger from DefaultAuditLogger: no file, write to stderr.
		if _, err := os.Stderr.Write(data); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
		return nil
	}
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogKeyGenerated logs a keypair generation event, e.g. during CSR build.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, keyType, slot string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Action:    "key_generated",
		Resource:  slot,
		Result:    "success",
		Details: map[string]interface{}{
			"key_type": keyType,
		},
	})
}

// LogKeyAccess logs a secure-element signing operation.
func (a *AuditLogger) LogKeyAccess(ctx context.Context, slot, operation string, success bool) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyAccess,
		Action:    operation,
		Resource:  slot,
		Result:    result,
	})
}

// LogCertSelected logs a CLSM certificate selection outcome.
func (a *AuditLogger) LogCertSelected(ctx context.Context, selection, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCertSelected,
		Action:    "certificate_selected",
		Resource:  selection,
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogFallbackObserved logs that the factory certificate was used because
// no Device certificate was usable.
func (a *AuditLogger) LogFallbackObserved(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventFallbackObserved,
		Action:    "fallback_to_factory_cert",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogRenewalStarted logs the start of a renewal attempt (CSR build + submit).
func (a *AuditLogger) LogRenewalStarted(ctx context.Context, slot string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRenewalStarted,
		Action:    "renewal_started",
		Resource:  slot,
		Result:    "success",
	})
}

// LogRenewalCompleted logs the outcome of a renewal attempt.
func (a *AuditLogger) LogRenewalCompleted(ctx context.Context, slot string, success bool, details map[string]interface{}) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRenewalCompleted,
		Action:    "renewal_completed",
		Resource:  slot,
		Result:    result,
		Details:   details,
	})
}

// LogManifestRejected logs a PUW manifest the secure element refused to
// verify (bad signature or wrong trust anchor), along with the anchor
// slot's object type and access conditions so the audit trail identifies
// which anchor the rejection was checked against.
func (a *AuditLogger) LogManifestRejected(ctx context.Context, status string, anchorObjectType uint8, anchorExecuteAccess, anchorChangeAccess uint8) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventManifestRejected,
		Action:    "manifest_verification_failed",
		Result:    "failure",
		Details: map[string]interface{}{
			"seal_status":           status,
			"anchor_object_type":    anchorObjectType,
			"anchor_execute_access": anchorExecuteAccess,
			"anchor_change_access":  anchorChangeAccess,
		},
	})
}

// LogPUWCompleted logs the successful completion of a protected update.
func (a *AuditLogger) LogPUWCompleted(ctx context.Context, fragmentCount int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPUWCompleted,
		Action:    "protected_update_completed",
		Result:    "success",
		Details: map[string]interface{}{
			"fragment_count": fragmentCount,
		},
	})
}

// LogSealFault logs a secure-element hardware fault response.
func (a *AuditLogger) LogSealFault(ctx context.Context, operation, status string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSealFault,
		Action:    operation,
		Result:    "failure",
		Details: map[string]interface{}{
			"seal_status": status,
		},
	})
}

// LogMQTTConnected logs a successful broker connection.
func (a *AuditLogger) LogMQTTConnected(ctx context.Context, broker string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventMQTTConnected,
		Action:    "mqtt_connected",
		Resource:  broker,
		Result:    "success",
	})
}

// LogMQTTDisconnected logs a broker disconnection.
func (a *AuditLogger) LogMQTTDisconnected(ctx context.Context, broker string, err error) error {
	details := map[string]interface{}{}
	result := "success"
	if err != nil {
		result = "failure"
		details["error"] = err.Error()
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventMQTTDisconnected,
		Action:    "mqtt_disconnected",
		Resource:  broker,
		Result:    result,
		Details:   details,
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
