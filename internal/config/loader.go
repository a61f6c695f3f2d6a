package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader for path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{path: path, errChan: make(chan error, 1), ctx: ctx, cancel: cancel}
}

// Load reads, migrates and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, l.path); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file's directory for changes.
// Loader only notifies OnChange callbacks; when each setting takes effect
// (MQTT broker reconnect, CLSM policy update) is decided by the daemon's
// own consumers of OnChange, not by Loader itself.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, l.reload)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

func (l *Loader) reload() {
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("reload config: %w", err):
		default:
		}
		return
	}
	newCfg.ApplyEnvOverrides()

	if err := ValidateConfig(newCfg); err != nil {
		select {
		case l.errChan <- fmt.Errorf("validate new config: %w", err):
		default:
		}
		return
	}

	l.mu.Lock()
	l.config = newCfg
	l.mu.Unlock()

	for _, cb := range l.onChange {
		cb(newCfg)
	}
}

// OnChange registers a callback invoked with the new config after a
// successful hot reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel carrying errors encountered while watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads and parses a config file based on its extension,
// falling back to DefaultConfig if the file does not exist.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return cfg, nil
}

func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadFromEnv builds a configuration from defaults plus environment
// overrides only, for containerized deployments with no mounted file.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads path, writing a default config file first if none
// exists.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Merge overlays non-zero-valued fields of src onto a clone of dst.
func Merge(dst, src *Config) *Config {
	result := dst.Clone()

	if src.Version > 0 {
		result.Version = src.Version
	}

	if src.MQTT.Host != "" {
		result.MQTT.Host = src.MQTT.Host
	}
	if src.MQTT.Port > 0 {
		result.MQTT.Port = src.MQTT.Port
	}
	if src.MQTT.ClientIDPrefix != "" {
		result.MQTT.ClientIDPrefix = src.MQTT.ClientIDPrefix
	}
	if src.MQTT.TopicRoot != "" {
		result.MQTT.TopicRoot = src.MQTT.TopicRoot
	}
	if src.MQTT.CAPath != "" {
		result.MQTT.CAPath = src.MQTT.CAPath
	}
	if src.MQTT.KeepAliveSec > 0 {
		result.MQTT.KeepAliveSec = src.MQTT.KeepAliveSec
	}
	if src.MQTT.ConnectTimeoutSec > 0 {
		result.MQTT.ConnectTimeoutSec = src.MQTT.ConnectTimeoutSec
	}
	if src.MQTT.MaxReconnectIntervalSec > 0 {
		result.MQTT.MaxReconnectIntervalSec = src.MQTT.MaxReconnectIntervalSec
	}
	if src.MQTT.QoS > 0 {
		result.MQTT.QoS = src.MQTT.QoS
	}

	if src.Seal.Backend != "" {
		result.Seal.Backend = src.Seal.Backend
	}
	if src.Seal.TPMDevicePath != "" {
		result.Seal.TPMDevicePath = src.Seal.TPMDevicePath
	}
	if src.Seal.DefaultTimeoutMs > 0 {
		result.Seal.DefaultTimeoutMs = src.Seal.DefaultTimeoutMs
	}
	if src.Seal.MetadataTimeoutMs > 0 {
		result.Seal.MetadataTimeoutMs = src.Seal.MetadataTimeoutMs
	}

	if src.Logging.Level != "" {
		result.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		result.Logging.Format = src.Logging.Format
	}
	if src.Logging.Output != "" {
		result.Logging.Output = src.Logging.Output
	}
	if src.Logging.FilePath != "" {
		result.Logging.FilePath = src.Logging.FilePath
	}
	if src.Logging.MaxSizeMB > 0 {
		result.Logging.MaxSizeMB = src.Logging.MaxSizeMB
	}
	if src.Logging.MaxBackups > 0 {
		result.Logging.MaxBackups = src.Logging.MaxBackups
	}
	if src.Logging.MaxAgeDays > 0 {
		result.Logging.MaxAgeDays = src.Logging.MaxAgeDays
	}
	if src.Logging.AuditLogPath != "" {
		result.Logging.AuditLogPath = src.Logging.AuditLogPath
	}

	if src.Health.ListenAddr != "" {
		result.Health.ListenAddr = src.Health.ListenAddr
	}
	if src.Health.IntervalSec > 0 {
		result.Health.IntervalSec = src.Health.IntervalSec
	}

	// CLSM.AutoOnFallback is a bool, so "not set" and "false" aren't
	// distinguishable here; a full config replacement is required to
	// explicitly disable it once src sets it.
	if src.CLSM.AutoOnFallback {
		result.CLSM.AutoOnFallback = true
	}

	return result
}

// ConfigWatcher provides a simple before/after diff interface over Loader.
type ConfigWatcher struct {
	loader    *Loader
	callbacks []func(old, new *Config)
}

// NewConfigWatcher constructs a ConfigWatcher, performing an initial load.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return nil, err
	}
	return &ConfigWatcher{loader: loader}, nil
}

// Start begins watching for configuration changes.
func (w *ConfigWatcher) Start() error {
	oldCfg := w.loader.Config()
	w.loader.OnChange(func(newCfg *Config) {
		for _, cb := range w.callbacks {
			cb(oldCfg, newCfg)
		}
		oldCfg = newCfg
	})
	return w.loader.Watch()
}

// OnChange registers a callback receiving both old and new configurations.
func (w *ConfigWatcher) OnChange(cb func(old, new *Config)) {
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the current configuration.
func (w *ConfigWatcher) Config() *Config {
	return w.loader.Config()
}

// Stop stops watching for changes.
func (w *ConfigWatcher) Stop() error {
	return w.loader.Close()
}

// Reload forces an immediate reload of the configuration.
func (w *ConfigWatcher) Reload() error {
	_, err := w.loader.Load()
	return err
}
