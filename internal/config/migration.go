package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MigrationResult describes what a MigrateConfig call changed.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates cfg in place to Version, backing up configPath
// first (if non-empty).
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	_ = SaveMigrationHistory(result)
	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 fills in the fields added between schema v1 (a bare
// device/broker pair with no Seal/Health sections) and v2, without
// disturbing anything the operator already set.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	defaults := DefaultConfig()

	if cfg.MQTT.ClientIDPrefix == "" {
		cfg.MQTT.ClientIDPrefix = defaults.MQTT.ClientIDPrefix
		changes = append(changes, "set default mqtt.client_id_prefix")
	}
	if cfg.MQTT.TopicRoot == "" {
		cfg.MQTT.TopicRoot = defaults.MQTT.TopicRoot
		changes = append(changes, "set default mqtt.topic_root")
	}
	if cfg.Seal.Backend == "" {
		cfg.Seal.Backend = defaults.Seal.Backend
		changes = append(changes, "set default seal.backend")
		warnings = append(warnings, "seal.backend was unset; defaulting to the simulator, not a real secure element")
	}
	if cfg.Health.ListenAddr == "" {
		cfg.Health.ListenAddr = defaults.Health.ListenAddr
		changes = append(changes, "set default health.listen_addr")
	}
	return changes, warnings
}

// backupConfig copies configPath to a timestamped sibling before mutating
// it in place.
func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	backupPath := fmt.Sprintf("%s.bak.%d", configPath, migrationTimestamp())
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", err
	}
	return backupPath, nil
}

// migrationTimestamp is split out so tests can't be flaky on a shared
// clock tick; it is still wall-clock, just isolated for readability.
func migrationTimestamp() int64 {
	return time.Now().Unix()
}

// migrationHistoryPath is where successive MigrationResults are appended,
// for operators diagnosing an unexpected config value after an upgrade.
func migrationHistoryPath() string {
	return filepath.Join(EdgecoreDir(), "migration_history.json")
}

// SaveMigrationHistory appends result to the on-disk migration history.
func SaveMigrationHistory(result *MigrationResult) error {
	if result == nil {
		return nil
	}
	path := migrationHistoryPath()

	var history []MigrationResult
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &history)
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
