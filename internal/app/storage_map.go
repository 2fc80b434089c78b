package app

import (
	"fmt"
	"strings"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/storage"
	logx "mentionbot/pkg/logx"
)

const defaultMaintenance = "@daily"

// mapStorageConfig turns the storage section into a driver config. The
// bool is false when storage is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvStorageDSN)
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// maintenanceSpec returns the cron spec for store housekeeping, or "" when
// it is switched off.
func maintenanceSpec(cfg *config.Config) string {
	if cfg == nil || cfg.Storage == nil {
		return ""
	}
	spec := strings.TrimSpace(cfg.Storage.Maintenance)
	switch strings.ToLower(spec) {
	case "":
		return defaultMaintenance
	case "off", "none", "disabled":
		return ""
	}
	return spec
}

// OpenStore opens the store configured in cfgPath without starting the bot.
func OpenStore(cfgPath string, log logx.Logger) (storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}
