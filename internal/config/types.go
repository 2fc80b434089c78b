package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Telegram TelegramConfig             `json:"telegram"`
	Logging  LoggingConfig              `json:"logging"`
	Storage  *StorageConfig             `json:"storage,omitempty"`
	Debug    DebugConfig                `json:"debug,omitempty"`
	Plugins  map[string]PluginConfigRaw `json:"plugins"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mentionbot.sqlite", "maintenance": "@daily" }
//
// Driver is one of memory, file, sqlite, postgres. Postgres reads DSN
// instead of Path.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Maintenance is a cron spec for compaction/optimize (default "@daily", "off" disables).
	Maintenance string `json:"maintenance,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof + Prometheus).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`        // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"`      // default: "/debug/pprof/"
	Pprof         *bool  `json:"pprof,omitempty"`       // default: true
	Metrics       *bool  `json:"metrics,omitempty"`     // default: true
	MetricsPath   string `json:"metrics_path,omitempty"` // default: "/metrics"
	Token         string `json:"token,omitempty"`       // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is "<chat_id>" or "<chat_id>:<thread_id>" for the Telegram log sink.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// SendRatePerChat caps outgoing messages per chat per second.
	SendRatePerChat float64 `json:"send_rate_per_chat,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin blocks are
// caught during reload instead of silently ignored.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// BoolOr returns *b, or def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
