package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mentionbot/internal/config"
	logx "mentionbot/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		driver  string
		enabled bool
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", sc: &config.StorageConfig{Driver: "none"}},
		{name: "memory", sc: &config.StorageConfig{Driver: "Memory"}, driver: "memory", enabled: true},
		{name: "file", sc: &config.StorageConfig{Driver: "file", Path: "./data"}, driver: "file", enabled: true},
		{name: "sqlite", sc: &config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "2s"}, driver: "sqlite", enabled: true},
		{name: "sqlite without path", sc: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite bad timeout", sc: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "later"}, wantErr: true},
		{name: "postgres", sc: &config.StorageConfig{Driver: "postgres", DSN: "postgres://u@h/db"}, driver: "postgres", enabled: true},
		{name: "postgres without dsn", sc: &config.StorageConfig{Driver: "postgresql"}, wantErr: true},
		{name: "unknown", sc: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enabled != tt.enabled || sc.Driver != tt.driver {
				t.Fatalf("got driver=%q enabled=%v, want %q %v", sc.Driver, enabled, tt.driver, tt.enabled)
			}
		})
	}
}

func TestSQLiteBusyTimeoutDefault(t *testing.T) {
	sc, _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	require.NoError(t, err)
	require.Equal(t, time.Second, sc.BusyTimeout)
}

func TestMaintenanceSpec(t *testing.T) {
	require.Equal(t, "", maintenanceSpec(&config.Config{}))
	require.Equal(t, "@daily", maintenanceSpec(&config.Config{Storage: &config.StorageConfig{Driver: "file"}}))
	require.Equal(t, "", maintenanceSpec(&config.Config{Storage: &config.StorageConfig{Maintenance: "OFF"}}))
	require.Equal(t, "0 4 * * *", maintenanceSpec(&config.Config{Storage: &config.StorageConfig{Maintenance: " 0 4 * * * "}}))

	require.NoError(t, validateMaintenanceSpec("@hourly"))
	require.NoError(t, validateMaintenanceSpec("*/30 * * * * *"))
	require.Error(t, validateMaintenanceSpec("every tuesday"))
}

type countingMaintainer struct {
	n   atomic.Int32
	err error
}

func (m *countingMaintainer) Maintain(context.Context) error {
	m.n.Add(1)
	return m.err
}

func TestMaintenanceRunsOnSchedule(t *testing.T) {
	m := &countingMaintainer{err: errors.New("disk full")}
	mt, err := newMaintenance("@every 1s", m, logx.Nop())
	require.NoError(t, err)
	mt.Start()
	require.Eventually(t, func() bool { return m.n.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mt.Stop(ctx))
}

func TestMaintenanceDisabled(t *testing.T) {
	mt, err := newMaintenance("", &countingMaintainer{}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, mt)
	mt.Start()
	require.NoError(t, mt.Stop(context.Background()))
}

func TestParseLogTarget(t *testing.T) {
	chat, thread, err := parseLogTarget("-1001234", 7)
	require.NoError(t, err)
	require.Equal(t, int64(-1001234), chat)
	require.Equal(t, 7, thread)

	chat, thread, err = parseLogTarget("-1001234:42", 7)
	require.NoError(t, err)
	require.Equal(t, int64(-1001234), chat)
	require.Equal(t, 42, thread)

	chat, _, err = parseLogTarget("  ", 0)
	require.NoError(t, err)
	require.Zero(t, chat)

	_, _, err = parseLogTarget("logs", 0)
	require.Error(t, err)
	_, _, err = parseLogTarget("-100:x", 0)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	a := &App{}
	ok := &config.Config{
		Telegram: config.TelegramConfig{PollTimeout: "30s", GroupLog: "-100:3"},
		Storage:  &config.StorageConfig{Driver: "sqlite", Path: "m.db", Maintenance: "@weekly"},
		Debug:    config.DebugConfig{Enabled: true, Addr: "127.0.0.1:6061"},
	}
	require.NoError(t, a.validate(ok))

	bad := *ok
	bad.Telegram.PollTimeout = "soon"
	require.Error(t, a.validate(&bad))

	bad = *ok
	bad.Storage = &config.StorageConfig{Driver: "file", Maintenance: "sometimes"}
	require.Error(t, a.validate(&bad))

	bad = *ok
	bad.Debug = config.DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}
	require.Error(t, a.validate(&bad))

	bad = *ok
	bad.Telegram.SendRatePerChat = -1
	require.Error(t, a.validate(&bad))
}

func TestMapLogConfigRedactsToken(t *testing.T) {
	lc := mapLogConfig(&config.Config{Telegram: config.TelegramConfig{Token: "123:abc"}})
	require.Equal(t, []string{"123:abc", ""}, lc.Redact)
}
