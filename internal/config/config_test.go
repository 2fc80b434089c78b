package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "file-token"
  owner_user_ids: [1, 2]
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/bot.sqlite
plugins:
  mention:
    enabled: true
    config:
      dedup: true
      batch_size: 50
`

func TestDecodeYAML(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	cfg, err := Decode("bot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	p, ok := cfg.Plugins["mention"]
	if !ok || !p.Enabled || len(p.Config) == 0 {
		t.Fatalf("plugins = %+v", cfg.Plugins)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode("bot.json", []byte(`{"telegram":{"tokn":"x"}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("bot.json", []byte(`{"plugins":{"mention":{"enabled":true,"timeout":"1s"}}}`)); err == nil {
		t.Fatalf("expected unknown plugin field error")
	}
	if _, err := Decode("bot.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")
	cfg, err := Decode("bot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, want env-token", cfg.Telegram.Token)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	a, _ := Decode("a.yaml", []byte(sampleYAML))
	b, _ := Decode("b.yaml", []byte(sampleYAML))
	b.Logging.Level = "debug"
	b.Plugins["mention"] = PluginConfigRaw{Enabled: false}

	changed, _, plugins := SummarizeConfigChange(a, b)
	if len(plugins) != 1 || plugins[0] != "mention" {
		t.Fatalf("plugins = %v", plugins)
	}
	want := map[string]bool{"logging": true, "plugins": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q in %v", c, changed)
		}
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return nil })
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("Get() not committed")
	}
}
