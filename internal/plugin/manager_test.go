package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mentionbot/internal/config"
	"mentionbot/internal/eventbus"
	"mentionbot/internal/runtime/lifecycle"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

type fakePlugin struct {
	PluginBase
	name string

	mu      sync.Mutex
	inits   int
	starts  int
	stops   int
	applied []string
}

type fakeConfig struct {
	Fail  bool   `json:"fail"`
	Label string `json:"label"`

	Timeouts json.RawMessage `json:"timeouts"`
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Init(_ context.Context, deps Deps) error {
	p.InitBase(deps, p.name)
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.StopBase(ctx)
}

func (p *fakePlugin) Commands() []router.Command {
	return []router.Command{{Route: p.name + " ping", Handle: func(context.Context, *router.Request) error { return nil }}}
}

func (p *fakePlugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := DecodePluginConfig[fakeConfig](raw)
	if err != nil {
		return err
	}
	if c.Fail {
		return errors.New("fail requested")
	}
	return nil
}

func (p *fakePlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := DecodePluginConfig[fakeConfig](raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.applied = append(p.applied, c.Label)
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) counts() (inits, starts, stops, applied int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.starts, p.stops, len(p.applied)
}

func cfgWith(enabled bool, raw string) *config.Config {
	pc := config.PluginConfigRaw{Enabled: enabled}
	if raw != "" {
		pc.Config = json.RawMessage(raw)
	}
	return &config.Config{Plugins: map[string]config.PluginConfigRaw{"fake": pc}}
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *fakePlugin, *config.ConfigManager, eventbus.Bus) {
	t.Helper()
	cfgm := config.NewConfigManager("")
	cfgm.Commit(cfg)
	bus := eventbus.New()
	pm := NewManager(logx.Nop(), cfgm, Deps{Logger: logx.Nop(), Bus: bus}, nil)
	fp := &fakePlugin{name: "fake"}
	require.NoError(t, pm.Register(fp))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pm.StopAll(ctx, lifecycle.StopAppStop)
	})
	return pm, fp, cfgm, bus
}

func TestRegisterRejectsNilAndDuplicates(t *testing.T) {
	pm, _, _, _ := newTestManager(t, cfgWith(false, ""))
	require.ErrorIs(t, pm.Register(nil), errNilPlugin)
	require.Error(t, pm.Register(&fakePlugin{name: "fake"}))
}

func TestStartAllAndLifecycle(t *testing.T) {
	ctx := context.Background()
	pm, fp, _, bus := newTestManager(t, cfgWith(true, `{"label":"a"}`))
	events, unsub := bus.Subscribe(8, "plugin")
	defer unsub()

	require.NoError(t, pm.StartAll(ctx))
	inits, starts, _, applied := fp.counts()
	require.Equal(t, 1, inits)
	require.Equal(t, 1, starts)
	require.Equal(t, 1, applied)
	require.Equal(t, []Status{{Name: "fake", Enabled: true, Running: true}}, pm.Snapshot())

	select {
	case e := <-events:
		require.Equal(t, eventbus.PluginStarted, e.Type)
	case <-time.After(time.Second):
		t.Fatalf("no plugin.started event")
	}

	// Same config again: nothing is re-applied.
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"label": "a"}`))
	_, _, _, applied = fp.counts()
	require.Equal(t, 1, applied)

	pm.OnConfigUpdate(ctx, cfgWith(true, `{"label":"b"}`))
	_, _, _, applied = fp.counts()
	require.Equal(t, 2, applied)

	pm.OnConfigUpdate(ctx, cfgWith(false, `{"label":"b"}`))
	_, _, stops, _ := fp.counts()
	require.Equal(t, 1, stops)
	require.False(t, pm.Snapshot()[0].Running)

	pm.OnConfigUpdate(ctx, cfgWith(true, `{"label":"b"}`))
	inits, starts, _, _ = fp.counts()
	require.Equal(t, 1, inits, "init runs once per process")
	require.Equal(t, 2, starts)
}

func TestBadConfigQuarantinesUntilChanged(t *testing.T) {
	ctx := context.Background()
	pm, fp, _, _ := newTestManager(t, cfgWith(true, `{"fail":true}`))

	require.NoError(t, pm.StartAll(ctx))
	st := pm.Snapshot()[0]
	require.False(t, st.Running)
	require.Contains(t, st.Quarantined, "fail requested")

	pm.OnConfigUpdate(ctx, cfgWith(true, `{"fail":true}`))
	_, starts, _, _ := fp.counts()
	require.Zero(t, starts)

	pm.OnConfigUpdate(ctx, cfgWith(true, `{"fail":false}`))
	st = pm.Snapshot()[0]
	require.True(t, st.Running)
	require.Empty(t, st.Quarantined)

	// A bad reload while running stops the plugin.
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"label":"x","timeouts":{"cmd":"1s"}}`))
	st = pm.Snapshot()[0]
	require.False(t, st.Running)
	require.Contains(t, st.Quarantined, "unknown timeouts field")
}

func TestValidateConfig(t *testing.T) {
	ctx := context.Background()
	pm, fp, _, _ := newTestManager(t, cfgWith(false, ""))

	require.NoError(t, pm.ValidateConfig(ctx, cfgWith(true, `{"label":"ok","timeouts":{"command":"5s"}}`)))
	require.Error(t, pm.ValidateConfig(ctx, cfgWith(true, `{"fail":true}`)))
	require.Error(t, pm.ValidateConfig(ctx, cfgWith(true, `{"timeouts":{"command":"soon"}}`)))
	require.Error(t, pm.ValidateConfig(ctx, cfgWith(true, `{"labell":"typo"}`)))
	// Disabled plugins are not validated.
	require.NoError(t, pm.ValidateConfig(ctx, cfgWith(false, `{"fail":true}`)))

	inits, starts, _, _ := fp.counts()
	require.Zero(t, inits)
	require.Zero(t, starts)
}

func TestPluginCommandTimeout(t *testing.T) {
	d, ok := pluginCommandTimeout(json.RawMessage(`{"timeouts":{"command":"45s"}}`))
	require.True(t, ok)
	require.Equal(t, 45*time.Second, d)

	_, ok = pluginCommandTimeout(json.RawMessage(`{"timeouts":{"command":"-1s"}}`))
	require.False(t, ok)
	_, ok = pluginCommandTimeout(nil)
	require.False(t, ok)
}

func TestDecodePluginConfig(t *testing.T) {
	c, err := DecodePluginConfig[fakeConfig](json.RawMessage(" null "))
	require.NoError(t, err)
	require.Equal(t, fakeConfig{}, c)

	c, err = DecodePluginConfig[fakeConfig](json.RawMessage(`{"label":"x"}`))
	require.NoError(t, err)
	require.Equal(t, "x", c.Label)

	_, err = DecodePluginConfig[fakeConfig](json.RawMessage(`{"nope":1}`))
	require.Error(t, err)
}
