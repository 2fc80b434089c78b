package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/eventbus"
	rtsup "mentionbot/internal/runtime/supervisor"
	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// MessageHandlerProvider is implemented by plugins that observe every
// non-command message.
type MessageHandlerProvider interface {
	MessageHandlers() []router.MessageHandler
}

type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before it is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

type Deps struct {
	Logger    logx.Logger
	Adapter   kit.Adapter
	Directory kit.Directory // nil when the adapter cannot look up members
	Config    *config.ConfigManager
	Bus       eventbus.Bus
	Store     storage.Store // nil when storage is disabled
}

// PluginBase wires logging, the per-plugin supervisor and a few helpers.
//
//	type Plugin struct { plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log    logx.Logger
	Deps   Deps
	Runner *rtsup.Supervisor

	pluginName string
	ctx        context.Context
}

func (b *PluginBase) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", pluginName))
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = rtsup.NewSupervisor(ctx, rtsup.WithLogger(b.Log), rtsup.WithCancelOnError(false))
}

// StopBase cancels the runner and waits, bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *PluginBase) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// AppendAudit is best-effort; failures are logged at debug level only.
func (b *PluginBase) AppendAudit(ctx context.Context, e storage.AuditEntry) {
	st := b.Deps.Store
	if st == nil {
		return
	}
	if e.Plugin == "" {
		e.Plugin = b.pluginName
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := st.AppendAudit(ctx, e); err != nil {
		b.Log.Debug("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// PublishEvent is non-blocking.
func (b *PluginBase) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// DecodePluginConfig strictly decodes a plugin's raw config into T.
// Empty input yields the zero value.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode plugin config: %w", err)
	}
	return out, nil
}

var errNilPlugin = errors.New("plugin is nil")
