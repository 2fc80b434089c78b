// Package mention tracks "@" mentions of subscribed users in group chats
// and hands them back as a digest on /at get.
package mention

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"mentionbot/internal/plugin"
	kit "mentionbot/internal/transport"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

const Name = "mention"

type Plugin struct {
	plugin.PluginBase

	mu  sync.RWMutex
	cfg settings

	registry *Registry
	resolver *Resolver
	capture  *Capture
	delivery *Delivery
}

func New() *Plugin { return &Plugin{cfg: defaultSettings()} }

func (p *Plugin) Name() string { return Name }

func (p *Plugin) settings() settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if deps.Store == nil {
		return errors.New("mention: storage is required (set storage.driver)")
	}
	if deps.Adapter == nil {
		return errors.New("mention: transport adapter is required")
	}
	s := p.settings()
	p.registry = NewRegistry(deps.Store)
	p.resolver = NewResolver(deps.Directory, s.cacheTTL)
	p.capture = NewCapture(deps.Store, p.registry, p.resolver, p.Log.With(logx.String("comp", "capture")), p.settings, p.PublishEvent)
	p.delivery = NewDelivery(deps.Store, p.registry, p.resolver, deps.Adapter, p.Log.With(logx.String("comp", "delivery")), p.settings, p.PublishEvent)
	return nil
}

func decodeSettings(raw json.RawMessage) (settings, error) {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return settings{}, err
	}
	return c.settings()
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := decodeSettings(raw)
	return err
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	s, err := decodeSettings(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = s
	p.mu.Unlock()
	if p.resolver != nil {
		p.resolver.SetTTL(s.cacheTTL)
	}
	p.Log.Debug("config applied",
		logx.Bool("dedup", s.dedup), logx.Bool("purge_on_read", s.purgeOnRead),
		logx.Int("batch_size", s.batchSize), logx.String("locale", s.locale.String()))
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.Runner.Go("mention.resolver.prune", func(c context.Context) error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				if n := p.resolver.Prune(); n > 0 {
					p.Log.Trace("resolver cache pruned", logx.Int("entries", n))
				}
			}
		}
	})
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

// MessageHandlers leaves Timeout unset: onMessage applies timeouts.operation
// per message so a reload takes effect on the next message.
func (p *Plugin) MessageHandlers() []router.MessageHandler {
	return []router.MessageHandler{{
		Name:   "mention.capture",
		Handle: p.onMessage,
	}}
}

func (p *Plugin) onMessage(ctx context.Context, msg *kit.Message) {
	if d := p.settings().opTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	n, err := p.capture.Handle(ctx, msg)
	if err != nil {
		p.Log.Warn("mention capture failed", logx.Int64("chat_id", msg.ChatID), logx.Int("message_id", msg.ID), logx.Err(err))
		return
	}
	if n > 0 {
		p.Log.Debug("mentions captured", logx.Int64("chat_id", msg.ChatID), logx.Int("records", n))
	}
}

var (
	_ plugin.Plugin                 = (*Plugin)(nil)
	_ plugin.ConfigurablePlugin     = (*Plugin)(nil)
	_ plugin.ConfigValidator        = (*Plugin)(nil)
	_ plugin.MessageHandlerProvider = (*Plugin)(nil)
)
