package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/eventbus"
	"mentionbot/internal/runtime/lifecycle"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
	count   int
}

// Status is a point-in-time view of one registered plugin.
type Status struct {
	Name        string
	Enabled     bool
	Running     bool
	Quarantined string // last error, empty when healthy
}

type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm *config.ConfigManager
	deps Deps
	cmdm *router.CommandManager

	reg    map[string]Plugin
	run    map[string]bool
	inited map[string]bool // Init runs once per process, not per enable cycle
	// last config blob hash per running plugin, to skip redundant OnConfigChange calls
	lastRawHash map[string]uint64
	quarantine  map[string]quarantineState

	// baseCtx outlives call-scoped contexts passed to StartAll/OnConfigUpdate.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pcancel map[string]context.CancelFunc
}

func NewManager(log logx.Logger, cfgm *config.ConfigManager, deps Deps, cmdm *router.CommandManager) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log,
		cfgm:        cfgm,
		deps:        deps,
		cmdm:        cmdm,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		quarantine:  map[string]quarantineState{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pcancel:     map[string]context.CancelFunc{},
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// bindContext ties baseCtx to appCtx. First non-nil bind wins.
func (pm *Manager) bindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	baseCancel := pm.baseCancel
	pm.mu.Unlock()

	context.AfterFunc(appCtx, baseCancel)
}

func (pm *Manager) Register(p ...Plugin) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		if pl == nil {
			return errNilPlugin
		}
		if _, dup := pm.reg[pl.Name()]; dup {
			return fmt.Errorf("plugin %q registered twice", pl.Name())
		}
		pm.reg[pl.Name()] = pl
	}
	pm.refreshRegistryLocked(pm.cfgm.Get())
	return nil
}

func (pm *Manager) StartAll(ctx context.Context) error {
	pm.bindContext(ctx)
	return pm.reconcile(pm.cfgm.Get())
}

func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.bindContext(ctx)
	_ = pm.reconcile(cfg)
}

func (pm *Manager) StopAll(ctx context.Context, reason lifecycle.StopReason) {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	pm.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		pm.stopOne(ctx, name, reason)
	}

	pm.mu.Lock()
	pm.refreshRegistryLocked(pm.cfgm.Get())
	pm.mu.Unlock()
	pm.baseCancel()
}

func (pm *Manager) Snapshot() []Status {
	cfg := pm.cfgm.Get()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.reg))
	for name := range pm.reg {
		st := Status{Name: name, Running: pm.run[name]}
		if cfg != nil {
			st.Enabled = cfg.Plugins[name].Enabled
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined = q.err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (pm *Manager) isQuarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	st, ok := pm.quarantine[name]
	if ok && st.rawHash != rawHash {
		delete(pm.quarantine, name)
		pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
		return false
	}
	return ok
}

func (pm *Manager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	errStr := err.Error()
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	if ok && prev.rawHash == rawHash && prev.err == errStr {
		prev.count++
		pm.quarantine[name] = prev
		pm.mu.Unlock()
		return
	}
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: errStr, since: time.Now(), count: prev.count + 1}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.String("err", errStr))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: errStr})
}

func (pm *Manager) stopOne(stopCtx context.Context, name string, reason lifecycle.StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}
	// A misbehaving Stop must not block shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit(eventbus.PluginStopped, pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", took))
}

func (pm *Manager) reconcile(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("plugin reconcile: nil config")
	}
	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		rawHash uint64
		enabled bool
		running bool
	}
	pm.mu.Lock()
	ops := make([]op, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{name: name, p: p, raw: raw, rawHash: canonicalHashJSON(raw.Config), enabled: ok && raw.Enabled, running: pm.run[name]})
	}
	pm.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	const callTimeout = 10 * time.Second

	for _, o := range ops {
		switch {
		case o.enabled && !o.running:
			if pm.isQuarantined(o.name, o.rawHash) {
				pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", o.name))
				continue
			}
			if err := validateStandardTimeouts(o.name, o.raw.Config); err != nil {
				pm.setQuarantine(o.name, o.rawHash, err, "timeouts")
				continue
			}
			pctx, cancel := context.WithCancel(pm.baseCtx)

			pm.mu.Lock()
			needInit := !pm.inited[o.name]
			pm.mu.Unlock()
			if needInit {
				ictx, icancel := context.WithTimeout(pctx, callTimeout)
				err := pm.safeCall("plugin.init."+o.name, func() error { return o.p.Init(ictx, pm.deps) })
				icancel()
				if err != nil {
					pm.log.Error("plugin init failed", logx.String("plugin", o.name), logx.Err(err))
					cancel()
					continue
				}
				pm.mu.Lock()
				pm.inited[o.name] = true
				pm.mu.Unlock()
			}

			if err := pm.applyConfig(pctx, o.p, o.raw.Config, callTimeout); err != nil {
				pm.setQuarantine(o.name, o.rawHash, err, "config")
				cancel()
				continue
			}
			if err := pm.startWithTimeout(o.name, o.p, pctx, cancel, callTimeout); err != nil {
				pm.log.Error("plugin start failed", logx.String("plugin", o.name), logx.Err(err))
				pm.emit("plugin.start_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
				cancel()
				continue
			}

			pm.mu.Lock()
			pm.run[o.name] = true
			pm.pcancel[o.name] = cancel
			pm.lastRawHash[o.name] = o.rawHash
			delete(pm.quarantine, o.name)
			pm.mu.Unlock()

			pm.log.Info("plugin started", logx.String("plugin", o.name))
			pm.emit(eventbus.PluginStarted, pluginEvent{Plugin: o.name})

		case !o.enabled && o.running:
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, o.name, lifecycle.StopPluginDisable)
			cancel()

		case o.enabled && o.running:
			pm.mu.Lock()
			oldHash := pm.lastRawHash[o.name]
			pm.mu.Unlock()
			if oldHash == o.rawHash {
				continue
			}
			err := validateStandardTimeouts(o.name, o.raw.Config)
			if err == nil {
				err = pm.applyConfig(pm.baseCtx, o.p, o.raw.Config, callTimeout)
			}
			if err != nil {
				pm.setQuarantine(o.name, o.rawHash, err, "config")
				stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
				pm.stopOne(stopCtx, o.name, lifecycle.StopPluginQuarantine)
				cancel()
				continue
			}
			pm.mu.Lock()
			pm.lastRawHash[o.name] = o.rawHash
			pm.mu.Unlock()
			pm.log.Info("plugin config applied", logx.String("plugin", o.name))
		}
	}

	pm.mu.Lock()
	pm.refreshRegistryLocked(cfg)
	pm.mu.Unlock()
	return nil
}

func (pm *Manager) applyConfig(ctx context.Context, p Plugin, raw json.RawMessage, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if v, ok := p.(ConfigValidator); ok {
		if err := v.ValidateConfig(cctx, raw); err != nil {
			return fmt.Errorf("config validate: %w", err)
		}
	}
	if cp, ok := p.(ConfigurablePlugin); ok {
		if err := pm.safeCall("plugin.config."+p.Name(), func() error { return cp.OnConfigChange(cctx, raw) }); err != nil {
			return fmt.Errorf("config apply: %w", err)
		}
	}
	return nil
}

// startWithTimeout calls Start(pctx) with a deadline; on timeout the plugin ctx is cancelled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-time.After(2 * time.Second):
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call", logx.String("call", label), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) refreshRegistryLocked(cfg *config.Config) {
	if pm.cmdm == nil {
		return
	}
	var (
		cmds     []router.Command
		handlers []router.MessageHandler
	)
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p := pm.reg[name]
		if !pm.run[name] || cfg == nil || !cfg.Plugins[name].Enabled {
			continue
		}
		pto, has := pluginCommandTimeout(cfg.Plugins[name].Config)
		_ = pm.safeCall("plugin.commands."+name, func() error {
			for _, c := range p.Commands() {
				c.PluginName = name
				if has && c.Timeout <= 0 {
					c.Timeout = pto
				}
				cmds = append(cmds, c)
			}
			if mp, ok := p.(MessageHandlerProvider); ok {
				handlers = append(handlers, mp.MessageHandlers()...)
			}
			return nil
		})
	}
	pm.cmdm.SetRegistry(cmds, handlers)
}

// pluginCommandTimeout reads the shared plugin.config.timeouts.command field.
func pluginCommandTimeout(raw json.RawMessage) (time.Duration, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var w struct {
		Timeouts struct {
			Command string `json:"command"`
		} `json:"timeouts"`
	}
	if err := json.Unmarshal(raw, &w); err != nil || w.Timeouts.Command == "" {
		return 0, false
	}
	d, err := time.ParseDuration(w.Timeouts.Command)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func validateStandardTimeouts(plugin string, raw json.RawMessage) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil
	}
	b, ok := top["timeouts"]
	if !ok || len(b) == 0 || string(b) == "null" {
		return nil
	}
	var tm map[string]json.RawMessage
	if err := json.Unmarshal(b, &tm); err != nil {
		return fmt.Errorf("plugin %s: timeouts must be an object", plugin)
	}
	for k, v := range tm {
		switch k {
		case "command", "operation":
		default:
			return fmt.Errorf("plugin %s: unknown timeouts field %q (supported: command, operation)", plugin, k)
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, k, err)
		}
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, k, err)
		}
	}
	return nil
}

// ValidateConfig checks every enabled plugin's config before a reload is
// committed. It never calls Init, Start or Stop.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	pm.mu.Lock()
	reg := make(map[string]Plugin, len(pm.reg))
	for k, v := range pm.reg {
		reg[k] = v
	}
	pm.mu.Unlock()

	for name, p := range reg {
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		if err := validateStandardTimeouts(name, raw.Config); err != nil {
			return err
		}
		if v, ok := p.(ConfigValidator); ok {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := v.ValidateConfig(cctx, raw.Config)
			cancel()
			if err != nil {
				return fmt.Errorf("plugin %s: config validate: %w", name, err)
			}
		}
	}
	return nil
}
