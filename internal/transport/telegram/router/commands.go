package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"mentionbot/internal/config"
	rtsup "mentionbot/internal/runtime/supervisor"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space or dot separated command path, e.g.:
	//   "help"
	//   "at get" (reachable as /at get, /at.get and /at_get)
	Route       string
	Aliases     []string // root-level aliases
	Description string
	Usage       string
	Access      Access
	// Switches are single flags that never take a value, so "-r 5" keeps
	// 5 as a positional argument.
	Switches []string

	PluginName string
	Timeout    time.Duration // optional per-command override
	Handle     HandlerFunc
}

// MessageHandler observes every non-command message. Handlers run on the
// dispatcher's worker pool and must not reply unless they mean to.
type MessageHandler struct {
	Name    string
	Timeout time.Duration
	Handle  func(ctx context.Context, msg *kit.Message)
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string
	Args    []string // positional args after flags were removed

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Config  *config.Config
	Logger  logx.Logger
	Owners  []int64
}

func (r *Request) IsOwner() bool { return slices.Contains(r.Owners, r.FromID) }

// Reply sends text to the request's chat as a reply to the command message.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{DisablePreview: true}
	}
	if r.Message != nil && opt.ReplyToMessageID == 0 {
		opt.ReplyToMessageID = r.Message.ID
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type CommandManager struct {
	mu       sync.RWMutex
	root     *cmdNode
	alias    map[string]*cmdNode // alias -> leaf node
	handlers []MessageHandler
	owners   []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.ConfigManager

	runMu   sync.Mutex
	appSup  *rtsup.Supervisor
	sup     *rtsup.Supervisor
	running bool

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *config.ConfigManager, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  slices.Clone(owners),
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		jobs:    make(chan func(), 256),
	}
}

// SetAppSupervisor lets background work (menu updates) stop with the app.
func (m *CommandManager) SetAppSupervisor(sup *rtsup.Supervisor) {
	m.runMu.Lock()
	m.appSup = sup
	m.runMu.Unlock()
}

// Supervisor returns the dispatcher's worker supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

// SetOwners updates the owner list. Safe during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.owners)
}

func (m *CommandManager) SetRegistry(cmds []Command, handlers []MessageHandler) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	leaves := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		leaves = append(leaves, c)

		// Telegram command names are [a-z0-9_]{1,32}, so multi-token routes
		// get an underscore alias for the /menu. The bare single-token name
		// is never aliased or it would shadow its own subcommands.
		if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.ContainsAny(a, " .") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.handlers = slices.Clone(handlers)
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(root, leaves)
	run := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	}
	m.runMu.Lock()
	sup := m.appSup
	m.runMu.Unlock()
	if sup != nil {
		sup.Go("telegram.menu.update", run)
	} else {
		go func() { _ = run(context.Background()) }()
	}
}

// DispatchLoop routes updates onto a bounded worker pool until ctx is done
// or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup, m.running = sup, true
	m.runMu.Unlock()
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(i, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		close(m.jobs)
		m.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				m.routeMessage(sup.Context(), up)
			}
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// enqueue never blocks; it reports false when the pool is saturated or stopped.
func (m *CommandManager) enqueue(fn func()) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return false
	}
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		m.dispatchObservers(ctx, msg)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		m.enqueueCommand(ctx, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	// "/at.get -n 5" is the same as "/at get -n 5".
	toks := splitRoute(word)
	if len(toks) == 0 {
		return
	}
	cur, path, rest := root.walk(toks[0], append(toks[1:], args...))
	if cur == nil || len(path) < len(toks) {
		// Groups often host several bots; stay quiet about commands we don't own.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, to, "unknown command, try /help", nil)
		}
		return
	}
	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, to, m.helpText(path), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	m.enqueueCommand(ctx, up, *cur.cmd, path, rest)
}

func (m *CommandManager) dispatchObservers(ctx context.Context, msg *kit.Message) {
	m.mu.RLock()
	hs := m.handlers
	m.mu.RUnlock()
	for _, h := range hs {
		if !m.enqueue(func() {
			hctx := ctx
			if h.Timeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(ctx, h.Timeout)
				defer cancel()
			}
			h.Handle(hctx, msg)
		}) {
			m.log.Warn("message handler dropped (queue full)", logx.String("handler", h.Name), logx.Int64("chat_id", msg.ChatID))
		}
	}
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, path []string, raw []string) {
	msg := up.Message
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !slices.Contains(owners, msg.FromID) {
		_, _ = m.adapter.SendText(ctx, to, "unauthorized", nil)
		return
	}

	rid := newReqID()
	pos, flags, bools := parseFlags(raw, cmd.Switches...)
	req := &Request{
		Update:    up,
		Message:   msg,
		Chat:      to,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		Owners: owners,
	}
	if m.cfgm != nil {
		req.Config = m.cfgm.Get()
	}

	final := Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(cmd.Timeout))
	if !m.enqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, to, "busy, try again", nil)
	}
}
