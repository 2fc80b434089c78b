package mention

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/message"

	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
	"mentionbot/pkg/tgui"
)

var (
	errUnknownUser = errors.New("unknown user")
	errNeedChannel = errors.New("no channel in scope")
	errBadCount    = errors.New("invalid count")
)

// argError carries the offending argument for the localized reply.
type argError struct {
	kind error
	val  string
}

func (e *argError) Error() string { return e.kind.Error() + ": " + e.val }
func (e *argError) Unwrap() error { return e.kind }

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "at get",
			Description: "deliver your pending mentions",
			Usage:       "/at get [count | -n count] [-a] [-r] [-u user]",
			Switches:    []string{"a", "r"},
			Handle:      p.cmdGet,
		},
		{
			Route:       "at subscribe",
			Description: "track mentions of you in this chat",
			Usage:       "/at subscribe [-u user] [-c chat_id]",
			Handle:      p.cmdSubscribe,
		},
		{
			Route:       "at unsubscribe",
			Description: "stop tracking mentions in this chat",
			Usage:       "/at unsubscribe [-u user] [-c chat_id]",
			Handle:      p.cmdUnsubscribe,
		},
		{
			Route:       "at status",
			Description: "pending count and subscribed chats",
			Usage:       "/at status [-u user]",
			Handle:      p.cmdStatus,
		},
	}
}

func flagSet(req *router.Request, k string) bool {
	if req.BoolFlags[k] {
		return true
	}
	_, ok := req.Flags[k]
	return ok
}

func (p *Plugin) reply(ctx context.Context, req *router.Request, text string) error {
	return req.Reply(ctx, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// privileged: configured owners, plus chat administrators when
// admins_privileged is set.
func (p *Plugin) privileged(ctx context.Context, req *router.Request) bool {
	if req.IsOwner() {
		return true
	}
	dir := p.Deps.Directory
	if !p.settings().adminsPrivileged || dir == nil || req.Message == nil || !req.Message.IsGroup {
		return false
	}
	m, err := dir.Member(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		p.Log.Debug("admin check failed", logx.Int64("chat_id", req.Chat.ChatID), logx.Err(err))
		return false
	}
	return m.IsAdmin
}

// target is the invoker, or the -u user for privileged callers. -u takes
// a numeric id or an @username seen before.
func (p *Plugin) target(ctx context.Context, req *router.Request, priv func() bool) (string, error) {
	self := strconv.FormatInt(req.FromID, 10)
	if !flagSet(req, "u") {
		return self, nil
	}
	u := strings.TrimSpace(req.Flags["u"])
	if u == "" {
		return "", &argError{errUnknownUser, u}
	}
	if u == self {
		return self, nil
	}
	if !priv() {
		return "", ErrForbidden
	}
	if _, err := strconv.ParseInt(u, 10, 64); err == nil {
		return u, nil
	}
	e, err := p.Deps.Store.LookupUsername(ctx, u)
	if errors.Is(err, storage.ErrNotFound) {
		return "", &argError{errUnknownUser, u}
	}
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// channel is -c for privileged callers, else the invoking group. The
// invoking group is registered on the way so it can hold subscriptions
// before its first ordinary message.
func (p *Plugin) channel(ctx context.Context, req *router.Request, priv func() bool) (string, error) {
	if flagSet(req, "c") {
		c := strings.TrimSpace(req.Flags["c"])
		if !priv() {
			return "", ErrForbidden
		}
		if _, err := strconv.ParseInt(c, 10, 64); err != nil {
			return "", &argError{ErrChannelNotFound, c}
		}
		return c, nil
	}
	if req.Message == nil || !req.Message.IsGroup {
		return "", errNeedChannel
	}
	id := strconv.FormatInt(req.Chat.ChatID, 10)
	if _, err := p.Deps.Store.EnsureChannel(ctx, storage.Channel{ID: id, Title: req.Message.ChatTitle, SeenAt: time.Now()}); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Plugin) fail(ctx context.Context, req *router.Request, pr *message.Printer, err error) error {
	var ae *argError
	val := ""
	if errors.As(err, &ae) {
		val = ae.val
	}
	code := func(s string) tgui.H { return tgui.Code(s) }

	var text string
	switch {
	case errors.Is(err, ErrForbidden):
		text = pr.Sprintf(keyForbidden)
	case errors.Is(err, errNeedChannel):
		text = pr.Sprintf(keyNeedChannel)
	case errors.Is(err, errUnknownUser):
		text = pr.Sprintf(keyUnknownUser, code(val))
	case errors.Is(err, errBadCount):
		text = pr.Sprintf(keyBadCount, code(val))
	case errors.Is(err, ErrChannelNotFound):
		if val == "" {
			val = req.Flags["c"]
		}
		text = pr.Sprintf(keyChannelNotFound, code(val))
	default:
		_ = p.reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
		return err
	}
	return p.reply(ctx, req, text)
}

func (p *Plugin) audit(ctx context.Context, req *router.Request, action, target string, count int, start time.Time, err error) {
	e := storage.AuditEntry{
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Action:  action,
		Target:  target,
		Count:   count,
		TookMS:  time.Since(start).Milliseconds(),
	}
	if req.Message != nil {
		e.ActorUsername = req.Message.FromUsername
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AppendAudit(ctx, e)
}

func (p *Plugin) cmdGet(ctx context.Context, req *router.Request) error {
	start := time.Now()
	pr := newPrinter(p.settings().locale)
	priv := sync.OnceValue(func() bool { return p.privileged(ctx, req) })

	target, err := p.target(ctx, req, priv)
	if err != nil {
		return p.fail(ctx, req, pr, err)
	}
	count := 0
	n, hasCount := req.Flags["n"], flagSet(req, "n")
	if !hasCount && len(req.Args) > 0 {
		n, hasCount = req.Args[0], true
	}
	if hasCount {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return p.fail(ctx, req, pr, &argError{errBadCount, n})
		}
		count = v
	}

	dr := DeliveryRequest{
		TargetID: target,
		To:       req.Chat,
		Count:    count,
		All:      flagSet(req, "a"),
		Desc:     flagSet(req, "r"),
	}
	if req.Message != nil {
		dr.ReplyTo = req.Message.ID
	}
	res, err := p.delivery.Deliver(ctx, dr, pr)
	if target != strconv.FormatInt(req.FromID, 10) || res.Purged > 0 {
		p.audit(ctx, req, "get", target, res.Sent, start, err)
	}
	if err != nil {
		if res.Outcome == OutcomeDelivered {
			_ = p.reply(ctx, req, pr.Sprintf(keySendFailed, res.Sent, res.Fetched))
			return err
		}
		return p.fail(ctx, req, pr, err)
	}
	switch res.Outcome {
	case OutcomeNoSubscription:
		return p.reply(ctx, req, pr.Sprintf(keyNoSubscription))
	case OutcomeEmpty:
		return p.reply(ctx, req, pr.Sprintf(keyEmpty))
	}
	return nil
}

func (p *Plugin) cmdSubscribe(ctx context.Context, req *router.Request) error {
	return p.changeSubscription(ctx, req, "subscribe")
}

func (p *Plugin) cmdUnsubscribe(ctx context.Context, req *router.Request) error {
	return p.changeSubscription(ctx, req, "unsubscribe")
}

func (p *Plugin) changeSubscription(ctx context.Context, req *router.Request, action string) error {
	start := time.Now()
	pr := newPrinter(p.settings().locale)
	priv := sync.OnceValue(func() bool { return p.privileged(ctx, req) })

	// Both scopes are authorized before anything is written.
	target, err := p.target(ctx, req, priv)
	if err != nil {
		return p.fail(ctx, req, pr, err)
	}
	ch, err := p.channel(ctx, req, priv)
	if err != nil {
		return p.fail(ctx, req, pr, err)
	}

	var res Result
	if action == "subscribe" {
		res, err = p.registry.Subscribe(ctx, ch, target)
	} else {
		res, err = p.registry.Unsubscribe(ctx, ch, target)
	}
	p.audit(ctx, req, action, target+"@"+ch, 0, start, err)
	if err != nil {
		return p.fail(ctx, req, pr, &argError{err, ch})
	}
	p.Log.Info("subscription changed", logx.String("target", target), logx.String("channel", ch), logx.String("result", res.String()))

	key := map[Result]string{
		ResultAdded:         keySubSuccess,
		ResultExists:        keySubExist,
		ResultRemoved:       keyUnsubSuccess,
		ResultNotSubscribed: keyUnsubNone,
	}[res]
	return p.reply(ctx, req, pr.Sprintf(key))
}

func (p *Plugin) cmdStatus(ctx context.Context, req *router.Request) error {
	pr := newPrinter(p.settings().locale)
	priv := sync.OnceValue(func() bool { return p.privileged(ctx, req) })
	target, err := p.target(ctx, req, priv)
	if err != nil {
		return p.fail(ctx, req, pr, err)
	}
	n, err := p.Deps.Store.CountMentions(ctx, target)
	if err != nil {
		return p.fail(ctx, req, pr, err)
	}
	chans, err := p.registry.Channels(ctx, target)
	if err != nil {
		return p.fail(ctx, req, pr, err)
	}
	if len(chans) == 0 {
		return p.reply(ctx, req, pr.Sprintf(keyStatusNone, n))
	}
	codes := make([]tgui.H, len(chans))
	for i, c := range chans {
		codes[i] = tgui.Code(c)
	}
	return p.reply(ctx, req, pr.Sprintf(keyStatus, n, tgui.Join(", ", codes...)))
}
