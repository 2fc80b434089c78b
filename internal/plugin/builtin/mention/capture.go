package mention

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mentionbot/internal/eventbus"
	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

// CapturedEvent is the payload of eventbus.MentionCaptured.
type CapturedEvent struct {
	ChannelID string   `json:"channel_id"`
	MessageID int      `json:"message_id"`
	Targets   []string `json:"targets"`
	IDs       []int64  `json:"ids"`
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "unknown"
}

// Capture turns group messages into mention records for subscribed targets.
type Capture struct {
	store    storage.Store
	registry *Registry
	resolver *Resolver
	log      logx.Logger
	settings func() settings
	publish  func(typ string, data any)
	now      func() time.Time

	known sync.Map // channel id -> struct{}
	users sync.Map // user id -> username
}

func NewCapture(store storage.Store, reg *Registry, res *Resolver, log logx.Logger, cfg func() settings, publish func(string, any)) *Capture {
	if publish == nil {
		publish = func(string, any) {}
	}
	return &Capture{store: store, registry: reg, resolver: res, log: log, settings: cfg, publish: publish, now: time.Now}
}

// Handle processes one inbound message and reports how many records were
// persisted. Errors are returned for logging only; nothing is retried.
func (c *Capture) Handle(ctx context.Context, msg *kit.Message) (int, error) {
	if msg == nil || !msg.IsGroup {
		return 0, nil
	}
	chID := strconv.FormatInt(msg.ChatID, 10)
	senderID := strconv.FormatInt(msg.FromID, 10)
	c.remember(ctx, msg, chID, senderID)

	elems := c.resolveUsernames(ctx, msg.Elements)
	if c.settings().dedup {
		elems = Dedup(elems)
	}
	var targets []string
	for _, e := range elems {
		if e.Kind == kit.ElemMention && e.TargetID != "" {
			targets = append(targets, e.TargetID)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	subs, err := c.registry.Subscribers(ctx, chID)
	if err != nil {
		captureErrors.WithLabelValues("subscribers").Inc()
		return 0, fmt.Errorf("subscribers: %w", err)
	}
	targets = slices.DeleteFunc(targets, func(t string) bool { return !slices.Contains(subs, t) })
	if len(targets) == 0 {
		return 0, nil
	}

	start := c.now()
	var guildName, nickname, content string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		name, err := c.resolver.GuildName(gctx, chID)
		if errors.Is(err, ErrNoDirectory) {
			name, err = firstNonEmpty(msg.ChatTitle, chID), nil
		}
		if err != nil {
			return &stageError{"guild", err}
		}
		guildName = name
		return nil
	})
	g.Go(func() error {
		name, err := c.resolver.Lookup(gctx, chID, senderID)
		if errors.Is(err, ErrNoDirectory) {
			name, err = senderFallback(msg, senderID), nil
		}
		if err != nil {
			return &stageError{"sender", err}
		}
		nickname = name
		return nil
	})
	g.Go(func() error {
		content = flatten(gctx, c.resolver, chID, elems)
		return nil
	})
	if err := g.Wait(); err != nil {
		captureErrors.WithLabelValues(stageOf(err)).Inc()
		return 0, fmt.Errorf("resolve metadata: %w", err)
	}

	var quote string
	for _, e := range elems {
		if e.Kind == kit.ElemQuote {
			quote = e.QuoteID
			break
		}
	}
	at := msg.Time
	if at.IsZero() {
		at = c.now()
	}
	recs := make([]storage.MentionRecord, 0, len(targets))
	for _, t := range targets {
		recs = append(recs, storage.MentionRecord{
			TargetID:       t,
			SenderID:       senderID,
			Nickname:       nickname,
			GuildID:        chID,
			GuildName:      guildName,
			ChannelID:      chID,
			Content:        content,
			Time:           at,
			QuoteMessageID: quote,
		})
	}

	created, err := c.store.CreateMentions(ctx, recs)
	if err != nil {
		captureErrors.WithLabelValues("persist").Inc()
		c.log.Warn("mention records not persisted",
			logx.String("channel", chID), logx.Int("want", len(recs)), logx.Int("created", len(created)), logx.Err(err))
	}
	captureDuration.Observe(c.now().Sub(start).Seconds())
	if len(created) > 0 {
		mentionsCaptured.Add(float64(len(created)))
		ids := make([]int64, len(created))
		for i, r := range created {
			ids[i] = r.ID
		}
		c.publish(eventbus.MentionCaptured, CapturedEvent{ChannelID: chID, MessageID: msg.ID, Targets: targets, IDs: ids})
	}
	if err != nil {
		return len(created), fmt.Errorf("persist: %w", err)
	}
	return len(created), nil
}

// remember records the channel and any user we can tie an id to a
// username for. Writes are skipped when nothing changed since last time.
func (c *Capture) remember(ctx context.Context, msg *kit.Message, chID, senderID string) {
	if _, ok := c.known.Load(chID); !ok {
		if _, err := c.store.EnsureChannel(ctx, storage.Channel{ID: chID, Title: msg.ChatTitle, SeenAt: c.now()}); err != nil {
			c.log.Debug("ensure channel failed", logx.String("channel", chID), logx.Err(err))
		} else {
			c.known.Store(chID, struct{}{})
		}
	}
	if msg.FromID != 0 {
		c.rememberUser(ctx, senderID, msg.FromUsername, senderFallback(msg, senderID))
	}
	for _, e := range msg.Elements {
		if e.Kind == kit.ElemMention && e.TargetID != "" && e.Username != "" {
			c.rememberUser(ctx, e.TargetID, e.Username, "")
		}
	}
}

func (c *Capture) rememberUser(ctx context.Context, id, username, display string) {
	if username == "" {
		return
	}
	if prev, ok := c.users.Load(id); ok && prev.(string) == username {
		return
	}
	err := c.store.RememberUser(ctx, storage.UserEntry{ID: id, Username: username, DisplayName: display, SeenAt: c.now()})
	if err != nil {
		c.log.Debug("remember user failed", logx.String("user", id), logx.Err(err))
		return
	}
	c.users.Store(id, username)
}

// resolveUsernames fills TargetID for "@username" mentions of users seen
// before. Unknown usernames stay id-less.
func (c *Capture) resolveUsernames(ctx context.Context, elems []kit.Element) []kit.Element {
	out := slices.Clone(elems)
	for i, e := range out {
		if e.Kind != kit.ElemMention || e.TargetID != "" || e.Username == "" {
			continue
		}
		u, err := c.store.LookupUsername(ctx, e.Username)
		switch {
		case err == nil:
			out[i].TargetID = u.ID
		case !errors.Is(err, storage.ErrNotFound):
			c.log.Debug("username lookup failed", logx.String("username", e.Username), logx.Err(err))
		}
	}
	return out
}

func senderFallback(msg *kit.Message, id string) string {
	return firstNonEmpty(strings.TrimSpace(msg.FromFirstName+" "+msg.FromLastName), msg.FromUsername, id)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
