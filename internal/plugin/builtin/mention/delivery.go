package mention

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/message"

	"mentionbot/internal/eventbus"
	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
	"mentionbot/pkg/tgui"
)

type Outcome int

const (
	OutcomeNoSubscription Outcome = iota + 1
	OutcomeEmpty
	OutcomeDelivered
)

type DeliveryRequest struct {
	TargetID string
	To       kit.ChatTarget
	ReplyTo  int  // message id the first batch replies to
	Count    int  // <= 0 means the configured default
	All      bool // ignore Count
	Desc     bool // newest first
}

type DeliveryResult struct {
	Outcome Outcome
	Total   int // records stored for the target before delivery
	Fetched int
	Sent    int
	Purged  int
}

// DeliveredEvent is the payload of eventbus.MentionDelivered.
type DeliveredEvent struct {
	TargetID string `json:"target_id"`
	Sent     int    `json:"sent"`
	Batches  int    `json:"batches"`
}

// PurgedEvent is the payload of eventbus.MentionPurged.
type PurgedEvent struct {
	TargetID string  `json:"target_id"`
	IDs      []int64 `json:"ids"`
}

// Delivery sends a target's records back in fixed-size batches.
type Delivery struct {
	store    storage.MentionStore
	registry *Registry
	resolver *Resolver
	adapter  kit.Adapter
	log      logx.Logger
	settings func() settings
	publish  func(typ string, data any)
}

func NewDelivery(store storage.MentionStore, reg *Registry, res *Resolver, adapter kit.Adapter, log logx.Logger, cfg func() settings, publish func(string, any)) *Delivery {
	if publish == nil {
		publish = func(string, any) {}
	}
	return &Delivery{store: store, registry: reg, resolver: res, adapter: adapter, log: log, settings: cfg, publish: publish}
}

// Deliver runs one digest. Batches go out sequentially; the first failing
// send stops the loop. With purge_on_read only records of batches that
// were sent are deleted, after the loop.
func (d *Delivery) Deliver(ctx context.Context, req DeliveryRequest, p *message.Printer) (DeliveryResult, error) {
	s := d.settings()
	var res DeliveryResult

	total, err := d.store.CountMentions(ctx, req.TargetID)
	if err != nil {
		return res, fmt.Errorf("count: %w", err)
	}
	res.Total = total
	if total == 0 {
		chans, err := d.registry.Channels(ctx, req.TargetID)
		if err != nil {
			return res, fmt.Errorf("subscriptions: %w", err)
		}
		res.Outcome = OutcomeEmpty
		if len(chans) == 0 {
			res.Outcome = OutcomeNoSubscription
		}
		return res, nil
	}

	limit := total
	if !req.All {
		n := req.Count
		if n <= 0 {
			n = s.defaultCount
		}
		limit = min(n, total)
	}
	order := storage.OrderAsc
	if req.Desc {
		order = storage.OrderDesc
	}
	recs, err := d.store.FetchMentions(ctx, req.TargetID, limit, order)
	if err != nil {
		return res, fmt.Errorf("fetch: %w", err)
	}
	res.Outcome = OutcomeDelivered
	res.Fetched = len(recs)

	var (
		delivered []int64
		sendErr   error
		batches   int
	)
	for start := 0; start < len(recs); start += s.batchSize {
		end := min(start+s.batchSize, len(recs))
		batch := recs[start:end]
		opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
		if start == 0 {
			opt.ReplyToMessageID = req.ReplyTo
		}
		text := p.Sprintf(keyHeader, start+1, end, len(recs)) + "\n\n" + d.renderBatch(ctx, p, batch)
		if _, err := d.adapter.SendText(ctx, req.To, text, opt); err != nil {
			sendErr = fmt.Errorf("send batch %d: %w", batches+1, err)
			break
		}
		batches++
		digestBatchesSent.Inc()
		res.Sent += len(batch)
		for _, r := range batch {
			delivered = append(delivered, r.ID)
		}
	}
	if batches > 0 {
		d.publish(eventbus.MentionDelivered, DeliveredEvent{TargetID: req.TargetID, Sent: res.Sent, Batches: batches})
	}

	if s.purgeOnRead && len(delivered) > 0 {
		n, err := d.store.DeleteMentions(ctx, delivered)
		if err != nil {
			d.log.Warn("purge after delivery failed", logx.String("target", req.TargetID), logx.Int("ids", len(delivered)), logx.Err(err))
			return res, errors.Join(sendErr, fmt.Errorf("purge: %w", err))
		}
		res.Purged = n
		recordsPurged.Add(float64(n))
		d.publish(eventbus.MentionPurged, PurgedEvent{TargetID: req.TargetID, IDs: delivered})
	}
	return res, sendErr
}

// renderBatch re-expands each record's content concurrently and joins the
// results in record order.
func (d *Delivery) renderBatch(ctx context.Context, p *message.Printer, batch []storage.MentionRecord) string {
	parts := make([]string, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, r := range batch {
		g.Go(func() error {
			parts[i] = d.renderRecord(gctx, p, r)
			return nil
		})
	}
	_ = g.Wait()
	return strings.Join(parts, "\n\n")
}

func (d *Delivery) renderRecord(ctx context.Context, p *message.Printer, r storage.MentionRecord) string {
	head := []tgui.H{
		tgui.H(p.Sprintf(keyGuild, tgui.Esc(firstNonEmpty(r.GuildName, r.GuildID)))),
		tgui.B(firstNonEmpty(r.Nickname, r.SenderID)),
	}
	if !r.Time.IsZero() {
		head = append(head, tgui.I(r.Time.Format("2006-01-02 15:04")))
	}
	lines := []tgui.H{tgui.Join(" ", head...)}
	if r.QuoteMessageID != "" {
		lines = append(lines, tgui.H(p.Sprintf(keyReply, tgui.Esc(r.QuoteMessageID))))
	}
	lines = append(lines, expand(ctx, d.resolver, firstNonEmpty(r.GuildID, r.ChannelID), r.Content))
	return tgui.Join("\n", lines...).String()
}
