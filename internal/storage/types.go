package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on restart (tests, dry runs)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

func (o Order) String() string {
	if o == OrderDesc {
		return "desc"
	}
	return "asc"
}

// MentionRecord is one captured mention of TargetID. Records are immutable;
// ID is assigned by the store and increases with insertion order.
type MentionRecord struct {
	ID             int64     `json:"id"`
	TargetID       string    `json:"target_id"`
	SenderID       string    `json:"sender_id"`
	Nickname       string    `json:"nickname"`
	GuildID        string    `json:"guild_id"`
	GuildName      string    `json:"guild_name"`
	ChannelID      string    `json:"channel_id"`
	Content        string    `json:"content"`
	Time           time.Time `json:"time"`
	QuoteMessageID string    `json:"quote_message_id,omitempty"`
}

type Channel struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	SeenAt time.Time `json:"seen_at"`
}

// UserEntry is a message author the bot has seen. Telegram "@username"
// mentions carry no id, so they are resolved through these entries.
type UserEntry struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	SeenAt      time.Time `json:"seen_at"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Plugin        string    `json:"plugin"`
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	Count         int       `json:"count,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

type MentionStore interface {
	// CreateMentions inserts recs in one batch and returns them with IDs set.
	CreateMentions(ctx context.Context, recs []MentionRecord) ([]MentionRecord, error)
	CountMentions(ctx context.Context, targetID string) (int, error)
	// FetchMentions returns at most limit records ordered by ID; limit <= 0 means all.
	FetchMentions(ctx context.Context, targetID string, limit int, order Order) ([]MentionRecord, error)
	// DeleteMentions removes exactly the given IDs and reports how many existed.
	DeleteMentions(ctx context.Context, ids []int64) (int, error)
}

type ChannelStore interface {
	EnsureChannel(ctx context.Context, ch Channel) (created bool, err error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	Subscribers(ctx context.Context, channelID string) ([]string, error)
	AddSubscriber(ctx context.Context, channelID, targetID string) (added bool, err error)
	RemoveSubscriber(ctx context.Context, channelID, targetID string) (removed bool, err error)
	SubscribedChannels(ctx context.Context, targetID string) ([]string, error)
}

type UserDirectory interface {
	RememberUser(ctx context.Context, u UserEntry) error
	// LookupUsername matches case-insensitively, without the leading '@'.
	LookupUsername(ctx context.Context, username string) (UserEntry, error)
}

// Store is the persistence API used by the mention plugin and the CLI.
type Store interface {
	MentionStore
	ChannelStore
	UserDirectory
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Maintainer is implemented by drivers that benefit from periodic housekeeping.
type Maintainer interface {
	Maintain(ctx context.Context) error
}
