package transport

import (
	"context"
	"time"
)

type UpdateKind string

const UpdateMessage UpdateKind = "message"

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID            int
	ChatID        int64
	ChatTitle     string
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	FromLastName  string
	Text          string
	IsGroup       bool
	ReplyToID     int
	Time          time.Time

	// Elements is the message body split into typed segments. The adapter
	// fills it for group messages; a nil slice means plain Text only.
	Elements []Element
}

// ElemKind tags the variant held by an Element.
type ElemKind uint8

const (
	ElemText ElemKind = iota
	ElemMention
	ElemQuote
	ElemOther
)

func (k ElemKind) String() string {
	switch k {
	case ElemText:
		return "text"
	case ElemMention:
		return "mention"
	case ElemQuote:
		return "quote"
	default:
		return "other"
	}
}

// Element is one segment of a message body.
//
//	ElemText    Text
//	ElemMention TargetID and/or Username, Text is the literal as written ("@alice")
//	ElemQuote   QuoteID (replied-to message id)
//	ElemOther   Text (raw fallback)
type Element struct {
	Kind     ElemKind
	Text     string
	TargetID string
	Username string
	QuoteID  string
}

func Text(s string) Element { return Element{Kind: ElemText, Text: s} }

func Mention(targetID, username, literal string) Element {
	return Element{Kind: ElemMention, TargetID: targetID, Username: username, Text: literal}
}

func Quote(messageID string) Element { return Element{Kind: ElemQuote, QuoteID: messageID} }

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode        string
	DisablePreview   bool
	ReplyToMessageID int
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Member is what the platform knows about a user inside one chat.
type Member struct {
	UserID   int64
	Username string
	// Nickname is the chat-specific display name (custom title or full name).
	Nickname string
	IsAdmin  bool
}

// Directory resolves chat and member metadata. Lookups hit the network and
// may fail when the user has left the chat.
type Directory interface {
	Member(ctx context.Context, chatID, userID int64) (Member, error)
	ChatTitle(ctx context.Context, chatID int64) (string, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
