package adapter

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"

	kit "mentionbot/internal/transport"
)

// buildElements turns a Telegram message body into typed elements.
// Entity offsets are UTF-16 code units. A reply becomes a quote followed by
// an implicit mention of the replied-to author, which is how Telegram notifies
// that author.
func buildElements(text string, ents tele.Entities, replyTo *tele.Message) []kit.Element {
	out := make([]kit.Element, 0, 4)

	if replyTo != nil && replyTo.ID != 0 {
		out = append(out, kit.Quote(strconv.Itoa(replyTo.ID)))
		if u := replyTo.Sender; u != nil && !u.IsBot {
			out = append(out, kit.Mention(strconv.FormatInt(u.ID, 10), u.Username, mentionLiteral(u)))
		}
	}

	mentions := make([]tele.MessageEntity, 0, len(ents))
	for _, e := range ents {
		if e.Type == tele.EntityMention || e.Type == tele.EntityTMention {
			mentions = append(mentions, e)
		}
	}
	if len(mentions) == 0 {
		if text != "" {
			out = append(out, kit.Text(text))
		}
		return out
	}
	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].Offset < mentions[j].Offset })

	units := utf16.Encode([]rune(text))
	pos := 0
	for _, e := range mentions {
		if e.Offset < pos || e.Offset+e.Length > len(units) {
			continue
		}
		if e.Offset > pos {
			out = append(out, kit.Text(string(utf16.Decode(units[pos:e.Offset]))))
		}
		lit := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
		switch e.Type {
		case tele.EntityTMention:
			if e.User != nil {
				out = append(out, kit.Mention(strconv.FormatInt(e.User.ID, 10), e.User.Username, lit))
			} else {
				out = append(out, kit.Text(lit))
			}
		default:
			out = append(out, kit.Mention("", strings.TrimPrefix(lit, "@"), lit))
		}
		pos = e.Offset + e.Length
	}
	if pos < len(units) {
		out = append(out, kit.Text(string(utf16.Decode(units[pos:]))))
	}
	return out
}

func mentionLiteral(u *tele.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func isGroupChat(c *tele.Chat) bool {
	return c != nil && (c.Type == tele.ChatGroup || c.Type == tele.ChatSuperGroup)
}
