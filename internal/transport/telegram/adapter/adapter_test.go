package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "mentionbot/internal/transport"
)

func TestSplitTelegramTextShort(t *testing.T) {
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewline(t *testing.T) {
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(s, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextKeepsTagsWhole(t *testing.T) {
	s := "abcdef<b>x</b>"
	got := splitTelegramText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost text: %q", got)
	}
}

// checkHTMLChunks asserts every chunk fits, balances its <b> tags and ends no
// entity early, and that the visible text survives the split.
func checkHTMLChunks(t *testing.T, src string, limit int, chunks []string) {
	t.Helper()
	var visible strings.Builder
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > limit {
			t.Fatalf("chunk %d has %d runes, limit %d", i, n, limit)
		}
		if o, cl := strings.Count(c, "<b>"), strings.Count(c, "</b>"); o != cl {
			t.Fatalf("chunk %d: <b>=%d </b>=%d (%q)", i, o, cl, c)
		}
		if amp := strings.LastIndex(c, "&"); amp >= 0 && !strings.Contains(c[amp:], ";") {
			t.Fatalf("chunk %d cuts an entity: %q", i, c)
		}
		visible.WriteString(stripTags(c))
	}
	if got, want := visible.String(), stripTags(src); got != want {
		t.Fatalf("visible text changed:\n got %q\nwant %q", got, want)
	}
}

func stripTags(s string) string {
	var b strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
		case r == '>':
			in = false
		case !in:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func TestSplitTelegramTextLongLineKeepsBoldBalanced(t *testing.T) {
	s := strings.Repeat("z", 3990) + "<b>@Alice Longname</b> tail"
	got := splitTelegramText(s, telegramTextLimit, "HTML")
	if len(got) != 2 {
		t.Fatalf("got %d chunks", len(got))
	}
	checkHTMLChunks(t, s, telegramTextLimit, got)
	if !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("second chunk should reopen <b>: %q", got[1][:min(20, len(got[1]))])
	}
}

func TestSplitTelegramTextReopensTagsAcrossChunks(t *testing.T) {
	s := "<b>" + strings.Repeat("x", 30) + "</b> done"
	got := splitTelegramText(s, 16, "HTML")
	if len(got) < 3 {
		t.Fatalf("expected several chunks, got %q", got)
	}
	checkHTMLChunks(t, s, 16, got)
}

func TestSplitTelegramTextNeverCutsEntities(t *testing.T) {
	s := "aaaaaaaa&amp;bbbbbbbb&lt;cc"
	got := splitTelegramText(s, 12, "HTML")
	if got[0] != "aaaaaaaa" {
		t.Fatalf("first chunk = %q", got[0])
	}
	checkHTMLChunks(t, s, 12, got)
}

func TestBuildElementsMentions(t *testing.T) {
	// "hi @bob and 🙂 Ann!" : the emoji is two UTF-16 units.
	text := "hi @bob and 🙂 Ann!"
	ents := tele.Entities{
		{Type: tele.EntityMention, Offset: 3, Length: 4},
		{Type: tele.EntityTMention, Offset: 15, Length: 3, User: &tele.User{ID: 7, Username: "ann"}},
	}
	els := buildElements(text, ents, nil)

	want := []kit.Element{
		kit.Text("hi "),
		kit.Mention("", "bob", "@bob"),
		kit.Text(" and 🙂 "),
		kit.Mention("7", "ann", "Ann"),
		kit.Text("!"),
	}
	if len(els) != len(want) {
		t.Fatalf("got %d elements: %+v", len(els), els)
	}
	for i := range want {
		if els[i] != want[i] {
			t.Fatalf("element %d = %+v, want %+v", i, els[i], want[i])
		}
	}
}

func TestBuildElementsReplyAddsQuoteAndMention(t *testing.T) {
	reply := &tele.Message{ID: 55, Sender: &tele.User{ID: 9, FirstName: "Zed"}}
	els := buildElements("ok", nil, reply)
	if len(els) != 3 {
		t.Fatalf("got %+v", els)
	}
	if els[0].Kind != kit.ElemQuote || els[0].QuoteID != "55" {
		t.Fatalf("quote = %+v", els[0])
	}
	if els[1].Kind != kit.ElemMention || els[1].TargetID != "9" || els[1].Text != "Zed" {
		t.Fatalf("mention = %+v", els[1])
	}
}

func TestBuildElementsIgnoresBotReplyAuthor(t *testing.T) {
	reply := &tele.Message{ID: 1, Sender: &tele.User{ID: 2, IsBot: true}}
	els := buildElements("x", nil, reply)
	if len(els) != 2 || els[1].Kind != kit.ElemText {
		t.Fatalf("got %+v", els)
	}
}
