package mention

import (
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	kit "mentionbot/internal/transport"
	"mentionbot/pkg/tgui"
)

// Stored content is HTML-escaped text interleaved with self-closing
// mention markers:
//
//	hi <at id="42" name="Alice"/> &amp; <at name="bob"/>
//
// name is the display name resolved at capture time. Markers without id
// come from @username mentions that could not be tied to a user.
const atTag = "at"

// flatten renders elements into stored content. Mention names are resolved
// concurrently; a failed lookup falls back to the literal as written.
func flatten(ctx context.Context, r *Resolver, guildID string, elems []kit.Element) string {
	names := make([]string, len(elems))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, e := range elems {
		if e.Kind != kit.ElemMention || e.TargetID == "" {
			continue
		}
		g.Go(func() error {
			hint := e.Username
			if hint == "" {
				hint = strings.TrimPrefix(e.Text, "@")
			}
			names[i] = r.Resolve(gctx, guildID, e.TargetID, hint)
			return nil
		})
	}
	_ = g.Wait()

	var b strings.Builder
	for i, e := range elems {
		switch e.Kind {
		case kit.ElemText, kit.ElemOther:
			b.WriteString(tgui.Esc(e.Text).String())
		case kit.ElemMention:
			b.WriteString("<" + atTag)
			if e.TargetID != "" {
				b.WriteString(` id="` + tgui.Esc(e.TargetID).String() + `"`)
			}
			name := names[i]
			if name == "" {
				name = strings.TrimPrefix(e.Text, "@")
				if e.Username != "" {
					name = e.Username
				}
			}
			b.WriteString(` name="` + tgui.Esc(name).String() + `"/>`)
		case kit.ElemQuote:
			// kept on the record as QuoteMessageID
		}
	}
	return b.String()
}

// expand converts stored content into Telegram HTML, re-resolving every
// marker that carries an id. The stored name is the fallback.
func expand(ctx context.Context, r *Resolver, guildID, content string) tgui.H {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(content))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tgui.H(b.String())
		case html.TextToken:
			b.WriteString(tgui.Esc(string(z.Text())).String())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != atTag {
				continue
			}
			var id, name string
			for _, a := range tok.Attr {
				switch a.Key {
				case "id":
					id = a.Val
				case "name":
					name = a.Val
				}
			}
			if id != "" {
				name = r.Resolve(ctx, guildID, id, name)
			}
			b.WriteString(tgui.B("@" + name).String())
		}
	}
}

// PlainText strips markers down to "@name", for CLI listings.
func PlainText(content string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(content))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != atTag {
				continue
			}
			for _, a := range tok.Attr {
				if a.Key == "name" {
					b.WriteString("@" + a.Val)
				}
			}
		}
	}
}
