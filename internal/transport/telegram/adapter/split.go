package adapter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const telegramTextLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes, preferring a
// newline in the last two thirds of the window. In HTML mode every chunk is
// well formed on its own: cuts never land inside a tag or an entity, and
// tags still open at a cut are closed there and reopened in the next chunk.
// Always returns at least one chunk.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	if strings.EqualFold(parseMode, "HTML") {
		return splitHTML(rs, limit)
	}

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = preferNewline(rs, start, end)
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = skipNewlines(rs, end)
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

type openTag struct {
	name string
	raw  string // full opening tag, replayed in the next chunk
}

func splitHTML(rs []rune, limit int) []string {
	var (
		out  []string
		open []openTag
	)
	for start := 0; start < len(rs); {
		prefix := reopenTags(open)
		room := limit - utf8.RuneCountInString(prefix)
		if room <= 0 {
			room = max(limit/2, 1)
		}

		end := len(rs)
		stack := scanTags(open, rs[start:end])
		if end-start > room {
			end = preferNewline(rs, start, start+room)
			for {
				if cut := safeHTMLCut(rs, start, end); cut > start {
					end = cut
				}
				stack = scanTags(open, rs[start:end])
				over := end - start + utf8.RuneCountInString(closeTags(stack)) - room
				if over <= 0 || end-start <= over {
					break
				}
				end -= over
			}
		}

		body := strings.TrimRight(string(rs[start:end]), "\n")
		if strings.TrimSpace(body) != "" {
			out = append(out, prefix+body+closeTags(stack))
		}
		open = stack
		start = skipNewlines(rs, end)
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

func preferNewline(rs []rune, start, end int) int {
	for i := end - 1; i-start >= (end-start)/3; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	return end
}

func skipNewlines(rs []rune, i int) int {
	for i < len(rs) && rs[i] == '\n' {
		i++
	}
	return i
}

// safeHTMLCut moves end back so that rs[start:end] does not stop inside a
// tag or an entity. It returns start when no such point exists.
func safeHTMLCut(rs []rune, start, end int) int {
	for i := end - 1; i >= start; i-- {
		if rs[i] == '>' {
			break
		}
		if rs[i] == '<' {
			end = i
			break
		}
	}
	// entities are short: "&#128512;" is the longest Telegram sees in practice
	for i := end - 1; i >= start && end-i <= 10; i-- {
		r := rs[i]
		if r == ';' || r == '<' || r == '>' || unicode.IsSpace(r) {
			break
		}
		if r == '&' {
			end = i
			break
		}
	}
	return end
}

// scanTags returns the tags still open after rs, starting from open.
func scanTags(open []openTag, rs []rune) []openTag {
	stack := append([]openTag(nil), open...)
	for i := 0; i < len(rs); i++ {
		if rs[i] != '<' {
			continue
		}
		j := i + 1
		for j < len(rs) && rs[j] != '>' {
			j++
		}
		if j >= len(rs) {
			break
		}
		inner := strings.TrimSpace(string(rs[i+1 : j]))
		switch {
		case strings.HasPrefix(inner, "/"):
			name := tagName(inner[1:])
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].name == name {
					stack = append(stack[:k], stack[k+1:]...)
					break
				}
			}
		case strings.HasSuffix(inner, "/"), inner == "":
		default:
			stack = append(stack, openTag{name: tagName(inner), raw: string(rs[i : j+1])})
		}
		i = j
	}
	return stack
}

func tagName(inner string) string {
	inner = strings.TrimSpace(inner)
	if k := strings.IndexFunc(inner, unicode.IsSpace); k >= 0 {
		inner = inner[:k]
	}
	return strings.ToLower(inner)
}

func reopenTags(open []openTag) string {
	var b strings.Builder
	for _, t := range open {
		b.WriteString(t.raw)
	}
	return b.String()
}

func closeTags(open []openTag) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i].name + ">")
	}
	return b.String()
}
