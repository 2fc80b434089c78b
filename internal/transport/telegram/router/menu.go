package router

import (
	"sort"
	"strings"
	"unicode"

	kit "mentionbot/internal/transport"
)

const lockMark = "🔒 "

// sanitizeTelegramCommand maps a route or alias onto Telegram's command
// alphabet [a-z0-9_]{1,32}. Returns "" when nothing usable is left.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == '.' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins route tokens with underscores:
//
//	["at","get"] -> "at_get"
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists top-level commands first, then
// underscore shortcuts for multi-token routes.
func buildTelegramMenuCommands(root *cmdNode, leaves []Command) []kit.BotCommand {
	type entry struct {
		desc string
		prio int
	}
	byCmd := map[string]entry{}
	add := func(cmd, desc string, prio int) {
		if cmd = sanitizeTelegramCommand(cmd); cmd == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		if cur, ok := byCmd[cmd]; ok && cur.prio <= prio {
			return
		}
		byCmd[cmd] = entry{desc: desc, prio: prio}
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		desc := summarizeNodeDesc(n)
		if nodeIsOwnerOnly(n) {
			desc = lockMark + desc
		}
		add(name, desc, 0)
	}
	for _, c := range leaves {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = strings.Join(route, " ")
		}
		if c.Access == AccessOwnerOnly {
			desc = lockMark + desc
		}
		add(strings.Join(route, "_"), desc, 1)
	}

	names := make([]string, 0, len(byCmd))
	for k := range byCmd {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := byCmd[names[i]], byCmd[names[j]]
		if a.prio != b.prio {
			return a.prio < b.prio
		}
		return names[i] < names[j]
	})
	out := make([]kit.BotCommand, 0, min(len(names), 100))
	for _, n := range names[:min(len(names), 100)] {
		out = append(out, kit.BotCommand{Command: n, Description: byCmd[n].desc})
	}
	return out
}
