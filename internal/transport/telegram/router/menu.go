package router

import (
	"sort"
	"strings"

	kit "relaybot/internal/transport"
)

// sanitizeCommand converts a name into a Telegram-safe bot command,
// restricted to [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == ' ':
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenu lists public commands first, then owner-only ones marked with
// a lock. Telegram caps the menu at 100 entries.
func buildMenu(cmds map[string]*Command) []kit.BotCommand {
	list := make([]*Command, 0, len(cmds))
	for _, c := range cmds {
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Access != list[j].Access {
			return list[i].Access < list[j].Access
		}
		return list[i].Name < list[j].Name
	})

	out := make([]kit.BotCommand, 0, len(list))
	for _, c := range list {
		name := sanitizeCommand(c.Name)
		if name == "" {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
