package router

import (
	"sort"
	"strings"

	"relaybot/pkg/tgui"
)

// helpText renders the command list, or the detail of one command, in
// HTML parse mode. Owner-only commands are listed for owners only.
func (r *Router) helpText(args []string, owner bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := r.cmds[word]
		if !ok {
			c, ok = r.alias[word]
		}
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return tgui.New().
				Title("❓", "Unknown command").
				Line("Send /help to see the command list.").
				Build().Text
		}
		b := tgui.New().Title("📖", "/"+c.Name)
		if c.Description != "" {
			b.Line(c.Description)
		}
		if c.Usage != "" {
			b.KV("Usage", c.Usage)
		}
		if len(c.Aliases) > 0 {
			b.KV("Aliases", "/"+strings.Join(c.Aliases, ", /"))
		}
		return b.Build().Text
	}

	var user, admin []*Command
	for _, c := range r.cmds {
		if c.Access == AccessOwnerOnly {
			admin = append(admin, c)
		} else {
			user = append(user, c)
		}
	}
	byName := func(s []*Command) {
		sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
	}
	byName(user)
	byName(admin)

	b := tgui.New().
		Title("📚", "Commands").
		Line("Send a message link to relay it. Send /help <command> for details.").
		Blank()
	row := func(c *Command) {
		line := tgui.Code("/" + c.Name)
		if c.Description != "" {
			line = tgui.JoinH(" ", line, tgui.Esc("- "+c.Description))
		}
		b.RawLine(line)
	}
	for _, c := range user {
		row(c)
	}
	if owner && len(admin) > 0 {
		b.Blank().Title("🔒", "Admin")
		for _, c := range admin {
			row(c)
		}
	}
	return b.Build().Text
}
