package session

import (
	"strconv"

	"relaybot/internal/link"
)

// Source names the chat an item is fetched from.
type Source struct {
	Username  string
	ChannelID int64
}

// SourceFor maps a resolved link to the chat the session reads from.
// Batch links point at a bot, which is addressed by username like a public chat.
func SourceFor(d link.Descriptor) Source {
	switch d.Kind {
	case link.Private:
		return Source{ChannelID: d.ChannelID}
	default:
		return Source{Username: d.Username}
	}
}

func (s Source) String() string {
	if s.Username != "" {
		return "@" + s.Username
	}
	return "c/" + strconv.FormatInt(s.ChannelID, 10)
}
