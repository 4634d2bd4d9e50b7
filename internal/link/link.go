// Package link parses message links into relay descriptors.
package link

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrNotALink      = errors.New("link: not a message link")
	ErrRangeTooLarge = errors.New("link: range too large")
)

const DefaultMaxRange = 1000

type Kind int

const (
	Public Kind = iota + 1
	Private
	Batch
)

func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Private:
		return "private"
	case Batch:
		return "batch"
	}
	return "unknown"
}

// Descriptor is a resolved link: a container plus an inclusive id range
// with FromID <= ToID.
type Descriptor struct {
	Kind      Kind
	Username  string // Public chat or Batch bot username
	ChannelID int64  // Private only
	FromID    int
	ToID      int
}

// Len is the number of ids in the range.
func (d Descriptor) Len() int { return d.ToID - d.FromID + 1 }

// ChatID is the Bot API id of a private channel (-100 prefixed).
func (d Descriptor) ChatID() int64 {
	if d.Kind != Private {
		return 0
	}
	id, err := strconv.ParseInt("-100"+strconv.FormatInt(d.ChannelID, 10), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// String renders the canonical link text.
func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString("https://t.me/")
	switch d.Kind {
	case Private:
		b.WriteString("c/")
		b.WriteString(strconv.FormatInt(d.ChannelID, 10))
	case Batch:
		b.WriteString("b/")
		b.WriteString(d.Username)
	default:
		b.WriteString(d.Username)
	}
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(d.FromID))
	if d.ToID != d.FromID {
		b.WriteByte('-')
		b.WriteString(strconv.Itoa(d.ToID))
	}
	return b.String()
}

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)
	spacedDash = regexp.MustCompile(`(\d)[ \t]*-[ \t]*(\d)`)
)

// Paths under t.me that are not chats.
var reserved = map[string]bool{
	"joinchat":    true,
	"addstickers": true,
	"addemoji":    true,
	"share":       true,
	"proxy":       true,
	"socks":       true,
	"iv":          true,
	"setlanguage": true,
}

// Resolver parses links with a configurable range cap.
type Resolver struct {
	MaxRange int
}

var defaultResolver = Resolver{MaxRange: DefaultMaxRange}

// Resolve parses raw with the default range cap.
func Resolve(raw string) (Descriptor, error) { return defaultResolver.Resolve(raw) }

// Resolve finds the first message link in raw. Spaces around a range dash
// are ignored. Text without a link yields ErrNotALink.
func (r Resolver) Resolve(raw string) (Descriptor, error) {
	raw = spacedDash.ReplaceAllString(raw, "$1-$2")
	for _, tok := range strings.Fields(raw) {
		d, err := parse(tok)
		if errors.Is(err, ErrNotALink) {
			continue
		}
		if err != nil {
			return Descriptor{}, err
		}
		max := r.MaxRange
		if max <= 0 {
			max = DefaultMaxRange
		}
		if d.Len() > max {
			return Descriptor{}, fmt.Errorf("%w: %d ids, max %d", ErrRangeTooLarge, d.Len(), max)
		}
		return d, nil
	}
	return Descriptor{}, ErrNotALink
}

func parse(tok string) (Descriptor, error) {
	s := tok
	if i := strings.Index(s, "://"); i >= 0 {
		scheme := strings.ToLower(s[:i])
		if scheme != "https" && scheme != "http" {
			return Descriptor{}, ErrNotALink
		}
		s = s[i+3:]
	}
	var query string
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		if s[i] == '?' {
			query = s[i+1:]
			if j := strings.IndexByte(query, '#'); j >= 0 {
				query = query[:j]
			}
		}
		s = s[:i]
	}

	host, path, ok := strings.Cut(s, "/")
	if !ok {
		return Descriptor{}, ErrNotALink
	}
	switch strings.ToLower(host) {
	case "t.me", "telegram.me", "www.t.me", "www.telegram.me":
	default:
		return Descriptor{}, ErrNotALink
	}

	var segs []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			segs = append(segs, p)
		}
	}
	if len(segs) < 2 {
		return Descriptor{}, ErrNotALink
	}

	var d Descriptor
	switch segs[0] {
	case "c":
		// c/<channel>/<id> or c/<channel>/<topic>/<id>
		if len(segs) != 3 && len(segs) != 4 {
			return Descriptor{}, ErrNotALink
		}
		ch, err := strconv.ParseInt(segs[1], 10, 64)
		if err != nil || ch <= 0 {
			return Descriptor{}, ErrNotALink
		}
		d = Descriptor{Kind: Private, ChannelID: ch}
	case "b":
		if len(segs) != 3 || !usernameRe.MatchString(segs[1]) {
			return Descriptor{}, ErrNotALink
		}
		d = Descriptor{Kind: Batch, Username: segs[1]}
	default:
		if len(segs) != 2 && len(segs) != 3 {
			return Descriptor{}, ErrNotALink
		}
		if !usernameRe.MatchString(segs[0]) || reserved[strings.ToLower(segs[0])] {
			return Descriptor{}, ErrNotALink
		}
		d = Descriptor{Kind: Public, Username: segs[0]}
	}
	if len(segs) == 3 && d.Kind == Public {
		if _, err := strconv.Atoi(segs[1]); err != nil {
			return Descriptor{}, ErrNotALink
		}
	}
	if len(segs) == 4 {
		if _, err := strconv.Atoi(segs[2]); err != nil {
			return Descriptor{}, ErrNotALink
		}
	}

	from, to, err := parseRange(segs[len(segs)-1])
	if err != nil {
		return Descriptor{}, err
	}
	if single(query) {
		to = from
	}
	if from > to {
		from, to = to, from
	}
	d.FromID, d.ToID = from, to
	return d, nil
}

func parseRange(s string) (int, int, error) {
	a, b, isRange := strings.Cut(s, "-")
	from, err := parseID(a)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return from, from, nil
	}
	to, err := parseID(b)
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

func parseID(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 10 {
		return 0, ErrNotALink
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ErrNotALink
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, ErrNotALink
	}
	return n, nil
}

func single(query string) bool {
	if query == "" {
		return false
	}
	v, err := url.ParseQuery(query)
	if err != nil {
		return strings.Contains(query, "single")
	}
	_, ok := v["single"]
	return ok
}
