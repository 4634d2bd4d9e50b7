package transfer

import (
	"html"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"relaybot/internal/storage"
)

// DefaultCaption is used when the user has no template. User templates are
// plain text; only this one carries markup.
const DefaultCaption = "<b>{file_name}</b>\n<code>{file_size}</code> | {date}"

const captionDateLayout = "2006-01-02 15:04:05"

type captionInput struct {
	FileName string
	Size     int64
	Original string
	Now      time.Time
}

// buildCaption renders the caption as HTML. Word filters run over the
// plain text and everything user-supplied is escaped afterwards.
func buildCaption(u *storage.User, in captionInput) string {
	var (
		del  []string
		repl map[string]string
	)
	if u != nil {
		del, repl = u.DeleteWords, u.ReplaceWords
	}
	plain := func(s string) string {
		return html.EscapeString(applyWords(s, del, repl))
	}
	name := in.FileName
	size := humanize.IBytes(uint64(max(in.Size, 0)))
	date := in.Now.Format(captionDateLayout)

	if u != nil && u.Caption != nil && strings.TrimSpace(*u.Caption) != "" {
		r := strings.NewReplacer("{file_name}", name, "{file_size}", size, "{date}", date)
		return strings.TrimSpace(plain(r.Replace(*u.Caption)))
	}
	r := strings.NewReplacer("{file_name}", plain(name), "{file_size}", plain(size), "{date}", plain(date))
	out := r.Replace(DefaultCaption)
	if orig := strings.TrimSpace(in.Original); orig != "" {
		out += "\n\n" + plain(orig)
	}
	return strings.TrimSpace(out)
}

// applyWords removes every delete word, then substitutes replace words in
// key order.
func applyWords(s string, del []string, repl map[string]string) string {
	for _, w := range del {
		if w != "" {
			s = strings.ReplaceAll(s, w, "")
		}
	}
	keys := make([]string, 0, len(repl))
	for k := range repl {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		s = strings.ReplaceAll(s, k, repl[k])
	}
	return s
}
