package adapter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "relaybot/internal/transport"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want kit.Outcome
	}{
		{"nil", nil, kit.Delivered},
		{"blocked", tele.ErrBlockedByUser, kit.Blocked},
		{"deactivated", tele.ErrUserIsDeactivated, kit.Deactivated},
		{"chat not found", tele.ErrChatNotFound, kit.InvalidPeer},
		{"blocked by text", errors.New("telegram: Forbidden: bot was blocked by the user (403)"), kit.Blocked},
		{"peer invalid by text", errors.New("PEER_ID_INVALID"), kit.InvalidPeer},
		{"other", errors.New("telegram: Bad Request: message text is empty (400)"), kit.Failed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, _ := kit.Classify(mapError(tc.err))
			if got != tc.want {
				t.Fatalf("Classify(mapError(%v)) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestMapErrorFlood(t *testing.T) {
	t.Parallel()

	err := wrapped{tele.FloodError{RetryAfter: 7}}
	out, d := kit.Classify(mapError(err))
	if out != kit.FloodWait || d != 7*time.Second {
		t.Fatalf("Classify = %s %s, want flood_wait 7s", out, d)
	}
}

type wrapped struct{ err error }

func (w wrapped) Error() string { return "wrapped" }
func (w wrapped) Unwrap() error { return w.err }

func TestMappedErrorKeepsOriginal(t *testing.T) {
	t.Parallel()

	err := mapError(tele.ErrBlockedByUser)
	if !errors.Is(err, kit.ErrBlocked) || !errors.Is(err, tele.ErrBlockedByUser) {
		t.Fatalf("mapped error lost a cause: %v", err)
	}
}

func TestProgressReader(t *testing.T) {
	t.Parallel()

	var calls []int64
	r := &progressReader{
		ctx:   context.Background(),
		r:     strings.NewReader(strings.Repeat("x", 10)),
		total: 10,
		fn: func(cur, total int64) error {
			calls = append(calls, cur)
			return nil
		},
	}
	buf := make([]byte, 4)
	var n int64
	for {
		k, err := r.Read(buf)
		n += int64(k)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if n != 10 || calls[len(calls)-1] != 10 {
		t.Fatalf("read %d bytes, progress %v", n, calls)
	}

	stop := errors.New("stop")
	r = &progressReader{r: strings.NewReader("abc"), total: 3, fn: func(int64, int64) error { return stop }}
	if _, err := r.Read(buf); !errors.Is(err, stop) {
		t.Fatalf("Read err = %v, want callback error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r = &progressReader{ctx: ctx, r: strings.NewReader("abc")}
	if _, err := r.Read(buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("Read err = %v, want context.Canceled", err)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	long := strings.Repeat("line of text\n", 20)
	chunks := splitTelegramText(long, 50, "")
	for _, c := range chunks {
		if n := len([]rune(c)); n > 50 {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
		if strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk starts with newline: %q", c)
		}
	}
	if got := strings.Join(chunks, "\n"); got != strings.TrimRight(long, "\n") {
		t.Fatalf("chunks do not reassemble")
	}

	html := strings.Repeat("a", 8) + "<b>bold</b>"
	for _, c := range splitTelegramText(html, 10, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk splits a tag: %q", c)
		}
	}
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	m := &tele.Message{
		ID:     5,
		Chat:   &tele.Chat{ID: 42, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 42, Username: "alice", FirstName: "Al", LastName: "Ice"},
		Text:   "/setthumb",
		ReplyTo: &tele.Message{
			ID:    4,
			Chat:  &tele.Chat{ID: 42},
			Photo: &tele.Photo{File: tele.File{FileID: "photo-id"}},
		},
	}
	got := convertMessage(m)
	if got.FromName != "Al Ice" || got.IsGroup || got.ReplyTo == nil || got.ReplyTo.MessageID != 4 || got.ReplyPhotoID != "photo-id" {
		t.Fatalf("convertMessage = %+v", got)
	}
}
