package bot

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"relaybot/internal/broadcast"
	"relaybot/internal/entitlement"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	"relaybot/internal/transfer"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/logx"
)

const owner = int64(1)

type fakeRelay struct {
	mu      sync.Mutex
	texts   []string
	docName string
	docBody []byte
	deleted []kit.MessageRef
}

func (f *fakeRelay) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeRelay) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeRelay) Delete(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakeRelay) CopyMessage(_ context.Context, to kit.ChatTarget, _ kit.MessageRef, _ *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeRelay) CopyFromPublic(_ context.Context, to kit.ChatTarget, _ string, _ int, _ *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeRelay) SendMedia(_ context.Context, to kit.ChatTarget, _ kit.Upload, _ *kit.SendOptions, _ kit.ProgressFunc) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeRelay) DownloadFile(context.Context, string, io.Writer) error { return nil }

func (f *fakeRelay) SendDocument(_ context.Context, to kit.ChatTarget, name string, r io.Reader, _ string) (kit.MessageRef, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return kit.MessageRef{}, err
	}
	f.mu.Lock()
	f.docName, f.docBody = name, body
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeRelay) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeTransfers struct {
	runs []*transfer.Request
}

func (f *fakeTransfers) Run(_ context.Context, req *transfer.Request) transfer.Summary {
	f.runs = append(f.runs, req)
	return transfer.Summary{Delivered: req.Descriptor.Len()}
}

type fakeBroadcasts struct {
	jobs []broadcast.Job
	err  error
}

func (f *fakeBroadcasts) Submit(_ broadcast.Spawner, job broadcast.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "job-1", nil
}

func (f *fakeBroadcasts) Status(string) (broadcast.JobStatus, bool) {
	return broadcast.JobStatus{}, false
}

func (f *fakeBroadcasts) Recent(int) []broadcast.JobStatus { return nil }

// syncSpawner runs work inline.
type syncSpawner struct{ names []string }

func (s *syncSpawner) Go(name string, fn func(ctx context.Context) error) {
	s.names = append(s.names, name)
	_ = fn(context.Background())
}

func (s *syncSpawner) Go0(name string, fn func(ctx context.Context)) {
	s.names = append(s.names, name)
	fn(context.Background())
}

type harness struct {
	bot   *Bot
	store *storage.Memory
	relay *fakeRelay
	xfer  *fakeTransfers
	casts *fakeBroadcasts
	spawn *syncSpawner
	reg   *transfer.Registry
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	h := &harness{
		store: storage.NewMemory(),
		relay: &fakeRelay{},
		xfer:  &fakeTransfers{},
		casts: &fakeBroadcasts{},
		spawn: &syncSpawner{},
		reg:   transfer.NewRegistry(),
		now:   now,
	}
	logins := session.NewLogins(time.Minute)
	t.Cleanup(logins.Close)
	clock := func() time.Time { return h.now }
	h.bot = New(Options{
		Store:        h.store,
		Entitlements: entitlement.New(h.store, entitlement.Limits{}, entitlement.WithClock(clock)),
		Relay:        h.relay,
		Transfers:    h.xfer,
		Registry:     h.reg,
		Broadcasts:   h.casts,
		Spawner:      h.spawn,
		Logins:       logins,
		Now:          clock,
	}, logx.Nop())
	return h
}

func request(from int64, text string) *router.Request {
	msg := &kit.Message{ID: 10, ChatID: from, FromID: from, FromName: "Tester", Text: text}
	req := &router.Request{
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: from},
		FromID:  from,
		Rest:    text,
		Log:     logx.Nop(),
	}
	if strings.HasPrefix(text, "/") {
		fields := strings.Fields(text)
		req.Command = strings.TrimPrefix(fields[0], "/")
		req.Args = fields[1:]
		req.Rest = strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
	}
	return req
}

func (h *harness) run(t *testing.T, req *router.Request) {
	t.Helper()
	for _, c := range h.bot.Commands() {
		if c.Name == req.Command {
			if err := c.Handle(context.Background(), req); err != nil {
				t.Fatalf("/%s: %v", req.Command, err)
			}
			return
		}
	}
	t.Fatalf("no command %q", req.Command)
}

func (h *harness) seed(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if _, err := h.store.EnsureUser(context.Background(), id, "u"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestStartRegistersUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.run(t, request(42, "/start"))

	ok, err := h.store.UserExists(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("user not registered: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(h.relay.last(), "Hi Tester") {
		t.Fatalf("welcome = %q", h.relay.last())
	}
}

func TestBannedUserIsRefused(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, 42)
	_ = h.store.SetBanned(context.Background(), 42, true)

	h.run(t, request(42, "/setcaption hello"))
	if !strings.Contains(h.relay.last(), "banned") {
		t.Fatalf("reply = %q", h.relay.last())
	}
	u, _ := h.store.GetUser(context.Background(), 42)
	if u.Caption != nil {
		t.Fatalf("caption set for banned user")
	}
}

func TestBanUnbanAudited(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, owner, 7)

	h.run(t, request(owner, "/ban 7 spam links"))
	h.run(t, request(owner, "/ban 7"))
	if !strings.Contains(h.relay.last(), "already banned") {
		t.Fatalf("second ban reply = %q", h.relay.last())
	}
	h.run(t, request(owner, "/unban 7"))
	h.run(t, request(owner, "/ban 99"))
	if !strings.Contains(h.relay.last(), "does not exist") {
		t.Fatalf("unknown user reply = %q", h.relay.last())
	}

	var got []string
	for _, e := range h.store.Audit() {
		got = append(got, e.Action+":"+e.Detail)
	}
	want := []string{"ban:spam links", "unban:"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestAddPremium(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, owner, 7)
	ctx := context.Background()

	tests := []struct {
		text    string
		premium bool
		reply   string
	}{
		{"/add_premium 7 tomorrow", false, "Invalid date"},
		{"/add_premium 7 2025-03-01", false, "must be in the future"},
		{"/add_premium 7", false, "Usage"},
		{"/add_premium 7 2025-04-01", true, "Premium granted"},
		{"/add_premium 7 2025-05-01", true, "Premium extended"},
	}
	for _, tt := range tests {
		h.run(t, request(owner, tt.text))
		if !strings.Contains(h.relay.last(), tt.reply) {
			t.Fatalf("%s: reply = %q, want %q", tt.text, h.relay.last(), tt.reply)
		}
		u, _ := h.store.GetUser(ctx, 7)
		if u.Premium != tt.premium {
			t.Fatalf("%s: premium = %v", tt.text, u.Premium)
		}
	}
	u, _ := h.store.GetUser(ctx, 7)
	if want := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC); u.PremiumExpiry == nil || !u.PremiumExpiry.Equal(want) {
		t.Fatalf("expiry = %v, want %v", u.PremiumExpiry, want)
	}

	h.run(t, request(owner, "/remove_premium 7"))
	u, _ = h.store.GetUser(ctx, 7)
	if u.Premium {
		t.Fatalf("premium not revoked")
	}
}

func TestExportUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, owner, 7, 8)
	_ = h.store.SetBanned(context.Background(), 8, true)

	h.run(t, request(owner, "/users banned"))
	if !strings.HasPrefix(h.relay.docName, "users_banned_20250310") {
		t.Fatalf("doc name = %q", h.relay.docName)
	}
	var rows []storage.User
	if err := json.Unmarshal(h.relay.docBody, &rows); err != nil {
		t.Fatalf("decode export: %v\n%s", err, h.relay.docBody)
	}
	if len(rows) != 1 || rows[0].ID != 8 {
		t.Fatalf("rows = %+v", rows)
	}

	h.run(t, request(owner, "/users nobody"))
	if !strings.Contains(h.relay.last(), "Usage") {
		t.Fatalf("bad filter reply = %q", h.relay.last())
	}
}

func TestBroadcastNeedsReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.run(t, request(owner, "/broadcast"))
	if len(h.casts.jobs) != 0 {
		t.Fatalf("job submitted without a reply")
	}

	req := request(owner, "/broadcast premium_only")
	req.Message.ReplyTo = &kit.MessageRef{ChatID: owner, MessageID: 5}
	h.run(t, req)
	if len(h.casts.jobs) != 1 {
		t.Fatalf("jobs = %d", len(h.casts.jobs))
	}
	job := h.casts.jobs[0]
	if job.Filter != storage.FilterPremium || job.Source.MessageID != 5 || job.ReplyTo != 10 {
		t.Fatalf("job = %+v", job)
	}

	h.casts.err = broadcast.ErrBusy
	h.run(t, req)
	if !strings.Contains(h.relay.last(), "already running") {
		t.Fatalf("busy reply = %q", h.relay.last())
	}
}

func TestTextRelaysLinks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.bot.Text(ctx, request(42, "just chatting")); err != nil {
		t.Fatalf("text: %v", err)
	}
	if len(h.relay.texts) != 0 || len(h.xfer.runs) != 0 {
		t.Fatalf("plain text was handled")
	}

	if err := h.bot.Text(ctx, request(42, "https://t.me/somechannel/100-102")); err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(h.xfer.runs) != 1 || h.xfer.runs[0].Descriptor.Len() != 3 {
		t.Fatalf("runs = %+v", h.xfer.runs)
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry not released")
	}

	busy := transfer.NewRequest(42, kit.MessageRef{ChatID: 42, MessageID: 1}, h.xfer.runs[0].Descriptor)
	if err := h.reg.Begin(busy); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.bot.Text(ctx, request(42, "https://t.me/somechannel/5")); err != nil {
		t.Fatalf("busy link: %v", err)
	}
	if !strings.Contains(h.relay.last(), "already running") || len(h.xfer.runs) != 1 {
		t.Fatalf("busy reply = %q runs=%d", h.relay.last(), len(h.xfer.runs))
	}

	h.run(t, request(42, "/cancel"))
	if !busy.Cancel.Cancelled() {
		t.Fatalf("cancel did not reach the request")
	}
}

func TestWordFilters(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.run(t, request(42, "/delwords foo bar"))
	h.run(t, request(42, "/rmdelwords foo"))
	h.run(t, request(42, "/replacewords a=b c=d"))
	h.run(t, request(42, "/rmreplacewords c"))

	u, _ := h.store.GetUser(ctx, 42)
	if diff := cmp.Diff([]string{"bar"}, u.DeleteWords); diff != "" {
		t.Fatalf("delete words (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"a": "b"}, u.ReplaceWords); diff != "" {
		t.Fatalf("replace words (-want +got):\n%s", diff)
	}
}
