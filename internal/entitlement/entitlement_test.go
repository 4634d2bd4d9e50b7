package entitlement

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newEngine(t *testing.T) (*Engine, *storage.Memory, *fakeClock) {
	t.Helper()
	st := storage.NewMemory()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(st, Limits{DailyQuota: 3}, WithClock(clk.now))
	if _, err := st.EnsureUser(context.Background(), 1, "u"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	return e, st, clk
}

func TestCheckQuotaNeverWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, st, clk := newEngine(t)

	past := clk.t.Add(-time.Minute)
	_ = st.SetUsage(ctx, 1, 3, &past)
	before, _ := st.GetUser(ctx, 1)

	d, err := e.CheckQuota(ctx, 1)
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if !d.Allowed || d.Used != 0 {
		t.Fatalf("elapsed window decision = %+v", d)
	}
	after, _ := st.GetUser(ctx, 1)
	if after.DailyUsage != before.DailyUsage || !after.UsageReset.Equal(*before.UsageReset) {
		t.Fatalf("CheckQuota mutated usage: %+v -> %+v", before, after)
	}
}

func TestQuotaWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, st, clk := newEngine(t)

	for i := 0; i < 3; i++ {
		d, err := e.CheckQuota(ctx, 1)
		if err != nil || !d.Allowed {
			t.Fatalf("check %d = %+v, %v", i, d, err)
		}
		if err := e.RecordUsage(ctx, 1); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	u, _ := st.GetUser(ctx, 1)
	if u.DailyUsage != 3 || u.UsageReset == nil || !u.UsageReset.Equal(clk.t.Add(DefaultWindow)) {
		t.Fatalf("after 3 records: usage=%d reset=%v", u.DailyUsage, u.UsageReset)
	}

	d, _ := e.CheckQuota(ctx, 1)
	if d.Allowed || d.Used != 3 || d.Limit != 3 {
		t.Fatalf("4th check = %+v, want blocked", d)
	}

	clk.advance(DefaultWindow)
	d, _ = e.CheckQuota(ctx, 1)
	if !d.Allowed || d.Used != 0 {
		t.Fatalf("check after reset = %+v", d)
	}
	if err := e.RecordUsage(ctx, 1); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	u, _ = st.GetUser(ctx, 1)
	if u.DailyUsage != 1 || !u.UsageReset.Equal(clk.t.Add(DefaultWindow)) {
		t.Fatalf("new window: usage=%d reset=%v", u.DailyUsage, u.UsageReset)
	}
}

func TestExpiredPremiumDowngradesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, st, clk := newEngine(t)

	if err := e.GrantPremium(ctx, 1, clk.t.Add(time.Hour)); err != nil {
		t.Fatalf("GrantPremium: %v", err)
	}
	ent, _ := e.IsEntitled(ctx, 1)
	if !ent.Entitled || ent.Downgraded {
		t.Fatalf("fresh grant = %+v", ent)
	}

	clk.advance(time.Hour)
	ent, err := e.IsEntitled(ctx, 1)
	if err != nil || ent.Entitled || !ent.Downgraded {
		t.Fatalf("expired check = %+v, %v", ent, err)
	}
	u, _ := st.GetUser(ctx, 1)
	if u.Premium || u.PremiumExpiry != nil {
		t.Fatalf("record not downgraded: %+v", u)
	}
	if audit := st.Audit(); len(audit) != 1 || audit[0].Action != "premium_expired" || audit[0].TargetID != 1 {
		t.Fatalf("audit = %+v, want one premium_expired entry", audit)
	}
	ent, _ = e.IsEntitled(ctx, 1)
	if ent.Entitled || ent.Downgraded {
		t.Fatalf("second check = %+v, want plain non-premium", ent)
	}
}

type auditFailStore struct{ *storage.Memory }

func (auditFailStore) AppendAudit(context.Context, storage.AuditEntry) error {
	return errors.New("audit table locked")
}

func TestDowngradeAuditFailureIsLogged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	if _, err := mem.EnsureUser(ctx, 1, "u"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	_ = mem.SetPremium(ctx, 1, true, &past)

	var buf bytes.Buffer
	e := New(auditFailStore{mem}, Limits{},
		WithClock(func() time.Time { return now }),
		WithLogger(logx.FromZerolog(zerolog.New(&buf))))

	ent, err := e.IsEntitled(ctx, 1)
	if err != nil || !ent.Downgraded {
		t.Fatalf("IsEntitled = %+v, %v", ent, err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "audit table locked") {
		t.Fatalf("log output = %q", out)
	}
}

func TestPremiumSkipsQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, st, clk := newEngine(t)

	reset := clk.t.Add(time.Hour)
	_ = st.SetUsage(ctx, 1, 3, &reset)
	if err := e.GrantPremium(ctx, 1, clk.t.Add(24*time.Hour)); err != nil {
		t.Fatalf("GrantPremium: %v", err)
	}
	u, _ := st.GetUser(ctx, 1)
	if u.DailyUsage != 0 || u.UsageReset != nil {
		t.Fatalf("grant did not reset usage: %+v", u)
	}
	for i := 0; i < 5; i++ {
		_ = e.RecordUsage(ctx, 1)
	}
	d, _ := e.CheckQuota(ctx, 1)
	if !d.Allowed || !d.Premium {
		t.Fatalf("premium decision = %+v", d)
	}
	u, _ = st.GetUser(ctx, 1)
	if u.DailyUsage != 0 {
		t.Fatalf("premium usage counted: %d", u.DailyUsage)
	}
}

func TestCheckSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, clk := newEngine(t)
	big := DefaultMaxFreeSize + 1

	cases := []struct {
		kind transport.MediaKind
		size int64
		want error
	}{
		{transport.KindDocument, big, ErrSizeCapExceeded},
		{transport.KindVideo, big, ErrSizeCapExceeded},
		{transport.KindAudio, big, ErrSizeCapExceeded},
		{transport.KindDocument, DefaultMaxFreeSize, nil},
		{transport.KindPhoto, big, nil},
		{transport.KindText, big, nil},
	}
	for _, tc := range cases {
		if err := e.CheckSize(ctx, 1, tc.kind, tc.size); !errors.Is(err, tc.want) {
			t.Fatalf("CheckSize(%s, %d) = %v, want %v", tc.kind, tc.size, err, tc.want)
		}
	}

	_ = e.GrantPremium(ctx, 1, clk.t.Add(time.Hour))
	if err := e.CheckSize(ctx, 1, transport.KindDocument, big); err != nil {
		t.Fatalf("premium CheckSize = %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, st, clk := newEngine(t)
	_, _ = st.EnsureUser(ctx, 2, "v")
	_ = e.GrantPremium(ctx, 1, clk.t.Add(time.Minute))
	_ = e.GrantPremium(ctx, 2, clk.t.Add(time.Hour))

	clk.advance(10 * time.Minute)
	ids, err := e.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("swept = %v, want [1]", ids)
	}
	if n, _ := st.Count(ctx, storage.FilterPremium); n != 1 {
		t.Fatalf("premium count = %d, want 1", n)
	}
}

func TestUnknownUserIsAllowed(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)
	d, err := e.CheckQuota(context.Background(), 42)
	if err != nil || !d.Allowed {
		t.Fatalf("unknown user = %+v, %v", d, err)
	}
	if err := e.RecordUsage(context.Background(), 42); err != nil {
		t.Fatalf("RecordUsage unknown = %v", err)
	}
}
