package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/redis/go-redis/v9"

	"relaybot/pkg/logx"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func ptr[T any](v T) *T { return &v }

func sameMS(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UnixMilli() == b.UnixMilli()
}

// runStoreSuite exercises the behavior every driver must share.
func runStoreSuite(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("ensure", func(t *testing.T) {
		created, err := st.EnsureUser(ctx, 10, "alice")
		if err != nil || !created {
			t.Fatalf("first EnsureUser = %v, %v", created, err)
		}
		created, err = st.EnsureUser(ctx, 10, "alice again")
		if err != nil || created {
			t.Fatalf("second EnsureUser = %v, %v", created, err)
		}
		ok, err := st.UserExists(ctx, 10)
		if err != nil || !ok {
			t.Fatalf("UserExists = %v, %v", ok, err)
		}
		u, err := st.GetUser(ctx, 10)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.Name != "alice" || u.DailyUsage != 0 || u.Premium || u.Banned || u.HasSession() {
			t.Fatalf("fresh user = %+v", u)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := st.GetUser(ctx, 999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetUser missing err = %v", err)
		}
		if err := st.SetBanned(ctx, 999, true); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetBanned missing err = %v", err)
		}
		if err := st.DeleteUser(ctx, 999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("DeleteUser missing err = %v", err)
		}
		if ok, _ := st.UserExists(ctx, 999); ok {
			t.Fatalf("UserExists(999) = true")
		}
	})

	t.Run("fields", func(t *testing.T) {
		expiry := time.Now().Add(30 * 24 * time.Hour)
		reset := time.Now().Add(24 * time.Hour)
		steps := []error{
			st.SetSession(ctx, 10, ptr("cred-1")),
			st.SetCaption(ctx, 10, ptr("<b>{filename}</b>")),
			st.SetThumbnail(ctx, 10, ptr("AgAD-thumb")),
			st.SetPremium(ctx, 10, true, &expiry),
			st.SetDumpChat(ctx, 10, ptr(int64(-1001234567890))),
			st.SetUsage(ctx, 10, 3, &reset),
			st.SetDeleteWords(ctx, 10, []string{"spam", "ads"}),
			st.SetReplaceWords(ctx, 10, map[string]string{"foo": "bar"}),
		}
		for i, err := range steps {
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
		u, err := st.GetUser(ctx, 10)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.Session == nil || *u.Session != "cred-1" {
			t.Fatalf("session = %v", u.Session)
		}
		if u.Caption == nil || *u.Caption != "<b>{filename}</b>" {
			t.Fatalf("caption = %v", u.Caption)
		}
		if u.Thumbnail == nil || *u.Thumbnail != "AgAD-thumb" {
			t.Fatalf("thumbnail = %v", u.Thumbnail)
		}
		if !u.Premium || !sameMS(u.PremiumExpiry, &expiry) {
			t.Fatalf("premium = %v expiry = %v", u.Premium, u.PremiumExpiry)
		}
		if u.DumpChat == nil || *u.DumpChat != -1001234567890 {
			t.Fatalf("dump chat = %v", u.DumpChat)
		}
		if u.DailyUsage != 3 || !sameMS(u.UsageReset, &reset) {
			t.Fatalf("usage = %d reset = %v", u.DailyUsage, u.UsageReset)
		}
		if diff := cmp.Diff([]string{"spam", "ads"}, u.DeleteWords); diff != "" {
			t.Fatalf("delete words (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(map[string]string{"foo": "bar"}, u.ReplaceWords); diff != "" {
			t.Fatalf("replace words (-want +got):\n%s", diff)
		}
	})

	t.Run("clear", func(t *testing.T) {
		steps := []error{
			st.SetSession(ctx, 10, nil),
			st.SetCaption(ctx, 10, nil),
			st.SetThumbnail(ctx, 10, nil),
			st.SetPremium(ctx, 10, false, nil),
			st.SetDumpChat(ctx, 10, nil),
			st.SetUsage(ctx, 10, 0, nil),
			st.SetDeleteWords(ctx, 10, nil),
			st.SetReplaceWords(ctx, 10, nil),
		}
		for i, err := range steps {
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
		u, err := st.GetUser(ctx, 10)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		want := User{ID: 10, Name: "alice"}
		opts := []cmp.Option{
			cmpopts.IgnoreFields(User{}, "CreatedAt", "UpdatedAt"),
			cmpopts.EquateEmpty(),
		}
		if diff := cmp.Diff(want, *u, opts...); diff != "" {
			t.Fatalf("cleared user (-want +got):\n%s", diff)
		}
	})

	t.Run("count and iterate", func(t *testing.T) {
		for _, id := range []int64{30, 20, 40} {
			if _, err := st.EnsureUser(ctx, id, "u"); err != nil {
				t.Fatalf("EnsureUser(%d): %v", id, err)
			}
		}
		_ = st.SetPremium(ctx, 20, true, nil)
		_ = st.SetBanned(ctx, 30, true)
		_ = st.SetBanned(ctx, 40, true)

		for f, want := range map[Filter]int{FilterAll: 4, FilterPremium: 1, FilterBanned: 2} {
			n, err := st.Count(ctx, f)
			if err != nil || n != want {
				t.Fatalf("Count(%s) = %d, %v; want %d", f, n, err, want)
			}
		}

		var seen []int64
		err := st.Iterate(ctx, FilterAll, func(u User) error {
			seen = append(seen, u.ID)
			if u.ID == 30 {
				return st.DeleteUser(ctx, 40)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		if diff := cmp.Diff([]int64{10, 20, 30}, seen); diff != "" {
			t.Fatalf("iterate order (-want +got):\n%s", diff)
		}

		stop := errors.New("stop")
		calls := 0
		err = st.Iterate(ctx, FilterAll, func(User) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Fatalf("Iterate stop = %v after %d calls", err, calls)
		}
	})

	t.Run("audit", func(t *testing.T) {
		if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, Action: "ban", TargetID: 30}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	runStoreSuite(t, st)
	if got := st.Audit(); len(got) != 1 || got[0].Action != "ban" {
		t.Fatalf("audit = %+v", got)
	}
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedis(rdb, "test:", logx.Nop())
	t.Cleanup(func() { _ = st.Close() })
	runStoreSuite(t, st)

	if n, err := mr.List("test:audit"); err != nil || len(n) != 1 {
		t.Fatalf("audit list = %v, %v", n, err)
	}
}

func TestSealedStore(t *testing.T) {
	t.Parallel()
	st, err := Seal(NewMemory(), testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	runStoreSuite(t, st)
}

func TestSealedStoreEncryptsAtRest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	raw := NewMemory()
	st, err := Seal(raw, testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	_, _ = st.EnsureUser(ctx, 1, "a")
	if err := st.SetSession(ctx, 1, ptr("secret-session")); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	inner, _ := raw.GetUser(ctx, 1)
	if inner.Session == nil || !strings.HasPrefix(*inner.Session, sealPrefix) {
		t.Fatalf("stored session not sealed: %v", inner.Session)
	}
	if strings.Contains(*inner.Session, "secret-session") {
		t.Fatalf("plaintext leaked into store")
	}
	u, _ := st.GetUser(ctx, 1)
	if u.Session == nil || *u.Session != "secret-session" {
		t.Fatalf("unsealed session = %v", u.Session)
	}

	// Values written before a key existed still read back.
	_ = raw.SetSession(ctx, 1, ptr("legacy"))
	u, _ = st.GetUser(ctx, 1)
	if *u.Session != "legacy" {
		t.Fatalf("legacy session = %q", *u.Session)
	}

	// Tampered ciphertext fails loudly.
	tampered := *inner.Session + "AA"
	_ = raw.SetSession(ctx, 1, &tampered)
	if _, err := st.GetUser(ctx, 1); err == nil {
		t.Fatalf("expected error for tampered ciphertext")
	}
}

func TestSealRejectsBadKeys(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"zz", "0011", strings.Repeat("ab", 16)} {
		if _, err := Seal(NewMemory(), key); err == nil {
			t.Fatalf("Seal(%q) succeeded", key)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestOpenMemorySealed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "memory", SecretKey: testKey}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := st.(*sealedStore); !ok {
		t.Fatalf("Open returned %T, want sealed store", st)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RELAYBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYBOT_TEST_POSTGRES_DSN not set")
	}
	st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	pg := st.(*postgresStore)
	pg.db.Exec("DELETE FROM relay_users")
	runStoreSuite(t, st)
}
