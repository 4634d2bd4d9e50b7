package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

type fakeSweeper struct {
	ids []int64
	err error
}

func (f fakeSweeper) SweepExpired(context.Context) ([]int64, error) { return f.ids, f.err }

type recordObserver map[string]int

func (r recordObserver) Removed(job string, n int) { r[job] += n }

func TestJanitorRemovesStaleDirs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	now := time.Now()

	mk := func(name string, age time.Duration) string {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(p, "part"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		ts := now.Add(-age)
		if err := os.Chtimes(p, ts, ts); err != nil {
			t.Fatal(err)
		}
		return p
	}
	stale := mk("10_1_stale", 8*time.Hour)
	fresh := mk("11_1_fresh", time.Minute)
	busy := mk("12_1_busy", 9*time.Hour)
	if err := os.WriteFile(filepath.Join(root, "loose.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	obs := recordObserver{}
	s := New(Options{
		Janitor:      "@hourly",
		DownloadsDir: root,
		StaleAfter:   6 * time.Hour,
		InUse:        func(dir string) bool { return dir == busy },
		Observer:     obs,
		Now:          func() time.Time { return now },
	}, logx.Nop())

	n, err := s.RunNow(context.Background(), "janitor")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if n != 1 || obs["janitor"] != 1 {
		t.Fatalf("removed = %d (observer %d), want 1", n, obs["janitor"])
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale dir still present: %v", err)
	}
	for _, p := range []string{fresh, busy, filepath.Join(root, "loose.bin")} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s removed: %v", p, err)
		}
	}
}

func TestJanitorMissingDir(t *testing.T) {
	t.Parallel()
	s := New(Options{Janitor: "@hourly", DownloadsDir: filepath.Join(t.TempDir(), "nope")}, logx.Nop())
	if n, err := s.RunNow(context.Background(), "janitor"); n != 0 || err != nil {
		t.Fatalf("got %d, %v", n, err)
	}
}

func TestPremiumSweep(t *testing.T) {
	t.Parallel()
	obs := recordObserver{}
	s := New(Options{PremiumSweep: "0 * * * *", Sweeper: fakeSweeper{ids: []int64{4, 9}}, Observer: obs}, logx.Nop())
	n, err := s.RunNow(context.Background(), "premium_sweep")
	if err != nil || n != 2 || obs["premium_sweep"] != 2 {
		t.Fatalf("got %d, %v, observer %v", n, err, obs)
	}

	boom := errors.New("boom")
	s = New(Options{PremiumSweep: "0 * * * *", Sweeper: fakeSweeper{err: boom}}, logx.Nop())
	if _, err := s.RunNow(context.Background(), "premium_sweep"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := s.RunNow(context.Background(), "janitor"); err == nil {
		t.Fatal("unregistered job should fail")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Options{PremiumSweep: "every now and then", Sweeper: fakeSweeper{}}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}

	s = New(Options{PremiumSweep: "@daily", Sweeper: fakeSweeper{}}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
