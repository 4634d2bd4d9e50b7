package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	errs   map[int64][]error
	copies map[int64]int
	texts  []string
	edits  int
}

func (f *fakeSender) CopyMessage(_ context.Context, to kit.ChatTarget, _ kit.MessageRef, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies[to.ChatID]++
	if q := f.errs[to.ChatID]; len(q) > 0 {
		f.errs[to.ChatID] = q[1:]
		return kit.MessageRef{}, q[0]
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	f.mu.Lock()
	f.edits++
	f.mu.Unlock()
	return nil
}

type countObserver struct {
	mu  sync.Mutex
	got map[kit.Outcome]int
}

func (o *countObserver) Recipient(out kit.Outcome) {
	o.mu.Lock()
	o.got[out]++
	o.mu.Unlock()
}

func seed(t *testing.T, ids ...int64) *storage.Memory {
	t.Helper()
	st := storage.NewMemory()
	for _, id := range ids {
		if _, err := st.EnsureUser(context.Background(), id, fmt.Sprint("u", id)); err != nil {
			t.Fatalf("EnsureUser(%d): %v", id, err)
		}
	}
	return st
}

func TestDispatchClassifiesOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := seed(t, 1, 2, 3, 4, 5, 6)
	if err := st.SetBanned(ctx, 5, true); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{
		copies: map[int64]int{},
		errs: map[int64][]error{
			2: {fmt.Errorf("send: %w", kit.ErrBlocked)},
			3: {kit.ErrDeactivated},
			4: {&kit.FloodError{RetryAfter: 3 * time.Second}},
			6: {kit.ErrInvalidPeer},
		},
	}
	var slept []time.Duration
	obs := &countObserver{got: map[kit.Outcome]int{}}
	d := New(Options{
		Store:    st,
		Sender:   sender,
		Observer: obs,
		Pace:     time.Millisecond,
		Sleep: func(_ context.Context, dur time.Duration) error {
			slept = append(slept, dur)
			return nil
		},
	}, logx.Nop())

	sum, err := d.Dispatch(ctx, Job{Source: kit.MessageRef{ChatID: 100, MessageID: 7}, ReportTo: kit.ChatTarget{ChatID: 100}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := Summary{Total: 6, Attempted: 5, Delivered: 2, Blocked: 1, Deleted: 2, Failed: 0}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(Summary{}, "Elapsed")); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
	if sender.copies[4] != 2 {
		t.Fatalf("flooded recipient attempts = %d, want 2", sender.copies[4])
	}
	if sender.copies[5] != 0 {
		t.Fatal("banned user must be skipped")
	}
	if len(slept) == 0 || slept[0] != time.Millisecond {
		t.Fatalf("sleeps = %v, want pacing first", slept)
	}
	var sawFlood bool
	for _, s := range slept {
		if s == 3*time.Second {
			sawFlood = true
		}
	}
	if !sawFlood {
		t.Fatalf("sleeps = %v, want the retry-after wait", slept)
	}

	for _, id := range []int64{3, 6} {
		if ok, _ := st.UserExists(ctx, id); ok {
			t.Fatalf("user %d should be deleted", id)
		}
	}
	for _, id := range []int64{1, 2, 4, 5} {
		if ok, _ := st.UserExists(ctx, id); !ok {
			t.Fatalf("user %d should be kept", id)
		}
	}

	if obs.got[kit.FloodWait] != 1 || obs.got[kit.Delivered] != 2 {
		t.Fatalf("observer = %v", obs.got)
	}
	last := sender.texts[len(sender.texts)-1]
	if !strings.Contains(last, "completed") || !strings.Contains(last, "Completed in") {
		t.Fatalf("final summary = %q", last)
	}

	st0, ok := d.Status(d.Recent(1)[0].ID)
	if !ok || st0.Running || st0.Summary.Delivered != 2 {
		t.Fatalf("status = %+v, ok=%v", st0, ok)
	}
}

func TestDispatchProgressEvery(t *testing.T) {
	t.Parallel()
	ids := make([]int64, 25)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	sender := &fakeSender{copies: map[int64]int{}, errs: map[int64][]error{}}
	d := New(Options{Store: seed(t, ids...), Sender: sender, Sleep: func(context.Context, time.Duration) error { return nil }}, logx.Nop())

	if _, err := d.Dispatch(context.Background(), Job{ReportTo: kit.ChatTarget{ChatID: 1}}); err != nil {
		t.Fatal(err)
	}
	if sender.edits != 2 {
		t.Fatalf("edits = %d, want 2", sender.edits)
	}
}

func TestDispatchCancelledStillReports(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{copies: map[int64]int{}, errs: map[int64][]error{}}
	d := New(Options{
		Store:  seed(t, 1, 2, 3),
		Sender: sender,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, logx.Nop())

	sum, err := d.Dispatch(ctx, Job{ReportTo: kit.ChatTarget{ChatID: 1}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sum.Attempted != 1 {
		t.Fatalf("attempted = %d, want 1", sum.Attempted)
	}
	if last := sender.texts[len(sender.texts)-1]; !strings.Contains(last, "stopped") {
		t.Fatalf("final summary = %q", last)
	}
	if d.Running() {
		t.Fatal("dispatcher still marked running")
	}
}

func TestDispatchOneAtATime(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	sender := &fakeSender{copies: map[int64]int{}, errs: map[int64][]error{}}
	var once sync.Once
	d := New(Options{
		Store:  seed(t, 1),
		Sender: sender,
		Sleep: func(context.Context, time.Duration) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		},
	}, logx.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), Job{})
		done <- err
	}()
	<-started
	if _, err := d.Dispatch(context.Background(), Job{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second dispatch err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestPruneStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := New(Options{StatusMax: 3, StatusTTL: time.Hour}, logx.Nop())

	add := func(id string, age time.Duration, running bool) {
		st := &JobStatus{ID: id, StartedAt: now.Add(-age - time.Minute), Running: running}
		if !running {
			st.DoneAt = now.Add(-age)
		}
		d.status[id] = st
	}
	add("expired", 2*time.Hour, false)
	add("old-running", 3*time.Hour, true)
	add("a", 40*time.Minute, false)
	add("b", 30*time.Minute, false)
	add("c", 20*time.Minute, false)
	add("d", 10*time.Minute, false)

	d.pruneStatus(now)

	var got []string
	for _, st := range d.Recent(0) {
		got = append(got, st.ID)
	}
	want := []string{"d", "c", "old-running"}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Fatalf("kept statuses mismatch (-want +got):\n%s", diff)
	}
}
