// Package progress renders throttled transfer progress into status cells
// and mirrors those cells into chat messages.
package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"relaybot/pkg/tgui"
)

const (
	DefaultThrottle = 5 * time.Second
	barWidth        = 30
)

type Phase string

const (
	PhaseDownload Phase = "down"
	PhaseUpload   Phase = "up"
)

// Status is the human label of the phase.
func (p Phase) Status() string {
	switch p {
	case PhaseDownload:
		return "Downloading"
	case PhaseUpload:
		return "Uploading"
	}
	return "Processing"
}

// Key identifies one item and direction within a request.
type Key string

func KeyFor(requestMsgID, itemID int, phase Phase) Key {
	return Key(fmt.Sprintf("%d:%d:%s", requestMsgID, itemID, phase))
}

type Clock func() time.Time

type entry struct {
	start time.Time
	last  time.Time
}

// Tracker throttles progress reports for one request.
type Tracker struct {
	token    *CancelToken
	now      Clock
	throttle time.Duration

	mu    sync.Mutex
	state map[Key]*entry
	cells map[Key]*Cell
}

type Option func(*Tracker)

func WithClock(c Clock) Option { return func(t *Tracker) { t.now = c } }

func WithThrottle(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.throttle = d
		}
	}
}

func NewTracker(token *CancelToken, opts ...Option) *Tracker {
	t := &Tracker{
		token:    token,
		now:      time.Now,
		throttle: DefaultThrottle,
		state:    map[Key]*entry{},
		cells:    map[Key]*Cell{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Attach routes renderings for key into cell.
func (t *Tracker) Attach(key Key, cell *Cell) {
	t.mu.Lock()
	t.cells[key] = cell
	t.mu.Unlock()
}

// Detach drops the cell and any bookkeeping for key.
func (t *Tracker) Detach(key Key) {
	t.mu.Lock()
	delete(t.cells, key)
	delete(t.state, key)
	t.mu.Unlock()
}

// Pending reports how many keys still hold bookkeeping.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.state)
}

// Report records progress for key. It returns ErrCancelled once the
// request is cancelled so the caller's stream unwinds.
func (t *Tracker) Report(current, total int64, key Key, phase Phase) error {
	if t.token.Cancelled() {
		return ErrCancelled
	}
	now := t.now()
	// Unknown totals are throttled until the caller reports completion.
	done := total > 0 && current >= total

	t.mu.Lock()
	e, ok := t.state[key]
	if !ok {
		e = &entry{start: now}
		t.state[key] = e
	}
	if !done && !e.last.IsZero() && now.Sub(e.last) < t.throttle {
		t.mu.Unlock()
		return nil
	}
	e.last = now
	start := e.start
	cell := t.cells[key]
	if done {
		delete(t.state, key)
	}
	t.mu.Unlock()

	if cell != nil {
		cell.Set(Render(current, total, now.Sub(start), phase))
	}
	return nil
}

// Func adapts the tracker to a plain (current, total) callback.
func (t *Tracker) Func(key Key, phase Phase) func(current, total int64) error {
	return func(current, total int64) error { return t.Report(current, total, key, phase) }
}

// Render formats one progress snapshot.
func Render(current, total int64, elapsed time.Duration, phase Phase) string {
	var pct float64
	if total > 0 {
		pct = float64(current) * 100 / float64(total)
	}
	var speed float64
	if elapsed > 0 {
		speed = float64(current) / elapsed.Seconds()
	}
	var eta time.Duration
	if speed > 0 && total > current {
		eta = time.Duration(float64(total-current) / speed * float64(time.Second))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", tgui.Esc(phase.Status()))
	fmt.Fprintf(&b, "<code>[%s]</code> %.2f%%\n", tgui.Bar(pct, barWidth, "█", "░"), pct)
	fmt.Fprintf(&b, "<b>Done:</b> %s / %s\n", humanize.IBytes(uint64(max(current, 0))), humanize.IBytes(uint64(max(total, 0))))
	fmt.Fprintf(&b, "<b>Speed:</b> %s/s\n", humanize.IBytes(uint64(speed)))
	fmt.Fprintf(&b, "<b>ETA:</b> %s\n", tgui.Span(eta))
	fmt.Fprintf(&b, "<b>Elapsed:</b> %s", tgui.Span(elapsed))
	return b.String()
}
