package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Dispatcher runs broadcast jobs one at a time.
type Dispatcher struct {
	store    storage.Store
	sender   Sender
	observer Observer
	log      logx.Logger

	pace          time.Duration
	progressEvery int
	statusMax     int
	statusTTL     time.Duration
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error

	running atomic.Bool

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

func New(opt Options, log logx.Logger) *Dispatcher {
	d := &Dispatcher{
		store:         opt.Store,
		sender:        opt.Sender,
		observer:      opt.Observer,
		log:           log.Component("broadcast"),
		pace:          opt.Pace,
		progressEvery: opt.ProgressEvery,
		statusMax:     opt.StatusMax,
		statusTTL:     opt.StatusTTL,
		now:           opt.Now,
		sleep:         opt.Sleep,
		status:        map[string]*JobStatus{},
	}
	if d.pace < 0 {
		d.pace = 0
	}
	if d.progressEvery <= 0 {
		d.progressEvery = 10
	}
	if d.statusMax <= 0 {
		d.statusMax = defaultStatusMax
	}
	if d.statusTTL <= 0 {
		d.statusTTL = defaultStatusTTL
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.sleep == nil {
		d.sleep = sleepCtx
	}
	return d
}

// Running reports whether a job is in progress.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Dispatch runs job to completion on the calling goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (Summary, error) {
	id, err := d.reserve(job)
	if err != nil {
		return Summary{}, err
	}
	return d.run(ctx, id, job)
}

// Submit starts job on sp and returns its id immediately.
func (d *Dispatcher) Submit(sp Spawner, job Job) (string, error) {
	id, err := d.reserve(job)
	if err != nil {
		return "", err
	}
	sp.Go("broadcast."+id, func(ctx context.Context) error {
		_, err := d.run(ctx, id, job)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return id, nil
}

func (d *Dispatcher) reserve(job Job) (string, error) {
	if !d.running.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	now := d.now()
	d.pruneStatus(now)
	id := uuid.NewString()
	d.statusMu.Lock()
	d.status[id] = &JobStatus{ID: id, Filter: job.Filter, StartedAt: now, Running: true}
	d.statusMu.Unlock()
	return id, nil
}

// Status returns a copy of the job's status.
func (d *Dispatcher) Status(id string) (JobStatus, bool) {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	st, ok := d.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

// Recent returns up to n statuses, newest first.
func (d *Dispatcher) Recent(n int) []JobStatus {
	d.statusMu.RLock()
	out := make([]JobStatus, 0, len(d.status))
	for _, st := range d.status {
		out = append(out, *st)
	}
	d.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (d *Dispatcher) update(id string, fn func(st *JobStatus)) {
	d.statusMu.Lock()
	if st, ok := d.status[id]; ok {
		fn(st)
	}
	d.statusMu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, id string, job Job) (sum Summary, err error) {
	defer d.running.Store(false)
	start := d.now()
	log := d.log.With(logx.String("job", id), logx.String("filter", job.Filter.String()))

	defer func() {
		sum.Elapsed = d.now().Sub(start)
		d.update(id, func(st *JobStatus) {
			st.Summary = sum
			st.Running = false
			st.DoneAt = d.now()
			if err != nil {
				st.Err = err.Error()
			}
		})
		// The final summary goes out even when the job was interrupted.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if _, serr := d.sender.SendText(fctx, job.ReportTo, renderFinal(id, job.Filter, sum, err), &kit.SendOptions{ParseMode: "HTML", ReplyTo: job.ReplyTo}); serr != nil {
			log.Warn("final summary failed", logx.Err(serr))
		}
		log.Info("broadcast finished",
			logx.Int("attempted", sum.Attempted),
			logx.Int("delivered", sum.Delivered),
			logx.Int("blocked", sum.Blocked),
			logx.Int("deleted", sum.Deleted),
			logx.Int("failed", sum.Failed),
			logx.Duration("elapsed", sum.Elapsed),
		)
	}()

	sum.Total, err = d.store.Count(ctx, job.Filter)
	if err != nil {
		return sum, fmt.Errorf("count recipients: %w", err)
	}
	log.Info("broadcast started", logx.Int("total", sum.Total))

	status, serr := d.sender.SendText(ctx, job.ReportTo, renderProgress(id, job.Filter, sum, d.now().Sub(start)), &kit.SendOptions{ParseMode: "HTML", ReplyTo: job.ReplyTo})
	progress := func() {
		d.update(id, func(st *JobStatus) { st.Summary = sum })
		if serr != nil {
			return
		}
		if err := d.sender.EditText(ctx, status, renderProgress(id, job.Filter, sum, d.now().Sub(start)), &kit.SendOptions{ParseMode: "HTML"}); err != nil {
			log.Debug("progress edit failed", logx.Err(err))
		}
	}

	err = d.store.Iterate(ctx, job.Filter, func(u storage.User) error {
		if u.Banned {
			return nil
		}
		sum.Attempted++
		if err := d.deliver(ctx, log, job, u.ID, &sum); err != nil {
			return err
		}
		if sum.Attempted%d.progressEvery == 0 {
			progress()
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	return sum, nil
}

// deliver copies the source to one recipient, retrying flood waits until
// the copy succeeds or fails for another reason.
func (d *Dispatcher) deliver(ctx context.Context, log logx.Logger, job Job, userID int64, sum *Summary) error {
	to := kit.ChatTarget{ChatID: userID}
	for {
		_, err := d.sender.CopyMessage(ctx, to, job.Source, nil)
		outcome, wait := kit.Classify(err)
		if d.observer != nil {
			d.observer.Recipient(outcome)
		}

		switch outcome {
		case kit.Delivered:
			sum.Delivered++
		case kit.FloodWait:
			log.Warn("flood wait", logx.UserID(userID), logx.Duration("retry_after", wait))
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		case kit.Deactivated, kit.InvalidPeer:
			if derr := d.store.DeleteUser(ctx, userID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				log.Warn("delete recipient failed", logx.UserID(userID), logx.Err(derr))
			}
			sum.Deleted++
		case kit.Blocked:
			sum.Blocked++
		default:
			log.Debug("delivery failed", logx.UserID(userID), logx.Err(err))
			sum.Failed++
		}
		return d.sleep(ctx, d.pace)
	}
}
