// Package maintenance runs the periodic housekeeping jobs: the premium
// expiry sweep and the stale download directory janitor.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/pkg/logx"
)

const jobTimeout = 5 * time.Minute

// Sweeper downgrades lapsed premium grants.
type Sweeper interface {
	SweepExpired(ctx context.Context) ([]int64, error)
}

// Observer receives the number of records each run cleaned.
type Observer interface {
	Removed(job string, n int)
}

type Options struct {
	Timezone     string
	PremiumSweep string
	Janitor      string
	DownloadsDir string
	StaleAfter   time.Duration

	Sweeper  Sweeper
	InUse    func(dir string) bool
	Observer Observer
	Now      func() time.Time
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int, error)
}

// Scheduler owns the cron instance.
type Scheduler struct {
	mu     sync.Mutex
	log    logx.Logger
	opt    Options
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   []job
}

func New(opt Options, log logx.Logger) *Scheduler {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.StaleAfter <= 0 {
		opt.StaleAfter = 6 * time.Hour
	}
	s := &Scheduler{
		log:    log.Component("maintenance"),
		opt:    opt,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.loc = s.location()
	if opt.Sweeper != nil && strings.TrimSpace(opt.PremiumSweep) != "" {
		s.jobs = append(s.jobs, job{name: "premium_sweep", spec: opt.PremiumSweep, run: s.sweepPremium})
	}
	if opt.DownloadsDir != "" && strings.TrimSpace(opt.Janitor) != "" {
		s.jobs = append(s.jobs, job{name: "janitor", spec: opt.Janitor, run: s.cleanDownloads})
	}
	return s
}

func (s *Scheduler) location() *time.Location {
	tz := strings.TrimSpace(s.opt.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start validates every schedule and starts cron. Jobs run with ctx as
// parent until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, j := range s.jobs {
		j := j
		if _, err := c.AddFunc(j.spec, func() { s.exec(ctx, j) }); err != nil {
			return fmt.Errorf("maintenance %s: invalid schedule %q: %w", j.name, j.spec, err)
		}
	}
	s.c = c
	c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts cron and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow executes the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	for _, j := range s.jobs {
		if j.name == name {
			return s.exec(ctx, j)
		}
	}
	return 0, fmt.Errorf("maintenance: unknown job %q", name)
}

func (s *Scheduler) exec(parent context.Context, j job) (int, error) {
	if parent.Err() != nil {
		return 0, parent.Err()
	}
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := s.opt.Now()
	n, err := j.run(ctx)
	if s.opt.Observer != nil {
		s.opt.Observer.Removed(j.name, n)
	}
	if err != nil {
		s.log.Warn("maintenance job failed", logx.String("job", j.name), logx.Int("removed", n), logx.Err(err))
		return n, err
	}
	s.log.Info("maintenance job done",
		logx.String("job", j.name),
		logx.Int("removed", n),
		logx.Duration("took", s.opt.Now().Sub(start)),
	)
	return n, nil
}

func (s *Scheduler) sweepPremium(ctx context.Context) (int, error) {
	ids, err := s.opt.Sweeper.SweepExpired(ctx)
	for _, id := range ids {
		s.log.Debug("premium expired", logx.UserID(id))
	}
	return len(ids), err
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
