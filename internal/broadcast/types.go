// Package broadcast copies one admin message to every matching user,
// classifying failures and pruning dead recipients from the store.
package broadcast

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
)

var ErrBusy = errors.New("broadcast: another job is running")

// Job describes one broadcast.
type Job struct {
	Source   kit.MessageRef
	Filter   storage.Filter
	ReportTo kit.ChatTarget
	// ReplyTo anchors the progress message.
	ReplyTo int
}

// Summary holds the counters of a job.
type Summary struct {
	Total     int
	Attempted int
	Delivered int
	Blocked   int
	Deleted   int
	Failed    int
	Elapsed   time.Duration
}

// JobStatus is the tracked state of one job.
type JobStatus struct {
	ID        string
	Filter    storage.Filter
	Summary   Summary
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	Err       string
}

// Sender is the delivery surface a broadcast needs.
type Sender interface {
	CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef, opt *kit.SendOptions) (kit.MessageRef, error)
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

// Observer receives one call per classified delivery attempt.
type Observer interface {
	Recipient(outcome kit.Outcome)
}

// Spawner runs a job in the background. The runtime supervisor fits.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type Options struct {
	Store    storage.Store
	Sender   Sender
	Observer Observer
	Pace     time.Duration
	// ProgressEvery is the number of attempts between progress edits.
	ProgressEvery int
	StatusMax     int
	StatusTTL     time.Duration
	Now           func() time.Time
	// Sleep waits d or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
