// Package entitlement decides what a user may relay: premium validity,
// the rolling daily quota and the free-tier size cap.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var ErrSizeCapExceeded = errors.New("entitlement: size cap exceeded")

type Clock func() time.Time

// Limits are the free-tier limits.
type Limits struct {
	DailyQuota  int
	Window      time.Duration
	MaxFreeSize int64
}

const (
	DefaultDailyQuota  = 10
	DefaultWindow      = 24 * time.Hour
	DefaultMaxFreeSize = int64(2) << 30
)

// Entitlement is the result of a premium check. Downgraded is set when the
// check found an expired grant and cleared it.
type Entitlement struct {
	Entitled   bool
	Downgraded bool
	Expiry     *time.Time
}

// QuotaDecision is a read-only view of the quota window.
type QuotaDecision struct {
	Allowed    bool
	Premium    bool
	Downgraded bool
	Used       int
	Limit      int
	ResetAt    *time.Time
}

type Engine struct {
	store  storage.Store
	limits Limits
	now    Clock
	log    logx.Logger
}

type Option func(*Engine)

func WithLogger(l logx.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.now = c
		}
	}
}

func New(st storage.Store, lim Limits, opts ...Option) *Engine {
	if lim.DailyQuota <= 0 {
		lim.DailyQuota = DefaultDailyQuota
	}
	if lim.Window <= 0 {
		lim.Window = DefaultWindow
	}
	if lim.MaxFreeSize <= 0 {
		lim.MaxFreeSize = DefaultMaxFreeSize
	}
	e := &Engine{store: st, limits: lim, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Limits() Limits { return e.limits }

// IsEntitled reports whether the user holds a valid premium grant. An
// expired grant is cleared as part of the check.
func (e *Engine) IsEntitled(ctx context.Context, userID int64) (Entitlement, error) {
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Entitlement{}, nil
	}
	if err != nil {
		return Entitlement{}, err
	}
	return e.entitled(ctx, u)
}

func (e *Engine) entitled(ctx context.Context, u *storage.User) (Entitlement, error) {
	if !u.Premium {
		return Entitlement{}, nil
	}
	if u.PremiumExpiry != nil && u.PremiumExpiry.After(e.now()) {
		return Entitlement{Entitled: true, Expiry: u.PremiumExpiry}, nil
	}
	if err := e.store.SetPremium(ctx, u.ID, false, nil); err != nil {
		return Entitlement{}, fmt.Errorf("downgrade %d: %w", u.ID, err)
	}
	expired := "no expiry"
	if u.PremiumExpiry != nil {
		expired = "expired " + u.PremiumExpiry.UTC().Format(time.RFC3339)
	}
	// The downgrade stands even when the audit write fails.
	if err := e.store.AppendAudit(ctx, storage.AuditEntry{At: e.now(), Action: "premium_expired", TargetID: u.ID, Detail: expired}); err != nil {
		e.log.Warn("premium downgrade audit failed", logx.UserID(u.ID), logx.Err(err))
	}
	u.Premium = false
	u.PremiumExpiry = nil
	return Entitlement{Downgraded: true}, nil
}

func (e *Engine) windowActive(u *storage.User) bool {
	return u.UsageReset != nil && e.now().Before(*u.UsageReset)
}

// CheckQuota reports whether another relay may start. It never writes
// usage; an elapsed window simply reads as zero.
func (e *Engine) CheckQuota(ctx context.Context, userID int64) (QuotaDecision, error) {
	d := QuotaDecision{Allowed: true, Limit: e.limits.DailyQuota}
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return QuotaDecision{}, err
	}
	ent, err := e.entitled(ctx, u)
	if err != nil {
		return QuotaDecision{}, err
	}
	d.Downgraded = ent.Downgraded
	if ent.Entitled {
		d.Premium = true
		return d, nil
	}
	if !e.windowActive(u) {
		return d, nil
	}
	d.Used = u.DailyUsage
	d.ResetAt = u.UsageReset
	d.Allowed = u.DailyUsage < e.limits.DailyQuota
	return d, nil
}

// RecordUsage counts one started transfer. The first unit of a window
// starts the window. Premium users are not counted.
func (e *Engine) RecordUsage(ctx context.Context, userID int64) error {
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ent, err := e.entitled(ctx, u)
	if err != nil {
		return err
	}
	if ent.Entitled {
		return nil
	}
	if !e.windowActive(u) {
		reset := e.now().Add(e.limits.Window)
		return e.store.SetUsage(ctx, userID, 1, &reset)
	}
	return e.store.SetUsage(ctx, userID, u.DailyUsage+1, u.UsageReset)
}

// GrantPremium sets the premium flag until expiry and starts a fresh quota.
func (e *Engine) GrantPremium(ctx context.Context, userID int64, expiry time.Time) error {
	if err := e.store.SetPremium(ctx, userID, true, &expiry); err != nil {
		return err
	}
	return e.store.SetUsage(ctx, userID, 0, nil)
}

func (e *Engine) RevokePremium(ctx context.Context, userID int64) error {
	return e.store.SetPremium(ctx, userID, false, nil)
}

// CheckSize rejects oversized documents, videos and audio for users
// without premium. Other kinds carry no size.
func (e *Engine) CheckSize(ctx context.Context, userID int64, kind transport.MediaKind, size int64) error {
	if !kind.SizeBearing() || size <= e.limits.MaxFreeSize {
		return nil
	}
	ent, err := e.IsEntitled(ctx, userID)
	if err != nil {
		return err
	}
	if ent.Entitled {
		return nil
	}
	return ErrSizeCapExceeded
}

// SweepExpired downgrades every premium user whose grant has lapsed and
// returns the affected ids.
func (e *Engine) SweepExpired(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := e.store.Iterate(ctx, storage.FilterPremium, func(u storage.User) error {
		ent, err := e.entitled(ctx, &u)
		if err != nil {
			return err
		}
		if ent.Downgraded {
			ids = append(ids, u.ID)
		}
		return nil
	})
	return ids, err
}
