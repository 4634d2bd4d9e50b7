package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Settings is Config with defaults applied and durations parsed.
// Components take Settings, never raw strings.
type Settings struct {
	PollTimeout    time.Duration
	CommandTimeout time.Duration
	Workers        int

	QuotaLimit  int
	QuotaWindow time.Duration
	MaxFreeSize int64
	MaxRange    int

	DownloadsDir     string
	ItemDelay        time.Duration
	StatusInterval   time.Duration
	ProgressThrottle time.Duration

	SessionOpenTimeout time.Duration
	SessionCacheTTL    time.Duration
	LoginTTL           time.Duration

	BroadcastPace          time.Duration
	BroadcastProgressEvery int
	BroadcastStatusMax     int
	BroadcastStatusTTL     time.Duration

	JanitorStaleAfter time.Duration
}

const (
	DefaultQuotaLimit  = 10
	DefaultQuotaWindow = 24 * time.Hour
	DefaultMaxFreeSize = int64(2) << 30
	DefaultMaxRange    = 1000
)

// Resolve validates cfg and returns the effective settings.
func (c *Config) Resolve() (*Settings, error) {
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s.PollTimeout = dur("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	s.CommandTimeout = dur("telegram.command_timeout", c.Telegram.CommandTimeout, 30*time.Second)
	s.Workers = orInt(c.Telegram.Workers, 4)

	s.QuotaLimit = orInt(c.Limits.DailyQuota, DefaultQuotaLimit)
	s.QuotaWindow = dur("limits.window", c.Limits.Window, DefaultQuotaWindow)
	s.MaxFreeSize = c.Limits.MaxFreeSize
	if s.MaxFreeSize <= 0 {
		s.MaxFreeSize = DefaultMaxFreeSize
	}
	s.MaxRange = orInt(c.Limits.MaxRange, DefaultMaxRange)

	s.DownloadsDir = strings.TrimSpace(c.Relay.DownloadsDir)
	if s.DownloadsDir == "" {
		s.DownloadsDir = "./downloads"
	}
	s.ItemDelay = dur("relay.item_delay", c.Relay.ItemDelay, time.Second)
	s.StatusInterval = dur("relay.status_interval", c.Relay.StatusInterval, 5*time.Second)
	s.ProgressThrottle = dur("relay.progress_throttle", c.Relay.ProgressThrottle, 5*time.Second)

	s.SessionOpenTimeout = dur("session.open_timeout", c.Session.OpenTimeout, 30*time.Second)
	if ttl, err := ParseDurationField("session.cache_ttl", c.Session.CacheTTL); err != nil {
		errs = append(errs, err)
	} else {
		s.SessionCacheTTL = ttl
	}
	s.LoginTTL = dur("session.login_ttl", c.Session.LoginTTL, 10*time.Minute)

	s.BroadcastPace = dur("broadcast.pace", c.Broadcast.Pace, 200*time.Millisecond)
	s.BroadcastProgressEvery = orInt(c.Broadcast.ProgressEvery, 10)
	s.BroadcastStatusMax = orInt(c.Broadcast.StatusMax, 200)
	s.BroadcastStatusTTL = dur("broadcast.status_ttl", c.Broadcast.StatusTTL, 24*time.Hour)

	s.JanitorStaleAfter = dur("maintenance.stale_after", c.Maintenance.StaleAfter, 6*time.Hour)

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or RELAYBOT_TOKEN)"))
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must list at least one admin"))
	}
	if c.MTProto.APIID == 0 || strings.TrimSpace(c.MTProto.APIHash) == "" {
		errs = append(errs, errors.New("mtproto.api_id and mtproto.api_hash are required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if s.QuotaLimit < 0 {
		errs = append(errs, errors.New("limits.daily_quota must be >= 0"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}

// IsOwner reports whether id is listed in telegram.owner_user_ids.
func (c *Config) IsOwner(id int64) bool {
	for _, o := range c.Telegram.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseDurationField parses a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
