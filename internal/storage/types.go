package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: user not found")

// Filter selects a subset of users for Count and Iterate.
type Filter int

const (
	FilterAll Filter = iota
	FilterPremium
	FilterBanned
)

func (f Filter) String() string {
	switch f {
	case FilterPremium:
		return "premium"
	case FilterBanned:
		return "banned"
	default:
		return "all"
	}
}

// ParseFilter maps "all", "premium" and "banned" to a Filter.
func ParseFilter(s string) (Filter, bool) {
	switch s {
	case "", "all":
		return FilterAll, true
	case "premium":
		return FilterPremium, true
	case "banned":
		return FilterBanned, true
	}
	return FilterAll, false
}

func (f Filter) match(u *User) bool {
	switch f {
	case FilterPremium:
		return u.Premium
	case FilterBanned:
		return u.Banned
	default:
		return true
	}
}

// User is one user record. Nil pointers mean "unset".
type User struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	Session       *string           `json:"-"`
	Premium       bool              `json:"is_premium"`
	PremiumExpiry *time.Time        `json:"premium_expiry,omitempty"`
	Banned        bool              `json:"is_banned"`
	DailyUsage    int               `json:"daily_usage"`
	UsageReset    *time.Time        `json:"limit_reset_time,omitempty"`
	DumpChat      *int64            `json:"dump_chat,omitempty"`
	Caption       *string           `json:"caption,omitempty"`
	Thumbnail     *string           `json:"thumbnail,omitempty"`
	DeleteWords   []string          `json:"delete_words,omitempty"`
	ReplaceWords  map[string]string `json:"replace_words,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasSession reports whether a delegated credential is stored.
func (u *User) HasSession() bool { return u.Session != nil && *u.Session != "" }

// AuditEntry records one admin action.
type AuditEntry struct {
	At       time.Time
	ActorID  int64
	Action   string
	TargetID int64
	Detail   string
}

// Store is the record store consumed by every other component.
type Store interface {
	// EnsureUser creates the record if absent and reports whether it did.
	EnsureUser(ctx context.Context, id int64, name string) (bool, error)
	UserExists(ctx context.Context, id int64) (bool, error)
	GetUser(ctx context.Context, id int64) (*User, error)

	SetSession(ctx context.Context, id int64, credential *string) error
	SetCaption(ctx context.Context, id int64, caption *string) error
	SetThumbnail(ctx context.Context, id int64, fileID *string) error
	SetPremium(ctx context.Context, id int64, premium bool, expiry *time.Time) error
	SetBanned(ctx context.Context, id int64, banned bool) error
	SetDumpChat(ctx context.Context, id int64, chatID *int64) error
	SetUsage(ctx context.Context, id int64, usage int, reset *time.Time) error
	SetDeleteWords(ctx context.Context, id int64, words []string) error
	SetReplaceWords(ctx context.Context, id int64, words map[string]string) error

	Count(ctx context.Context, f Filter) (int, error)
	// Iterate calls fn for each matching user in ascending id order.
	// fn may mutate or delete records; pages are fetched lazily.
	Iterate(ctx context.Context, f Filter, fn func(User) error) error
	DeleteUser(ctx context.Context, id int64) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Config configures Open.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// SecretKey is a hex-encoded 32-byte key. When set, session credentials
	// are sealed before they reach the driver.
	SecretKey string
}

const pageSize = 200
