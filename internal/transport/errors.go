package transport

import (
	"errors"
	"fmt"
	"time"
)

// Delivery errors surfaced by adapters. Adapters map platform errors onto
// these so callers can classify without importing the platform SDK.
var (
	ErrBlocked     = errors.New("recipient blocked the bot")
	ErrDeactivated = errors.New("recipient account deactivated")
	ErrInvalidPeer = errors.New("recipient reference invalid")
)

// FloodError asks the caller to wait before retrying.
type FloodError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("flood wait %s", e.RetryAfter)
}

func (e *FloodError) Unwrap() error { return e.Err }

// Outcome classifies one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	FloodWait
	Deactivated
	Blocked
	InvalidPeer
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case FloodWait:
		return "flood_wait"
	case Deactivated:
		return "deactivated"
	case Blocked:
		return "blocked"
	case InvalidPeer:
		return "invalid_peer"
	default:
		return "failed"
	}
}

// Classify maps a delivery error to its outcome. The returned duration is
// only meaningful for FloodWait.
func Classify(err error) (Outcome, time.Duration) {
	if err == nil {
		return Delivered, 0
	}
	var fe *FloodError
	if errors.As(err, &fe) {
		return FloodWait, fe.RetryAfter
	}
	switch {
	case errors.Is(err, ErrDeactivated):
		return Deactivated, 0
	case errors.Is(err, ErrBlocked):
		return Blocked, 0
	case errors.Is(err, ErrInvalidPeer):
		return InvalidPeer, 0
	}
	return Failed, 0
}
