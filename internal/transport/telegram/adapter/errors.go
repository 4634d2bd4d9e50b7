package adapter

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "relaybot/internal/transport"
)

// mapError translates Bot API failures into transport errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.FloodError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &kit.FloodError{RetryAfter: time.Duration(fp.RetryAfter) * time.Second, Err: err}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return join(kit.ErrBlocked, err)
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return join(kit.ErrDeactivated, err)
	case errors.Is(err, tele.ErrChatNotFound):
		return join(kit.ErrInvalidPeer, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bot was blocked by the user"),
		strings.Contains(msg, "bot was kicked"),
		strings.Contains(msg, "bot can't initiate conversation"):
		return join(kit.ErrBlocked, err)
	case strings.Contains(msg, "user is deactivated"):
		return join(kit.ErrDeactivated, err)
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "peer_id_invalid"),
		strings.Contains(msg, "user not found"):
		return join(kit.ErrInvalidPeer, err)
	}
	return err
}

func join(kind, err error) error { return &mappedError{kind: kind, err: err} }

// mappedError matches both the transport sentinel and the original error.
type mappedError struct {
	kind error
	err  error
}

func (e *mappedError) Error() string   { return e.err.Error() }
func (e *mappedError) Unwrap() []error { return []error{e.kind, e.err} }

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
