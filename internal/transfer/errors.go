package transfer

import (
	"errors"
	"fmt"
)

var ErrQuotaExceeded = errors.New("transfer: daily quota exceeded")

// DirectCopyFailed reports that a public message could not be copied by the
// bot and the delegated path should be tried.
type DirectCopyFailed struct {
	Username string
	MsgID    int
	Err      error
}

func (e *DirectCopyFailed) Error() string {
	return fmt.Sprintf("direct copy of @%s/%d failed: %v", e.Username, e.MsgID, e.Err)
}

func (e *DirectCopyFailed) Unwrap() error { return e.Err }
