package progress

import (
	"errors"
	"sync"
)

var ErrCancelled = errors.New("cancelled")

// CancelToken is a cooperative cancellation flag shared by one request.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken { return &CancelToken{ch: make(chan struct{})} }

// Cancel is idempotent.
func (t *CancelToken) Cancel() { t.once.Do(func() { close(t.ch) }) }

func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done is closed once Cancel has been called.
func (t *CancelToken) Done() <-chan struct{} { return t.ch }

// Err returns ErrCancelled after Cancel, nil before.
func (t *CancelToken) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}
