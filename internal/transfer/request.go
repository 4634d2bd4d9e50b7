package transfer

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"relaybot/internal/link"
	"relaybot/internal/progress"
	kit "relaybot/internal/transport"
)

var ErrBusy = errors.New("transfer: a request is already running")

// Request is one relay request: a resolved link plus the per-request
// cancellation token and progress tracker.
type Request struct {
	ID         string
	UserID     int64
	ChatID     int64
	ThreadID   int
	ReplyTo    int
	Descriptor link.Descriptor
	Cancel     *progress.CancelToken
	Progress   *progress.Tracker
}

// NewRequest builds a request with a fresh token and tracker.
func NewRequest(userID int64, origin kit.MessageRef, d link.Descriptor, opts ...progress.Option) *Request {
	tok := progress.NewCancelToken()
	return &Request{
		ID:         uuid.NewString(),
		UserID:     userID,
		ChatID:     origin.ChatID,
		ThreadID:   origin.ThreadID,
		ReplyTo:    origin.MessageID,
		Descriptor: d,
		Cancel:     tok,
		Progress:   progress.NewTracker(tok, opts...),
	}
}

func (r *Request) chat() kit.ChatTarget {
	return kit.ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID}
}

// Registry tracks the active request of each user.
type Registry struct {
	mu     sync.Mutex
	active map[int64]*Request
}

func NewRegistry() *Registry { return &Registry{active: map[int64]*Request{}} }

// Begin registers req. It fails with ErrBusy while the user has another
// request running.
func (r *Registry) Begin(req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[req.UserID]; ok {
		return ErrBusy
	}
	r.active[req.UserID] = req
	return nil
}

// End removes req if it is still the user's active request.
func (r *Registry) End(req *Request) {
	r.mu.Lock()
	if r.active[req.UserID] == req {
		delete(r.active, req.UserID)
	}
	r.mu.Unlock()
}

// Cancel flags the user's active request and reports whether there was one.
func (r *Registry) Cancel(userID int64) bool {
	r.mu.Lock()
	req := r.active[userID]
	r.mu.Unlock()
	if req == nil {
		return false
	}
	req.Cancel.Cancel()
	return true
}

func (r *Registry) Active(userID int64) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.active[userID]
	return req, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CancelAll flags every active request.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.active {
		req.Cancel.Cancel()
	}
}

// Owns reports whether dir is a workspace of an active request. Workspaces
// are named after the request's origin message id.
func (r *Registry) Owns(dir string) bool {
	base := filepath.Base(dir)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.active {
		if strings.HasPrefix(base, strconv.Itoa(req.ReplyTo)+"_") {
			return true
		}
	}
	return false
}
