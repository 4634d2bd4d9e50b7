package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/patrickmn/go-cache"
)

// LoginStep is the next input a login flow expects.
type LoginStep int

const (
	StepPhone LoginStep = iota
	StepCode
	StepPassword
	StepDone
)

func (s LoginStep) String() string {
	switch s {
	case StepPhone:
		return "phone"
	case StepCode:
		return "code"
	case StepPassword:
		return "password"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// authAPI is the subset of *auth.Client a login flow drives.
type authAPI interface {
	SendCode(ctx context.Context, phone string, options auth.SendCodeOptions) (tg.AuthSentCodeClass, error)
	SignIn(ctx context.Context, phone, code, codeHash string) (*tg.AuthAuthorization, error)
	Password(ctx context.Context, password string) (*tg.AuthAuthorization, error)
}

// LoginFlow walks a user through phone, code and optional password,
// producing a credential for the user record.
type LoginFlow struct {
	mu       sync.Mutex
	step     LoginStep
	phone    string
	codeHash string
	closed   bool

	auth    authAPI
	storage *credentialStorage
	stop    func()
}

// NewLogin starts an unauthorized client for a login flow.
func (m *Manager) NewLogin(ctx context.Context) (*LoginFlow, error) {
	storage := &credentialStorage{}
	client := telegram.NewClient(m.apiID, m.apiHash, telegram.Options{SessionStorage: storage})

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	ready := make(chan error, 1)
	go func() {
		defer close(runDone)
		err := client.Run(runCtx, func(ctx context.Context) error {
			ready <- nil
			<-ctx.Done()
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case ready <- err:
			default:
			}
		}
	}()
	stop := func() {
		cancel()
		<-runDone
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			stop()
			return nil, fmt.Errorf("connect: %w", err)
		}
	case <-timer.C:
		stop()
		return nil, fmt.Errorf("connect timeout after %s", m.timeout)
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}
	return &LoginFlow{auth: client.Auth(), storage: storage, stop: stop}, nil
}

func (f *LoginFlow) Step() LoginStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Start sends a login code to phone.
func (f *LoginFlow) Start(ctx context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect(StepPhone); err != nil {
		return err
	}
	phone = normalizePhone(phone)
	sent, err := f.auth.SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	switch s := sent.(type) {
	case *tg.AuthSentCode:
		f.codeHash = s.PhoneCodeHash
	default:
		return fmt.Errorf("send code: unexpected response %T", sent)
	}
	f.phone = phone
	f.step = StepCode
	return nil
}

// SubmitCode signs in with the received code. It returns ErrPasswordNeeded
// when the account has two-step verification enabled.
func (f *LoginFlow) SubmitCode(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect(StepCode); err != nil {
		return err
	}
	// Codes are often sent spaced out so Telegram does not expire them.
	code = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, code)
	_, err := f.auth.SignIn(ctx, f.phone, code, f.codeHash)
	switch {
	case err == nil:
		f.step = StepDone
		return nil
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		f.step = StepPassword
		return ErrPasswordNeeded
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return ErrInvalidCode
	default:
		return fmt.Errorf("sign in: %w", err)
	}
}

// SubmitPassword completes two-step verification.
func (f *LoginFlow) SubmitPassword(ctx context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect(StepPassword); err != nil {
		return err
	}
	_, err := f.auth.Password(ctx, password)
	switch {
	case err == nil:
		f.step = StepDone
		return nil
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return ErrInvalidPassword
	default:
		return fmt.Errorf("password: %w", err)
	}
}

// Credential exports the authorized session.
func (f *LoginFlow) Credential() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepDone {
		return "", fmt.Errorf("%w: login not complete", ErrFlowState)
	}
	return f.storage.export()
}

// Close stops the flow's client.
func (f *LoginFlow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	stop := f.stop
	f.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (f *LoginFlow) expect(step LoginStep) error {
	if f.closed {
		return ErrFlowClosed
	}
	if f.step != step {
		return fmt.Errorf("%w: expected %s, at %s", ErrFlowState, step, f.step)
	}
	return nil
}

func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if r == '+' && i == 0 || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Logins holds pending login flows per user. Flows left idle past the TTL
// are closed.
type Logins struct {
	c *cache.Cache
}

func NewLogins(ttl time.Duration) *Logins {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := cache.New(ttl, time.Minute)
	c.OnEvicted(func(_ string, v any) {
		if f, ok := v.(*LoginFlow); ok {
			f.Close()
		}
	})
	return &Logins{c: c}
}

func loginKey(userID int64) string { return fmt.Sprintf("login:%d", userID) }

// Put registers f for userID, closing any flow it replaces.
func (l *Logins) Put(userID int64, f *LoginFlow) {
	l.c.Delete(loginKey(userID))
	l.c.SetDefault(loginKey(userID), f)
}

func (l *Logins) Get(userID int64) (*LoginFlow, bool) {
	v, ok := l.c.Get(loginKey(userID))
	if !ok {
		return nil, false
	}
	f, ok := v.(*LoginFlow)
	return f, ok
}

// Touch extends the flow's lifetime after user input.
func (l *Logins) Touch(userID int64) {
	if f, ok := l.Get(userID); ok {
		l.c.SetDefault(loginKey(userID), f)
	}
}

// Drop removes and closes the user's flow.
func (l *Logins) Drop(userID int64) {
	l.c.Delete(loginKey(userID))
}

func (l *Logins) Len() int { return l.c.ItemCount() }

// Close closes every pending flow.
func (l *Logins) Close() {
	for k := range l.c.Items() {
		l.c.Delete(k)
	}
}
