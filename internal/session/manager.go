package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"relaybot/pkg/logx"
)

// Options configures a Manager.
type Options struct {
	APIID   int
	APIHash string
	// RatePerSec bounds API calls per opened session. Zero means 10.
	RatePerSec  int
	OpenTimeout time.Duration
	// CacheTTL keeps opened sessions for reuse by later requests with the
	// same credential. Zero closes every session when its handle is closed.
	CacheTTL time.Duration
	Log      logx.Logger
}

// Opened is invoked once per new connection.
type Opened func()

// Manager opens delegated user sessions.
type Manager struct {
	apiID   int
	apiHash string
	rate    int
	timeout time.Duration
	log     logx.Logger

	dial func(ctx context.Context, credential string) (*conn, error)

	group  singleflight.Group
	cached *cache.Cache // key -> *conn, nil when caching is off

	onOpen atomic.Value // Opened
}

func NewManager(opt Options) *Manager {
	m := &Manager{
		apiID:   opt.APIID,
		apiHash: opt.APIHash,
		rate:    opt.RatePerSec,
		timeout: opt.OpenTimeout,
		log:     opt.Log.Component("session"),
	}
	if m.rate <= 0 {
		m.rate = 10
	}
	if m.timeout <= 0 {
		m.timeout = 30 * time.Second
	}
	m.dial = m.connect
	if opt.CacheTTL > 0 {
		m.cached = cache.New(opt.CacheTTL, opt.CacheTTL)
		m.cached.OnEvicted(func(_ string, v any) {
			if c, ok := v.(*conn); ok {
				c.evict()
			}
		})
	}
	return m
}

// OnOpen registers a hook fired for every new connection.
func (m *Manager) OnOpen(fn Opened) {
	if fn != nil {
		m.onOpen.Store(fn)
	}
}

// Open connects a client bound to credential. It does not retry.
func (m *Manager) Open(ctx context.Context, credential string) (*Handle, error) {
	if credential == "" {
		return nil, ErrNoCredential
	}
	if m.cached == nil {
		c, err := m.dial(ctx, credential)
		if err != nil {
			return nil, err
		}
		m.opened()
		c.acquire()
		return &Handle{c: c}, nil
	}

	key := credentialKey(credential)
	for {
		if v, ok := m.cached.Get(key); ok {
			if c := v.(*conn); c.acquire() {
				return &Handle{c: c}, nil
			}
			m.cached.Delete(key)
		}
		v, err, _ := m.group.Do(key, func() (any, error) {
			c, err := m.dial(ctx, credential)
			if err != nil {
				return nil, err
			}
			m.opened()
			c.shared = true
			m.cached.SetDefault(key, c)
			return c, nil
		})
		if err != nil {
			return nil, err
		}
		if c := v.(*conn); c.acquire() {
			return &Handle{c: c}, nil
		}
	}
}

// Close drops cached sessions. Handles still held stay usable until closed.
func (m *Manager) Close() {
	if m.cached == nil {
		return
	}
	for k := range m.cached.Items() {
		m.cached.Delete(k)
	}
}

func (m *Manager) opened() {
	if fn, ok := m.onOpen.Load().(Opened); ok {
		fn()
	}
}

func credentialKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// connect starts a gotd client on its own goroutine and waits until it is
// authorized or fails.
func (m *Manager) connect(ctx context.Context, credential string) (*conn, error) {
	storage, err := decodeCredential(credential)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return nil, err
		}
		return nil, &AuthError{Err: err}
	}

	client := telegram.NewClient(m.apiID, m.apiHash, telegram.Options{SessionStorage: storage})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		cancel:  cancel,
		runDone: make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(time.Second/time.Duration(m.rate)), m.rate),
		peers:   map[Source]tg.InputPeerClass{},
		log:     m.log,
	}
	ready := make(chan error, 1)

	go func() {
		defer close(c.runDone)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				return errors.New("session is not authorized")
			}
			api := client.API()
			c.api = api
			c.download = func(ctx context.Context, loc tg.InputFileLocationClass, w io.Writer) error {
				_, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, w)
				return err
			}
			ready <- nil
			<-ctx.Done()
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case ready <- err:
			default:
				m.log.Warn("session client stopped", logx.Err(err))
			}
		}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.runDone
			return nil, &AuthError{Err: err}
		}
		return c, nil
	case <-c.runDone:
		cancel()
		select {
		case err := <-ready:
			if err != nil {
				return nil, &AuthError{Err: err}
			}
		default:
		}
		return nil, &AuthError{Err: errors.New("client exited before authorization")}
	case <-timer.C:
		cancel()
		<-c.runDone
		return nil, &AuthError{Err: fmt.Errorf("connect timeout after %s", m.timeout)}
	case <-ctx.Done():
		cancel()
		<-c.runDone
		return nil, ctx.Err()
	}
}

// rpc is the subset of *tg.Client a session uses.
type rpc interface {
	ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ChannelsGetChannels(ctx context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error)
	MessagesGetDialogs(ctx context.Context, req *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// conn is one running client, shared by every handle opened on it.
type conn struct {
	api      rpc
	download func(ctx context.Context, loc tg.InputFileLocationClass, w io.Writer) error
	limiter  *rate.Limiter
	log      logx.Logger

	cancel  context.CancelFunc
	runDone chan struct{}

	shared bool

	mu      sync.Mutex
	refs    int
	evicted bool
	closed  bool
	peers   map[Source]tg.InputPeerClass
}

// acquire registers a holder. It fails once the connection is shut down.
func (c *conn) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.evicted {
		return false
	}
	c.refs++
	return true
}

// release drops a holder. Uncached connections shut down with their last holder.
func (c *conn) release(ctx context.Context) error {
	c.mu.Lock()
	c.refs--
	shut := c.refs <= 0 && (!c.shared || c.evicted)
	c.mu.Unlock()
	if shut {
		return c.shutdown(ctx)
	}
	return nil
}

func (c *conn) evict() {
	c.mu.Lock()
	c.evicted = true
	idle := c.refs <= 0
	c.mu.Unlock()
	if idle {
		_ = c.shutdown(context.Background())
	}
}

func (c *conn) shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.runDone == nil {
		return nil
	}
	select {
	case <-c.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
