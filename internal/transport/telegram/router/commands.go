// Package router turns incoming updates into command and free-text
// handler calls on a bounded worker pool.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Timeout overrides the router default. Negative disables it.
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one routed message.
type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Rest is the raw text after the command word.
	Rest  string
	ReqID string
	Log   logx.Logger
}

// Origin references the routed message.
func (r *Request) Origin() kit.MessageRef {
	return kit.MessageRef{ChatID: r.Chat.ChatID, ThreadID: r.Chat.ThreadID, MessageID: r.Message.ID}
}

// Sender is the part of the adapter the router replies through.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Observer counts handled commands.
type Observer interface {
	Command(name, result string)
}

type Options struct {
	Sender  Sender
	IsOwner func(id int64) bool
	Workers int
	// QueueSize bounds pending jobs; a full queue answers "busy".
	QueueSize int
	Timeout   time.Duration
	Observer  Observer
	// Spawner runs menu updates; nil runs them inline.
	Spawner interface {
		Go0(name string, fn func(ctx context.Context))
	}
}

type Router struct {
	mu    sync.RWMutex
	cmds  map[string]*Command
	alias map[string]*Command
	text  HandlerFunc

	opt Options
	log logx.Logger

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(opt Options, log logx.Logger) *Router {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.IsOwner == nil {
		opt.IsOwner = func(int64) bool { return false }
	}
	return &Router{
		cmds:  map[string]*Command{},
		alias: map[string]*Command{},
		opt:   opt,
		log:   log.Component("telegram.router"),
		jobs:  make(chan func(), opt.QueueSize),
	}
}

// Supervisor returns the worker supervisor while running.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

// SetText installs the handler for messages that are not commands.
func (r *Router) SetText(h HandlerFunc) {
	r.mu.Lock()
	r.text = h
	r.mu.Unlock()
}

// SetCommands replaces the registry and refreshes the platform menu.
func (r *Router) SetCommands(cmds []Command) {
	help := Command{
		Name:        "help",
		Description: "show help",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := r.opt.Sender.SendText(ctx, req.Chat, r.helpText(req.Args, r.opt.IsOwner(req.FromID)), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyTo: req.Message.ID})
			return err
		},
	}
	byName := map[string]*Command{}
	alias := map[string]*Command{}
	for _, c := range append(cmds, help) {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		if _, dup := byName[name]; dup && name == "help" {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" && !strings.Contains(a, " ") {
				alias[a] = &cc
			}
		}
	}

	r.mu.Lock()
	r.cmds = byName
	r.alias = alias
	r.mu.Unlock()

	up, ok := r.opt.Sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenu(byName)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}
	if r.opt.Spawner != nil {
		r.opt.Spawner.Go0("telegram.menu.update", run)
		return
	}
	run(context.Background())
}

func (r *Router) lookup(word string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cmds[word]; ok {
		return c, true
	}
	c, ok := r.alias[word]
	return c, ok
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx ends or updates closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.runMu.Lock()
	r.sup, r.running = sup, true
	r.runMu.Unlock()

	r.log.Info("command dispatcher started", logx.Int("workers", r.opt.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.opt.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				r.route(ctx, up.Message)
			}
		}
	}
}

func (r *Router) route(ctx context.Context, msg *kit.Message) {
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	text := strings.TrimSpace(msg.Text)

	if !strings.HasPrefix(text, "/") {
		r.mu.RLock()
		h := r.text
		r.mu.RUnlock()
		if h == nil {
			return
		}
		req := r.newRequest(msg, chat, "text", nil, text)
		r.enqueue(ctx, req, "text", h, 0)
		return
	}

	word, rest := splitCommand(text)
	cmd, ok := r.lookup(word)
	if !ok {
		// Commands addressed to other bots in groups are not ours to answer.
		if !msg.IsGroup {
			_, _ = r.opt.Sender.SendText(ctx, chat, "Unknown command. Try /help", &kit.SendOptions{ReplyTo: msg.ID})
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.opt.IsOwner(msg.FromID) {
		r.observe(cmd.Name, "denied")
		_, _ = r.opt.Sender.SendText(ctx, chat, "⛔ This command is for admins only.", &kit.SendOptions{ReplyTo: msg.ID})
		return
	}
	req := r.newRequest(msg, chat, cmd.Name, tokenizeCommandLine(rest), rest)
	r.enqueue(ctx, req, cmd.Name, cmd.Handle, cmd.Timeout)
}

func (r *Router) newRequest(msg *kit.Message, chat kit.ChatTarget, name string, args []string, rest string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		Rest:    rest,
		ReqID:   rid,
		Log: r.log.With(
			logx.String("req_id", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.UserID(msg.FromID),
			logx.String("cmd", name),
		),
	}
}

func (r *Router) enqueue(root context.Context, req *Request, name string, h HandlerFunc, timeout time.Duration) {
	if timeout == 0 {
		timeout = r.opt.Timeout
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWObserve(r.opt.Observer),
		MWTimeout(timeout),
	)
	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		r.observe(name, "busy")
		_, _ = r.opt.Sender.SendText(root, req.Chat, "Busy, try again in a moment.", &kit.SendOptions{ReplyTo: req.Message.ID})
	}
}

func (r *Router) observe(name, result string) {
	if r.opt.Observer != nil {
		r.opt.Observer.Command(name, result)
	}
}

// splitCommand returns the lowercased command word without the leading
// slash or @botname suffix, and the remaining text.
func splitCommand(text string) (string, string) {
	text = strings.TrimPrefix(text, "/")
	word, rest := text, ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		word, rest = text[:i], strings.TrimSpace(text[i+1:])
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), rest
}
