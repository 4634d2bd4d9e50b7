// Package bot holds the Telegram command surface: user commands, admin
// commands and the free-text handler that receives message links.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/broadcast"
	"relaybot/internal/entitlement"
	"relaybot/internal/link"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	"relaybot/internal/transfer"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// Transfers runs relay requests.
type Transfers interface {
	Run(ctx context.Context, req *transfer.Request) transfer.Summary
}

// Broadcaster starts and reports broadcast jobs.
type Broadcaster interface {
	Submit(sp broadcast.Spawner, job broadcast.Job) (string, error)
	Status(id string) (broadcast.JobStatus, bool)
	Recent(n int) []broadcast.JobStatus
}

// Spawner runs background work on the app supervisor.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
	Go0(name string, fn func(ctx context.Context))
}

type Options struct {
	Store        storage.Store
	Entitlements *entitlement.Engine
	Relay        kit.Relay
	Transfers    Transfers
	Registry     *transfer.Registry
	Broadcasts   Broadcaster
	Spawner      Spawner
	Logins       *session.Logins
	// NewLogin starts an unauthorized MTProto client for /login.
	NewLogin func(ctx context.Context) (*session.LoginFlow, error)

	MaxRange         int
	ProgressThrottle time.Duration
	PlanContactURL   string
	PlanPriceText    string
	Now              func() time.Time
}

type Bot struct {
	opt      Options
	log      logx.Logger
	resolver link.Resolver
}

func New(opt Options, log logx.Logger) *Bot {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.MaxRange <= 0 {
		opt.MaxRange = link.DefaultMaxRange
	}
	return &Bot{
		opt:      opt,
		log:      log.Component("bot"),
		resolver: link.Resolver{MaxRange: opt.MaxRange},
	}
}

// Commands returns the full command table.
func (b *Bot) Commands() []router.Command {
	u := func(name, desc, usage string, h router.HandlerFunc, aliases ...string) router.Command {
		return router.Command{Name: name, Aliases: aliases, Description: desc, Usage: usage, Handle: b.member(h)}
	}
	a := func(name, desc, usage string, h router.HandlerFunc) router.Command {
		return router.Command{Name: name, Description: desc, Usage: usage, Access: router.AccessOwnerOnly, Handle: h}
	}
	return []router.Command{
		{Name: "start", Description: "register and show the welcome message", Usage: "/start", Handle: b.start},
		u("plan", "show your plan and premium info", "/plan", b.plan, "myplan", "premium"),
		u("cancel", "cancel the running task or login", "/cancel", b.cancel),
		u("stats", "bot statistics and your usage", "/stats", b.stats),
		// Connecting the login client can take longer than a normal command.
		{Name: "login", Description: "authorize your account for private content", Usage: "/login", Timeout: 90 * time.Second, Handle: b.member(b.login)},
		u("logout", "remove your stored session", "/logout", b.logout),
		u("setcaption", "set a caption template", "/setcaption <template with {file_name} {file_size} {date}>", b.setCaption),
		u("delcaption", "remove your caption template", "/delcaption", b.delCaption),
		u("setthumb", "set a thumbnail (reply to a photo)", "/setthumb", b.setThumb),
		u("delthumb", "remove your thumbnail", "/delthumb", b.delThumb),
		u("delwords", "add words removed from captions", "/delwords <word> [word...]", b.addDeleteWords),
		u("rmdelwords", "stop removing words from captions", "/rmdelwords <word> [word...]", b.removeDeleteWords),
		u("replacewords", "replace words in captions", "/replacewords <old=new> [old=new...]", b.addReplaceWords),
		u("rmreplacewords", "drop caption replacements", "/rmreplacewords <old> [old...]", b.removeReplaceWords),
		u("words", "show your caption word filters", "/words", b.showWords),

		a("ban", "ban a user", "/ban <user_id> [reason]", b.ban),
		a("unban", "lift a ban", "/unban <user_id>", b.unban),
		a("set_dump", "set a user's dump chat", "/set_dump <user_id> <chat_id>", b.setDump),
		a("add_premium", "grant premium until a date", "/add_premium <user_id> <YYYY-MM-DD>", b.addPremium),
		a("remove_premium", "revoke premium", "/remove_premium <user_id>", b.removePremium),
		a("user_info", "show a user's record", "/user_info <user_id>", b.userInfo),
		a("users", "export users as JSON", "/users [all|premium|banned]", b.exportUsers),
		a("broadcast", "broadcast the replied message", "/broadcast [premium_only] (as a reply)", b.broadcast),
		a("broadcast_status", "show broadcast jobs", "/broadcast_status [job_id]", b.broadcastStatus),
	}
}

// member registers the sender and refuses banned users.
func (b *Bot) member(next router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		u, err := b.ensure(ctx, req)
		if err != nil {
			return err
		}
		if u.Banned {
			return b.reply(ctx, req, tgui.New().Title("🚫", "You are banned from using this bot.").Build())
		}
		return next(ctx, req)
	}
}

func (b *Bot) ensure(ctx context.Context, req *router.Request) (*storage.User, error) {
	created, err := b.opt.Store.EnsureUser(ctx, req.FromID, displayName(req.Message))
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		req.Log.Info("new user registered")
	}
	return b.opt.Store.GetUser(ctx, req.FromID)
}

func displayName(m *kit.Message) string {
	if n := strings.TrimSpace(m.FromName); n != "" {
		return n
	}
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	return strconv.FormatInt(m.FromID, 10)
}

func (b *Bot) reply(ctx context.Context, req *router.Request, m tgui.Message) error {
	m.Opt.ReplyTo = req.Message.ID
	_, err := m.Send(ctx, b.opt.Relay, req.Chat)
	return err
}

func htmlOpt() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
}

func (b *Bot) replyText(ctx context.Context, req *router.Request, emoji, title string, lines ...string) error {
	bl := tgui.New().Title(emoji, title)
	for _, l := range lines {
		bl.Line(l)
	}
	return b.reply(ctx, req, bl.Build())
}

func (b *Bot) usage(ctx context.Context, req *router.Request, usage string) error {
	return b.reply(ctx, req, tgui.New().Title("ℹ️", "Usage").Code(usage).Build())
}

func (b *Bot) audit(ctx context.Context, req *router.Request, action string, target int64, detail string) {
	err := b.opt.Store.AppendAudit(ctx, storage.AuditEntry{
		At:       b.opt.Now(),
		ActorID:  req.FromID,
		Action:   action,
		TargetID: target,
		Detail:   detail,
	})
	if err != nil {
		req.Log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

var errBadID = errors.New("invalid id")

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, errBadID
	}
	return id, nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func when(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}
