package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"relaybot/internal/broadcast"
	"relaybot/internal/storage"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/tgui"
)

// target loads the user named by the first argument.
func (b *Bot) target(ctx context.Context, req *router.Request, usage string, minArgs int) (*storage.User, bool, error) {
	if len(req.Args) < minArgs {
		return nil, false, b.usage(ctx, req, usage)
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return nil, false, b.replyText(ctx, req, "⚠️", "Invalid user id. It must be an integer.")
	}
	u, err := b.opt.Store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, b.replyText(ctx, req, "⚠️", "User "+strconv.FormatInt(id, 10)+" does not exist.")
	}
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func (b *Bot) ban(ctx context.Context, req *router.Request) error {
	u, ok, err := b.target(ctx, req, "/ban <user_id> [reason]", 1)
	if !ok {
		return err
	}
	id := strconv.FormatInt(u.ID, 10)
	if u.Banned {
		return b.replyText(ctx, req, "ℹ️", "User "+id+" is already banned.")
	}
	reason := strings.TrimSpace(strings.Join(req.Args[1:], " "))
	if reason == "" {
		reason = "No reason provided"
	}
	if err := b.opt.Store.SetBanned(ctx, u.ID, true); err != nil {
		return err
	}
	b.audit(ctx, req, "ban", u.ID, reason)
	return b.reply(ctx, req, tgui.New().Title("🚫", "User "+id+" banned").KV("Reason", reason).Build())
}

func (b *Bot) unban(ctx context.Context, req *router.Request) error {
	u, ok, err := b.target(ctx, req, "/unban <user_id>", 1)
	if !ok {
		return err
	}
	id := strconv.FormatInt(u.ID, 10)
	if !u.Banned {
		return b.replyText(ctx, req, "ℹ️", "User "+id+" is not banned.")
	}
	if err := b.opt.Store.SetBanned(ctx, u.ID, false); err != nil {
		return err
	}
	b.audit(ctx, req, "unban", u.ID, "")
	return b.replyText(ctx, req, "✅", "User "+id+" unbanned.")
}

func (b *Bot) setDump(ctx context.Context, req *router.Request) error {
	u, ok, err := b.target(ctx, req, "/set_dump <user_id> <chat_id>", 2)
	if !ok {
		return err
	}
	chat, err := parseID(req.Args[1])
	if err != nil {
		return b.replyText(ctx, req, "⚠️", "Invalid chat id. It must be an integer.")
	}
	if err := b.opt.Store.SetDumpChat(ctx, u.ID, &chat); err != nil {
		return err
	}
	b.audit(ctx, req, "set_dump", u.ID, strconv.FormatInt(chat, 10))
	return b.replyText(ctx, req, "✅", "Dump chat set.", "User "+strconv.FormatInt(u.ID, 10)+" → "+strconv.FormatInt(chat, 10))
}

func (b *Bot) addPremium(ctx context.Context, req *router.Request) error {
	u, ok, err := b.target(ctx, req, "/add_premium <user_id> <YYYY-MM-DD>", 2)
	if !ok {
		return err
	}
	expiry, err := time.ParseInLocation("2006-01-02", req.Args[1], time.UTC)
	if err != nil {
		return b.replyText(ctx, req, "⚠️", "Invalid date. Use YYYY-MM-DD.")
	}
	if !expiry.After(b.opt.Now()) {
		return b.replyText(ctx, req, "⚠️", "The expiry date must be in the future.")
	}
	if err := b.opt.Entitlements.GrantPremium(ctx, u.ID, expiry); err != nil {
		return err
	}
	b.audit(ctx, req, "add_premium", u.ID, expiry.Format("2006-01-02"))
	title := "Premium granted"
	if u.Premium {
		title = "Premium extended"
	}
	return b.reply(ctx, req, tgui.New().
		Title("💎", title).
		KV("User", strconv.FormatInt(u.ID, 10)).
		KV("Until", expiry.Format("2006-01-02")).
		Build())
}

func (b *Bot) removePremium(ctx context.Context, req *router.Request) error {
	u, ok, err := b.target(ctx, req, "/remove_premium <user_id>", 1)
	if !ok {
		return err
	}
	id := strconv.FormatInt(u.ID, 10)
	if !u.Premium {
		return b.replyText(ctx, req, "ℹ️", "User "+id+" is not premium.")
	}
	if err := b.opt.Entitlements.RevokePremium(ctx, u.ID); err != nil {
		return err
	}
	b.audit(ctx, req, "remove_premium", u.ID, "")
	return b.replyText(ctx, req, "❌", "Premium removed for user "+id+".")
}

func (b *Bot) userInfo(ctx context.Context, req *router.Request) error {
	u, ok, err := b.target(ctx, req, "/user_info <user_id>", 1)
	if !ok {
		return err
	}
	dump := "None"
	if u.DumpChat != nil {
		dump = strconv.FormatInt(*u.DumpChat, 10)
	}
	m := tgui.New().
		Title("🔍", "User "+strconv.FormatInt(u.ID, 10)).
		KV("Name", u.Name).
		KV("Premium", yesNo(u.Premium)).
		KV("Premium expiry", when(u.PremiumExpiry)).
		KV("Banned", yesNo(u.Banned)).
		KV("Daily usage", strconv.Itoa(u.DailyUsage)).
		KV("Limit reset", when(u.UsageReset)).
		KV("Session", map[bool]string{true: "Active", false: "Inactive"}[u.HasSession()]).
		KV("Dump chat", dump).
		KV("Delete words", strconv.Itoa(len(u.DeleteWords))).
		KV("Replace words", strconv.Itoa(len(u.ReplaceWords))).
		KV("Caption set", yesNo(u.Caption != nil)).
		KV("Thumbnail set", yesNo(u.Thumbnail != nil)).
		KV("Joined", u.CreatedAt.UTC().Format("2006-01-02")).
		Build()
	return b.reply(ctx, req, m)
}

func (b *Bot) exportUsers(ctx context.Context, req *router.Request) error {
	arg := ""
	if len(req.Args) > 0 {
		arg = strings.ToLower(req.Args[0])
	}
	f, ok := storage.ParseFilter(arg)
	if !ok {
		return b.usage(ctx, req, "/users [all|premium|banned]")
	}

	var (
		buf                    bytes.Buffer
		n, premium, banned, ss int
	)
	buf.WriteString("[\n")
	err := b.opt.Store.Iterate(ctx, f, func(u storage.User) error {
		if n > 0 {
			buf.WriteString(",\n")
		}
		row, err := json.Marshal(u)
		if err != nil {
			return err
		}
		buf.Write(row)
		n++
		if u.Premium {
			premium++
		}
		if u.Banned {
			banned++
		}
		if u.HasSession() {
			ss++
		}
		return nil
	})
	if err != nil {
		return err
	}
	buf.WriteString("\n]\n")

	caption := tgui.New().
		Title("📁", "Users export ("+f.String()+")").
		KV("Users", humanize.Comma(int64(n))).
		KV("Premium", humanize.Comma(int64(premium))).
		KV("Banned", humanize.Comma(int64(banned))).
		KV("With session", humanize.Comma(int64(ss))).
		KV("Size", humanize.Bytes(uint64(buf.Len()))).
		Build().Text
	name := "users_" + f.String() + "_" + b.opt.Now().UTC().Format("20060102_150405") + ".json"
	if _, err := b.opt.Relay.SendDocument(ctx, req.Chat, name, &buf, caption); err != nil {
		return err
	}
	b.audit(ctx, req, "export_users", 0, f.String())
	return nil
}

func (b *Bot) broadcast(ctx context.Context, req *router.Request) error {
	src := req.Message.ReplyTo
	if src == nil {
		return b.usage(ctx, req, "reply to a message with /broadcast [premium_only]")
	}
	f := storage.FilterAll
	if len(req.Args) > 0 {
		switch strings.ToLower(req.Args[0]) {
		case "premium_only", "premium":
			f = storage.FilterPremium
		default:
			return b.usage(ctx, req, "reply to a message with /broadcast [premium_only]")
		}
	}
	id, err := b.opt.Broadcasts.Submit(b.opt.Spawner, broadcast.Job{
		Source:   *src,
		Filter:   f,
		ReportTo: req.Chat,
		ReplyTo:  req.Message.ID,
	})
	if errors.Is(err, broadcast.ErrBusy) {
		return b.replyText(ctx, req, "⏳", "A broadcast is already running.", "Check it with /broadcast_status.")
	}
	if err != nil {
		return err
	}
	b.audit(ctx, req, "broadcast", 0, f.String()+" job="+id)
	return nil
}

func (b *Bot) broadcastStatus(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 {
		st, ok := b.opt.Broadcasts.Status(req.Args[0])
		if !ok {
			return b.replyText(ctx, req, "ℹ️", "No broadcast job with that id.")
		}
		return b.reply(ctx, req, tgui.Message{Text: broadcast.RenderStatus(st), Opt: htmlOpt()})
	}
	jobs := b.opt.Broadcasts.Recent(5)
	if len(jobs) == 0 {
		return b.replyText(ctx, req, "ℹ️", "No broadcast jobs yet.")
	}
	return b.reply(ctx, req, tgui.Message{Text: broadcast.RenderStatus(jobs[0]), Opt: htmlOpt()})
}
