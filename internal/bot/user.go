package bot

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"relaybot/internal/storage"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/tgui"
)

func (b *Bot) start(ctx context.Context, req *router.Request) error {
	u, err := b.ensure(ctx, req)
	if err != nil {
		return err
	}
	if u.Banned {
		return b.replyText(ctx, req, "🚫", "You are banned from using this bot.")
	}
	m := tgui.New().
		Title("👋", "Hi "+u.Name+"!").
		Line("Send me a message link and I will relay its content here.").
		Blank().
		RawLine(tgui.JoinH(" ", tgui.B("Public:"), tgui.Code("https://t.me/channel/123"))).
		RawLine(tgui.JoinH(" ", tgui.B("Private:"), tgui.Code("https://t.me/c/123456789/10-20"))).
		RawLine(tgui.JoinH(" ", tgui.B("Bot:"), tgui.Code("https://t.me/b/some_bot/42"))).
		Blank().
		Line("Private chats need /login first. See /help for every command.").
		Inline(tgui.LinkButton("💎 Get Premium", b.opt.PlanContactURL)).
		Build()
	return b.reply(ctx, req, m)
}

func (b *Bot) plan(ctx context.Context, req *router.Request) error {
	ent, err := b.opt.Entitlements.IsEntitled(ctx, req.FromID)
	if err != nil {
		return err
	}
	lim := b.opt.Entitlements.Limits()

	bl := tgui.New().Title("💎", "Your plan")
	if ent.Entitled {
		bl.KV("Plan", "Premium").KV("Expires", when(ent.Expiry))
	} else {
		dec, err := b.opt.Entitlements.CheckQuota(ctx, req.FromID)
		if err != nil {
			return err
		}
		bl.KV("Plan", "Free").
			KV("Used today", strconv.Itoa(dec.Used)+" / "+strconv.Itoa(dec.Limit))
		if dec.ResetAt != nil {
			bl.KV("Resets", humanize.Time(*dec.ResetAt))
		}
	}
	bl.Blank().
		Title("", "Premium benefits").
		Line("• No daily limit").
		Line("• Files larger than " + humanize.IBytes(uint64(lim.MaxFreeSize))).
		Line("• Free tier: " + strconv.Itoa(lim.DailyQuota) + " transfers per " + tgui.Span(lim.Window))
	if p := strings.TrimSpace(b.opt.PlanPriceText); p != "" {
		bl.Blank().Line(p)
	}
	bl.Inline(tgui.LinkButton("📸 Contact for Premium", b.opt.PlanContactURL))
	return b.reply(ctx, req, bl.Build())
}

func (b *Bot) cancel(ctx context.Context, req *router.Request) error {
	if b.opt.Registry.Cancel(req.FromID) {
		return b.replyText(ctx, req, "❌", "Cancelling the current task…")
	}
	if _, ok := b.opt.Logins.Get(req.FromID); ok {
		b.opt.Logins.Drop(req.FromID)
		return b.replyText(ctx, req, "❌", "Login cancelled.")
	}
	return b.replyText(ctx, req, "ℹ️", "Nothing to cancel.")
}

func (b *Bot) stats(ctx context.Context, req *router.Request) error {
	counts := map[storage.Filter]int{}
	for _, f := range []storage.Filter{storage.FilterAll, storage.FilterPremium, storage.FilterBanned} {
		n, err := b.opt.Store.Count(ctx, f)
		if err != nil {
			return err
		}
		counts[f] = n
	}
	dec, err := b.opt.Entitlements.CheckQuota(ctx, req.FromID)
	if err != nil {
		return err
	}
	usage := strconv.Itoa(dec.Used) + " / " + strconv.Itoa(dec.Limit)
	if dec.Premium {
		usage = "unlimited (premium)"
	}
	m := tgui.New().
		Title("📊", "Bot statistics").
		KV("Total users", humanize.Comma(int64(counts[storage.FilterAll]))).
		KV("Premium users", humanize.Comma(int64(counts[storage.FilterPremium]))).
		KV("Banned users", humanize.Comma(int64(counts[storage.FilterBanned]))).
		KV("Active tasks", strconv.Itoa(b.opt.Registry.Len())).
		Blank().
		KV("Your usage today", usage).
		Build()
	return b.reply(ctx, req, m)
}

func (b *Bot) setCaption(ctx context.Context, req *router.Request) error {
	tpl := strings.TrimSpace(req.Rest)
	if tpl == "" {
		return b.usage(ctx, req, "/setcaption <template with {file_name} {file_size} {date}>")
	}
	if err := b.opt.Store.SetCaption(ctx, req.FromID, &tpl); err != nil {
		return err
	}
	return b.replyText(ctx, req, "✅", "Caption template saved.", "Templates are plain text, so HTML tags appear as typed.")
}

func (b *Bot) delCaption(ctx context.Context, req *router.Request) error {
	if err := b.opt.Store.SetCaption(ctx, req.FromID, nil); err != nil {
		return err
	}
	return b.replyText(ctx, req, "🗑", "Caption template removed.")
}

func (b *Bot) setThumb(ctx context.Context, req *router.Request) error {
	id := req.Message.ReplyPhotoID
	if id == "" {
		return b.replyText(ctx, req, "ℹ️", "Reply to a photo with /setthumb to use it as your thumbnail.")
	}
	if err := b.opt.Store.SetThumbnail(ctx, req.FromID, &id); err != nil {
		return err
	}
	return b.replyText(ctx, req, "✅", "Thumbnail saved.")
}

func (b *Bot) delThumb(ctx context.Context, req *router.Request) error {
	if err := b.opt.Store.SetThumbnail(ctx, req.FromID, nil); err != nil {
		return err
	}
	return b.replyText(ctx, req, "🗑", "Thumbnail removed.")
}

func (b *Bot) addDeleteWords(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return b.usage(ctx, req, "/delwords <word> [word...]")
	}
	u, err := b.opt.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	words := u.DeleteWords
	for _, w := range req.Args {
		if !slices.Contains(words, w) {
			words = append(words, w)
		}
	}
	if err := b.opt.Store.SetDeleteWords(ctx, req.FromID, words); err != nil {
		return err
	}
	return b.replyText(ctx, req, "✅", "Delete words updated.", strconv.Itoa(len(words))+" word(s) are removed from captions.")
}

func (b *Bot) removeDeleteWords(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return b.usage(ctx, req, "/rmdelwords <word> [word...]")
	}
	u, err := b.opt.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(u.DeleteWords))
	for _, w := range u.DeleteWords {
		if !slices.Contains(req.Args, w) {
			kept = append(kept, w)
		}
	}
	if err := b.opt.Store.SetDeleteWords(ctx, req.FromID, kept); err != nil {
		return err
	}
	return b.replyText(ctx, req, "✅", "Delete words updated.")
}

var errBadPair = errors.New("expected old=new")

func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		old, repl, ok := strings.Cut(a, "=")
		if !ok || old == "" {
			return nil, errBadPair
		}
		out[old] = repl
	}
	return out, nil
}

func (b *Bot) addReplaceWords(ctx context.Context, req *router.Request) error {
	pairs, err := parsePairs(req.Args)
	if err != nil || len(pairs) == 0 {
		return b.usage(ctx, req, "/replacewords <old=new> [old=new...]")
	}
	u, err := b.opt.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(u.ReplaceWords)+len(pairs))
	for k, v := range u.ReplaceWords {
		merged[k] = v
	}
	for k, v := range pairs {
		merged[k] = v
	}
	if err := b.opt.Store.SetReplaceWords(ctx, req.FromID, merged); err != nil {
		return err
	}
	return b.replyText(ctx, req, "✅", "Replacements updated.", strconv.Itoa(len(merged))+" replacement(s) apply to captions.")
}

func (b *Bot) removeReplaceWords(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return b.usage(ctx, req, "/rmreplacewords <old> [old...]")
	}
	u, err := b.opt.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	kept := make(map[string]string, len(u.ReplaceWords))
	for k, v := range u.ReplaceWords {
		if !slices.Contains(req.Args, k) {
			kept[k] = v
		}
	}
	if err := b.opt.Store.SetReplaceWords(ctx, req.FromID, kept); err != nil {
		return err
	}
	return b.replyText(ctx, req, "✅", "Replacements updated.")
}

func (b *Bot) showWords(ctx context.Context, req *router.Request) error {
	u, err := b.opt.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	bl := tgui.New().Title("📝", "Caption filters")
	if len(u.DeleteWords) == 0 && len(u.ReplaceWords) == 0 {
		bl.Line("No filters set. Use /delwords or /replacewords.")
		return b.reply(ctx, req, bl.Build())
	}
	if len(u.DeleteWords) > 0 {
		bl.KV("Removed", strings.Join(u.DeleteWords, ", "))
	}
	keys := make([]string, 0, len(u.ReplaceWords))
	for k := range u.ReplaceWords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bl.KV("Replace "+k, u.ReplaceWords[k])
	}
	return b.reply(ctx, req, bl.Build())
}
