package transfer

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/dustin/go-humanize"

	"relaybot/internal/entitlement"
	"relaybot/internal/session"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

func escape(s string) string { return html.EscapeString(s) }

func (o *Orchestrator) upgradeButton() *tgui.Inline {
	return tgui.LinkButton("💎 Upgrade to Premium", o.opt.UpgradeURL)
}

// reply sends an HTML notice anchored to the request message.
func (o *Orchestrator) reply(ctx context.Context, req *Request, text string, kb *tgui.Inline) {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyTo: req.ReplyTo}
	if kb != nil {
		opt.ReplyMarkupAdapter = kb.Markup()
	}
	if _, err := o.opt.Relay.SendText(context.WithoutCancel(ctx), req.chat(), text, opt); err != nil {
		o.log.Warn("reply failed", logx.UserID(req.UserID), logx.Err(err))
	}
}

func itemErrorText(id int, err error) string {
	reason := escape(err.Error())
	if errors.Is(err, session.ErrMessageNotFound) {
		reason = "the message was deleted or is not accessible."
	}
	return fmt.Sprintf("⚠️ <b>Error on item %d:</b> %s", id, reason)
}

func quotaText(d entitlement.QuotaDecision) string {
	b := tgui.New().
		Title("⏳", "Daily limit reached").
		Line("You have used " + humanize.Comma(int64(d.Used)) + " of " + humanize.Comma(int64(d.Limit)) + " free transfers.")
	if d.ResetAt != nil {
		b.Line("The limit resets " + humanize.Time(*d.ResetAt) + ".")
	}
	b.Blank().Line("Premium users have no daily limit.")
	return b.Build().Text
}

func sizeText(it *session.Item) string {
	return tgui.New().
		Title("📦", "File too large").
		KV("File", it.FileName).
		KV("Size", humanize.IBytes(uint64(max(it.Size, 0)))).
		Blank().
		Line("Free accounts cannot relay files this large. Upgrade to premium to lift the limit.").
		Build().Text
}

func sessionText(err error) string {
	if errors.Is(err, session.ErrNoCredential) {
		return tgui.New().
			Title("🔒", "Authentication required").
			Line("Access to this content requires login.").
			Line("Use /login to authorize your account.").
			Build().Text
	}
	return tgui.New().
		Title("❌", "Authentication failed").
		Line("Your session may have expired. Use /logout and /login again.").
		Code(err.Error()).
		Build().Text
}
