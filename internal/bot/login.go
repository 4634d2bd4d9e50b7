package bot

import (
	"context"
	"errors"
	"strings"

	"relaybot/internal/session"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

func (b *Bot) login(ctx context.Context, req *router.Request) error {
	if req.Message.IsGroup {
		return b.replyText(ctx, req, "🔒", "Log in from a private chat with the bot.")
	}
	u, err := b.opt.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if u.HasSession() {
		return b.replyText(ctx, req, "✅", "You are already logged in.", "Use /logout first to switch accounts.")
	}

	flow, err := b.opt.NewLogin(ctx)
	if err != nil {
		req.Log.Warn("login client failed", logx.Err(err))
		return b.replyText(ctx, req, "⚠️", "Could not reach Telegram. Try again later.")
	}
	b.opt.Logins.Put(req.FromID, flow)
	return b.reply(ctx, req, tgui.New().
		Title("🔐", "Login").
		Line("Send your phone number in international format, e.g. +15551234567.").
		Line("Send /cancel to abort.").
		Build())
}

func (b *Bot) logout(ctx context.Context, req *router.Request) error {
	b.opt.Logins.Drop(req.FromID)
	u, err := b.opt.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !u.HasSession() {
		return b.replyText(ctx, req, "ℹ️", "You are not logged in.")
	}
	if err := b.opt.Store.SetSession(ctx, req.FromID, nil); err != nil {
		return err
	}
	return b.replyText(ctx, req, "👋", "Logged out.", "Your session was removed from the bot.")
}

// continueLogin feeds a private message into the user's pending login
// flow. It reports false when there is none.
func (b *Bot) continueLogin(ctx context.Context, req *router.Request) (bool, error) {
	flow, ok := b.opt.Logins.Get(req.FromID)
	if !ok {
		return false, nil
	}
	b.opt.Logins.Touch(req.FromID)
	input := strings.TrimSpace(req.Rest)

	switch flow.Step() {
	case session.StepPhone:
		if err := flow.Start(ctx, input); err != nil {
			req.Log.Info("login send code failed", logx.Err(err))
			return true, b.replyText(ctx, req, "⚠️", "Could not send the code.", "Check the number and send it again, or /cancel.")
		}
		return true, b.reply(ctx, req, tgui.New().
			Title("📨", "Code sent").
			Line("Telegram sent you a login code. Send it with spaces between the digits, e.g. 1 2 3 4 5.").
			Build())

	case session.StepCode:
		err := flow.SubmitCode(ctx, input)
		b.forget(ctx, req)
		switch {
		case errors.Is(err, session.ErrPasswordNeeded):
			return true, b.replyText(ctx, req, "🔑", "Two-step verification", "Send your account password.")
		case errors.Is(err, session.ErrInvalidCode):
			return true, b.replyText(ctx, req, "❌", "Invalid code.", "Send the code again, or /cancel.")
		case err != nil:
			b.opt.Logins.Drop(req.FromID)
			req.Log.Warn("login sign in failed", logx.Err(err))
			return true, b.replyText(ctx, req, "❌", "Login failed.", "Start again with /login.")
		}

	case session.StepPassword:
		err := flow.SubmitPassword(ctx, input)
		b.forget(ctx, req)
		switch {
		case errors.Is(err, session.ErrInvalidPassword):
			return true, b.replyText(ctx, req, "❌", "Wrong password.", "Send it again, or /cancel.")
		case err != nil:
			b.opt.Logins.Drop(req.FromID)
			req.Log.Warn("login password failed", logx.Err(err))
			return true, b.replyText(ctx, req, "❌", "Login failed.", "Start again with /login.")
		}

	default:
		b.opt.Logins.Drop(req.FromID)
		return false, nil
	}

	return true, b.finishLogin(ctx, req, flow)
}

func (b *Bot) finishLogin(ctx context.Context, req *router.Request, flow *session.LoginFlow) error {
	cred, err := flow.Credential()
	b.opt.Logins.Drop(req.FromID)
	if err != nil {
		return err
	}
	if err := b.opt.Store.SetSession(ctx, req.FromID, &cred); err != nil {
		return err
	}
	req.Log.Info("user logged in")
	return b.replyText(ctx, req, "✅", "Logged in.", "You can now relay private content.")
}

// forget deletes a message that carried a code or password.
func (b *Bot) forget(ctx context.Context, req *router.Request) {
	if err := b.opt.Relay.Delete(ctx, req.Origin()); err != nil {
		req.Log.Debug("delete secret message failed", logx.Err(err))
	}
}
