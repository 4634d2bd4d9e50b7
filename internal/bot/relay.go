package bot

import (
	"context"
	"errors"
	"strconv"

	"relaybot/internal/link"
	"relaybot/internal/progress"
	"relaybot/internal/transfer"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/logx"
)

// Text handles every non-command message: pending login input first, then
// message links. Anything else is ignored.
func (b *Bot) Text(ctx context.Context, req *router.Request) error {
	if req.Message.IsGroup {
		return nil
	}
	if handled, err := b.continueLogin(ctx, req); handled || err != nil {
		return err
	}

	d, err := b.resolver.Resolve(req.Rest)
	switch {
	case errors.Is(err, link.ErrNotALink):
		return nil
	case errors.Is(err, link.ErrRangeTooLarge):
		return b.replyText(ctx, req, "⚠️", "Range too large.", "At most "+strconv.Itoa(b.opt.MaxRange)+" messages per request.")
	case err != nil:
		return b.replyText(ctx, req, "⚠️", "Could not read that link.", err.Error())
	}

	return b.member(func(ctx context.Context, req *router.Request) error {
		return b.relay(ctx, req, d)
	})(ctx, req)
}

func (b *Bot) relay(ctx context.Context, req *router.Request, d link.Descriptor) error {
	r := transfer.NewRequest(req.FromID, req.Origin(), d, progress.WithThrottle(b.opt.ProgressThrottle))
	if err := b.opt.Registry.Begin(r); err != nil {
		if errors.Is(err, transfer.ErrBusy) {
			return b.replyText(ctx, req, "⏳", "A task is already running.", "Wait for it to finish or send /cancel.")
		}
		return err
	}

	log := req.Log.With(logx.String("relay_id", r.ID), logx.String("link", d.String()))
	log.Info("relay accepted", logx.Int("items", d.Len()))

	// The request outlives the command timeout; it runs on the app
	// supervisor and stops on /cancel or shutdown.
	b.opt.Spawner.Go0("relay."+r.ID, func(ctx context.Context) {
		defer b.opt.Registry.End(r)
		sum := b.opt.Transfers.Run(ctx, r)
		if sum.Err != nil {
			log.Info("relay ended early", logx.Err(sum.Err))
		}
	})
	return nil
}
