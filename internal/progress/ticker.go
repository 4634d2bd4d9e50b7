package progress

import (
	"context"
	"time"

	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const DefaultTickInterval = 5 * time.Second

// Editor edits one status message.
type Editor interface {
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

// Ticker mirrors a Cell into a chat message on a fixed cadence.
type Ticker struct {
	Cell     *Cell
	Editor   Editor
	Ref      kit.MessageRef
	Interval time.Duration
	Log      logx.Logger
}

// Run edits the message whenever the cell text changed since the last
// tick. It returns when the cell closes or ctx ends.
func (t Ticker) Run(ctx context.Context) {
	iv := t.Interval
	if iv <= 0 {
		iv = DefaultTickInterval
	}
	tk := time.NewTicker(iv)
	defer tk.Stop()

	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		text, ver, closed := t.Cell.Load()
		if closed {
			return
		}
		if ver == seen || text == "" {
			continue
		}
		seen = ver
		if err := t.Editor.EditText(ctx, t.Ref, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			t.Log.Debug("status edit failed", logx.Int("msg_id", t.Ref.MessageID), logx.Err(err))
		}
	}
}
