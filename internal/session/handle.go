package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"relaybot/pkg/logx"
)

// dialogScanLimit bounds the dialog scan used to find private channels
// whose access hash is unknown.
const dialogScanLimit = 100

// Handle is a caller's reference to an opened session.
type Handle struct {
	c    *conn
	once sync.Once
	err  error
	done bool
	mu   sync.Mutex
}

// Fetch loads message msgID from src.
func (h *Handle) Fetch(ctx context.Context, src Source, msgID int) (*Item, error) {
	c, err := h.conn()
	if err != nil {
		return nil, err
	}
	peer, err := c.resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	var msg *tg.Message
	err = c.call(ctx, func(ctx context.Context) error {
		res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: msgID + 1,
			Limit:    1,
		})
		if err != nil {
			return err
		}
		msg = findMessage(res, msgID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%d: %w", src, msgID, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("fetch %s/%d: %w", src, msgID, ErrMessageNotFound)
	}
	return itemFromMessage(msg), nil
}

// Download streams the item's file into w.
func (h *Handle) Download(ctx context.Context, it *Item, w io.Writer) error {
	if !it.Downloadable() {
		return errors.New("session: item has no file")
	}
	return h.stream(ctx, it.location, w)
}

// DownloadThumb streams the item's embedded thumbnail into w.
func (h *Handle) DownloadThumb(ctx context.Context, it *Item, w io.Writer) error {
	if !it.HasThumb() {
		return errors.New("session: item has no thumbnail")
	}
	return h.stream(ctx, it.thumb, w)
}

func (h *Handle) stream(ctx context.Context, loc tg.InputFileLocationClass, w io.Writer) error {
	c, err := h.conn()
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.download(ctx, loc, w)
}

// Close releases the handle. The underlying client stops unless it is kept
// in the session cache.
func (h *Handle) Close(ctx context.Context) error {
	h.once.Do(func() {
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		h.err = h.c.release(ctx)
	})
	return h.err
}

func (h *Handle) conn() (*conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil, ErrClosed
	}
	return h.c, nil
}

// call runs fn under the rate limiter and retries once after a flood wait.
func (c *conn) call(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := c.wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		d, ok := tgerr.AsFloodWait(err)
		if !ok || attempt > 0 {
			return err
		}
		c.log.Warn("flood wait", logx.Duration("retry_after", d))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// resolve returns the input peer for src, resolving it once per connection.
func (c *conn) resolve(ctx context.Context, src Source) (tg.InputPeerClass, error) {
	c.mu.Lock()
	if p, ok := c.peers[src]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	var (
		peer tg.InputPeerClass
		err  error
	)
	switch {
	case src.Username != "":
		peer, err = c.resolveUsername(ctx, src.Username)
	case src.ChannelID != 0:
		peer, err = c.resolveChannel(ctx, src.ChannelID)
	default:
		err = errors.New("empty source")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", src, err)
	}

	c.mu.Lock()
	c.peers[src] = peer
	c.mu.Unlock()
	return peer, nil
}

func (c *conn) resolveUsername(ctx context.Context, username string) (tg.InputPeerClass, error) {
	var resolved *tg.ContactsResolvedPeer
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		resolved, err = c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, ch := range resolved.Chats {
		switch v := ch.(type) {
		case *tg.Channel:
			return &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}, nil
		case *tg.Chat:
			return &tg.InputPeerChat{ChatID: v.ID}, nil
		}
	}
	for _, u := range resolved.Users {
		if v, ok := u.(*tg.User); ok {
			return &tg.InputPeerUser{UserID: v.ID, AccessHash: v.AccessHash}, nil
		}
	}
	return nil, ErrPeerNotFound
}

func (c *conn) resolveChannel(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	var chats []tg.ChatClass
	err := c.call(ctx, func(ctx context.Context) error {
		res, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{&tg.InputChannel{ChannelID: id}})
		if err != nil {
			return err
		}
		chats = chatsOf(res)
		return nil
	})
	if err == nil {
		if p := channelPeer(chats, id); p != nil {
			return p, nil
		}
	} else {
		c.log.Debug("get channels failed, scanning dialogs", logx.Int64("channel_id", id), logx.Err(err))
	}

	err = c.call(ctx, func(ctx context.Context) error {
		res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: &tg.InputPeerEmpty{},
			Limit:      dialogScanLimit,
		})
		if err != nil {
			return err
		}
		chats = dialogChats(res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p := channelPeer(chats, id); p != nil {
		return p, nil
	}
	return nil, ErrPeerNotFound
}

func channelPeer(chats []tg.ChatClass, id int64) tg.InputPeerClass {
	for _, ch := range chats {
		if v, ok := ch.(*tg.Channel); ok && v.ID == id {
			return &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
		}
	}
	return nil
}

func chatsOf(res tg.MessagesChatsClass) []tg.ChatClass {
	switch v := res.(type) {
	case *tg.MessagesChats:
		return v.Chats
	case *tg.MessagesChatsSlice:
		return v.Chats
	}
	return nil
}

func dialogChats(res tg.MessagesDialogsClass) []tg.ChatClass {
	switch v := res.(type) {
	case *tg.MessagesDialogs:
		return v.Chats
	case *tg.MessagesDialogsSlice:
		return v.Chats
	}
	return nil
}

func findMessage(res tg.MessagesMessagesClass, id int) *tg.Message {
	var msgs []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesChannelMessages:
		msgs = v.Messages
	case *tg.MessagesMessages:
		msgs = v.Messages
	case *tg.MessagesMessagesSlice:
		msgs = v.Messages
	}
	for _, m := range msgs {
		if msg, ok := m.(*tg.Message); ok && msg.ID == id {
			return msg
		}
	}
	return nil
}
