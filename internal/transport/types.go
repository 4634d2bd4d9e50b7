package transport

import (
	"context"
	"io"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool

	// ReplyTo is set when the message replies to another one.
	ReplyTo *MessageRef
	// ReplyPhotoID is the largest photo size of the replied-to message, if any.
	ReplyPhotoID string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Target returns the chat the message lives in.
func (r MessageRef) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyTo            int
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// MediaKind is the content kind of one relayed item.
type MediaKind string

const (
	KindNone     MediaKind = "none"
	KindText     MediaKind = "text"
	KindPhoto    MediaKind = "photo"
	KindDocument MediaKind = "document"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
)

// SizeBearing reports whether the size cap applies to the kind.
func (k MediaKind) SizeBearing() bool {
	switch k {
	case KindDocument, KindVideo, KindAudio:
		return true
	}
	return false
}

// Upload describes one local file to be sent to a chat.
type Upload struct {
	Kind      MediaKind
	Path      string
	FileName  string
	MIME      string
	Size      int64
	Caption   string
	ThumbPath string

	Duration  int
	Width     int
	Height    int
	Performer string
	Title     string
}

// ProgressFunc observes a byte stream. A non-nil error aborts the stream.
type ProgressFunc func(current, total int64) error

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	Delete(ctx context.Context, ref MessageRef) error
}

// Relay is the bot-side delivery surface used by transfers and broadcasts.
type Relay interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	Delete(ctx context.Context, ref MessageRef) error

	// CopyMessage copies a message the bot can already see.
	CopyMessage(ctx context.Context, to ChatTarget, from MessageRef, opt *SendOptions) (MessageRef, error)
	// CopyFromPublic copies a message out of a public chat by username.
	CopyFromPublic(ctx context.Context, to ChatTarget, username string, msgID int, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, up Upload, opt *SendOptions, progress ProgressFunc) (MessageRef, error)
	// DownloadFile streams a bot file id into w.
	DownloadFile(ctx context.Context, fileID string, w io.Writer) error
	SendDocument(ctx context.Context, to ChatTarget, name string, r io.Reader, caption string) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
