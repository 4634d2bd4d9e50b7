package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"relaybot/internal/link"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

func TestCredentialRoundTrip(t *testing.T) {
	t.Parallel()

	cred := base64.RawURLEncoding.EncodeToString([]byte(`{"Version":1}`))
	st, err := decodeCredential(cred)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := st.LoadSession(context.Background())
	if err != nil || string(got) != `{"Version":1}` {
		t.Fatalf("LoadSession = %q, %v", got, err)
	}
	if err := st.StoreSession(context.Background(), []byte("next")); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	out, err := st.export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out != base64.RawURLEncoding.EncodeToString([]byte("next")) {
		t.Fatalf("export = %q", out)
	}

	if _, err := decodeCredential("!!not base64!!"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := (&credentialStorage{}).LoadSession(context.Background()); err == nil {
		t.Fatalf("empty storage should report not found")
	}
}

func TestOpenRejectsEmptyCredential(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{APIID: 1, APIHash: "x", Log: logx.Nop()})
	if _, err := m.Open(context.Background(), ""); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Open(\"\") = %v, want ErrNoCredential", err)
	}
}

func TestOpenWrapsDialFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{APIID: 1, APIHash: "x", Log: logx.Nop()})
	var calls int
	m.dial = func(context.Context, string) (*conn, error) {
		calls++
		return nil, &AuthError{Err: errors.New("AUTH_KEY_UNREGISTERED")}
	}
	_, err := m.Open(context.Background(), "abc")
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("Open error = %v, want *AuthError", err)
	}
	if calls != 1 {
		t.Fatalf("dial called %d times, want exactly one attempt", calls)
	}
}

func TestSourceFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    link.Descriptor
		want Source
	}{
		{link.Descriptor{Kind: link.Public, Username: "durov", FromID: 1, ToID: 1}, Source{Username: "durov"}},
		{link.Descriptor{Kind: link.Private, ChannelID: 12345, FromID: 1, ToID: 1}, Source{ChannelID: 12345}},
		{link.Descriptor{Kind: link.Batch, Username: "somebot", FromID: 1, ToID: 1}, Source{Username: "somebot"}},
	}
	for _, tc := range cases {
		if got := SourceFor(tc.d); got != tc.want {
			t.Errorf("SourceFor(%v) = %+v, want %+v", tc.d, got, tc.want)
		}
	}
}

func TestItemFromMessage(t *testing.T) {
	t.Parallel()

	doc := func(size int64, mime string, attrs ...tg.DocumentAttributeClass) *tg.MessageMediaDocument {
		return &tg.MessageMediaDocument{Document: &tg.Document{
			ID: 7, AccessHash: 8, Size: size, MimeType: mime, Attributes: attrs,
			Thumbs: []tg.PhotoSizeClass{&tg.PhotoSize{Type: "m", W: 90, H: 90, Size: 2000}},
		}}
	}

	cases := []struct {
		name  string
		msg   *tg.Message
		want  Item
		thumb bool
	}{
		{
			name: "text",
			msg:  &tg.Message{ID: 1, Message: "hello"},
			want: Item{MsgID: 1, Kind: transport.KindText, Text: "hello"},
		},
		{
			name: "empty",
			msg:  &tg.Message{ID: 2, Message: "  "},
			want: Item{MsgID: 2, Kind: transport.KindNone},
		},
		{
			name: "photo",
			msg: &tg.Message{ID: 3, Message: "pic", Media: &tg.MessageMediaPhoto{Photo: &tg.Photo{
				ID: 1,
				Sizes: []tg.PhotoSizeClass{
					&tg.PhotoSize{Type: "s", Size: 100},
					&tg.PhotoSizeProgressive{Type: "y", Sizes: []int{500, 9000}},
				},
			}}},
			want: Item{MsgID: 3, Kind: transport.KindPhoto, Size: 9000, MIME: "image/jpeg", FileName: "photo_3.jpg", Caption: "pic"},
		},
		{
			name: "video",
			msg: &tg.Message{ID: 4, Message: "clip", Media: doc(5<<20, "video/mp4",
				&tg.DocumentAttributeVideo{Duration: 12, W: 1280, H: 720},
				&tg.DocumentAttributeFilename{FileName: "clip.mp4"},
			)},
			want:  Item{MsgID: 4, Kind: transport.KindVideo, Size: 5 << 20, MIME: "video/mp4", FileName: "clip.mp4", Caption: "clip", Duration: 12, Width: 1280, Height: 720},
			thumb: true,
		},
		{
			name: "audio",
			msg: &tg.Message{ID: 5, Media: doc(3000, "audio/mpeg",
				&tg.DocumentAttributeAudio{Duration: 180, Performer: "A", Title: "B"},
				&tg.DocumentAttributeFilename{FileName: "song.mp3"},
			)},
			want:  Item{MsgID: 5, Kind: transport.KindAudio, Size: 3000, MIME: "audio/mpeg", FileName: "song.mp3", Duration: 180, Performer: "A", Title: "B"},
			thumb: true,
		},
		{
			name:  "document",
			msg:   &tg.Message{ID: 6, Media: doc(42, "application/x-unknown-thing")},
			want:  Item{MsgID: 6, Kind: transport.KindDocument, Size: 42, MIME: "application/x-unknown-thing", FileName: "file_6.bin"},
			thumb: true,
		},
		{
			name: "voice",
			msg:  &tg.Message{ID: 7, Media: doc(10, "audio/ogg", &tg.DocumentAttributeAudio{Voice: true})},
			want: Item{MsgID: 7, Kind: transport.KindNone},
		},
		{
			name: "round video",
			msg:  &tg.Message{ID: 8, Media: doc(10, "video/mp4", &tg.DocumentAttributeVideo{RoundMessage: true})},
			want: Item{MsgID: 8, Kind: transport.KindNone},
		},
		{
			name: "sticker",
			msg:  &tg.Message{ID: 9, Media: doc(10, "image/webp", &tg.DocumentAttributeSticker{})},
			want: Item{MsgID: 9, Kind: transport.KindNone},
		},
		{
			name: "poll",
			msg:  &tg.Message{ID: 10, Message: "q", Media: &tg.MessageMediaPoll{}},
			want: Item{MsgID: 10, Kind: transport.KindNone},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := itemFromMessage(tc.msg)
			if diff := cmp.Diff(tc.want, *got, cmpopts.IgnoreUnexported(Item{})); diff != "" {
				t.Fatalf("item mismatch (-want +got):\n%s", diff)
			}
			if got.HasThumb() != tc.thumb {
				t.Fatalf("HasThumb = %v, want %v", got.HasThumb(), tc.thumb)
			}
			media := tc.want.Kind != transport.KindNone && tc.want.Kind != transport.KindText
			if got.Downloadable() != media {
				t.Fatalf("Downloadable = %v, want %v", got.Downloadable(), media)
			}
		})
	}
}

type fakeRPC struct {
	resolves  atomic.Int32
	channels  atomic.Int32
	dialogs   atomic.Int32
	histories atomic.Int32

	floodOnce atomic.Bool
	hideHash  bool
	messages  map[int]*tg.Message
}

func (f *fakeRPC) ContactsResolveUsername(_ context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error) {
	f.resolves.Add(1)
	if req.Username != "public" {
		return nil, tgerr.New(400, "USERNAME_NOT_OCCUPIED")
	}
	return &tg.ContactsResolvedPeer{Chats: []tg.ChatClass{&tg.Channel{ID: 55, AccessHash: 66}}}, nil
}

func (f *fakeRPC) ChannelsGetChannels(_ context.Context, _ []tg.InputChannelClass) (tg.MessagesChatsClass, error) {
	f.channels.Add(1)
	if f.hideHash {
		return nil, tgerr.New(400, "CHANNEL_INVALID")
	}
	return &tg.MessagesChats{Chats: []tg.ChatClass{&tg.Channel{ID: 77, AccessHash: 1}}}, nil
}

func (f *fakeRPC) MessagesGetDialogs(_ context.Context, _ *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error) {
	f.dialogs.Add(1)
	return &tg.MessagesDialogsSlice{Chats: []tg.ChatClass{&tg.Channel{ID: 77, AccessHash: 2}}}, nil
}

func (f *fakeRPC) MessagesGetHistory(_ context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	f.histories.Add(1)
	if f.floodOnce.CompareAndSwap(true, false) {
		return nil, tgerr.New(420, "FLOOD_WAIT_0")
	}
	id := req.OffsetID - 1
	var out []tg.MessageClass
	// History returns the closest older message when id is missing.
	for i := id; i > 0; i-- {
		if m, ok := f.messages[i]; ok {
			out = append(out, m)
			break
		}
	}
	return &tg.MessagesChannelMessages{Messages: out}, nil
}

func newTestHandle(api rpc) *Handle {
	c := &conn{api: api, peers: map[Source]tg.InputPeerClass{}, log: logx.Nop()}
	c.acquire()
	return &Handle{c: c}
}

func TestHandleFetch(t *testing.T) {
	t.Parallel()

	api := &fakeRPC{messages: map[int]*tg.Message{
		1: {ID: 1, Message: "one"},
		3: {ID: 3, Message: "three"},
	}}
	h := newTestHandle(api)
	ctx := context.Background()
	src := Source{Username: "public"}

	it, err := h.Fetch(ctx, src, 1)
	if err != nil || it.Text != "one" {
		t.Fatalf("Fetch(1) = %+v, %v", it, err)
	}
	if _, err := h.Fetch(ctx, src, 2); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("Fetch(2) err = %v, want ErrMessageNotFound", err)
	}
	api.floodOnce.Store(true)
	if it, err := h.Fetch(ctx, src, 3); err != nil || it.Text != "three" {
		t.Fatalf("Fetch(3) after flood wait = %+v, %v", it, err)
	}
	if n := api.resolves.Load(); n != 1 {
		t.Fatalf("username resolved %d times, want 1", n)
	}
	if _, err := h.Fetch(ctx, Source{Username: "missing"}, 1); err == nil {
		t.Fatalf("expected resolve error")
	}

	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Fetch(ctx, src, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Fetch after close = %v, want ErrClosed", err)
	}
}

func TestResolveChannelFallsBackToDialogs(t *testing.T) {
	t.Parallel()

	api := &fakeRPC{hideHash: true, messages: map[int]*tg.Message{5: {ID: 5, Message: "x"}}}
	h := newTestHandle(api)
	src := Source{ChannelID: 77}

	for i := 0; i < 2; i++ {
		if _, err := h.Fetch(context.Background(), src, 5); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if api.channels.Load() != 1 || api.dialogs.Load() != 1 {
		t.Fatalf("channels=%d dialogs=%d, want 1 and 1", api.channels.Load(), api.dialogs.Load())
	}
	peer := h.c.peers[src].(*tg.InputPeerChannel)
	if peer.AccessHash != 2 {
		t.Fatalf("peer access hash = %d, want the one from dialogs", peer.AccessHash)
	}
}

func TestCachedConnectionsAreShared(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{APIID: 1, APIHash: "x", CacheTTL: time.Hour, Log: logx.Nop()})
	var dials, opened atomic.Int32
	var last *conn
	m.dial = func(context.Context, string) (*conn, error) {
		dials.Add(1)
		last = &conn{peers: map[Source]tg.InputPeerClass{}, log: logx.Nop()}
		return last, nil
	}
	m.OnOpen(func() { opened.Add(1) })

	ctx := context.Background()
	h1, err := m.Open(ctx, "cred")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := m.Open(ctx, "cred")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if dials.Load() != 1 || opened.Load() != 1 {
		t.Fatalf("dials=%d opened=%d, want one connection", dials.Load(), opened.Load())
	}

	_ = h1.Close(ctx)
	_ = h2.Close(ctx)
	if last.closed {
		t.Fatalf("cached connection closed while still cached")
	}
	m.Close()
	if !last.closed {
		t.Fatalf("connection not closed after eviction")
	}
}

func TestUncachedHandleClosesConnection(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{APIID: 1, APIHash: "x", Log: logx.Nop()})
	var c *conn
	m.dial = func(context.Context, string) (*conn, error) {
		c = &conn{peers: map[Source]tg.InputPeerClass{}, log: logx.Nop()}
		return c, nil
	}
	h, err := m.Open(context.Background(), "cred")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = h.Close(context.Background())
	_ = h.Close(context.Background())
	if !c.closed {
		t.Fatalf("connection still open after handle close")
	}
}

type fakeAuth struct {
	needPassword bool
	password     string
	storage      *credentialStorage
}

func (f *fakeAuth) SendCode(_ context.Context, phone string, _ auth.SendCodeOptions) (tg.AuthSentCodeClass, error) {
	if phone != "+15550001" {
		return nil, tgerr.New(400, "PHONE_NUMBER_INVALID")
	}
	return &tg.AuthSentCode{PhoneCodeHash: "hash"}, nil
}

func (f *fakeAuth) SignIn(_ context.Context, _, code, hash string) (*tg.AuthAuthorization, error) {
	if hash != "hash" || code != "12345" {
		return nil, tgerr.New(400, "PHONE_CODE_INVALID")
	}
	if f.needPassword {
		return nil, auth.ErrPasswordAuthNeeded
	}
	_ = f.storage.StoreSession(context.Background(), []byte("authorized"))
	return &tg.AuthAuthorization{}, nil
}

func (f *fakeAuth) Password(_ context.Context, pw string) (*tg.AuthAuthorization, error) {
	if pw != f.password {
		return nil, auth.ErrPasswordInvalid
	}
	_ = f.storage.StoreSession(context.Background(), []byte("authorized"))
	return &tg.AuthAuthorization{}, nil
}

func TestLoginFlowWithPassword(t *testing.T) {
	t.Parallel()

	st := &credentialStorage{}
	f := &LoginFlow{auth: &fakeAuth{needPassword: true, password: "pw", storage: st}, storage: st}
	ctx := context.Background()

	if err := f.SubmitCode(ctx, "12345"); !errors.Is(err, ErrFlowState) {
		t.Fatalf("code before phone = %v, want ErrFlowState", err)
	}
	if err := f.Start(ctx, " +1 555-0001 "); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.SubmitCode(ctx, "00000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("bad code = %v, want ErrInvalidCode", err)
	}
	if err := f.SubmitCode(ctx, "1 2 3 4 5"); !errors.Is(err, ErrPasswordNeeded) {
		t.Fatalf("SubmitCode = %v, want ErrPasswordNeeded", err)
	}
	if _, err := f.Credential(); !errors.Is(err, ErrFlowState) {
		t.Fatalf("Credential before done = %v", err)
	}
	if err := f.SubmitPassword(ctx, "nope"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("bad password = %v, want ErrInvalidPassword", err)
	}
	if err := f.SubmitPassword(ctx, "pw"); err != nil {
		t.Fatalf("SubmitPassword: %v", err)
	}
	cred, err := f.Credential()
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred != base64.RawURLEncoding.EncodeToString([]byte("authorized")) {
		t.Fatalf("credential = %q", cred)
	}
}

func TestLoginsEvictionClosesFlow(t *testing.T) {
	t.Parallel()

	l := NewLogins(time.Minute)
	var stopped atomic.Int32
	first := &LoginFlow{stop: func() { stopped.Add(1) }}
	second := &LoginFlow{stop: func() { stopped.Add(1) }}

	l.Put(1, first)
	l.Put(1, second)
	if stopped.Load() != 1 {
		t.Fatalf("replaced flow not closed")
	}
	if got, ok := l.Get(1); !ok || got != second {
		t.Fatalf("Get returned %v, %v", got, ok)
	}
	l.Drop(1)
	if stopped.Load() != 2 || l.Len() != 0 {
		t.Fatalf("stopped=%d len=%d", stopped.Load(), l.Len())
	}
	if err := second.Start(context.Background(), "+1"); !errors.Is(err, ErrFlowClosed) {
		t.Fatalf("Start on closed flow = %v", err)
	}
}
