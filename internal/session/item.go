package session

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gotd/td/tg"

	"relaybot/internal/transport"
)

// Item is one message fetched through a delegated session.
type Item struct {
	MsgID     int
	Kind      transport.MediaKind
	Size      int64
	FileName  string
	MIME      string
	Caption   string
	Text      string
	Duration  int
	Width     int
	Height    int
	Performer string
	Title     string

	location tg.InputFileLocationClass
	thumb    tg.InputFileLocationClass
}

func (it *Item) HasThumb() bool { return it != nil && it.thumb != nil }

// Downloadable reports whether the item carries a file.
func (it *Item) Downloadable() bool { return it != nil && it.location != nil }

func itemFromMessage(m *tg.Message) *Item {
	it := &Item{MsgID: m.ID, Kind: transport.KindNone}
	switch media := m.Media.(type) {
	case nil:
		if strings.TrimSpace(m.Message) != "" {
			it.Kind = transport.KindText
			it.Text = m.Message
		}
		return it
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return it
		}
		typ, size := largestPhotoSize(photo.Sizes)
		if typ == "" {
			return it
		}
		it.Kind = transport.KindPhoto
		it.Size = int64(size)
		it.MIME = "image/jpeg"
		it.FileName = fmt.Sprintf("photo_%d.jpg", m.ID)
		it.Caption = m.Message
		it.location = &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     typ,
		}
		return it
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return it
		}
		return documentItem(it, m, doc)
	default:
		// polls, contacts, geo, games and the like
		return it
	}
}

func documentItem(it *Item, m *tg.Message, doc *tg.Document) *Item {
	kind := transport.KindDocument
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				return it
			}
			kind = transport.KindVideo
			it.Duration = int(a.Duration)
			it.Width, it.Height = a.W, a.H
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				return it
			}
			if kind == transport.KindDocument {
				kind = transport.KindAudio
			}
			it.Duration = a.Duration
			it.Performer, it.Title = a.Performer, a.Title
		case *tg.DocumentAttributeSticker, *tg.DocumentAttributeAnimated:
			return it
		case *tg.DocumentAttributeFilename:
			it.FileName = a.FileName
		}
	}

	it.Kind = kind
	it.Size = doc.Size
	it.MIME = doc.MimeType
	it.Caption = m.Message
	if it.FileName == "" {
		it.FileName = defaultFileName(kind, m.ID, doc.MimeType)
	}
	it.location = &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}
	if typ := thumbType(doc.Thumbs); typ != "" {
		it.thumb = &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
			ThumbSize:     typ,
		}
	}
	return it
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int) {
	var (
		typ  string
		best int
	)
	for _, s := range sizes {
		switch ps := s.(type) {
		case *tg.PhotoSize:
			if ps.Size >= best {
				typ, best = ps.Type, ps.Size
			}
		case *tg.PhotoSizeProgressive:
			if n := len(ps.Sizes); n > 0 && ps.Sizes[n-1] >= best {
				typ, best = ps.Type, ps.Sizes[n-1]
			}
		}
	}
	return typ, best
}

// thumbType picks the largest regular thumbnail of a document.
func thumbType(thumbs []tg.PhotoSizeClass) string {
	var (
		typ  string
		best int
	)
	for _, s := range thumbs {
		if ps, ok := s.(*tg.PhotoSize); ok && ps.Size >= best {
			typ, best = ps.Type, ps.Size
		}
	}
	return typ
}

func defaultFileName(kind transport.MediaKind, id int, mimeType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	if ext == "" {
		switch kind {
		case transport.KindVideo:
			ext = ".mp4"
		case transport.KindAudio:
			ext = ".mp3"
		default:
			ext = ".bin"
		}
	}
	var prefix string
	switch kind {
	case transport.KindVideo:
		prefix = "video"
	case transport.KindAudio:
		prefix = "audio"
	default:
		prefix = "file"
	}
	return fmt.Sprintf("%s_%d%s", prefix, id, ext)
}
