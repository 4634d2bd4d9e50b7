// Package transfer drives one relay request: public copy or delegated
// fetch, size gate, download, caption and thumbnail, upload and cleanup,
// one item at a time.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/entitlement"
	"relaybot/internal/link"
	"relaybot/internal/progress"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Entitlements is the part of the entitlement engine a transfer consults.
type Entitlements interface {
	CheckQuota(ctx context.Context, userID int64) (entitlement.QuotaDecision, error)
	RecordUsage(ctx context.Context, userID int64) error
	CheckSize(ctx context.Context, userID int64, kind kit.MediaKind, size int64) error
}

// Session is an opened delegated session.
type Session interface {
	Fetch(ctx context.Context, src session.Source, msgID int) (*session.Item, error)
	Download(ctx context.Context, it *session.Item, w io.Writer) error
	DownloadThumb(ctx context.Context, it *session.Item, w io.Writer) error
	Close(ctx context.Context) error
}

// Sessions opens delegated sessions from stored credentials.
type Sessions interface {
	Open(ctx context.Context, credential string) (Session, error)
}

type managerSessions struct{ m *session.Manager }

func (s managerSessions) Open(ctx context.Context, credential string) (Session, error) {
	h, err := s.m.Open(ctx, credential)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// FromManager adapts a session manager.
func FromManager(m *session.Manager) Sessions { return managerSessions{m: m} }

// Spawner runs fire-and-forget goroutines. The runtime supervisor fits.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

// Outcome is the terminal state of one item.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Observer receives per-item outcomes, typically for metrics.
type Observer interface {
	ItemFinished(kind kit.MediaKind, outcome Outcome)
	QuotaBlocked()
}

// Summary is the result of Run.
type Summary struct {
	Delivered int
	Skipped   int
	Rejected  int
	Failed    int
	Cancelled bool
	// Err is the range-level failure, if any: ErrQuotaExceeded,
	// session.ErrNoCredential or a *session.AuthError.
	Err error
}

type Options struct {
	Store        storage.Store
	Entitlements Entitlements
	Sessions     Sessions
	Relay        kit.Relay
	Spawner      Spawner
	Observer     Observer
	Log          logx.Logger

	DownloadsDir   string
	ItemDelay      time.Duration
	StatusInterval time.Duration
	// UpgradeURL is linked from quota and size prompts.
	UpgradeURL string
	Now        func() time.Time
}

type Orchestrator struct {
	opt Options
	log logx.Logger
}

func New(opt Options) *Orchestrator {
	if opt.DownloadsDir == "" {
		opt.DownloadsDir = "./downloads"
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.StatusInterval <= 0 {
		opt.StatusInterval = progress.DefaultTickInterval
	}
	return &Orchestrator{opt: opt, log: opt.Log.Component("transfer")}
}

// run is the mutable state of one Run call.
type run struct {
	req  *Request
	user *storage.User
	log  logx.Logger
	sess Session
	src  session.Source
}

// Run processes every id of req in ascending order.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (sum Summary) {
	d := req.Descriptor
	r := &run{
		req: req,
		src: session.SourceFor(d),
		log: o.log.With(logx.String("req_id", req.ID), logx.UserID(req.UserID), logx.String("link", d.String())),
	}
	defer func() {
		if r.sess != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := r.sess.Close(cctx); err != nil {
				r.log.Debug("session close failed", logx.Err(err))
			}
			cancel()
		}
		r.log.Info("request finished",
			logx.Int("delivered", sum.Delivered),
			logx.Int("skipped", sum.Skipped),
			logx.Int("rejected", sum.Rejected),
			logx.Int("failed", sum.Failed),
			logx.Bool("cancelled", sum.Cancelled),
		)
	}()

	dec, err := o.opt.Entitlements.CheckQuota(ctx, req.UserID)
	if err != nil {
		sum.Err = fmt.Errorf("check quota: %w", err)
		o.reply(ctx, req, "⚠️ "+err.Error(), nil)
		return sum
	}
	if !dec.Allowed {
		if o.opt.Observer != nil {
			o.opt.Observer.QuotaBlocked()
		}
		o.reply(ctx, req, quotaText(dec), o.upgradeButton())
		sum.Err = ErrQuotaExceeded
		return sum
	}

	r.user, err = o.opt.Store.GetUser(ctx, req.UserID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		sum.Err = fmt.Errorf("load user: %w", err)
		o.reply(ctx, req, "⚠️ "+err.Error(), nil)
		return sum
	}

	for id := d.FromID; id <= d.ToID; id++ {
		if req.Cancel.Cancelled() || ctx.Err() != nil {
			sum.Cancelled = true
			break
		}

		kind, outcome, err := o.item(ctx, r, id)
		if err != nil && (errors.Is(err, progress.ErrCancelled) || req.Cancel.Cancelled()) {
			outcome = OutcomeCancelled
		}
		o.observe(kind, outcome)

		switch outcome {
		case OutcomeDelivered:
			sum.Delivered++
		case OutcomeSkipped:
			sum.Skipped++
		case OutcomeRejected:
			sum.Rejected++
		case OutcomeCancelled:
			sum.Cancelled = true
		case OutcomeFailed:
			if rangeFatal(err) {
				req.Cancel.Cancel()
				sum.Err = err
				o.reply(ctx, req, sessionText(err), nil)
				return sum
			}
			sum.Failed++
			r.log.Warn("item failed", logx.Int("item", id), logx.Err(err))
			o.reply(ctx, req, itemErrorText(id, err), nil)
		}
		if sum.Cancelled {
			break
		}
		if id < d.ToID && !o.pause(ctx, req) {
			sum.Cancelled = true
			break
		}
	}

	if sum.Cancelled {
		o.reply(ctx, req, "❌ <b>Task cancelled.</b>", nil)
	}
	return sum
}

func rangeFatal(err error) bool {
	var ae *session.AuthError
	return errors.Is(err, session.ErrNoCredential) || errors.As(err, &ae)
}

// pause waits ItemDelay between items. It reports false on cancellation.
func (o *Orchestrator) pause(ctx context.Context, req *Request) bool {
	if o.opt.ItemDelay <= 0 {
		return !req.Cancel.Cancelled()
	}
	t := time.NewTimer(o.opt.ItemDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return !req.Cancel.Cancelled()
	case <-req.Cancel.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) observe(kind kit.MediaKind, outcome Outcome) {
	if o.opt.Observer != nil && outcome != "" {
		o.opt.Observer.ItemFinished(kind, outcome)
	}
}

// item runs the state machine for one message id.
func (o *Orchestrator) item(ctx context.Context, r *run, id int) (kit.MediaKind, Outcome, error) {
	req := r.req
	if req.Descriptor.Kind == link.Public {
		err := o.copyPublic(ctx, r, id)
		if err == nil {
			return kit.KindNone, OutcomeDelivered, nil
		}
		var dcf *DirectCopyFailed
		if !errors.As(err, &dcf) {
			return kit.KindNone, OutcomeFailed, err
		}
		r.log.Debug("public copy failed, using session", logx.Int("item", id), logx.Err(dcf.Err))
	}

	sess, err := o.session(ctx, r)
	if err != nil {
		return kit.KindNone, OutcomeFailed, err
	}
	it, err := sess.Fetch(ctx, r.src, id)
	if err != nil {
		return kit.KindNone, OutcomeFailed, err
	}
	if it.Kind == kit.KindNone {
		return it.Kind, OutcomeSkipped, nil
	}

	if err := o.opt.Entitlements.CheckSize(ctx, req.UserID, it.Kind, it.Size); err != nil {
		if errors.Is(err, entitlement.ErrSizeCapExceeded) {
			o.reply(ctx, req, sizeText(it), o.upgradeButton())
			return it.Kind, OutcomeRejected, nil
		}
		return it.Kind, OutcomeFailed, err
	}

	if it.Kind == kit.KindText {
		if _, err := o.opt.Relay.SendText(ctx, req.chat(), it.Text, &kit.SendOptions{}); err != nil {
			return it.Kind, OutcomeFailed, fmt.Errorf("send text: %w", err)
		}
		return it.Kind, OutcomeDelivered, nil
	}

	if err := o.opt.Entitlements.RecordUsage(ctx, req.UserID); err != nil {
		return it.Kind, OutcomeFailed, fmt.Errorf("record usage: %w", err)
	}
	if err := o.media(ctx, r, sess, it); err != nil {
		return it.Kind, OutcomeFailed, err
	}
	return it.Kind, OutcomeDelivered, nil
}

// copyPublic asks the bot to copy the message itself. Any failure comes
// back as *DirectCopyFailed.
func (o *Orchestrator) copyPublic(ctx context.Context, r *run, id int) error {
	req := r.req
	ref, err := o.opt.Relay.CopyFromPublic(ctx, req.chat(), req.Descriptor.Username, id, &kit.SendOptions{ReplyTo: req.ReplyTo})
	if err != nil {
		return &DirectCopyFailed{Username: req.Descriptor.Username, MsgID: id, Err: err}
	}
	if err := o.opt.Entitlements.RecordUsage(ctx, req.UserID); err != nil {
		r.log.Warn("record usage failed", logx.Err(err))
	}
	o.dump(ctx, r, ref)
	return nil
}

// session opens the delegated session on first use.
func (o *Orchestrator) session(ctx context.Context, r *run) (Session, error) {
	if r.sess != nil {
		return r.sess, nil
	}
	if r.user == nil || !r.user.HasSession() {
		return nil, session.ErrNoCredential
	}
	s, err := o.opt.Sessions.Open(ctx, *r.user.Session)
	if err != nil {
		return nil, err
	}
	r.sess = s
	return s, nil
}

// media downloads it into a private workspace, enriches and uploads it.
// The workspace and status message are removed on every path.
func (o *Orchestrator) media(ctx context.Context, r *run, sess Session, it *session.Item) error {
	req := r.req
	if err := os.MkdirAll(o.opt.DownloadsDir, 0o755); err != nil {
		return fmt.Errorf("downloads dir: %w", err)
	}
	ws, err := os.MkdirTemp(o.opt.DownloadsDir, fmt.Sprintf("%d_%d_*", req.ReplyTo, it.MsgID))
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	itemCtx, cancel := context.WithCancel(ctx)
	status, serr := o.opt.Relay.SendText(ctx, req.chat(), "⬇️ <b>Starting download...</b>", &kit.SendOptions{ParseMode: "HTML", ReplyTo: req.ReplyTo})
	var cells []*progress.Cell
	defer func() {
		for _, c := range cells {
			c.Close()
		}
		cancel()
		if err := os.RemoveAll(ws); err != nil {
			r.log.Warn("workspace cleanup failed", logx.String("path", ws), logx.Err(err))
		}
		if serr == nil {
			dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			_ = o.opt.Relay.Delete(dctx, status)
			dcancel()
		}
	}()

	watch := func(phase progress.Phase) (progress.Key, func()) {
		key := progress.KeyFor(req.ReplyTo, it.MsgID, phase)
		cell := progress.NewCell()
		cells = append(cells, cell)
		req.Progress.Attach(key, cell)
		if serr == nil {
			o.spawn("transfer.status."+string(phase), itemCtx, progress.Ticker{
				Cell:     cell,
				Editor:   o.opt.Relay,
				Ref:      status,
				Interval: o.opt.StatusInterval,
				Log:      r.log,
			}.Run)
		}
		return key, func() {
			cell.Close()
			req.Progress.Detach(key)
		}
	}

	// Download.
	path := filepath.Join(ws, safeName(it.FileName, it.MsgID))
	dkey, ddone := watch(progress.PhaseDownload)
	err = o.download(itemCtx, sess, it, path, req.Progress.Func(dkey, progress.PhaseDownload))
	ddone()
	if err != nil {
		if errors.Is(err, progress.ErrCancelled) || req.Cancel.Cancelled() {
			return progress.ErrCancelled
		}
		return fmt.Errorf("download: %w", err)
	}

	// Enrich.
	up := kit.Upload{
		Kind:      it.Kind,
		Path:      path,
		FileName:  it.FileName,
		MIME:      it.MIME,
		Size:      it.Size,
		Duration:  it.Duration,
		Width:     it.Width,
		Height:    it.Height,
		Performer: it.Performer,
		Title:     it.Title,
		Caption: buildCaption(r.user, captionInput{
			FileName: it.FileName,
			Size:     it.Size,
			Original: it.Caption,
			Now:      o.opt.Now(),
		}),
	}
	if st, err := os.Stat(path); err == nil {
		up.Size = st.Size()
	}
	if it.Kind != kit.KindPhoto {
		up.ThumbPath = o.thumbnail(itemCtx, r, sess, it, ws)
	}
	if req.Cancel.Cancelled() {
		return progress.ErrCancelled
	}

	// Upload.
	ukey, udone := watch(progress.PhaseUpload)
	ref, err := o.opt.Relay.SendMedia(itemCtx, req.chat(), up, &kit.SendOptions{ParseMode: "HTML", ReplyTo: req.ReplyTo}, req.Progress.Func(ukey, progress.PhaseUpload))
	udone()
	if err != nil {
		if errors.Is(err, progress.ErrCancelled) || req.Cancel.Cancelled() {
			return progress.ErrCancelled
		}
		return fmt.Errorf("upload: %w", err)
	}
	o.dump(ctx, r, ref)
	return nil
}

func (o *Orchestrator) download(ctx context.Context, sess Session, it *session.Item, path string, report kit.ProgressFunc) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := &progressWriter{w: f, total: it.Size, report: report}
	err = sess.Download(ctx, it, w)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	// Size is unknown for some photos; report completion explicitly.
	if w.n < w.total || w.total <= 0 {
		return report(w.n, w.n)
	}
	return nil
}

// thumbnail returns a local thumbnail path: the user's custom one first,
// then the source's embedded one. Failures fall through silently.
func (o *Orchestrator) thumbnail(ctx context.Context, r *run, sess Session, it *session.Item, ws string) string {
	if u := r.user; u != nil && u.Thumbnail != nil && *u.Thumbnail != "" {
		p := filepath.Join(ws, "custom_thumb.jpg")
		err := writeFile(p, func(w io.Writer) error { return o.opt.Relay.DownloadFile(ctx, *u.Thumbnail, w) })
		if err == nil {
			return p
		}
		r.log.Debug("custom thumbnail download failed", logx.Err(err))
	}
	if it.HasThumb() {
		p := filepath.Join(ws, "thumb.jpg")
		if err := writeFile(p, func(w io.Writer) error { return sess.DownloadThumb(ctx, it, w) }); err == nil {
			return p
		}
	}
	return ""
}

// dump copies a delivered message into the user's dump chat, best effort.
func (o *Orchestrator) dump(ctx context.Context, r *run, ref kit.MessageRef) {
	if r.user == nil || r.user.DumpChat == nil || *r.user.DumpChat == 0 {
		return
	}
	if _, err := o.opt.Relay.CopyMessage(ctx, kit.ChatTarget{ChatID: *r.user.DumpChat}, ref, nil); err != nil {
		r.log.Warn("dump copy failed", logx.Int64("dump_chat", *r.user.DumpChat), logx.Err(err))
	}
}

func (o *Orchestrator) spawn(name string, ctx context.Context, fn func(context.Context)) {
	if o.opt.Spawner != nil {
		o.opt.Spawner.Go0(name, func(sctx context.Context) {
			// Stop with whichever ends first: the item or the supervisor.
			c, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(sctx, cancel)
			defer stop()
			fn(c)
		})
		return
	}
	go fn(ctx)
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// safeName strips path elements from a remote file name.
func safeName(name string, id int) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" || name == ".." {
		return fmt.Sprintf("file_%d", id)
	}
	return name
}

// progressWriter reports bytes written and aborts when report fails.
type progressWriter struct {
	w      io.Writer
	n      int64
	total  int64
	report kit.ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	if err != nil {
		return n, err
	}
	if p.report != nil {
		cur := p.n
		if p.total > 0 {
			cur = min(cur, p.total)
		}
		if err := p.report(cur, p.total); err != nil {
			return n, err
		}
	}
	return n, nil
}
