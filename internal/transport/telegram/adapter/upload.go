package adapter

import (
	"context"
	"io"

	kit "relaybot/internal/transport"
)

// progressReader reports upload progress and aborts the upload when the
// callback or the context fails.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	cur   int64
	fn    kit.ProgressFunc
}

type progressError struct{ err error }

func (e *progressError) Error() string { return e.err.Error() }
func (e *progressError) Unwrap() error { return e.err }

func (p *progressReader) Read(b []byte) (int, error) {
	if p.ctx != nil {
		if err := p.ctx.Err(); err != nil {
			return 0, &progressError{err: err}
		}
	}
	n, err := p.r.Read(b)
	p.cur += int64(n)
	if p.fn != nil && (n > 0 || err == io.EOF) {
		if perr := p.fn(p.cur, p.total); perr != nil {
			return n, &progressError{err: perr}
		}
	}
	return n, err
}
