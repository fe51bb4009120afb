package sketch

import (
	"io"
	"sync"
)

// ProgressListener receives download progress for a request. Total is -1
// when the length is unknown. Updates for one execution are delivered
// serially and only when completed grows.
type ProgressListener interface {
	OnProgress(req *Request, total, completed int64)
}

// ProgressListenerFunc adapts a function to ProgressListener.
type ProgressListenerFunc func(req *Request, total, completed int64)

// OnProgress calls f.
func (f ProgressListenerFunc) OnProgress(req *Request, total, completed int64) {
	f(req, total, completed)
}

// ProgressReader returns r wrapped to report the bytes read so far to fn.
// A nil fn returns r unchanged.
func ProgressReader(r io.Reader, total int64, fn func(total, completed int64)) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: total, fn: fn}
}

type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    func(total, completed int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.total, p.done)
	}
	return n, err
}

// progress fans updates of one execution out to its listeners. The same
// bytes may be counted twice, once by the fetcher and again when copied into
// the download cache, so updates that do not advance are dropped.
type progress struct {
	req       *Request
	listeners []ProgressListener

	mu   sync.Mutex
	last int64
}

func newProgress(req *Request, extra ProgressListener) *progress {
	var ls []ProgressListener
	for _, l := range []ProgressListener{req.ProgressListener(), extra} {
		if l != nil {
			ls = append(ls, l)
		}
	}
	if len(ls) == 0 {
		return nil
	}
	return &progress{req: req, listeners: ls}
}

// fn returns the report function handed to fetchers, or nil when nobody
// listens.
func (p *progress) fn() func(total, completed int64) {
	if p == nil {
		return nil
	}
	return p.report
}

func (p *progress) report(total, completed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if completed <= p.last {
		return
	}
	p.last = completed
	for _, l := range p.listeners {
		l.OnProgress(p.req, total, completed)
	}
}

// sourceSize returns the length of src when it is known without reading it.
func sourceSize(src ByteSource) int64 {
	if s, ok := src.(interface{ Size() int64 }); ok {
		return s.Size()
	}
	return -1
}
