package sketch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/sketch/cache/disk"
	"github.com/meigma/sketch/cache/memory"
	"github.com/meigma/sketch/internal/keylock"
)

// Sketch executes image requests. It owns the memory cache, the optional
// disk cache, the per-key lock registry, the pending manager and the worker
// pools. A Sketch is safe for concurrent use; one is normally shared by the
// whole process.
type Sketch struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	metrics       *metrics

	memory         *memory.Cache
	memoryMaxBytes int64
	disk           *disk.Cache
	cacheDir       string
	diskOpts       []disk.Option
	ownsDisk       bool
	codec          ResultCodec

	locks    *keylock.Registry
	pending  *PendingManager
	fetchers map[string]Fetcher
	decoders []Decoder
	defaults Options

	custom       []Interceptor
	interceptors []Interceptor

	fetchParallelism  int64
	decodeParallelism int64
	fetchSem          *semaphore.Weighted
	decodeSem         *semaphore.Weighted

	targetsMu sync.Mutex
	targets   map[string]*Disposable
	closeOnce sync.Once
}

// New creates a Sketch. Without options it has a memory cache sized by
// memory.DefaultMaxBytes, no disk cache, and a FileFetcher for "file" URIs
// and bare paths.
func New(opts ...Option) (*Sketch, error) {
	s := &Sketch{
		logger:            slog.New(slog.DiscardHandler),
		meterProvider:     noop.NewMeterProvider(),
		locks:             keylock.New(),
		pending:           NewPendingManager(),
		fetchers:          map[string]Fetcher{"file": FileFetcher{}, "": FileFetcher{}},
		fetchParallelism:  DefaultFetchParallelism,
		decodeParallelism: int64(runtime.GOMAXPROCS(0)),
		targets:           make(map[string]*Disposable),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	var err error
	if s.metrics, err = newMetrics(s.meterProvider); err != nil {
		return nil, err
	}
	if s.memory == nil {
		s.memory, err = memory.New(s.memoryMaxBytes, memory.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("create memory cache: %w", err)
		}
	}
	if s.disk == nil && s.cacheDir != "" {
		diskOpts := append([]disk.Option{disk.WithLogger(s.logger)}, s.diskOpts...)
		if s.disk, err = disk.Open(s.cacheDir, diskOpts...); err != nil {
			return nil, err
		}
		s.ownsDisk = true
	}
	s.interceptors, err = sortInterceptors(s.custom,
		memoryCacheInterceptor{},
		resultCacheInterceptor{},
		transformationInterceptor{},
		engineInterceptor{},
	)
	if err != nil {
		if s.ownsDisk {
			_ = s.disk.Close()
		}
		return nil, err
	}
	s.fetchSem = semaphore.NewWeighted(s.fetchParallelism)
	s.decodeSem = semaphore.NewWeighted(s.decodeParallelism)
	return s, nil
}

// MemoryCache returns the memory cache.
func (s *Sketch) MemoryCache() *memory.Cache { return s.memory }

// DiskCache returns the disk cache, or nil when none is configured.
func (s *Sketch) DiskCache() *disk.Cache { return s.disk }

// Pending returns the pending manager holding leases for enqueued targets.
func (s *Sketch) Pending() *PendingManager { return s.pending }

// Logger returns the configured logger.
func (s *Sketch) Logger() *slog.Logger { return s.logger }

// Execute runs req to completion. On success the caller owns the returned
// Result and must Release it once the image is no longer in use.
func (s *Sketch) Execute(ctx context.Context, req *Request) (*Result, error) {
	return s.execute(ctx, req, nil)
}

// execute runs req, reporting progress to extra as well as to the request's
// own listener.
func (s *Sketch) execute(ctx context.Context, req *Request, extra ProgressListener) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if !s.defaults.IsEmpty() {
		var err error
		if req, err = NewRequest(req.URI(), req.Defined(), req.Defaults(), s.defaults); err != nil {
			return nil, err
		}
	}

	rc := newRequestContext(s, req)
	if extra != nil {
		rc.progress = newProgress(req, extra)
	}
	start := time.Now()
	res, err := s.run(ctx, rc)
	s.metrics.finished(ctx, start, rc.State())

	switch {
	case err == nil:
		logLazy(ctx, s.logger, slog.LevelDebug, "request succeeded", func() []slog.Attr {
			return []slog.Attr{
				slog.String("id", rc.ID()),
				slog.String("key", rc.CacheKey()),
				slog.String("from", res.DataFrom.String()),
				slog.Duration("elapsed", time.Since(start)),
			}
		})
	case rc.State() == StateCancelled:
		logLazy(ctx, s.logger, slog.LevelDebug, "request canceled", func() []slog.Attr {
			return []slog.Attr{slog.String("id", rc.ID()), slog.String("uri", req.URI())}
		})
	default:
		s.logger.Warn("request failed",
			slog.String("id", rc.ID()),
			slog.String("uri", req.URI()),
			slog.String("error", err.Error()))
	}
	return res, err
}

func (s *Sketch) run(ctx context.Context, rc *RequestContext) (*Result, error) {
	req := rc.Request()
	if err := ctx.Err(); err != nil {
		rc.setState(StateCancelled)
		return nil, canceled(err)
	}

	rc.setState(StateSizeResolving)
	size, err := req.SizeResolver().Resolve(ctx)
	if err != nil {
		return nil, s.fail(ctx, rc, fmt.Errorf("resolve size: %w", err))
	}
	size = size.Scale(req.SizeMultiplier())
	if size.IsEmpty() {
		return nil, s.fail(ctx, rc, fmt.Errorf("%w: resolved size %s is empty", ErrInvalidRequest, size))
	}
	rc.freeze(size)

	rc.setState(StateChainRunning)
	logLazy(ctx, s.logger, LevelVerbose, "request chain start", func() []slog.Attr {
		return []slog.Attr{slog.String("id", rc.ID()), slog.String("key", rc.CacheKey())}
	})
	chain := &Chain{rc: rc, interceptors: s.interceptors}
	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, s.fail(ctx, rc, err)
	}
	if res == nil || res.Image == nil {
		res.Release()
		return nil, s.fail(ctx, rc, fmt.Errorf("%w: chain returned no image", ErrDecode))
	}
	if err := ctx.Err(); err != nil {
		res.Release()
		rc.setState(StateCancelled)
		return nil, canceled(err)
	}
	rc.setState(StateSucceeded)
	return res, nil
}

func (s *Sketch) fail(ctx context.Context, rc *RequestContext, err error) error {
	if ctx.Err() != nil || IsCanceled(err) {
		rc.setState(StateCancelled)
		if ctx.Err() != nil {
			return canceled(ctx.Err())
		}
		return canceled(err)
	}
	rc.setState(StateFailed)
	return err
}

// Disposable is the handle of an enqueued request.
type Disposable struct {
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispose cancels the request.
func (d *Disposable) Dispose() { d.cancel() }

// Done is closed once the request has finished and its target was notified.
func (d *Disposable) Done() <-chan struct{} { return d.done }

// Wait blocks until Done is closed.
func (d *Disposable) Wait() { <-d.done }

// Enqueue runs req asynchronously for target. A previous request for the
// same target key is canceled. On success the result's lease moves to the
// pending manager under the target key, replacing whatever the target held
// before, and target.OnSuccess is called. On failure target.OnError is
// called with the request's error state image. A canceled or superseded
// request notifies the target of nothing.
func (s *Sketch) Enqueue(ctx context.Context, req *Request, target Target) *Disposable {
	ctx, cancel := context.WithCancel(ctx)
	d := &Disposable{key: target.Key(), ctx: ctx, cancel: cancel, done: make(chan struct{})}

	s.targetsMu.Lock()
	if prev := s.targets[d.key]; prev != nil {
		prev.cancel()
	}
	s.targets[d.key] = d
	s.targetsMu.Unlock()

	go s.runTarget(d, req, target)
	return d
}

func (s *Sketch) runTarget(d *Disposable, req *Request, target Target) {
	defer close(d.done)
	defer d.cancel()
	defer s.forget(d)

	var placeholder *Result
	if ph := req.Placeholder(); ph != nil {
		placeholder = ph.Resolve(s, req, nil)
	}
	if !s.deliver(d, placeholder) {
		placeholder.Release()
		return
	}
	target.OnStart(req, placeholder)

	var extra ProgressListener
	if pl, ok := target.(ProgressListener); ok {
		extra = ProgressListenerFunc(func(r *Request, total, completed int64) {
			if s.live(d) {
				pl.OnProgress(r, total, completed)
			}
		})
	}
	res, err := s.execute(d.ctx, req, extra)
	switch {
	case err == nil:
		if !s.deliver(d, res) {
			res.Release()
			return
		}
		target.OnSuccess(req, res)
	case IsCanceled(err):
	default:
		var errImg *Result
		if st := req.Error(); st != nil {
			errImg = st.Resolve(s, req, err)
		}
		if !s.deliver(d, errImg) {
			errImg.Release()
			return
		}
		target.OnError(req, err, errImg)
	}
}

// deliver hands r's lease to the pending manager if d is still the live
// request of its target.
func (s *Sketch) deliver(d *Disposable, r *Result) bool {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	if s.targets[d.key] != d || d.ctx.Err() != nil {
		return false
	}
	s.pending.Mark(d.key, r.takeLease())
	return true
}

// live reports whether d is still the current request of its target.
func (s *Sketch) live(d *Disposable) bool {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	return s.targets[d.key] == d && d.ctx.Err() == nil
}

func (s *Sketch) forget(d *Disposable) {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	if s.targets[d.key] == d {
		delete(s.targets, d.key)
	}
}

// Detach cancels the in-flight request of a target and releases the lease
// held on its behalf.
func (s *Sketch) Detach(targetKey string) {
	s.targetsMu.Lock()
	d := s.targets[targetKey]
	delete(s.targets, targetKey)
	s.pending.Complete(targetKey)
	s.targetsMu.Unlock()

	if d != nil {
		d.cancel()
	}
}

// Prefetch executes reqs concurrently to warm the caches, releasing every
// result. It returns the joined errors of the requests that failed.
func (s *Sketch) Prefetch(ctx context.Context, reqs ...*Request) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(int(s.fetchParallelism))
	for _, req := range reqs {
		g.Go(func() error {
			res, err := s.Execute(ctx, req)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			res.Release()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close cancels enqueued requests, releases pending leases and closes a disk
// cache opened through WithCacheDir.
func (s *Sketch) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.targetsMu.Lock()
		for key, d := range s.targets {
			d.cancel()
			delete(s.targets, key)
		}
		s.pending.CompleteAll()
		s.targetsMu.Unlock()

		if s.ownsDisk && s.disk != nil {
			err = s.disk.Close()
		}
	})
	return err
}

func (s *Sketch) fetcherFor(uri string) (Fetcher, string, bool) {
	scheme := ""
	if i := strings.Index(uri, "://"); i > 0 {
		scheme = strings.ToLower(uri[:i])
	}
	f, ok := s.fetchers[scheme]
	return f, scheme, ok
}

func (s *Sketch) decoderFor(mimeType string) (Decoder, bool) {
	for _, d := range s.decoders {
		if d.CanDecode(mimeType) {
			return d, true
		}
	}
	return nil, false
}
