// Package http provides a sketch.Fetcher for http and https URIs.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	nethttp "net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/sketch"
)

// Defaults applied by NewFetcher.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultMaxBytes   = 64 << 20
)

// ErrTooLarge is returned when a response body exceeds the configured limit.
var ErrTooLarge = errors.New("http: response too large")

// Fetcher downloads whole images over HTTP. Concurrent fetches of the same
// URL with the same headers share one round trip. Server errors and
// transport failures are retried with exponential backoff.
type Fetcher struct {
	client     *nethttp.Client
	headers    nethttp.Header
	timeout    time.Duration
	maxRetries uint64
	maxBytes   int64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	group      singleflight.Group

	// Progress subscribers per flight key.
	subMu  sync.Mutex
	subs   map[string]map[int]func(total, completed int64)
	nextID int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithTimeout bounds a single fetch, retries included. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithMaxRetries sets how many times a failed attempt is retried.
func WithMaxRetries(n uint64) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithMaxBytes limits the size of a response body.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBytes = n
	}
}

// WithBackOff sets the retry schedule. newBackOff is called once per fetch.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(f *Fetcher) {
		f.newBackOff = newBackOff
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     nethttp.DefaultClient,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		maxBytes:   DefaultMaxBytes,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	return f
}

type response struct {
	body     []byte
	mimeType string
}

// Fetch implements sketch.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req *sketch.FetchRequest) (*sketch.FetchResult, error) {
	if req.Depth != sketch.DepthNetwork {
		return nil, fmt.Errorf("%w: %s requires network", sketch.ErrDepthLimit, req.URI)
	}
	headers := f.headers.Clone()
	if headers == nil {
		headers = make(nethttp.Header)
	}
	for k, vs := range req.Headers {
		headers[k] = append([]string(nil), vs...)
	}

	key := flightKey(req.URI, headers)
	if req.Progress != nil {
		defer f.subscribe(key, req.Progress)()
	}
	// The shared fetch must not die with the first caller.
	ch := f.group.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if f.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, f.timeout)
			defer cancel()
		}
		return f.fetchWithRetry(fctx, req.URI, headers, func(total, completed int64) {
			f.publish(key, total, completed)
		})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		resp, _ := r.Val.(*response) //nolint:errcheck // always *response when Err is nil
		return &sketch.FetchResult{
			Source:   sketch.BytesSource(resp.body),
			MimeType: resp.mimeType,
			DataFrom: sketch.DataFromNetwork,
		}, nil
	}
}

// subscribe registers fn for progress of the flight key and returns the
// function that removes it.
func (f *Fetcher) subscribe(key string, fn func(total, completed int64)) func() {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]map[int]func(total, completed int64))
	}
	if f.subs[key] == nil {
		f.subs[key] = make(map[int]func(total, completed int64))
	}
	id := f.nextID
	f.nextID++
	f.subs[key][id] = fn
	return func() {
		f.subMu.Lock()
		defer f.subMu.Unlock()
		delete(f.subs[key], id)
		if len(f.subs[key]) == 0 {
			delete(f.subs, key)
		}
	}
}

func (f *Fetcher) publish(key string, total, completed int64) {
	f.subMu.Lock()
	fns := make([]func(total, completed int64), 0, len(f.subs[key]))
	for _, fn := range f.subs[key] {
		fns = append(fns, fn)
	}
	f.subMu.Unlock()
	for _, fn := range fns {
		fn(total, completed)
	}
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, url string, headers nethttp.Header, report func(total, completed int64)) (*response, error) {
	var resp *response
	op := func() error {
		var err error
		resp, err = f.fetchOnce(ctx, url, headers, report)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), f.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		f.logger.Debug("http fetch retry",
			slog.String("url", url),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, headers nethttp.Header, report func(total, completed int64)) (*response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s: %w", sketch.ErrInvalidRequest, url, err))
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == nethttp.StatusNotFound || resp.StatusCode == nethttp.StatusGone:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s: %s", sketch.ErrNotFound, url, resp.Status))
	case resp.StatusCode >= 500 || resp.StatusCode == nethttp.StatusTooManyRequests:
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	case resp.StatusCode != nethttp.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("fetch %s: %s", url, resp.Status))
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, url, resp.ContentLength))
	}

	var r io.Reader = resp.Body
	if f.maxBytes > 0 {
		r = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	r = sketch.ProgressReader(r, resp.ContentLength, report)
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, url, f.maxBytes))
	}
	return &response{body: body, mimeType: mediaType(resp.Header.Get("Content-Type"))}, nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func flightKey(url string, headers nethttp.Header) string {
	if len(headers) == 0 {
		return url
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(url)
	for _, k := range keys {
		sb.WriteString("\n")
		sb.WriteString(k)
		sb.WriteString(":")
		sb.WriteString(strings.Join(headers[k], ","))
	}
	return sb.String()
}
