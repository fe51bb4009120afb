package sketch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
)

// sniffLen is how many bytes are inspected to guess a MIME type.
const sniffLen = 512

// engineInterceptor is the terminal stage: it fetches the source bytes,
// going through the download cache when one is configured, and decodes them.
type engineInterceptor struct{}

func (engineInterceptor) Key() string     { return "Engine" }
func (engineInterceptor) SortWeight() int { return EngineWeight }

func (engineInterceptor) Intercept(ctx context.Context, chain *Chain) (*Result, error) {
	rc := chain.Context()
	s := rc.Sketch()
	req := chain.Request()
	if req.Depth() == DepthMemory {
		return nil, fmt.Errorf("%w: %s requires decoding", ErrDepthLimit, req.URI())
	}

	fetched, release, err := s.fetch(ctx, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.decode(ctx, rc, fetched)
}

func noRelease() {}

// fetch returns the source bytes of rc's request and a function releasing
// any download cache snapshot backing them.
func (s *Sketch) fetch(ctx context.Context, rc *RequestContext) (*FetchResult, func(), error) {
	req := rc.Request()
	uri := req.URI()
	fetcher, scheme, ok := s.fetcherFor(uri)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no fetcher for scheme %q", ErrUnsupported, scheme)
	}

	policy := req.DownloadCachePolicy()
	if s.disk == nil || !policy.ReadOrWrite() {
		fr, err := s.callFetcher(ctx, rc, fetcher, scheme)
		return fr, noRelease, err
	}

	lock, err := s.locks.Lock(ctx, uri)
	if err != nil {
		return nil, nil, canceled(err)
	}
	defer lock.Unlock()

	if policy.ReadEnabled() {
		if snap, ok := s.disk.Get(uri); ok {
			s.metrics.hit(ctx, layerDownload)
			logLazy(ctx, s.logger, LevelVerbose, "download cache hit", func() []slog.Attr {
				return []slog.Attr{slog.String("id", rc.ID()), slog.String("uri", uri)}
			})
			return &FetchResult{
				Source:   snap,
				MimeType: detectMimeType(uri, snap),
				DataFrom: DataFromDownloadCache,
			}, func() { _ = snap.Close() }, nil
		}
		s.metrics.miss(ctx, layerDownload)
	}

	fr, err := s.callFetcher(ctx, rc, fetcher, scheme)
	if err != nil {
		return nil, nil, err
	}
	if !policy.WriteEnabled() || fr.DataFrom != DataFromNetwork || ctx.Err() != nil {
		return fr, noRelease, nil
	}

	err = s.disk.Write(uri, func(w io.Writer) error {
		r, err := fr.Source.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(w, ProgressReader(r, sourceSize(fr.Source), rc.progress.fn()))
		return err
	})
	if err != nil {
		s.logger.Warn("download cache write failed",
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		return fr, noRelease, nil
	}
	snap, ok := s.disk.Get(uri)
	if !ok {
		return fr, noRelease, nil
	}
	return &FetchResult{Source: snap, MimeType: fr.MimeType, DataFrom: fr.DataFrom}, func() { _ = snap.Close() }, nil
}

func (s *Sketch) callFetcher(ctx context.Context, rc *RequestContext, f Fetcher, scheme string) (*FetchResult, error) {
	req := rc.Request()
	if err := s.fetchSem.Acquire(ctx, 1); err != nil {
		return nil, canceled(err)
	}
	defer s.fetchSem.Release(1)

	s.metrics.fetched(ctx, scheme)
	fr, err := f.Fetch(ctx, &FetchRequest{
		Request: req,
		URI:     req.URI(),
		Headers:  req.HTTPHeaders(),
		Depth:    req.Depth(),
		Progress: rc.progress.fn(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx.Err())
		}
		return nil, fmt.Errorf("fetch %s: %w", req.URI(), err)
	}
	if fr == nil || fr.Source == nil {
		return nil, fmt.Errorf("%w: fetcher returned no data for %s", ErrNotFound, req.URI())
	}
	if fr.MimeType == "" {
		fr.MimeType = detectMimeType(req.URI(), fr.Source)
	}
	logLazy(ctx, s.logger, LevelVerbose, "fetched", func() []slog.Attr {
		return []slog.Attr{
			slog.String("id", rc.ID()),
			slog.String("uri", req.URI()),
			slog.String("from", fr.DataFrom.String()),
		}
	})
	return fr, nil
}

func (s *Sketch) decode(ctx context.Context, rc *RequestContext, fr *FetchResult) (*Result, error) {
	req := rc.Request()
	dec, ok := s.decoderFor(fr.MimeType)
	if !ok {
		return nil, fmt.Errorf("%w: no decoder for %q", ErrUnsupported, fr.MimeType)
	}
	if err := s.decodeSem.Acquire(ctx, 1); err != nil {
		return nil, canceled(err)
	}
	defer s.decodeSem.Release(1)

	s.metrics.decoded(ctx)
	dr, err := dec.Decode(ctx, &DecodeRequest{
		Request:               req,
		Source:                fr.Source,
		MimeType:              fr.MimeType,
		Size:                  rc.Size(),
		Precision:             req.Precision(),
		Scale:                 req.Scale(),
		IgnoreExifOrientation: req.IgnoreExifOrientation(),
		DisallowAnimatedImage: req.DisallowAnimatedImage(),
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, canceled(ctx.Err())
	case err != nil && errors.Is(err, ErrDecode):
		return nil, fmt.Errorf("decode %s: %w", req.URI(), err)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, req.URI(), err)
	case dr == nil || dr.Image == nil:
		return nil, fmt.Errorf("%w: %s: decoder returned no image", ErrDecode, req.URI())
	}
	if err := ctx.Err(); err != nil {
		recycle(dr.Image)
		return nil, canceled(err)
	}
	return &Result{
		Request:     req,
		CacheKey:    rc.CacheKey(),
		Image:       dr.Image,
		Info:        dr.Info,
		DataFrom:    fr.DataFrom,
		Transformed: dr.Transformed,
		Extras:      dr.Extras,
	}, nil
}

// detectMimeType guesses a MIME type from the URI extension, falling back
// to sniffing the first bytes of src.
func detectMimeType(uri string, src ByteSource) string {
	p := uri
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	r, err := src.Open()
	if err != nil {
		return ""
	}
	defer r.Close()
	buf := make([]byte, sniffLen)
	n, _ := io.ReadFull(r, buf)
	if n == 0 {
		return ""
	}
	return http.DetectContentType(buf[:n])
}
