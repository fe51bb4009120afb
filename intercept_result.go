package sketch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// Suffixes of the result disk cache entries derived from a cache key.
const (
	resultLockSuffix = "_result"
	resultDataSuffix = "_result_data"
	resultMetaSuffix = "_result_meta"
)

// resultMeta is stored next to an encoded result.
type resultMeta struct {
	ImageInfo
	TransformedList []Transformed `json:"transformedList,omitempty"`
}

// resultCacheInterceptor persists transformed images on disk so they can be
// served without fetching and decoding again. Only results carrying at least
// one transformation marked CacheResultToDisk are written.
type resultCacheInterceptor struct{}

func (resultCacheInterceptor) Key() string     { return "ResultCache" }
func (resultCacheInterceptor) SortWeight() int { return ResultCacheWeight }

func (resultCacheInterceptor) Intercept(ctx context.Context, chain *Chain) (*Result, error) {
	rc := chain.Context()
	s := rc.Sketch()
	req := chain.Request()
	policy := req.ResultCachePolicy()
	if s.disk == nil || s.codec == nil || !policy.ReadOrWrite() {
		return chain.Proceed(ctx)
	}

	key := rc.CacheKey()
	lock, err := s.locks.Lock(ctx, key+resultLockSuffix)
	if err != nil {
		return nil, canceled(err)
	}
	defer lock.Unlock()

	if policy.ReadEnabled() {
		res, err := s.readResult(ctx, rc)
		switch {
		case err != nil:
			return nil, err
		case res != nil:
			s.metrics.hit(ctx, layerResult)
			return res, nil
		}
		s.metrics.miss(ctx, layerResult)
	}

	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	if policy.WriteEnabled() && ctx.Err() == nil && cacheableToDisk(res.Transformed) {
		s.writeResult(rc, res)
	}
	return res, nil
}

func cacheableToDisk(ts []Transformed) bool {
	for _, t := range ts {
		if t.CacheResultToDisk {
			return true
		}
	}
	return false
}

// readResult returns the cached result for rc, or nil on a miss. Unreadable
// entries are removed and reported as a miss. Only cancellation is returned
// as an error.
func (s *Sketch) readResult(ctx context.Context, rc *RequestContext) (*Result, error) {
	key := rc.CacheKey()
	dataSnap, dataOK := s.disk.Get(key + resultDataSuffix)
	metaSnap, metaOK := s.disk.Get(key + resultMetaSuffix)
	if !dataOK || !metaOK {
		// One half without the other is useless.
		if dataOK {
			_ = dataSnap.Close()
		}
		if metaOK {
			_ = metaSnap.Close()
		}
		if dataOK || metaOK {
			s.removeResult(key)
		}
		return nil, nil
	}
	defer dataSnap.Close()
	defer metaSnap.Close()

	if err := s.decodeSem.Acquire(ctx, 1); err != nil {
		return nil, canceled(err)
	}
	defer s.decodeSem.Release(1)

	res, err := s.decodeResult(dataSnap.Open, metaSnap.Open)
	if err != nil {
		s.logger.Warn("result cache entry unreadable",
			slog.String("key", key),
			slog.String("error", err.Error()))
		s.removeResult(key)
		return nil, nil
	}
	res.Request = rc.Request()
	res.CacheKey = key
	return res, nil
}

func (s *Sketch) decodeResult(openData, openMeta func() (io.ReadCloser, error)) (*Result, error) {
	mr, err := openMeta()
	if err != nil {
		return nil, err
	}
	var meta resultMeta
	err = json.NewDecoder(mr).Decode(&meta)
	_ = mr.Close()
	if err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}

	dr, err := openData()
	if err != nil {
		return nil, err
	}
	defer dr.Close()
	img, err := s.codec.Decode(dr, meta.ImageInfo)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img == nil {
		return nil, fmt.Errorf("decode image: %w", ErrDecode)
	}
	return &Result{
		Image:       img,
		Info:        meta.ImageInfo,
		DataFrom:    DataFromResultCache,
		Transformed: meta.TransformedList,
	}, nil
}

// writeResult stores res. Failures are logged and leave no partial entry.
func (s *Sketch) writeResult(rc *RequestContext, res *Result) {
	key := rc.CacheKey()
	err := s.disk.Write(key+resultDataSuffix, func(w io.Writer) error {
		return s.codec.Encode(w, res.Image)
	})
	if err == nil {
		err = s.disk.Write(key+resultMetaSuffix, func(w io.Writer) error {
			return json.NewEncoder(w).Encode(resultMeta{ImageInfo: res.Info, TransformedList: res.Transformed})
		})
		if err != nil {
			_ = s.disk.Remove(key + resultDataSuffix)
		}
	}
	if err != nil {
		s.logger.Warn("result cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return
	}
	logLazy(context.Background(), s.logger, LevelVerbose, "result cache write", func() []slog.Attr {
		return []slog.Attr{slog.String("id", rc.ID()), slog.String("key", key)}
	})
}

func (s *Sketch) removeResult(key string) {
	for _, k := range []string{key + resultDataSuffix, key + resultMetaSuffix} {
		if err := s.disk.Remove(k); err != nil {
			s.logger.Warn("result cache remove failed",
				slog.String("key", k),
				slog.String("error", err.Error()))
		}
	}
}
