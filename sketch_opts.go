package sketch

import (
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/meigma/sketch/cache/disk"
	"github.com/meigma/sketch/cache/memory"
)

// Option configures a Sketch.
type Option func(*Sketch) error

// Default pool sizes.
const (
	DefaultFetchParallelism = 10
)

// WithLogger sets the logger. Defaults to discarding everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sketch) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider used for cache and
// request metrics. Defaults to a no-op provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Sketch) error {
		if mp != nil {
			s.meterProvider = mp
		}
		return nil
	}
}

// --- Cache Options ---

// WithMemoryCache uses c as the memory cache.
func WithMemoryCache(c *memory.Cache) Option {
	return func(s *Sketch) error {
		if c == nil {
			return errors.New("memory cache is nil")
		}
		s.memory = c
		return nil
	}
}

// WithMemoryCacheSize creates the memory cache with a budget of maxBytes.
// Ignored when WithMemoryCache is also given.
func WithMemoryCacheSize(maxBytes int64) Option {
	return func(s *Sketch) error {
		if maxBytes < 0 {
			return errors.New("memory cache size must be >= 0")
		}
		s.memoryMaxBytes = maxBytes
		return nil
	}
}

// WithDiskCache uses c for downloaded bytes and encoded results. The caller
// keeps ownership of c and closes it after the Sketch.
func WithDiskCache(c *disk.Cache) Option {
	return func(s *Sketch) error {
		if c == nil {
			return errors.New("disk cache is nil")
		}
		s.disk = c
		return nil
	}
}

// WithCacheDir opens a disk cache in dir when the Sketch is created. It is
// closed by Sketch.Close.
func WithCacheDir(dir string, opts ...disk.Option) Option {
	return func(s *Sketch) error {
		if dir == "" {
			return errors.New("cache dir is empty")
		}
		s.cacheDir = dir
		s.diskOpts = opts
		return nil
	}
}

// WithResultCodec enables the result disk cache using codec to persist
// decoded images.
func WithResultCodec(codec ResultCodec) Option {
	return func(s *Sketch) error {
		s.codec = codec
		return nil
	}
}

// --- Pipeline Options ---

// WithFetcher registers f for a URI scheme such as "https". The empty
// scheme matches URIs without one.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(s *Sketch) error {
		if f == nil {
			return errors.New("fetcher is nil")
		}
		s.fetchers[strings.ToLower(scheme)] = f
		return nil
	}
}

// WithDecoder appends d to the decoders. Decoders are tried in order.
func WithDecoder(d Decoder) Option {
	return func(s *Sketch) error {
		if d == nil {
			return errors.New("decoder is nil")
		}
		s.decoders = append(s.decoders, d)
		return nil
	}
}

// WithInterceptor adds a custom interceptor. Its sort weight must be in
// [0, EngineWeight) and its key unique.
func WithInterceptor(i Interceptor) Option {
	return func(s *Sketch) error {
		s.custom = append(s.custom, i)
		return nil
	}
}

// WithDefaultOptions sets options every request falls back to after its own
// defaults.
func WithDefaultOptions(o Options) Option {
	return func(s *Sketch) error {
		s.defaults = o
		return nil
	}
}

// WithFetchParallelism bounds concurrent fetches. Defaults to
// DefaultFetchParallelism.
func WithFetchParallelism(n int) Option {
	return func(s *Sketch) error {
		if n <= 0 {
			return errors.New("fetch parallelism must be > 0")
		}
		s.fetchParallelism = int64(n)
		return nil
	}
}

// WithDecodeParallelism bounds concurrent decodes and transformations.
// Defaults to GOMAXPROCS.
func WithDecodeParallelism(n int) Option {
	return func(s *Sketch) error {
		if n <= 0 {
			return errors.New("decode parallelism must be > 0")
		}
		s.decodeParallelism = int64(n)
		return nil
	}
}
