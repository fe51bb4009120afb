package sketch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meigma/sketch/cache/memory"
)

// memoryCacheInterceptor serves results from the memory cache and stores
// what the rest of the chain produces. It holds the cache key lock across
// the whole lookup-compute-store span, so concurrent requests for the same
// key wait for the first one and then hit the cache.
type memoryCacheInterceptor struct{}

func (memoryCacheInterceptor) Key() string     { return "MemoryCache" }
func (memoryCacheInterceptor) SortWeight() int { return MemoryCacheWeight }

func (memoryCacheInterceptor) Intercept(ctx context.Context, chain *Chain) (*Result, error) {
	rc := chain.Context()
	s := rc.Sketch()
	req := chain.Request()
	policy := req.MemoryCachePolicy()
	key := rc.CacheKey()

	if !policy.ReadOrWrite() {
		if req.Depth() == DepthMemory {
			return nil, fmt.Errorf("%w: memory cache disabled for %s", ErrDepthLimit, key)
		}
		return chain.Proceed(ctx)
	}

	lock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, canceled(err)
	}
	defer lock.Unlock()

	if policy.ReadEnabled() {
		if lease, ok := s.memory.Acquire(key); ok {
			s.metrics.hit(ctx, layerMemory)
			logLazy(ctx, s.logger, LevelVerbose, "memory cache hit", func() []slog.Attr {
				return []slog.Attr{slog.String("id", rc.ID()), slog.String("key", key)}
			})
			return resultFromLease(req, lease), nil
		}
		s.metrics.miss(ctx, layerMemory)
	}
	if req.Depth() == DepthMemory {
		return nil, fmt.Errorf("%w: %s not in memory cache", ErrDepthLimit, key)
	}

	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	if !policy.WriteEnabled() || res.Pinned() || res.Image == nil || ctx.Err() != nil {
		return res, nil
	}
	lease, err := s.memory.PutAndAcquire(key, &memory.Value{
		Image:       res.Image,
		Info:        res.Info,
		Transformed: res.Transformed,
		Extras:      res.Extras,
	})
	if err != nil {
		s.logger.Warn("memory cache put failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return res, nil
	}
	res.lease = lease
	return res, nil
}
