package sketch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meigma/sketch/internal/imagetype"
)

// transformationInterceptor applies the request's transformations, in
// order, to the image the engine decoded.
type transformationInterceptor struct{}

func (transformationInterceptor) Key() string     { return "Transformation" }
func (transformationInterceptor) SortWeight() int { return TransformationWeight }

func (transformationInterceptor) Intercept(ctx context.Context, chain *Chain) (*Result, error) {
	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	transformations := chain.Request().Transformations()
	if len(transformations) == 0 || res.Pinned() {
		return res, nil
	}

	rc := chain.Context()
	s := rc.Sketch()
	if err := s.decodeSem.Acquire(ctx, 1); err != nil {
		recycle(res.Image)
		return nil, canceled(err)
	}
	defer s.decodeSem.Release(1)

	img := res.Image
	transformed := append([]Transformed(nil), res.Transformed...)
	for _, t := range transformations {
		out, desc, err := t.Transform(ctx, img)
		if err != nil {
			recycle(img)
			return nil, fmt.Errorf("transformation %s: %w", t.Key(), err)
		}
		if out == nil {
			continue
		}
		if !imagetype.Same(out, img) {
			recycle(img)
			img = out
		}
		d := Transformed{Key: t.Key()}
		if desc != nil {
			d = *desc
		}
		d.CacheResultToDisk = d.CacheResultToDisk || t.CacheResultToDisk()
		transformed = append(transformed, d)
		logLazy(ctx, s.logger, LevelVerbose, "transformation applied", func() []slog.Attr {
			return []slog.Attr{slog.String("id", rc.ID()), slog.String("transformation", t.Key())}
		})
	}
	res.Image = img
	res.Transformed = transformed
	return res, nil
}

// recycle returns an intermediate image that no cache or caller references.
func recycle(img Image) {
	if r, ok := img.(Recycler); ok {
		r.Recycle()
	}
}
