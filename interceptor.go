package sketch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/meigma/sketch/cache/memory"
)

// Sort weights of the built-in interceptors. Custom interceptors must use a
// weight in [0, EngineWeight).
const (
	MemoryCacheWeight    = 70
	ResultCacheWeight    = 80
	TransformationWeight = 90
	EngineWeight         = 100
)

// Interceptor is one stage of the request pipeline. A stage either returns a
// result itself or calls Chain.Proceed and post-processes what the rest of
// the chain returns.
type Interceptor interface {
	Key() string
	SortWeight() int
	Intercept(ctx context.Context, chain *Chain) (*Result, error)
}

// Chain is the position of a request within the sorted interceptors.
type Chain struct {
	rc           *RequestContext
	interceptors []Interceptor
	index        int
}

// Request returns the request being executed.
func (c *Chain) Request() *Request { return c.rc.Request() }

// Context returns the request context.
func (c *Chain) Context() *RequestContext { return c.rc }

// Proceed runs the next interceptor.
func (c *Chain) Proceed(ctx context.Context) (*Result, error) {
	if c.index >= len(c.interceptors) {
		return nil, fmt.Errorf("%w: no terminal interceptor", ErrUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	ic := c.interceptors[c.index]
	next := &Chain{rc: c.rc, interceptors: c.interceptors, index: c.index + 1}
	res, err := ic.Intercept(ctx, next)
	if err == nil && res == nil {
		return nil, fmt.Errorf("%w: interceptor %s returned no result", ErrUnsupported, ic.Key())
	}
	return res, err
}

// sortInterceptors validates custom interceptors, adds the built-ins and
// returns them in execution order.
func sortInterceptors(custom []Interceptor, builtins ...Interceptor) ([]Interceptor, error) {
	seen := make(map[string]bool)
	for _, i := range builtins {
		seen[i.Key()] = true
	}
	for _, i := range custom {
		if i == nil {
			return nil, errors.New("nil interceptor")
		}
		w := i.SortWeight()
		if w < 0 || w >= EngineWeight {
			return nil, fmt.Errorf("interceptor %q: sort weight %d outside [0, %d)", i.Key(), w, EngineWeight)
		}
		if seen[i.Key()] {
			return nil, fmt.Errorf("duplicate interceptor key %q", i.Key())
		}
		seen[i.Key()] = true
	}
	all := make([]Interceptor, 0, len(custom)+len(builtins))
	all = append(all, custom...)
	all = append(all, builtins...)
	sort.SliceStable(all, func(a, b int) bool {
		return all[a].SortWeight() < all[b].SortWeight()
	})
	return all, nil
}

// Result is a successful load. A result holding a memory cache lease keeps
// the image pinned until Release.
type Result struct {
	Request     *Request
	CacheKey    string
	Image       Image
	Info        ImageInfo
	DataFrom    DataFrom
	Transformed []Transformed
	Extras      map[string]string

	lease *memory.Lease
}

// Pinned reports whether the result holds a memory cache lease.
func (r *Result) Pinned() bool {
	return r != nil && r.lease != nil
}

// Release gives up the result's lease, if any. It is safe to call more than
// once.
func (r *Result) Release() {
	if r == nil || r.lease == nil {
		return
	}
	r.lease.Release()
	r.lease = nil
}

// takeLease moves the lease out of r.
func (r *Result) takeLease() *memory.Lease {
	if r == nil {
		return nil
	}
	l := r.lease
	r.lease = nil
	return l
}

func resultFromLease(req *Request, lease *memory.Lease) *Result {
	v := lease.Value()
	return &Result{
		Request:     req,
		CacheKey:    lease.Key(),
		Image:       v.Image,
		Info:        v.Info,
		DataFrom:    DataFromMemoryCache,
		Transformed: v.Transformed,
		Extras:      v.Extras,
		lease:       lease,
	}
}
