package sketch

import (
	"sync"

	"github.com/google/uuid"
)

// RequestState is the lifecycle state of an executing request.
type RequestState int

// Request states. Every execution ends in StateSucceeded, StateFailed or
// StateCancelled.
const (
	StateCreated RequestState = iota
	StateSizeResolving
	StateKeyComputed
	StateChainRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s RequestState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateSizeResolving:
		return "SIZE_RESOLVING"
	case StateKeyComputed:
		return "KEY_COMPUTED"
	case StateChainRunning:
		return "CHAIN_RUNNING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a final state.
func (s RequestState) Terminal() bool {
	return s >= StateSucceeded
}

// RequestContext carries the per-execution state of a request: its id, the
// resolved size and the frozen cache key.
type RequestContext struct {
	sketch   *Sketch
	id       string
	request  *Request
	progress *progress

	mu       sync.Mutex
	state    RequestState
	size     Size
	cacheKey string
}

func newRequestContext(s *Sketch, req *Request) *RequestContext {
	return &RequestContext{
		sketch:   s,
		id:       uuid.NewString(),
		request:  req,
		progress: newProgress(req, nil),
	}
}

// ID is a unique id for log correlation.
func (rc *RequestContext) ID() string { return rc.id }

// Request returns the request being executed.
func (rc *RequestContext) Request() *Request { return rc.request }

// Sketch returns the executor running the request.
func (rc *RequestContext) Sketch() *Sketch { return rc.sketch }

// State returns the current lifecycle state.
func (rc *RequestContext) State() RequestState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Size returns the resolved target size. It is empty before StateKeyComputed.
func (rc *RequestContext) Size() Size {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.size
}

// CacheKey returns the frozen cache key. It panics before the size is
// resolved.
func (rc *RequestContext) CacheKey() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cacheKey == "" {
		panic("sketch: cache key read before size resolution")
	}
	return rc.cacheKey
}

func (rc *RequestContext) freeze(size Size) {
	key := rc.request.CacheKey(size)
	rc.mu.Lock()
	rc.size = size
	rc.cacheKey = key
	rc.state = StateKeyComputed
	rc.mu.Unlock()
}

// setState moves to s. Terminal states are final.
func (rc *RequestContext) setState(s RequestState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state.Terminal() {
		return
	}
	rc.state = s
}
