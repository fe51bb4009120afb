// Package memory provides a byte-bounded LRU cache of decoded images.
//
// Entries can be pinned with a [Lease]. A pinned entry is never evicted, and
// an image that is replaced or removed while leased is only recycled after
// the last lease is released.
package memory

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/meigma/sketch/internal/imagetype"
)

// Budget bounds used by DefaultMaxBytes.
const (
	minDefaultBytes      int64 = 16 << 20
	maxDefaultBytes      int64 = 512 << 20
	fallbackDefaultBytes int64 = 64 << 20
	systemMemoryFraction       = 8
)

var (
	// ErrEntryTooLarge is returned by Put when a single value exceeds the cache budget.
	ErrEntryTooLarge = errors.New("memory cache: entry larger than cache")

	// ErrNilValue is returned by Put when the value or its image is nil.
	ErrNilValue = errors.New("memory cache: nil value")
)

// Value is a cached decode result.
type Value struct {
	Image       imagetype.Image
	Info        imagetype.ImageInfo
	Transformed []imagetype.Transformed
	Extras      map[string]string
}

type entry struct {
	key      string
	value    *Value
	size     int64
	refs     int
	detached bool   // no longer reachable through the cache
	forward  *entry // replacing entry that took over this entry's leases
}

// Cache is an LRU cache bounded by the total ByteCount of its images.
// It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	ll       *list.List // front is most recently used
	items    map[string]*list.Element
	onEvict  func(key string, v *Value)
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for eviction events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEvictionCallback registers fn to run whenever a value leaves the cache
// for good, after any outstanding leases have been released.
func WithEvictionCallback(fn func(key string, v *Value)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// DefaultMaxBytes returns a budget derived from total system memory.
func DefaultMaxBytes() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return fallbackDefaultBytes
	}
	budget := int64(vm.Total / systemMemoryFraction) //nolint:gosec // total memory fits in int64
	return min(max(budget, minDefaultBytes), maxDefaultBytes)
}

// New creates a cache holding at most maxBytes of image data.
// A maxBytes of 0 selects DefaultMaxBytes.
func New(maxBytes int64, opts ...Option) (*Cache, error) {
	if maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes()
	}
	c := &Cache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the value for key and marks it most recently used.
// Get does not pin the value; use Acquire for that.
func (c *Cache) Get(key string) (*Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Peek returns the value for key without touching recency.
func (c *Cache) Peek(key string) (*Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).value, true
}

// Acquire returns a lease on the value for key, marking it most recently
// used and exempt from eviction until the lease is released.
func (c *Cache) Acquire(key string) (*Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*entry)
	e.refs++
	return &Lease{c: c, e: e}, true
}

// Put inserts or replaces the value for key and evicts least recently used
// unpinned entries until the cache fits its budget. When only pinned entries
// remain the cache stays over budget until they are released.
func (c *Cache) Put(key string, v *Value) error {
	_, err := c.put(key, v, false)
	return err
}

// PutAndAcquire is Put followed by Acquire, performed atomically so the new
// value cannot be evicted in between.
func (c *Cache) PutAndAcquire(key string, v *Value) (*Lease, error) {
	return c.put(key, v, true)
}

func (c *Cache) put(key string, v *Value, acquire bool) (*Lease, error) {
	if v == nil || v.Image == nil {
		return nil, ErrNilValue
	}
	size := v.Image.ByteCount()
	if size > c.maxBytes {
		return nil, ErrEntryTooLarge
	}

	c.mu.Lock()
	var victims []*entry
	e := &entry{key: key, value: v, size: size}
	if el, ok := c.items[key]; ok {
		old := el.Value.(*entry)
		free := c.detachLocked(el)
		switch {
		case imagetype.Same(old.value.Image, v.Image):
			// Leases on the old entry now pin the same image through e.
			e.refs, old.refs = old.refs, 0
			old.forward = e
		case free:
			victims = append(victims, old)
		}
	}
	c.items[key] = c.ll.PushFront(e)
	c.size += size
	var lease *Lease
	if acquire {
		e.refs++
		lease = &Lease{c: c, e: e}
	}
	victims = append(victims, c.trimLocked(c.maxBytes)...)
	c.mu.Unlock()

	c.recycle(victims)
	return lease, nil
}

// Remove drops key from the cache. A leased value is recycled once its last
// lease is released.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	var victims []*entry
	if ok && c.detachLocked(el) {
		victims = append(victims, el.Value.(*entry))
	}
	c.mu.Unlock()

	c.recycle(victims)
	return ok
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	var victims []*entry
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if c.detachLocked(el) {
			victims = append(victims, el.Value.(*entry))
		}
		el = next
	}
	c.mu.Unlock()

	c.recycle(victims)
}

// Trim evicts unpinned entries, least recently used first, until the cache
// holds at most targetBytes. It returns the number of bytes freed.
func (c *Cache) Trim(targetBytes int64) int64 {
	c.mu.Lock()
	before := c.size
	victims := c.trimLocked(max(targetBytes, 0))
	freed := before - c.size
	c.mu.Unlock()

	c.recycle(victims)
	return freed
}

// Keys returns the cached keys from most to least recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Size returns the bytes currently accounted to cached entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the configured budget.
func (c *Cache) MaxSize() int64 {
	return c.maxBytes
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// PinCount returns the number of outstanding leases on the cached value for key.
func (c *Cache) PinCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return 0
	}
	return el.Value.(*entry).refs
}

// detachLocked unlinks el and reports whether its value can be recycled now.
func (c *Cache) detachLocked(el *list.Element) bool {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.size -= e.size
	e.detached = true
	return e.refs == 0
}

func (c *Cache) trimLocked(target int64) []*entry {
	var victims []*entry
	for el := c.ll.Back(); el != nil && c.size > target; {
		prev := el.Prev()
		if el.Value.(*entry).refs == 0 {
			c.detachLocked(el)
			victims = append(victims, el.Value.(*entry))
		}
		el = prev
	}
	return victims
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	for e.forward != nil {
		e = e.forward
	}
	e.refs--
	var victims []*entry
	switch {
	case e.refs < 0:
		e.refs = 0
	case e.refs == 0 && e.detached:
		victims = append(victims, e)
	case e.refs == 0 && c.size > c.maxBytes:
		victims = c.trimLocked(c.maxBytes)
	}
	c.mu.Unlock()

	c.recycle(victims)
}

func (c *Cache) recycle(victims []*entry) {
	for _, e := range victims {
		c.logger.Debug("memory cache evict",
			slog.String("key", e.key),
			slog.Int64("size", e.size))
		if r, ok := e.value.Image.(imagetype.Recycler); ok {
			r.Recycle()
		}
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
}
