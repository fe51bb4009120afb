package memory

import "sync"

// Lease pins a cached value. The value is not evicted or recycled while any
// lease on it is outstanding. Release must be called once the holder is done
// with the value; extra calls are ignored.
type Lease struct {
	c    *Cache
	e    *entry
	once sync.Once
}

// Key returns the cache key the lease was taken on.
func (l *Lease) Key() string {
	return l.e.key
}

// Value returns the leased value.
func (l *Lease) Value() *Value {
	return l.e.value
}

// Release drops the pin.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.c.release(l.e)
	})
}
