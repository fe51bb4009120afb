// Package disk provides a journal-backed LRU cache on the local filesystem.
//
// Every entry is a single file named by the SHA-256 digest of its key. State
// changes are appended to a journal so the cache survives restarts: entries
// whose edit never committed are discarded on the next Open, as are files the
// journal does not know about. Entries open for reading or mid-edit are never
// evicted.
package disk

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
)

// DefaultMaxBytes is the budget used when WithMaxBytes is not given.
const DefaultMaxBytes int64 = 256 << 20

const (
	defaultDirPerm = 0o700
	filePerm       = 0o600
	tmpSuffix      = ".tmp"
)

var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("disk cache: closed")

	// ErrEditInProgress is returned when an entry is being edited.
	ErrEditInProgress = errors.New("disk cache: edit in progress")

	// ErrEditorDone is returned by Commit on an editor that already finished.
	ErrEditorDone = errors.New("disk cache: editor already finished")
)

type entry struct {
	name     string
	size     int64
	readable bool
	readers  int
	editor   *Editor
}

// Cache is a bounded LRU of files. It is safe for concurrent use.
type Cache struct {
	dir        string
	maxBytes   int64
	dirPerm    os.FileMode
	compressed bool
	logger     *slog.Logger
	decoders   *decoderPool

	mu      sync.Mutex
	size    int64
	ll      *list.List // front is most recently used
	entries map[string]*list.Element
	journal *os.File
	jw      *bufio.Writer
	lines   int // journal operation lines since the last rewrite
	closed  bool
}

// Option configures a disk cache.
type Option func(*Cache)

// WithMaxBytes sets the total size budget. Defaults to DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithDirPerm sets the permissions used when creating the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithCompression stores entries zstd-compressed. Switching compression on an
// existing directory clears it.
func WithCompression(enabled bool) Option {
	return func(c *Cache) {
		c.compressed = enabled
	}
}

// WithLogger sets the logger for journal recovery and eviction events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Open opens or creates a cache rooted at dir and replays its journal.
func Open(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:      dir,
		maxBytes: DefaultMaxBytes,
		dirPerm:  defaultDirPerm,
		logger:   slog.New(slog.DiscardHandler),
		decoders: newDecoderPool(),
		ll:       list.New(),
		entries:  make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes <= 0 {
		return nil, errors.New("max bytes must be > 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		if c.journal != nil {
			_ = c.journal.Close()
		}
		return nil, fmt.Errorf("open disk cache %s: %w", dir, err)
	}
	return c, nil
}

func (c *Cache) loadLocked() error {
	st, err := readJournal(filepath.Join(c.dir, journalFile), c.compressed)
	switch {
	case errors.Is(err, os.ErrNotExist):
		st = nil
	case err != nil:
		c.logger.Warn("disk cache journal unusable, clearing",
			slog.String("dir", c.dir),
			slog.String("error", err.Error()))
		st = nil
	}

	rewrite := st == nil
	if st != nil {
		for _, name := range st.order() {
			if st.dirty[name] {
				_ = os.Remove(c.tmpPath(name))
				rewrite = true
			}
			size, clean := st.clean[name]
			if !clean {
				_ = os.Remove(c.path(name))
				continue
			}
			info, err := os.Stat(c.path(name))
			if err != nil || info.Size() != size {
				_ = os.Remove(c.path(name))
				rewrite = true
				continue
			}
			c.entries[name] = c.ll.PushFront(&entry{name: name, size: size, readable: true})
			c.size += size
		}
		c.lines = st.lines
		if st.partial || c.redundantLocked() {
			rewrite = true
		}
	}

	if err := c.removeStrayFiles(); err != nil {
		return err
	}
	if rewrite {
		if err := c.rebuildJournalLocked(); err != nil {
			return err
		}
	} else {
		f, err := os.OpenFile(filepath.Join(c.dir, journalFile), os.O_WRONLY|os.O_APPEND, filePerm)
		if err != nil {
			return err
		}
		c.journal = f
		c.jw = bufio.NewWriter(f)
	}
	c.trimLocked()

	c.logger.Debug("disk cache opened",
		slog.String("dir", c.dir),
		slog.Int("entries", c.ll.Len()),
		slog.Int64("size", c.size))
	return nil
}

// removeStrayFiles deletes top-level files that are neither the journal nor
// a known entry.
func (c *Cache) removeStrayFiles() error {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, d := range dirents {
		if !d.Type().IsRegular() {
			continue
		}
		name := d.Name()
		if name == journalFile {
			continue
		}
		if _, ok := c.entries[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (c *Cache) rebuildJournalLocked() error {
	if c.journal != nil {
		_ = c.jw.Flush()
		_ = c.journal.Close()
		c.journal, c.jw = nil, nil
	}

	tmp := filepath.Join(c.dir, journalTmpFile)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm) //nolint:gosec // fixed name inside the cache dir
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	lines := 0
	err = writeHeader(w, c.compressed)
	for el := c.ll.Back(); el != nil && err == nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.readable {
			_, err = fmt.Fprintf(w, "%s %s %d\n", opClean, e.name, e.size)
			lines++
		}
		if e.editor != nil && err == nil {
			_, err = fmt.Fprintf(w, "%s %s\n", opDirty, e.name)
			lines++
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(c.dir, journalFile))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rewrite journal: %w", err)
	}

	f, err = os.OpenFile(filepath.Join(c.dir, journalFile), os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return err
	}
	c.journal = f
	c.jw = bufio.NewWriter(f)
	c.lines = lines
	return nil
}

func (c *Cache) redundantLocked() bool {
	redundant := c.lines - c.ll.Len()
	return redundant >= compactThreshold && redundant >= c.ll.Len()
}

func (c *Cache) appendLocked(op, name string, size ...int64) {
	if c.jw == nil {
		return
	}
	var err error
	if len(size) > 0 {
		_, err = fmt.Fprintf(c.jw, "%s %s %d\n", op, name, size[0])
	} else {
		_, err = fmt.Fprintf(c.jw, "%s %s\n", op, name)
	}
	if err == nil {
		err = c.jw.Flush()
	}
	if err != nil {
		c.logger.Warn("disk cache journal write failed",
			slog.String("dir", c.dir),
			slog.String("error", err.Error()))
		return
	}
	c.lines++
	if c.redundantLocked() {
		if err := c.rebuildJournalLocked(); err != nil {
			c.logger.Warn("disk cache journal compaction failed",
				slog.String("dir", c.dir),
				slog.String("error", err.Error()))
		}
	}
}

// Get returns a snapshot of the committed entry for key. The caller must
// Close the snapshot; until then the entry is exempt from eviction.
func (c *Cache) Get(key string) (*Snapshot, bool) {
	name := nameFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	el, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.readable {
		return nil, false
	}
	f, err := os.Open(c.path(name))
	if err != nil {
		c.logger.Warn("disk cache entry missing",
			slog.String("key", key),
			slog.String("error", err.Error()))
		if e.editor == nil {
			c.removeLocked(el)
		} else {
			c.size -= e.size
			e.readable, e.size = false, 0
		}
		return nil, false
	}
	e.readers++
	c.ll.MoveToFront(el)
	c.appendLocked(opRead, name)
	return &Snapshot{c: c, e: e, key: key, f: f, size: e.size}, true
}

// Edit starts an edit of key. It returns false when another edit of the same
// key is in progress or the cache cannot create the entry file. The previous
// value, if any, stays readable until Commit.
func (c *Cache) Edit(key string) (*Editor, bool) {
	name := nameFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	el, ok := c.entries[name]
	var e *entry
	if ok {
		e = el.Value.(*entry)
		if e.editor != nil {
			return nil, false
		}
	} else {
		e = &entry{name: name}
		el = c.ll.PushFront(e)
		c.entries[name] = el
	}

	ed, err := c.newEditor(key, e)
	if err != nil {
		c.logger.Warn("disk cache edit failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		if !e.readable {
			c.ll.Remove(el)
			delete(c.entries, name)
		}
		return nil, false
	}
	e.editor = ed
	c.appendLocked(opDirty, name)
	return ed, true
}

// Write stores the bytes produced by fn under key, committing only when fn
// succeeds.
func (c *Cache) Write(key string, fn func(w io.Writer) error) error {
	ed, ok := c.Edit(key)
	if !ok {
		if c.isClosed() {
			return ErrClosed
		}
		return ErrEditInProgress
	}
	if err := fn(ed.Writer()); err != nil {
		_ = ed.Abort()
		return err
	}
	return ed.Commit()
}

// Remove deletes the entry for key. Removing a missing key is not an error.
func (c *Cache) Remove(key string) error {
	name := nameFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	el, ok := c.entries[name]
	if !ok {
		return nil
	}
	if el.Value.(*entry).editor != nil {
		return ErrEditInProgress
	}
	return c.removeLocked(el)
}

// Clear removes every committed entry. Edits in progress are kept and
// become visible when they commit.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	var errs []error
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if err := removeFile(c.path(e.name)); err != nil {
			errs = append(errs, err)
		}
		if e.editor != nil {
			c.size -= e.size
			e.readable, e.size = false, 0
		} else {
			c.dropLocked(el)
		}
		el = next
	}
	if err := c.rebuildJournalLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Size returns the bytes held by committed entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the configured budget.
func (c *Cache) MaxSize() int64 {
	return c.maxBytes
}

// Len returns the number of committed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, el := range c.entries {
		if el.Value.(*entry).readable {
			n++
		}
	}
	return n
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Close flushes and closes the journal. Outstanding editors fail to commit
// after Close; open snapshots remain readable.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.journal == nil {
		return nil
	}
	err := c.jw.Flush()
	if cerr := c.journal.Close(); err == nil {
		err = cerr
	}
	c.journal, c.jw = nil, nil
	return err
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cache) removeLocked(el *list.Element) error {
	e := el.Value.(*entry)
	err := removeFile(c.path(e.name))
	c.dropLocked(el)
	c.appendLocked(opRemove, e.name)
	return err
}

func (c *Cache) dropLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.entries, e.name)
	if e.readable {
		c.size -= e.size
	}
}

// trimLocked evicts least recently used entries that are neither open nor
// being edited until the cache fits its budget.
func (c *Cache) trimLocked() {
	for el := c.ll.Back(); el != nil && c.size > c.maxBytes; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.readable && e.readers == 0 && e.editor == nil {
			if err := c.removeLocked(el); err != nil {
				c.logger.Warn("disk cache evict failed",
					slog.String("name", e.name),
					slog.String("error", err.Error()))
			} else {
				c.logger.Debug("disk cache evict",
					slog.String("name", e.name),
					slog.Int64("size", e.size))
			}
		}
		el = prev
	}
}

func (c *Cache) releaseReader(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.readers--
	if e.readers == 0 && !c.closed && c.size > c.maxBytes {
		c.trimLocked()
	}
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Cache) tmpPath(name string) string {
	return filepath.Join(c.dir, name+tmpSuffix)
}

func nameFor(key string) string {
	return digest.FromString(key).Encoded()
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
