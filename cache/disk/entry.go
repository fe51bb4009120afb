package disk

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// Snapshot is a read handle on a committed entry. The content it reads is
// fixed at the time of Get, even if the entry is replaced or removed later.
type Snapshot struct {
	c    *Cache
	e    *entry
	key  string
	f    *os.File
	size int64
	once sync.Once
}

// Key returns the cache key.
func (s *Snapshot) Key() string { return s.key }

// Path returns the entry file. The file is stored compressed when the cache
// uses compression.
func (s *Snapshot) Path() string { return s.f.Name() }

// Size returns the stored size in bytes.
func (s *Snapshot) Size() int64 { return s.size }

// Open returns a reader over the entry content. It may be called more than
// once; each reader must be closed before the snapshot is.
func (s *Snapshot) Open() (io.ReadCloser, error) {
	r := io.NewSectionReader(s.f, 0, s.size)
	if !s.c.compressed {
		return io.NopCloser(r), nil
	}
	dec, release, err := s.c.decoders.get(r)
	if err != nil {
		return nil, fmt.Errorf("open compressed entry: %w", err)
	}
	return &decodeReader{Decoder: dec, release: release}, nil
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	var err error
	s.once.Do(func() {
		err = s.f.Close()
		s.c.releaseReader(s.e)
	})
	return err
}

// Editor writes a new value for an entry. Exactly one of Commit or Abort
// must be called.
type Editor struct {
	c    *Cache
	e    *entry
	key  string
	f    *os.File
	enc  *zstd.Encoder
	done atomic.Bool
}

func (c *Cache) newEditor(key string, e *entry) (*Editor, error) {
	f, err := os.OpenFile(c.tmpPath(e.name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm) //nolint:gosec // name is a digest
	if err != nil {
		return nil, err
	}
	ed := &Editor{c: c, e: e, key: key, f: f}
	if c.compressed {
		enc, err := newEncoder(f)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, err
		}
		ed.enc = enc
	}
	return ed, nil
}

// Key returns the cache key being edited.
func (ed *Editor) Key() string { return ed.key }

// Writer returns the destination for the new value.
func (ed *Editor) Writer() io.Writer {
	if ed.enc != nil {
		return ed.enc
	}
	return ed.f
}

// Commit publishes the written value. On failure the edit is aborted and
// the previous value, if any, is kept.
func (ed *Editor) Commit() error {
	if !ed.done.CompareAndSwap(false, true) {
		return ErrEditorDone
	}
	err := ed.closeFile()
	if err == nil {
		err = ed.c.commit(ed)
	}
	if err != nil {
		ed.c.abort(ed)
		return fmt.Errorf("commit %s: %w", ed.key, err)
	}
	return nil
}

// Abort discards the written value. Calling Abort after Commit is a no-op.
func (ed *Editor) Abort() error {
	if !ed.done.CompareAndSwap(false, true) {
		return nil
	}
	_ = ed.closeFile()
	ed.c.abort(ed)
	return nil
}

func (ed *Editor) closeFile() error {
	var err error
	if ed.enc != nil {
		err = ed.enc.Close()
	}
	if cerr := ed.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Cache) commit(ed *Editor) error {
	info, err := os.Stat(ed.f.Name())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	e := ed.e
	if err := os.Rename(ed.f.Name(), c.path(e.name)); err != nil {
		return err
	}
	if e.readable {
		c.size -= e.size
	}
	e.size = info.Size()
	e.readable = true
	e.editor = nil
	c.size += e.size
	if el, ok := c.entries[e.name]; ok {
		c.ll.MoveToFront(el)
	}
	c.appendLocked(opClean, e.name, e.size)
	c.trimLocked()
	return nil
}

func (c *Cache) abort(ed *Editor) {
	_ = removeFile(ed.f.Name())

	c.mu.Lock()
	defer c.mu.Unlock()
	e := ed.e
	if e.editor != ed {
		return
	}
	e.editor = nil
	if c.closed {
		return
	}
	if e.readable {
		c.appendLocked(opClean, e.name, e.size)
		return
	}
	if el, ok := c.entries[e.name]; ok && el.Value.(*entry) == e {
		c.dropLocked(el)
	}
	c.appendLocked(opRemove, e.name)
}
