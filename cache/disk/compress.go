package disk

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// decoderPool reuses zstd decoders across snapshot reads.
type decoderPool struct {
	pool sync.Pool
}

func newDecoderPool() *decoderPool {
	p := &decoderPool{}
	p.pool.New = func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil
		}
		return dec
	}
	return p
}

// get returns a decoder reading from r and a function returning it to the pool.
func (p *decoderPool) get(r io.Reader) (*zstd.Decoder, func(), error) {
	dec, ok := p.pool.Get().(*zstd.Decoder)
	if !ok {
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	if err := dec.Reset(r); err != nil {
		dec.Close()
		return nil, nil, err
	}
	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

func newEncoder(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
}

type decodeReader struct {
	*zstd.Decoder
	release func()
	once    sync.Once
}

func (r *decodeReader) Close() error {
	r.once.Do(r.release)
	return nil
}
