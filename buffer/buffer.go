// Package buffer implements the growable byte buffer used for socket input
// and output, with independent read and write cursors.
//
// The backing storage is pooled, see [Buffer.Release].
package buffer

import (
	"errors"

	"github.com/valyala/bytebufferpool"
)

// DefaultSize is the initial capacity reserved by [New].
const DefaultSize = 1024

// ErrRetrieveOutOfRange is the panic value used when attempting to consume
// more bytes than are readable.
var ErrRetrieveOutOfRange = errors.New("buffer: retrieve out of range")

// Buffer is a growable byte buffer with a read cursor (r) and a write cursor
// (the length of the backing slice).
//
//	+-------------------+------------------+------------------+
//	| consumed bytes    |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0        <=         r       <=       len(B)     <=     cap(B)
//
// A Buffer is not safe for concurrent use. Ownership is transferred by
// handing over the pointer, after which the previous owner must not touch it.
type Buffer struct {
	bb *bytebufferpool.ByteBuffer
	r  int
}

// New returns an empty buffer, with at least [DefaultSize] bytes writable.
func New() *Buffer {
	return NewSize(DefaultSize)
}

// NewSize returns an empty buffer, with at least size bytes writable.
func NewSize(size int) *Buffer {
	b := &Buffer{bb: bytebufferpool.Get()}
	b.EnsureWritable(size)
	return b
}

// FromBytes returns a new buffer containing a copy of p.
func FromBytes(p []byte) *Buffer {
	b := NewSize(len(p))
	b.Append(p)
	return b
}

// Readable returns the number of bytes available to consume.
func (b *Buffer) Readable() int {
	if b == nil || b.bb == nil {
		return 0
	}
	return len(b.bb.B) - b.r
}

// Writable returns the number of bytes that may be appended before the
// backing storage must grow.
func (b *Buffer) Writable() int {
	if b == nil || b.bb == nil {
		return 0
	}
	return cap(b.bb.B) - len(b.bb.B)
}

// Peek returns the readable bytes, without consuming them. The slice is only
// valid until the next mutation of the buffer.
func (b *Buffer) Peek() []byte {
	if b.Readable() == 0 {
		return nil
	}
	return b.bb.B[b.r:]
}

// Retrieve consumes n readable bytes. It panics if n exceeds [Buffer.Readable].
func (b *Buffer) Retrieve(n int) {
	if n < 0 || n > b.Readable() {
		panic(ErrRetrieveOutOfRange)
	}
	if n == b.Readable() {
		b.RetrieveAll()
		return
	}
	b.r += n
}

// RetrieveAll consumes all readable bytes, and resets both cursors.
func (b *Buffer) RetrieveAll() {
	if b.bb == nil {
		return
	}
	b.bb.B = b.bb.B[:0]
	b.r = 0
}

// RetrieveAllString consumes all readable bytes, returning them as a string.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies p to the end of the readable bytes.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.EnsureWritable(len(p))
	b.bb.B = append(b.bb.B, p...)
}

// AppendString copies s to the end of the readable bytes.
func (b *Buffer) AppendString(s string) {
	if len(s) == 0 {
		return
	}
	b.EnsureWritable(len(s))
	b.bb.B = append(b.bb.B, s...)
}

// Write implements io.Writer, and never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// EnsureWritable makes room for at least n more bytes, first by reclaiming
// consumed space, then by growing the backing storage.
func (b *Buffer) EnsureWritable(n int) {
	if b.bb == nil {
		b.bb = bytebufferpool.Get()
	}
	if b.Writable() >= n {
		return
	}
	readable := b.Readable()
	if b.r > 0 && b.r+b.Writable() >= n {
		copy(b.bb.B, b.bb.B[b.r:])
		b.bb.B = b.bb.B[:readable]
		b.r = 0
		return
	}
	grown := make([]byte, readable, readable+n+readable/2)
	copy(grown, b.bb.B[b.r:])
	b.bb.B = grown
	b.r = 0
}

// ReadFunc fills the buffer with a single call to read, offering at most
// limit bytes of writable space (limit <= 0 means [DefaultSize]). It returns
// the result of read, after extending the readable bytes by n.
//
// This is the bounded read used by socket input paths, where read would
// typically be a non-blocking recv.
func (b *Buffer) ReadFunc(read func(p []byte) (int, error), limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultSize
	}
	b.EnsureWritable(limit)
	start := len(b.bb.B)
	n, err := read(b.bb.B[start : start+limit])
	if n > 0 {
		b.bb.B = b.bb.B[:start+n]
	}
	return n, err
}

// Reset discards all data, retaining the backing storage.
func (b *Buffer) Reset() {
	b.RetrieveAll()
}

// Release returns the backing storage to the pool. The buffer remains usable,
// but will allocate on the next write.
func (b *Buffer) Release() {
	if b == nil || b.bb == nil {
		return
	}
	bb := b.bb
	b.bb = nil
	b.r = 0
	bytebufferpool.Put(bb)
}
