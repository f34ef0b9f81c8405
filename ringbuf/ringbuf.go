// Package ringbuf implements the fixed-capacity byte ring that carries the
// encoded video stream from the capture loop to every connected client.
//
// One producer appends with Write. The buffer keeps one owned read cursor
// (Read, Peek, Discard) and any number of external cursors can read the same
// bytes independently through PeekFrom or ReadCursor without copying the
// stream per reader.
//
// Overflow is lossy: Write copies only as many bytes as Free reports and
// drops the rest. One byte of storage is always kept unused so that an empty
// buffer can be told apart from a full one, so Occupied()+Free()+1 == Cap().
//
// External cursors are plain offsets and the buffer does not know about them.
// A cursor that falls more than Cap()-1 bytes behind the write cursor points
// at data that has been overwritten, and the modulo distance used by PeekFrom
// can no longer tell. ReadCursor closes that hole by carrying the absolute
// stream offset with the cursor and returning ErrCursorLagged.
//
// A RingBuffer is not safe for concurrent use.
package ringbuf

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidCapacity is returned by New for capacities below 2.
	ErrInvalidCapacity = errors.New("ringbuf: capacity must be at least 2")

	// ErrCursorLagged is returned by ReadCursor when the data a cursor points
	// at has already been overwritten by newer writes.
	ErrCursorLagged = errors.New("ringbuf: cursor lagged beyond buffer capacity")
)

// RingBuffer is a circular byte store with a single writer.
type RingBuffer struct {
	data []byte
	size int
	w    int // write cursor
	r    int // owned read cursor

	written  uint64 // total bytes ever written
	consumed uint64 // total bytes moved past r

	log *zap.Logger
}

// Option configures a RingBuffer.
type Option func(*RingBuffer)

// WithLogger enables debug tracing of buffer operations. Entries are only
// built when the logger has debug enabled.
func WithLogger(l *zap.Logger) Option {
	return func(b *RingBuffer) {
		if l != nil {
			b.log = l
		}
	}
}

// New allocates a buffer of capacity bytes. Capacity-1 bytes are usable.
func New(capacity int, opts ...Option) (*RingBuffer, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	b := &RingBuffer{
		data: make([]byte, capacity),
		size: capacity,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Cap returns the fixed capacity in bytes.
func (b *RingBuffer) Cap() int { return b.size }

// Occupied returns the number of bytes between the owned read cursor and the
// write cursor.
func (b *RingBuffer) Occupied() int {
	n := b.w - b.r
	if n < 0 {
		n += b.size
	}
	return n
}

// Free returns how many bytes the next Write can accept.
func (b *RingBuffer) Free() int {
	return b.size - b.Occupied() - 1
}

// Written returns the total number of bytes accepted by Write since creation.
func (b *RingBuffer) Written() uint64 { return b.written }

// Consumed returns the total number of bytes the owned read cursor has moved
// past since creation.
func (b *RingBuffer) Consumed() uint64 { return b.consumed }

// Write appends the first min(len(p), Free()) bytes of p and returns that
// count. The remainder is dropped; Write never blocks and never fails.
func (b *RingBuffer) Write(p []byte) int {
	n := min(len(p), b.Free())
	if n == 0 {
		b.trace("ring write", len(p), 0)
		return 0
	}
	part := copy(b.data[b.w:], p[:n])
	if part < n {
		copy(b.data, p[part:n])
	}
	b.w = b.advance(b.w, n)
	b.written += uint64(n)
	b.trace("ring write", len(p), n)
	return n
}

// Peek copies up to len(dst) unread bytes starting at the owned read cursor
// into dst without consuming them.
func (b *RingBuffer) Peek(dst []byte) int {
	n, _ := b.PeekFrom(b.r, dst)
	return n
}

// Read is Peek followed by advancing the owned read cursor by the returned
// count.
func (b *RingBuffer) Read(dst []byte) int {
	n := b.Peek(dst)
	b.r = b.advance(b.r, n)
	b.consumed += uint64(n)
	b.trace("ring read", len(dst), n)
	return n
}

// Discard advances the owned read cursor by up to n bytes without copying and
// returns how far it moved.
func (b *RingBuffer) Discard(n int) int {
	n = max(0, min(n, b.Occupied()))
	b.r = b.advance(b.r, n)
	b.consumed += uint64(n)
	b.trace("ring discard", n, n)
	return n
}

// PeekFrom reads as if the owned read cursor were at cursor. It copies
// min(len(dst), (W-cursor) mod Cap()) bytes into dst and returns the count
// together with the cursor position following them. The buffer itself is not
// modified.
//
// The distance is computed modulo Cap(): a cursor that lagged more than
// Cap()-1 bytes behind the writer silently understates what it lost and may
// return overwritten data. Use ReadCursor when that matters.
func (b *RingBuffer) PeekFrom(cursor int, dst []byte) (n int, next int) {
	cursor = b.normalize(cursor)
	avail := b.w - cursor
	if avail < 0 {
		avail += b.size
	}
	n = min(len(dst), avail)
	part := copy(dst[:n], b.data[cursor:])
	if part < n {
		copy(dst[part:n], b.data)
	}
	return n, b.advance(cursor, n)
}

func (b *RingBuffer) advance(pos, n int) int {
	pos += n
	if pos >= b.size {
		pos -= b.size
	}
	return pos
}

func (b *RingBuffer) normalize(pos int) int {
	pos %= b.size
	if pos < 0 {
		pos += b.size
	}
	return pos
}

func (b *RingBuffer) trace(msg string, requested, n int) {
	if ce := b.log.Check(zap.DebugLevel, msg); ce != nil {
		ce.Write(
			zap.Int("requested", requested),
			zap.Int("n", n),
			zap.Int("r", b.r),
			zap.Int("w", b.w),
			zap.Int("occupied", b.Occupied()),
		)
	}
}
