package ringbuf

// Cursor is an external read position that also remembers the absolute
// stream offset it refers to, so the buffer can tell when the bytes behind it
// were overwritten.
type Cursor struct {
	pos int
	seq uint64
}

// Pos returns the offset into the buffer storage.
func (c Cursor) Pos() int { return c.pos }

// Offset returns the absolute stream offset of the next byte to read.
func (c Cursor) Offset() uint64 { return c.seq }

// TailCursor returns a cursor at the write cursor. A reader starting there
// sees only bytes written from now on.
func (b *RingBuffer) TailCursor() Cursor {
	return Cursor{pos: b.w, seq: b.written}
}

// HeadCursor returns a cursor at the owned read cursor, the oldest byte still
// guaranteed to be intact.
func (b *RingBuffer) HeadCursor() Cursor {
	return Cursor{pos: b.r, seq: b.consumed}
}

// Lag returns how many written bytes c has not read yet.
func (b *RingBuffer) Lag(c Cursor) uint64 {
	return b.written - c.seq
}

// Valid reports whether the bytes between c and the write cursor are still
// intact.
func (b *RingBuffer) Valid(c Cursor) bool {
	return b.Lag(c) <= uint64(b.size-1)
}

// ReadCursor copies up to len(dst) bytes available to c and advances c past
// them. If c lagged more than Cap()-1 bytes it returns ErrCursorLagged and
// leaves c untouched; such a cursor cannot be recovered.
func (b *RingBuffer) ReadCursor(c *Cursor, dst []byte) (int, error) {
	if !b.Valid(*c) {
		return 0, ErrCursorLagged
	}
	n, next := b.PeekFrom(c.pos, dst)
	c.pos = next
	c.seq += uint64(n)
	return n, nil
}
