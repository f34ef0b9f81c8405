package ringbuf

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newBuf(t *testing.T, capacity int) *RingBuffer {
	t.Helper()
	b, err := New(capacity)
	require.NoError(t, err)
	return b
}

func TestNewRejectsSmallCapacity(t *testing.T) {
	for _, c := range []int{-1, 0, 1} {
		_, err := New(c)
		assert.ErrorIs(t, err, ErrInvalidCapacity)
	}
}

func TestScenarioCapacityTen(t *testing.T) {
	b := newBuf(t, 10)
	out := make([]byte, 20)

	assert.Equal(t, 3, b.Write([]byte("123")))
	assert.Equal(t, 3, b.Occupied())

	n := b.Peek(out[:2])
	assert.Equal(t, "12", string(out[:n]))
	assert.Equal(t, 3, b.Occupied())

	assert.Equal(t, 6, b.Free())
	assert.Equal(t, 6, b.Write([]byte("4567890")))
	assert.Equal(t, 9, b.Occupied())
	assert.Equal(t, 0, b.Free())
	assert.Equal(t, 0, b.Write([]byte("overflow")))

	n = b.Read(out[:5])
	assert.Equal(t, "12345", string(out[:n]))
	assert.Equal(t, 4, b.Occupied())
}

// Replays the wrap-around sequence the buffer was originally exercised with.
func TestWrapSequence(t *testing.T) {
	b := newBuf(t, 10)
	out := make([]byte, 20)
	read := func(limit int) string {
		n := b.Read(out[:limit])
		return string(out[:n])
	}

	for i := 0; i < 10; i++ {
		require.Equal(t, 3, b.Write([]byte("123")))
		require.Equal(t, 6, b.Write([]byte("4567890")))
		require.Equal(t, 0, b.Write([]byte("owerflow")))

		n := b.Peek(out)
		require.Equal(t, "123456789", string(out[:n]))

		require.Equal(t, "12345", read(5))
		require.Equal(t, "67", read(2))
		require.Equal(t, "89", read(2))
		require.Equal(t, "", read(1))

		require.Equal(t, 7, b.Write([]byte("abcdefg")))
		require.Equal(t, "abc", read(3))
		require.Equal(t, 5, b.Write([]byte("hijklmn")))
		require.Equal(t, "defghijkl", read(12))
		require.Equal(t, 0, b.Occupied())
	}
}

func TestOccupiedFreeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	b := newBuf(t, 37)
	scratch := make([]byte, 64)
	for i := 0; i < 5000; i++ {
		switch rng.Intn(4) {
		case 0:
			b.Write(scratch[:rng.Intn(len(scratch))])
		case 1:
			b.Read(scratch[:rng.Intn(len(scratch))])
		case 2:
			b.Peek(scratch[:rng.Intn(len(scratch))])
		case 3:
			b.Discard(rng.Intn(40))
		}
		require.Equal(t, b.Cap(), b.Occupied()+b.Free()+1)
		require.Equal(t, uint64(b.Occupied()), b.Written()-b.Consumed())
	}
}

func TestRoundTrip(t *testing.T) {
	b := newBuf(t, 64)
	var want bytes.Buffer
	for _, s := range []string{"frame-one|", "two|", "", "three-three|"} {
		require.Equal(t, len(s), b.Write([]byte(s)))
		want.WriteString(s)
	}

	var got bytes.Buffer
	chunk := make([]byte, 7)
	for {
		n := b.Read(chunk)
		if n == 0 {
			break
		}
		got.Write(chunk[:n])
	}
	assert.Equal(t, want.String(), got.String())
}

func TestPeekIsIdempotent(t *testing.T) {
	b := newBuf(t, 16)
	b.Write([]byte("0123456789"))
	b.Discard(6)
	b.Write([]byte("abcdefghij")) // wraps

	first := make([]byte, 12)
	second := make([]byte, 12)
	n1 := b.Peek(first)
	n2 := b.Peek(second)
	assert.Equal(t, n1, n2)
	assert.Equal(t, first[:n1], second[:n2])
	assert.Equal(t, "6789abcdefgh", string(first[:n1]))
}

func TestPeekFromMatchesPeekAndRead(t *testing.T) {
	b := newBuf(t, 10)
	b.Write([]byte("abcdefg"))
	b.Read(make([]byte, 5))
	b.Write([]byte("hijkl")) // wraps around the end

	r := b.HeadCursor().Pos()
	viaPeek := make([]byte, 6)
	viaFrom := make([]byte, 6)

	n := b.Peek(viaPeek)
	m, next := b.PeekFrom(r, viaFrom)
	assert.Equal(t, n, m)
	assert.Equal(t, viaPeek[:n], viaFrom[:m])
	assert.Equal(t, "fghijk", string(viaFrom[:m]))

	b.Read(make([]byte, 6))
	assert.Equal(t, b.HeadCursor().Pos(), next)
}

func TestPeekFromDoesNotMutate(t *testing.T) {
	b := newBuf(t, 8)
	b.Write([]byte("abcde"))
	occ, w, r := b.Occupied(), b.w, b.r

	dst := make([]byte, 8)
	n, next := b.PeekFrom(2, dst)
	assert.Equal(t, "cde", string(dst[:n]))
	assert.Equal(t, 5, next)
	assert.Equal(t, occ, b.Occupied())
	assert.Equal(t, w, b.w)
	assert.Equal(t, r, b.r)

	n, next = b.PeekFrom(next, dst)
	assert.Zero(t, n)
	assert.Equal(t, 5, next)
}

func TestPeekFromNormalizesCursor(t *testing.T) {
	b := newBuf(t, 8)
	b.Write([]byte("abcde"))
	dst := make([]byte, 8)
	n, _ := b.PeekFrom(8+3, dst)
	assert.Equal(t, "de", string(dst[:n]))
}

func TestIndependentCursors(t *testing.T) {
	b := newBuf(t, 32)
	b.Write([]byte("xx"))
	b.Discard(2)

	c1, c2 := b.TailCursor(), b.TailCursor()
	var out1, out2 bytes.Buffer
	small, large := make([]byte, 3), make([]byte, 11)

	for i := 0; i < 40; i++ {
		b.Discard(b.Occupied())
		b.Write([]byte{'a' + byte(i%26), 'A' + byte(i%26)})

		n, err := b.ReadCursor(&c1, small)
		require.NoError(t, err)
		out1.Write(small[:n])
		if i%5 == 4 {
			n, err = b.ReadCursor(&c2, large)
			require.NoError(t, err)
			out2.Write(large[:n])
		}
	}
	for {
		n, err := b.ReadCursor(&c2, large)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		out2.Write(large[:n])
	}
	assert.Equal(t, out1.String(), out2.String())
	assert.Equal(t, 80, out1.Len())
}

func TestReadCursorDetectsLag(t *testing.T) {
	b := newBuf(t, 10)
	c := b.TailCursor()
	dst := make([]byte, 16)

	b.Write([]byte("012345678"))
	assert.True(t, b.Valid(c))
	assert.Equal(t, uint64(9), b.Lag(c))

	b.Discard(9)
	b.Write([]byte("9"))
	assert.False(t, b.Valid(c))

	// The unchecked path only sees the modulo distance.
	n, _ := b.PeekFrom(c.Pos(), dst)
	assert.Zero(t, n, "lag of a full capacity looks like an empty reader")

	before := c
	n, err := b.ReadCursor(&c, dst)
	assert.ErrorIs(t, err, ErrCursorLagged)
	assert.Zero(t, n)
	assert.Equal(t, before, c)
}

func TestDiscardClampsToOccupied(t *testing.T) {
	b := newBuf(t, 8)
	b.Write([]byte("abc"))
	assert.Equal(t, 3, b.Discard(10))
	assert.Equal(t, 0, b.Discard(-4))
	assert.Equal(t, 0, b.Occupied())
	assert.Equal(t, uint64(3), b.Consumed())
}

func TestTraceOnlyWhenDebugEnabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	b, err := New(8, WithLogger(zap.New(core)))
	require.NoError(t, err)
	b.Write([]byte("abc"))
	assert.Zero(t, logs.Len())

	core, logs = observer.New(zapcore.DebugLevel)
	b, err = New(8, WithLogger(zap.New(core)))
	require.NoError(t, err)
	b.Write([]byte("abc"))
	b.Read(make([]byte, 2))
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "ring write", logs.All()[0].Message)
	assert.Equal(t, int64(3), logs.All()[0].ContextMap()["n"])
}
