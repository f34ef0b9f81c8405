package snapshot

import (
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camstream-server/capture"
)

func testFrame(format capture.PixelFormat) *capture.Frame {
	f := capture.NewFrame(16, 8, format)
	for i := range f.Pix {
		f.Pix[i] = byte(i)
	}
	return f
}

func TestEncodeFormats(t *testing.T) {
	for _, format := range []capture.PixelFormat{capture.Gray8, capture.BGR24} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, testFrame(format), 90))
		img, err := jpeg.Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, 16, img.Bounds().Dx())
		assert.Equal(t, 8, img.Bounds().Dy())
	}
}

func TestEncodeRejectsShortBuffer(t *testing.T) {
	f := testFrame(capture.BGR24)
	f.Pix = f.Pix[:10]
	assert.Error(t, Encode(&bytes.Buffer{}, f, 90))
}

func TestAlarmPathRotates(t *testing.T) {
	w, err := NewWriter(Config{Dir: t.TempDir(), AlarmSlots: 16}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alarm_pic03.jpg", filepath.Base(w.AlarmPath(3)))
	assert.Equal(t, "alarm_pic00.jpg", filepath.Base(w.AlarmPath(16)))
	assert.Equal(t, "alarm_pic15.jpg", filepath.Base(w.AlarmPath(31)))
}

func TestWriterStoresSnapshots(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, Quality: 80}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	f := testFrame(capture.BGR24)
	require.True(t, w.SubmitLive(f))
	path, ok := w.SubmitAlarm(f, 17)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "alarm_pic01.jpg"), path)

	// The frame may be reused right after submission.
	for i := range f.Pix {
		f.Pix[i] = 0
	}
	w.Close()

	for _, p := range []string{w.LivePath(), path} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		_, err = jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, ".snapshot-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSubmitDropsWhenBusy(t *testing.T) {
	w, err := NewWriter(Config{Dir: t.TempDir(), Queue: 1}, nil)
	require.NoError(t, err)

	// Not started: one job fits in the queue, the spare buffer is taken by
	// the second submission, which then finds the queue full.
	f := testFrame(capture.Gray8)
	assert.True(t, w.SubmitLive(f))
	assert.False(t, w.SubmitLive(f))
	assert.False(t, w.SubmitLive(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Start(ctx)
	w.Close()
	_, err = os.Stat(w.LivePath())
	assert.NoError(t, err)
}

func TestNewWriterRequiresDir(t *testing.T) {
	_, err := NewWriter(Config{}, nil)
	assert.Error(t, err)
}
