package capture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParsePixelFormat(t *testing.T) {
	f, err := ParsePixelFormat("bgr24")
	require.NoError(t, err)
	assert.Equal(t, BGR24, f)
	assert.Equal(t, 3, f.BytesPerPixel())

	_, err = ParsePixelFormat("yuv420p")
	assert.Error(t, err)
}

func TestFrameSizeAndLuma(t *testing.T) {
	f := NewFrame(4, 2, BGR24)
	assert.Len(t, f.Pix, 24)

	i := (1*4 + 2) * 3
	f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 40, 100, 200
	assert.Equal(t, uint32((40+200+200)/4), f.Luma(2, 1))

	f.SetWhite(0, 0)
	assert.Equal(t, []byte{255, 255, 255}, f.Pix[:3])

	g := NewFrame(4, 2, Gray8)
	g.Pix[5] = 77
	assert.Equal(t, uint32(77), g.Luma(1, 1))
}

func TestFrameCopyFrom(t *testing.T) {
	src := NewFrame(2, 2, Gray8)
	src.Seq = 9
	copy(src.Pix, []byte{1, 2, 3, 4})

	var dst Frame
	dst.CopyFrom(src)
	assert.Equal(t, src.Pix, dst.Pix)
	assert.Equal(t, uint64(9), dst.Seq)

	src.Pix[0] = 42
	assert.Equal(t, byte(1), dst.Pix[0], "copy must not alias")
}

func TestPatternSourceProducesMovingFrames(t *testing.T) {
	src, err := NewPatternSource(32, 8, 0, Gray8)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	defer src.Close()

	a, b := &Frame{}, &Frame{}
	require.NoError(t, src.ReadFrame(ctx, a))
	require.NoError(t, src.ReadFrame(ctx, b))

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.Len(t, a.Pix, 32*8)
	assert.NotEqual(t, a.Pix, b.Pix)
}

func TestPatternSourceHonoursContext(t *testing.T) {
	src, err := NewPatternSource(8, 8, 1, BGR24)
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = src.ReadFrame(ctx, &Frame{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFFmpegArgs(t *testing.T) {
	rtsp, err := NewFFmpegSource(FFmpegConfig{
		Input: "rtsp://cam/stream", Width: 376, Height: 240, FPS: 25, Format: BGR24,
	}, nil)
	require.NoError(t, err)
	args := rtsp.Args()
	assert.Equal(t, []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/stream"}, args[:4])
	assert.Contains(t, args, "scale=376:240,fps=25")
	assert.Contains(t, args, "bgr24")
	assert.Equal(t, "-", args[len(args)-1])

	dev, err := NewFFmpegSource(FFmpegConfig{
		Input: "/dev/video0", Width: 320, Height: 240, Format: Gray8,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-f", "v4l2", "-i", "/dev/video0"}, dev.Args()[:4])
}

func TestFFmpegSourceValidation(t *testing.T) {
	_, err := NewFFmpegSource(FFmpegConfig{Width: 1, Height: 1, Format: Gray8}, nil)
	assert.Error(t, err)
	_, err = NewFFmpegSource(FFmpegConfig{Input: "x", Format: Gray8}, nil)
	assert.Error(t, err)
	_, err = NewFFmpegSource(FFmpegConfig{Input: "x", Width: 1, Height: 1, Format: "rgb"}, nil)
	assert.Error(t, err)

	src, err := NewFFmpegSource(FFmpegConfig{Input: "x", Width: 1, Height: 1, Format: Gray8}, nil)
	require.NoError(t, err)
	assert.Error(t, src.ReadFrame(context.Background(), &Frame{}), "read before open")
	assert.NoError(t, src.Close())
}

func TestFFmpegSourceCloseDrainsStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	bin := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\necho 'camera warming up' >&2\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	core, logs := observer.New(zapcore.DebugLevel)
	src, err := NewFFmpegSource(FFmpegConfig{Binary: bin, Input: "x", Width: 1, Height: 1, Format: Gray8}, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	warming := func() bool { return logs.FilterField(zap.String("line", "camera warming up")).Len() == 1 }
	require.Eventually(t, warming, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, src.Close())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, 1, logs.FilterMessage("ffmpeg stopped").Len())

	// the source can be opened again after Close
	require.NoError(t, src.Open(context.Background()))
	assert.NoError(t, src.Close())
}
