package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FFmpegConfig describes how to run ffmpeg for a camera.
type FFmpegConfig struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
	// Input is an RTSP/HTTP URL, a file, or a V4L2 device under /dev.
	Input  string
	Width  int
	Height int
	FPS    int
	Format PixelFormat
}

// FFmpegSource reads raw frames from an ffmpeg child process.
type FFmpegSource struct {
	cfg FFmpegConfig
	log *zap.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	stderrDone chan struct{} // closed once stderr is drained
	seq        uint64
}

// NewFFmpegSource validates cfg and returns an unopened source.
func NewFFmpegSource(cfg FFmpegConfig, log *zap.Logger) (*FFmpegSource, error) {
	if cfg.Input == "" {
		return nil, errors.New("ffmpeg source: input is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("ffmpeg source: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("ffmpeg source: unsupported pixel format %q", cfg.Format)
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FFmpegSource{cfg: cfg, log: log}, nil
}

// Args returns the ffmpeg command line, without the binary.
func (s *FFmpegSource) Args() []string {
	var args []string
	switch {
	case strings.HasPrefix(s.cfg.Input, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp")
	case strings.HasPrefix(s.cfg.Input, "/dev/"):
		args = append(args, "-f", "v4l2")
	}
	args = append(args, "-i", s.cfg.Input)

	vf := fmt.Sprintf("scale=%d:%d", s.cfg.Width, s.cfg.Height)
	if s.cfg.FPS > 0 {
		vf += ",fps=" + strconv.Itoa(s.cfg.FPS)
	}
	return append(args,
		"-vf", vf,
		"-f", "rawvideo",
		"-pix_fmt", string(s.cfg.Format),
		"-an", // no audio
		"-loglevel", "warning",
		"-",
	)
}

// Open starts the ffmpeg process.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return errors.New("ffmpeg source: already open")
	}

	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.log.Debug("ffmpeg", zap.String("line", scanner.Text()))
		}
	}()

	s.cmd = cmd
	s.stdout = stdout
	s.stderrDone = stderrDone
	s.log.Info("ffmpeg started",
		zap.String("input", s.cfg.Input),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// ReadFrame reads exactly one frame from ffmpeg's stdout.
func (s *FFmpegSource) ReadFrame(ctx context.Context, dst *Frame) error {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()
	if stdout == nil {
		return errors.New("ffmpeg source: not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	size := FrameSize(s.cfg.Width, s.cfg.Height, s.cfg.Format)
	if cap(dst.Pix) < size {
		dst.Pix = make([]byte, size)
	}
	dst.Pix = dst.Pix[:size]
	if _, err := io.ReadFull(stdout, dst.Pix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("ffmpeg stream ended: %w", err)
		}
		return fmt.Errorf("failed to read frame: %w", err)
	}

	s.seq++
	dst.Seq = s.seq
	dst.Timestamp = time.Now()
	dst.Width = s.cfg.Width
	dst.Height = s.cfg.Height
	dst.Format = s.cfg.Format
	return nil
}

// Close kills ffmpeg and reaps it. The source can be opened again.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cmd, stderrDone := s.cmd, s.stderrDone
	s.cmd = nil
	s.stdout = nil
	s.stderrDone = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Kill()
	// Wait closes the pipes, so the stderr reader has to finish first.
	<-stderrDone
	err := cmd.Wait()
	s.log.Info("ffmpeg stopped", zap.Error(err))
	return nil
}
