// Package snapshot writes JPEG stills of the stream to disk: a periodically
// refreshed live image and a rotating set of alarm pictures.
//
// Encoding runs on the Writer's own goroutine. Submit copies the frame and
// returns at once; when the queue is full the snapshot is dropped so the
// capture loop never waits on the disk.
package snapshot

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"camstream-server/capture"
	"camstream-server/metrics"
)

// Kind distinguishes live images from alarm pictures.
type Kind string

const (
	KindLive  Kind = "live"
	KindAlarm Kind = "alarm"
)

// Config for a Writer.
type Config struct {
	Dir        string
	LiveName   string
	AlarmSlots int
	Quality    int
	// Queue is the number of pending jobs; 0 means 2.
	Queue int
}

type job struct {
	kind  Kind
	path  string
	frame capture.Frame
}

// Writer encodes and stores snapshots in the background.
type Writer struct {
	cfg  Config
	log  *zap.Logger
	jobs chan *job
	free chan *job

	wg   sync.WaitGroup
	once sync.Once
}

// NewWriter creates the snapshot directory and the job queue.
func NewWriter(cfg Config, log *zap.Logger) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: directory is required")
	}
	if cfg.AlarmSlots <= 0 {
		cfg.AlarmSlots = 16
	}
	if cfg.LiveName == "" {
		cfg.LiveName = "liveimage.jpg"
	}
	if cfg.Quality <= 0 {
		cfg.Quality = jpeg.DefaultQuality
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 2
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: failed to create %s: %w", cfg.Dir, err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	w := &Writer{
		cfg:  cfg,
		log:  log,
		jobs: make(chan *job, cfg.Queue),
		free: make(chan *job, cfg.Queue+1),
	}
	for i := 0; i < cfg.Queue+1; i++ {
		w.free <- &job{}
	}
	return w, nil
}

// Dir returns the snapshot directory.
func (w *Writer) Dir() string { return w.cfg.Dir }

// LivePath returns the path of the live image.
func (w *Writer) LivePath() string { return filepath.Join(w.cfg.Dir, w.cfg.LiveName) }

// AlarmPath returns the file used for the n-th alarm.
func (w *Writer) AlarmPath(n uint64) string {
	name := fmt.Sprintf("alarm_pic%02d.jpg", n%uint64(w.cfg.AlarmSlots))
	return filepath.Join(w.cfg.Dir, name)
}

// Start runs the encoder until ctx is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-w.jobs:
				if !ok {
					return
				}
				w.process(j)
			}
		}
	}()
}

// SubmitLive queues f as the new live image.
func (w *Writer) SubmitLive(f *capture.Frame) bool {
	return w.submit(KindLive, w.LivePath(), f)
}

// SubmitAlarm queues f as the picture for the n-th alarm and returns its
// path.
func (w *Writer) SubmitAlarm(f *capture.Frame, n uint64) (string, bool) {
	path := w.AlarmPath(n)
	return path, w.submit(KindAlarm, path, f)
}

func (w *Writer) submit(kind Kind, path string, f *capture.Frame) bool {
	var j *job
	select {
	case j = <-w.free:
	default:
		metrics.Snapshots.WithLabelValues(string(kind), "dropped").Inc()
		return false
	}
	j.kind = kind
	j.path = path
	j.frame.CopyFrom(f)

	select {
	case w.jobs <- j:
		return true
	default:
		w.free <- j
		metrics.Snapshots.WithLabelValues(string(kind), "dropped").Inc()
		return false
	}
}

func (w *Writer) process(j *job) {
	defer func() { w.free <- j }()

	if err := writeFile(j.path, &j.frame, w.cfg.Quality); err != nil {
		metrics.Snapshots.WithLabelValues(string(j.kind), "failed").Inc()
		w.log.Warn("snapshot failed", zap.String("path", j.path), zap.Error(err))
		return
	}
	metrics.Snapshots.WithLabelValues(string(j.kind), "written").Inc()
	w.log.Debug("snapshot written",
		zap.String("kind", string(j.kind)),
		zap.String("path", j.path),
		zap.Uint64("frame", j.frame.Seq))
}

// Close stops accepting jobs and waits for queued ones to finish.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.jobs) })
	w.wg.Wait()
}

// writeFile encodes into a temporary file next to path and renames it into
// place, so readers never observe a partial image.
func writeFile(path string, f *capture.Frame, quality int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, f, quality); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Encode writes f as a JPEG image.
func Encode(out io.Writer, f *capture.Frame, quality int) error {
	img, err := toImage(f)
	if err != nil {
		return err
	}
	return jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
}

func toImage(f *capture.Frame) (image.Image, error) {
	if len(f.Pix) < capture.FrameSize(f.Width, f.Height, f.Format) {
		return nil, fmt.Errorf("snapshot: frame buffer too small for %dx%d %s", f.Width, f.Height, f.Format)
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case capture.Gray8:
		return &image.Gray{Pix: f.Pix, Stride: f.Width, Rect: rect}, nil
	case capture.BGR24:
		img := image.NewRGBA(rect)
		for i, o := 0, 0; i+2 < len(f.Pix) && o < len(img.Pix); i, o = i+3, o+4 {
			img.Pix[o] = f.Pix[i+2]
			img.Pix[o+1] = f.Pix[i+1]
			img.Pix[o+2] = f.Pix[i]
			img.Pix[o+3] = 0xff
		}
		return img, nil
	default:
		return nil, fmt.Errorf("snapshot: unsupported pixel format %q", f.Format)
	}
}
