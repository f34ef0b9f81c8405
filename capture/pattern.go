package capture

import (
	"context"
	"fmt"
	"time"
)

// PatternSource generates a moving test pattern at a fixed rate. It stands in
// for a camera on development hosts.
type PatternSource struct {
	width, height int
	format        PixelFormat
	interval      time.Duration

	ticker *time.Ticker
	seq    uint64
}

// NewPatternSource returns a generator for width x height frames. A zero fps
// produces frames as fast as they are read.
func NewPatternSource(width, height, fps int, format PixelFormat) (*PatternSource, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("pattern source: invalid size %dx%d", width, height)
	}
	if format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("pattern source: unsupported pixel format %q", format)
	}
	var interval time.Duration
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	return &PatternSource{width: width, height: height, format: format, interval: interval}, nil
}

func (s *PatternSource) Open(context.Context) error {
	if s.interval > 0 {
		s.ticker = time.NewTicker(s.interval)
	}
	return nil
}

// ReadFrame renders the next frame: a gradient background with a bright bar
// that moves one column per frame.
func (s *PatternSource) ReadFrame(ctx context.Context, dst *Frame) error {
	if s.ticker != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	size := FrameSize(s.width, s.height, s.format)
	if cap(dst.Pix) < size {
		dst.Pix = make([]byte, size)
	}
	dst.Pix = dst.Pix[:size]
	dst.Width, dst.Height, dst.Format = s.width, s.height, s.format

	s.seq++
	dst.Seq = s.seq
	dst.Timestamp = time.Now()

	bar := int(s.seq) % s.width
	bpp := s.format.BytesPerPixel()
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			v := byte((x + y) & 0x3f)
			if x >= bar && x < bar+s.width/16+1 {
				v = 0xf0
			}
			i := (y*s.width + x) * bpp
			for c := 0; c < bpp; c++ {
				dst.Pix[i+c] = v
			}
		}
	}
	return nil
}

func (s *PatternSource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	return nil
}
