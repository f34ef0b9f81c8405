// Package capture acquires raw video frames for the stream server.
package capture

import (
	"context"
	"fmt"
	"time"
)

// PixelFormat describes the layout of Frame.Pix.
type PixelFormat string

const (
	// Gray8 is one byte of luma per pixel.
	Gray8 PixelFormat = "gray"
	// BGR24 is three bytes per pixel, blue first. This is the stream format
	// players consume with "-demuxer rawvideo -rawvideo format=bgr24".
	BGR24 PixelFormat = "bgr24"
)

// BytesPerPixel returns the pixel size of f, or 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Gray8:
		return 1
	case BGR24:
		return 3
	default:
		return 0
	}
}

// ParsePixelFormat validates a configured format name.
func ParsePixelFormat(s string) (PixelFormat, error) {
	f := PixelFormat(s)
	if f.BytesPerPixel() == 0 {
		return "", fmt.Errorf("unsupported pixel format %q", s)
	}
	return f, nil
}

// Frame is one raw picture. Pix is owned by whoever allocated the frame and
// is reused between captures.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    PixelFormat
	Pix       []byte
}

// NewFrame allocates a frame with a pixel buffer sized for the geometry.
func NewFrame(width, height int, format PixelFormat) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Format: format,
		Pix:    make([]byte, FrameSize(width, height, format)),
	}
}

// FrameSize returns the byte size of one frame.
func FrameSize(width, height int, format PixelFormat) int {
	return width * height * format.BytesPerPixel()
}

// Luma returns the brightness of pixel (x, y) in the range 0-255.
func (f *Frame) Luma(x, y int) uint32 {
	switch f.Format {
	case BGR24:
		i := (y*f.Width + x) * 3
		b, g, r := uint32(f.Pix[i]), uint32(f.Pix[i+1]), uint32(f.Pix[i+2])
		return (b + 2*g + r) / 4
	default:
		return uint32(f.Pix[y*f.Width+x])
	}
}

// SetWhite paints pixel (x, y) at full brightness.
func (f *Frame) SetWhite(x, y int) {
	bpp := f.Format.BytesPerPixel()
	i := (y*f.Width + x) * bpp
	for c := 0; c < bpp; c++ {
		f.Pix[i+c] = 255
	}
}

// CopyFrom copies geometry, metadata and pixels from src, reusing f.Pix when
// it is large enough.
func (f *Frame) CopyFrom(src *Frame) {
	f.Seq = src.Seq
	f.Timestamp = src.Timestamp
	f.Width = src.Width
	f.Height = src.Height
	f.Format = src.Format
	if cap(f.Pix) < len(src.Pix) {
		f.Pix = make([]byte, len(src.Pix))
	}
	f.Pix = f.Pix[:len(src.Pix)]
	copy(f.Pix, src.Pix)
}

// Source produces frames. ReadFrame fills dst, whose geometry matches the
// source configuration, and blocks until a frame is available or ctx ends.
type Source interface {
	Open(ctx context.Context) error
	ReadFrame(ctx context.Context, dst *Frame) error
	Close() error
}
