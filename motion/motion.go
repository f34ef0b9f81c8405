// Package motion flags camera frames whose brightness changed in a moderate
// number of tiles. The frame is split into a grid; a tile changes when its
// average brightness moved by more than Sensitivity since the previous frame.
// Too few changed tiles is noise and too many is a global lighting change, so
// only counts in [ThresholdLow, ThresholdHigh) raise an alarm.
package motion

import (
	"fmt"

	"camstream-server/capture"
)

// Config tunes the detector. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	TilesX        int  `yaml:"tiles_x"`
	TilesY        int  `yaml:"tiles_y"`
	Sensitivity   int  `yaml:"sensitivity"`
	ThresholdLow  int  `yaml:"threshold_low"`
	ThresholdHigh int  `yaml:"threshold_high"`
	Mark          bool `yaml:"mark"`
}

// DefaultConfig is an 8x8 grid alarming on 4 to 47 changed tiles.
func DefaultConfig() Config {
	return Config{
		TilesX:        8,
		TilesY:        8,
		Sensitivity:   3,
		ThresholdLow:  4,
		ThresholdHigh: 8 * 8 / 4 * 3,
		Mark:          true,
	}
}

// Validate checks the grid and thresholds.
func (c Config) Validate() error {
	if c.TilesX <= 0 || c.TilesY <= 0 {
		return fmt.Errorf("motion: invalid grid %dx%d", c.TilesX, c.TilesY)
	}
	if c.Sensitivity < 0 {
		return fmt.Errorf("motion: negative sensitivity %d", c.Sensitivity)
	}
	if c.ThresholdLow < 0 || c.ThresholdHigh <= c.ThresholdLow {
		return fmt.Errorf("motion: invalid thresholds [%d, %d)", c.ThresholdLow, c.ThresholdHigh)
	}
	return nil
}

// Result describes one evaluated frame.
type Result struct {
	Alarm bool
	// Changed counts changed tiles that are active.
	Changed int
	// Marked counts all changed tiles, active or not.
	Marked int
}

// Detector keeps the per-tile state between frames. It is owned by a single
// caller and is not safe for concurrent use.
type Detector struct {
	cfg    Config
	sums   []uint32
	prev   []uint32
	active []bool
	primed bool
}

// New returns a detector with every tile active.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.TilesX * cfg.TilesY
	d := &Detector{
		cfg:    cfg,
		sums:   make([]uint32, n),
		prev:   make([]uint32, n),
		active: make([]bool, n),
	}
	for i := range d.active {
		d.active[i] = true
	}
	return d, nil
}

// SetActive includes or excludes tile (x, y) from the alarm count.
func (d *Detector) SetActive(x, y int, on bool) error {
	if x < 0 || x >= d.cfg.TilesX || y < 0 || y >= d.cfg.TilesY {
		return fmt.Errorf("motion: tile (%d,%d) outside %dx%d grid", x, y, d.cfg.TilesX, d.cfg.TilesY)
	}
	d.active[y*d.cfg.TilesX+x] = on
	return nil
}

// Reset forgets the previous frame.
func (d *Detector) Reset() { d.primed = false }

// Detect evaluates f against the previous frame and, if configured, outlines
// the changed tiles on f. The first frame after New or Reset never alarms.
func (d *Detector) Detect(f *capture.Frame) Result {
	tw, th := f.Width/d.cfg.TilesX, f.Height/d.cfg.TilesY
	numpix := tw * th
	if numpix == 0 {
		return Result{}
	}

	var res Result
	for ty := 0; ty < d.cfg.TilesY; ty++ {
		for tx := 0; tx < d.cfg.TilesX; tx++ {
			i := ty*d.cfg.TilesX + tx
			d.sums[i] = tileSum(f, tx*tw, ty*th, tw, th)
			if !d.primed {
				continue
			}
			diff := int64(d.sums[i]) - int64(d.prev[i])
			if diff < 0 {
				diff = -diff
			}
			if diff/int64(numpix) > int64(d.cfg.Sensitivity) {
				if d.active[i] {
					res.Changed++
				}
				res.Marked++
				if d.cfg.Mark {
					markTile(f, tx*tw, ty*th, tw, th)
				}
			}
		}
	}

	d.sums, d.prev = d.prev, d.sums
	if !d.primed {
		d.primed = true
		return res
	}
	res.Alarm = res.Changed >= d.cfg.ThresholdLow && res.Changed < d.cfg.ThresholdHigh
	return res
}

func tileSum(f *capture.Frame, x0, y0, w, h int) uint32 {
	var sum uint32
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			sum += f.Luma(x, y)
		}
	}
	return sum
}

func markTile(f *capture.Frame, x0, y0, w, h int) {
	for y := y0; y < y0+h; y++ {
		f.SetWhite(x0, y)
		f.SetWhite(x0+w-1, y)
	}
	for x := x0; x < x0+w; x++ {
		f.SetWhite(x, y0)
		f.SetWhite(x, y0+h-1)
	}
}
