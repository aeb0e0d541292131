// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ssd1306gray

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/GermanBionicSystems/ssd1306gray/image2bit"
)

// Timing calibration constants. The default suits most panels. Adjustments
// snap to the coarse and fine steps so saved values stay comparable across
// devices.
const (
	DefaultCycleTime = 27400 * time.Microsecond
	CoarseStep       = 100 * time.Microsecond
	FineStep         = 10 * time.Microsecond

	minCycleTime = FineStep
	maxCycleTime = 99990 * time.Microsecond
)

// DefaultConfigPath is where the calibrated cycle time is persisted when
// Opts.ConfigPath is empty.
const DefaultConfigPath = "grayscale.conf.json"

// calibrationFile mirrors the on-disk document. The value is microseconds.
type calibrationFile struct {
	DisplayRefreshTime int64 `json:"displayRefreshTime"`
}

// Calibration holds the sync engine's one tunable parameter: the nominal
// duration of one full refresh cycle. Each panel's oscillator runs at a
// slightly different rate, so the value is tuned per device, by eye, until
// the image stops rolling.
//
// Adjustments apply to a running engine immediately. Commit persists only
// on explicit request and only while the engine is stopped.
type Calibration struct {
	path    string
	running func() bool
	cycle   atomic.Int64 // nanoseconds
}

func newCalibration(path string, running func() bool) *Calibration {
	c := &Calibration{path: path, running: running}
	c.Reload()
	return c
}

// CycleTime returns the current full-cycle duration.
func (c *Calibration) CycleTime() time.Duration {
	return time.Duration(c.cycle.Load())
}

// AdjustCoarse moves the cycle time by steps increments of CoarseStep.
// Negative steps shorten it. The result is clamped positive and returned.
func (c *Calibration) AdjustCoarse(steps int) time.Duration {
	return c.adjust(time.Duration(steps) * CoarseStep)
}

// AdjustFine moves the cycle time by steps increments of FineStep.
func (c *Calibration) AdjustFine(steps int) time.Duration {
	return c.adjust(time.Duration(steps) * FineStep)
}

func (c *Calibration) adjust(delta time.Duration) time.Duration {
	for {
		old := c.cycle.Load()
		v := time.Duration(old) + delta
		if v < minCycleTime {
			v = minCycleTime
		}
		if v > maxCycleTime {
			v = maxCycleTime
		}
		if c.cycle.CompareAndSwap(old, int64(v)) {
			return v
		}
	}
}

// Commit persists the current cycle time. It fails with ErrRunning while
// the sync engine runs: storage writes concurrent with the engine's bus
// cadence have been seen to corrupt devices, so stopping first is a hard
// precondition, not a convention.
func (c *Calibration) Commit() error {
	if c.running() {
		return ErrRunning
	}
	raw, err := json.MarshalIndent(&calibrationFile{
		DisplayRefreshTime: c.CycleTime().Microseconds(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("ssd1306gray: encoding calibration: %w", err)
	}
	if err := writeFileAtomic(c.path, raw); err != nil {
		return fmt.Errorf("ssd1306gray: saving calibration: %w", err)
	}
	return nil
}

// Reload reads the persisted cycle time and makes it current, falling back
// to DefaultCycleTime when the document is missing or unreadable.
func (c *Calibration) Reload() time.Duration {
	cycle := DefaultCycleTime
	if raw, err := os.ReadFile(c.path); err == nil {
		var f calibrationFile
		if json.Unmarshal(raw, &f) == nil && f.DisplayRefreshTime > 0 {
			cycle = time.Duration(f.DisplayRefreshTime) * time.Microsecond
			if cycle < minCycleTime {
				cycle = minCycleTime
			}
			if cycle > maxCycleTime {
				cycle = maxCycleTime
			}
		}
	}
	c.cycle.Store(int64(cycle))
	return cycle
}

// writeFileAtomic writes via a temporary file and rename so a failed write
// never truncates an existing document.
func writeFileAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".grayscale-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(raw)
	if serr := f.Sync(); err == nil {
		err = serr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o644)
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// CalibrationEvent adjusts the cycle time during an interactive session.
type CalibrationEvent int

const (
	CalibrationCoarseUp CalibrationEvent = iota
	CalibrationCoarseDown
	CalibrationFineUp
	CalibrationFineDown
	CalibrationSave
)

// Calibrate runs an interactive timing calibration session against the
// running engine. It renders a test card of all four shades, the current
// cycle time in milliseconds and a range gauge, applies each event
// immediately so the effect on image stability is visible, and returns the
// resulting value once a CalibrationSave event arrives or events is closed.
//
// Tune coarsely until the image stops rolling, then finely until residual
// flicker bands are slowest. To persist the result, stop the engine and
// call Calibration().Commit().
func (d *Dev) Calibrate(events <-chan CalibrationEvent) (time.Duration, error) {
	if !d.running.Load() {
		return 0, errors.New("ssd1306gray: start the sync engine before calibrating")
	}
	d.renderTestCard()
	for ev := range events {
		switch ev {
		case CalibrationCoarseUp:
			d.cal.AdjustCoarse(1)
		case CalibrationCoarseDown:
			d.cal.AdjustCoarse(-1)
		case CalibrationFineUp:
			d.cal.AdjustFine(1)
		case CalibrationFineDown:
			d.cal.AdjustFine(-1)
		case CalibrationSave:
			return d.cal.CycleTime(), nil
		}
		d.renderCycleTime()
	}
	return d.cal.CycleTime(), nil
}

// renderTestCard paints vertical bands of all four shades. Rolling or
// tearing is easiest to judge on the band edges.
func (d *Dev) renderTestCard() {
	levels := [4]image2bit.Gray2{image2bit.Black, image2bit.DarkGray, image2bit.LightGray, image2bit.White}
	b := d.frame.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		l := levels[(x-b.Min.X)*4/b.Dx()]
		for y := b.Min.Y; y < b.Max.Y; y++ {
			d.frame.SetGray2(x, y, l)
		}
	}
	d.renderCycleTime()
}

// renderGauge marks the value's position in the adjustable range with a
// handle on a track along the right edge. The strip sits in the card's
// white band and is repainted whole, so the handle leaves no trail.
func (d *Dev) renderGauge() {
	b := d.frame.Bounds()
	track := b.Max.X - 2
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := track - 2; x < b.Max.X; x++ {
			c := image2bit.White
			if x == track {
				c = image2bit.Black
			}
			d.frame.SetGray2(x, y, c)
		}
	}
	pos := float64(d.cal.CycleTime()) / float64(maxCycleTime)
	y := b.Max.Y - 1 - int(pos*float64(b.Dy()-1))
	for x := track - 2; x < b.Max.X; x++ {
		d.frame.SetGray2(x, y, image2bit.Black)
	}
}

// renderCycleTime overlays the current value, in milliseconds, in the
// bottom left corner.
func (d *Dev) renderCycleTime() {
	d.renderGauge()
	b := d.frame.Bounds()
	label := fmt.Sprintf("%05.2f", float64(d.cal.CycleTime().Microseconds())/1000)
	w := font.MeasureString(basicfont.Face7x13, label).Ceil() + 4
	for y := b.Max.Y - basicfont.Face7x13.Height - 1; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Min.X+w; x++ {
			d.frame.SetGray2(x, y, image2bit.Black)
		}
	}
	drawer := font.Drawer{
		Dst:  d.frame,
		Src:  &image.Uniform{image2bit.White},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(b.Min.X+2, b.Max.Y-3),
	}
	drawer.DrawString(label)
}
