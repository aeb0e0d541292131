// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ssd1306gray

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"runtime"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/GermanBionicSystems/ssd1306gray/image2bit"
)

var (
	// ErrNoParallelism is returned by Start when the runtime cannot execute
	// the sync loop and the application at the same time. The loop's row
	// budgets leave no room for cooperative scheduling.
	ErrNoParallelism = errors.New("ssd1306gray: runtime does not provide two parallel execution contexts")

	// ErrRunning is returned by operations that must not touch persistent
	// storage or reconfigure scanning while the sync engine owns the
	// display.
	ErrRunning = errors.New("ssd1306gray: sync engine is running")
)

// DefaultOpts is the recommended default options, matching the 72x40 panel
// fitted to the TinyCircuits Thumby.
var DefaultOpts = Opts{
	W:          72,
	H:          40,
	Contrast:   127,
	ParkRows:   8,
	FrameRows:  48,
	ScanRows:   57,
	ParkOffset: 52,
}

// Opts defines the options for the device.
//
// The Park/Frame/Scan values are empirically tuned against the SSD1306
// revision in the Thumby's 72x40 panel and normally need recalibration for
// other panel integrations. Zero values pick the defaults.
type Opts struct {
	W int
	H int
	// Rotated determines if the display is rotated by 180°.
	Rotated bool
	// Contrast is the base contrast, 0 to 127. Each sub-frame derives its
	// own drive level from it to keep the four shades apart.
	Contrast byte
	// ConfigPath is the JSON document holding the calibrated cycle time.
	// Empty uses DefaultConfigPath. A missing file means default timing.
	ConfigPath string
	// OnBusError receives transport errors from the sync loop, which has no
	// caller to return them to. Called from the engine goroutine. May be
	// nil; see Err.
	OnBusError func(error)

	// ParkRows is how many row periods the loop waits while parked for the
	// row counter to actually reach the top row.
	ParkRows int
	// FrameRows is the nominal row budget of one sub-frame exposure.
	FrameRows int
	// ScanRows is the multiplex ratio restored after loading. It exceeds H
	// so the row counter wraps past the visible frame.
	ScanRows int
	// ParkOffset is the display line offset applied while parked.
	ParkOffset byte
}

// NewSPI returns a Dev object that communicates over SPI to an SSD1306
// display controller and can drive it in 4-level grayscale.
//
// Only 4-wire SPI is supported: three full sub-frames go over the bus every
// cycle, which rules out I²C bandwidth, and the 9-bit words of 3-wire mode.
//
// # Wiring
//
// Connect SDA to SPI_MOSI, SCK to SPI_CLK, CS to SPI_CS and DC to a GPIO
// pin.
func NewSPI(p spi.Port, dc gpio.PinOut, opts *Opts) (*Dev, error) {
	if dc == nil || dc == gpio.INVALID {
		return nil, errors.New("ssd1306gray: a data/command GPIO pin is required")
	}
	if err := dc.Out(gpio.Low); err != nil {
		return nil, err
	}
	c, err := p.Connect(3300*physic.KiloHertz, spi.Mode0, 8)
	if err != nil {
		return nil, err
	}
	return newDev(c, dc, opts)
}

// Dev is an open handle to the display controller.
//
// While the sync engine is running it is the sole owner of the bus; draw
// calls only mutate the frame in memory and the engine picks the contents
// up on its next sub-frame. Pixel writes concurrent with the engine are
// deliberately unsynchronized: the worst case is one sub-frame showing a
// half-updated image.
type Dev struct {
	// Communication.
	c  conn.Conn
	dc gpio.PinOut

	opts Opts
	rect image.Rectangle

	frame *image2bit.PlanarVLSB
	cal   *Calibration

	// Lifecycle. mu serializes transitions and direct bus access from the
	// application context; the engine goroutine never takes it.
	mu      sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	halted  bool

	// Knobs shared with the engine goroutine.
	grayscale atomic.Bool
	contrast  atomic.Int32
	cmds      chan []byte

	errMu   sync.Mutex
	lastErr error
}

// newDev is the common initialization code, split from NewSPI so tests can
// drive a recorded connection.
func newDev(c conn.Conn, dc gpio.PinOut, opts *Opts) (*Dev, error) {
	o := *opts
	if o.ParkRows == 0 {
		o.ParkRows = DefaultOpts.ParkRows
	}
	if o.FrameRows == 0 {
		o.FrameRows = DefaultOpts.FrameRows
	}
	if o.ScanRows == 0 {
		o.ScanRows = DefaultOpts.ScanRows
	}
	if o.ParkOffset == 0 {
		o.ParkOffset = DefaultOpts.ParkOffset
	}
	if o.ConfigPath == "" {
		o.ConfigPath = DefaultConfigPath
	}
	if o.W < 8 || o.W > gdramCols || o.W&7 != 0 {
		return nil, fmt.Errorf("ssd1306gray: invalid width %d", o.W)
	}
	if o.H < 8 || o.H > gdramRows || o.H&7 != 0 {
		return nil, fmt.Errorf("ssd1306gray: invalid height %d", o.H)
	}
	if o.ScanRows <= o.H || o.ScanRows > gdramRows {
		return nil, fmt.Errorf("ssd1306gray: scan rows %d not in (%d, %d]", o.ScanRows, o.H, gdramRows)
	}
	if o.Contrast > 127 {
		return nil, fmt.Errorf("ssd1306gray: contrast %d above 127", o.Contrast)
	}
	d := &Dev{
		c:    c,
		dc:   dc,
		opts: o,
		rect: image.Rect(0, 0, o.W, o.H),
		cmds: make(chan []byte, 8),
	}
	d.frame = image2bit.NewPlanarVLSB(d.rect)
	d.cal = newCalibration(o.ConfigPath, d.running.Load)
	d.grayscale.Store(true)
	d.contrast.Store(int32(o.Contrast))
	if err := initStandard(d, &d.opts); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("ssd1306gray.Dev{%s, %s, %s}", d.c, d.dc, d.rect.Max)
}

// ColorModel implements display.Drawer.
//
// It is the 4-level grayscale model implemented by image2bit.Gray2.
func (d *Dev) ColorModel() color.Model {
	return image2bit.Gray2Model
}

// Bounds implements display.Drawer. Min is guaranteed to be {0, 0}.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// Frame returns the device's layer buffers. Callers may draw into it, or
// into its planes directly followed by DeriveCombined, then call Show.
func (d *Dev) Frame() *image2bit.PlanarVLSB {
	return d.frame
}

// Draw implements display.Drawer.
//
// While the sync engine is stopped the panel shows plane A, so levels below
// LightGray render dark. While it is running the engine shows the new
// contents within one cycle.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	if src != d.frame {
		draw.Src.Draw(d.frame, r, src, sp)
	}
	return d.Show()
}

// Show pushes the current frame to the display if the sync engine is
// stopped. While it is running this is a no-op: the engine shows buffer
// contents on its own cadence.
func (d *Dev) Show() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return nil
	}
	return d.sendData(d.frame.PlaneA.Pix)
}

// SetContrast changes the base contrast, 0 to 127. A running engine
// applies it from its next cycle on; each sub-frame derives its own level.
func (d *Dev) SetContrast(level byte) error {
	if level > 127 {
		level = 127
	}
	d.contrast.Store(int32(level))
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return nil
	}
	return setContrast(d, level<<1|1)
}

// Invert the display (black on white vs white on black).
func (d *Dev) Invert(blackOnWhite bool) error {
	b := []byte{normalDisplay}
	if blackOnWhite {
		b[0] = invertDisplay
	}
	return d.command(b)
}

// Halt stops the sync engine and turns the display off.
//
// Sending any other command afterward reenables the display.
func (d *Dev) Halt() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = false
	err := d.sendCommand([]byte{displayOff})
	if err == nil {
		d.halted = true
	}
	return err
}

// Start hands the display over to the sync engine and transitions to
// RUNNING. It is a no-op when already running.
//
// The engine is a goroutine that must genuinely run in parallel with the
// application; Start fails with ErrNoParallelism on runtimes that cannot
// guarantee that, rather than degrading into a rolling image.
func (d *Dev) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return nil
	}
	if parallelism() < 2 {
		return ErrNoParallelism
	}
	if err := initGrayscale(d, &d.opts); err != nil {
		return err
	}
	d.setErr(nil)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	ready := make(chan struct{})
	go d.run(ready)
	<-ready
	d.running.Store(true)
	return nil
}

// Stop signals the sync engine to exit after its current sub-frame step,
// waits for it, restores the standard single-buffer scan configuration and
// repaints plane A. It is a no-op when already stopped. Persistent storage
// must only be touched after Stop returns.
func (d *Dev) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return nil
	}
	close(d.stop)
	<-d.done
	d.running.Store(false)
	if err := initStandard(d, &d.opts); err != nil {
		return err
	}
	return d.sendData(d.frame.PlaneA.Pix)
}

// Running reports whether the sync engine currently owns the display.
func (d *Dev) Running() bool {
	return d.running.Load()
}

// EnableGrayscale switches a running engine back to cycling all three
// sub-frames. The engine structure is not torn down by either toggle.
func (d *Dev) EnableGrayscale() {
	d.grayscale.Store(true)
}

// DisableGrayscale switches the engine to a pass-through mode showing only
// plane A for whole cycles, rendering the frame 1-bit.
func (d *Dev) DisableGrayscale() {
	d.grayscale.Store(false)
}

// Calibration returns the engine's timing calibration store.
func (d *Dev) Calibration() *Calibration {
	return d.cal
}

// Err returns the last error recorded by the sync loop, or nil. Start
// clears it.
func (d *Dev) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

func (d *Dev) setErr(err error) {
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()
}

// command sends cmd directly when the engine is stopped, otherwise funnels
// it to the engine to apply between cycles, never inside a sub-frame
// transfer.
func (d *Dev) command(cmd []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return d.sendCommand(cmd)
	}
	select {
	case d.cmds <- cmd:
		return nil
	default:
		return errors.New("ssd1306gray: command queue full")
	}
}

func (d *Dev) sendCommand(c []byte) error {
	if d.halted {
		// Transparently enable the display.
		c = append([]byte{displayOn}, c...)
		d.halted = false
	}
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	return d.c.Tx(c, nil)
}

func (d *Dev) sendData(c []byte) error {
	if d.halted {
		// Transparently enable the display.
		if err := d.sendCommand(nil); err != nil {
			return err
		}
	}
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	return d.c.Tx(c, nil)
}

// parallelism reports how many application goroutines can execute
// simultaneously. Swapped out in tests.
var parallelism = func() int {
	n := runtime.GOMAXPROCS(0)
	if c := runtime.NumCPU(); c < n {
		n = c
	}
	return n
}

var _ display.Drawer = &Dev{}
var _ conn.Resource = &Dev{}
