// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package screen2d implements a 2D display.Drawer that renders 4-level
// grayscale frames to the terminal (stdout) using ANSI color codes.
//
// Useful to try out grayscale rendering while your 72x40 OLED is in the
// mail.
package screen2d

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"os"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"periph.io/x/conn/v3/display"

	"github.com/GermanBionicSystems/ssd1306gray/image2bit"
)

// Opts represents the options available for this display.
//
// Zero W and H pick the 72x40 panel geometry.
type Opts struct {
	W       int
	H       int
	Palette *ansi256.Palette

	_ struct{}
}

// Dev is a grayscale panel emulator that outputs to the console.
type Dev struct {
	w           io.Writer
	rect        image.Rectangle
	palette     ansi256.Palette
	interactive bool

	frame *image2bit.PlanarVLSB
	buf   bytes.Buffer
	drawn bool
}

// New returns a Dev that displays at the console.
//
// Permits local testing of grayscale screens and animations.
func New(opts *Opts) *Dev {
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w, h := opts.W, opts.H
	if w == 0 {
		w = 72
	}
	if h == 0 {
		h = 40
	}
	r := image.Rect(0, 0, w, h)
	return &Dev{
		w:           colorable.NewColorableStdout(),
		rect:        r,
		palette:     *p,
		interactive: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
		frame:       image2bit.NewPlanarVLSB(r),
	}
}

func (d *Dev) String() string {
	return "Screen2D"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors so the shell is not corrupted.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\033[0m\n"))
	return err
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return image2bit.Gray2Model
}

// Bounds implements display.Drawer.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// Draw implements display.Drawer. Colors are quantized to the four shades
// on the way in, so the console shows what the panel would.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	draw.Src.Draw(d.frame, r.Intersect(d.rect), src, sp)
	return d.refresh()
}

func (d *Dev) refresh() error {
	// Minimize the amount of memory allocated per frame.
	d.buf.Reset()
	if d.interactive && d.drawn {
		// Repaint over the previous frame.
		fmt.Fprintf(&d.buf, "\033[%dA", d.rect.Dy())
	}
	for y := d.rect.Min.Y; y < d.rect.Max.Y; y++ {
		_, _ = d.buf.WriteString("\r\033[0m")
		for x := d.rect.Min.X; x < d.rect.Max.X; x++ {
			r16, g16, b16, _ := d.frame.Gray2At(x, y).RGBA()
			c := color.NRGBA{byte(r16 >> 8), byte(g16 >> 8), byte(b16 >> 8), 255}
			_, _ = io.WriteString(&d.buf, d.palette.Block(c))
		}
		_, _ = d.buf.WriteString("\033[0m\n")
	}
	d.drawn = true
	_, err := d.buf.WriteTo(d.w)
	return err
}

var _ display.Drawer = &Dev{}
var _ fmt.Stringer = &Dev{}
