// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package image2bit provides a 2-bit grayscale image format for 1-bit
// display controllers that fake gray levels by time multiplexing.
//
// A pixel's 2 bits are stored across two independent 1-bit planes in the
// SSD1306's native vertical-LSB page layout. The display driver shows plane
// A for half of a refresh cycle, plane B for a quarter and the AND of both
// for the last quarter, so the four bit combinations fuse into four
// distinct brightness levels.
package image2bit

import (
	"image"
	"image/color"

	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// Gray2 represents a 2-bit grayscale color (4 intensity levels).
//
// Y encodes the two plane bits as bitA<<1 | bitB. The perceived intensity
// follows from the fraction of the refresh cycle each combination is lit:
// 0, 1/4, 1/2 and the whole cycle.
type Gray2 struct {
	Y uint8
}

// The four displayable levels.
var (
	Black     = Gray2{0b00}
	DarkGray  = Gray2{0b01}
	LightGray = Gray2{0b10}
	White     = Gray2{0b11}
)

// gray2Luma maps each level to its 8-bit brightness, derived from the duty
// fraction the level is lit for. It is the one tunable piece of the bit
// pair to shade assignment.
var gray2Luma = [4]uint8{0x00, 0x40, 0x80, 0xFF}

// RGBA converts the Gray2 color to standard RGBA.
func (c Gray2) RGBA() (r, g, b, a uint32) {
	y := uint32(gray2Luma[c.Y&3])
	y |= y << 8
	return y, y, y, 0xFFFF
}

func (c Gray2) String() string {
	switch c.Y & 3 {
	case 0b00:
		return "Black"
	case 0b01:
		return "DarkGray"
	case 0b10:
		return "LightGray"
	default:
		return "White"
	}
}

// Bits returns the two plane bits encoding c.
func (c Gray2) Bits() (a, b image1bit.Bit) {
	return image1bit.Bit(c.Y&0b10 != 0), image1bit.Bit(c.Y&0b01 != 0)
}

// FromBits returns the level shown for a pixel with the given plane bits.
// It is total over all four combinations.
func FromBits(a, b image1bit.Bit) Gray2 {
	var y uint8
	if a {
		y |= 0b10
	}
	if b {
		y |= 0b01
	}
	return Gray2{y}
}

// toGray2 converts any color.Color to the nearest Gray2 level.
func toGray2(c color.Color) color.Color {
	if g, ok := c.(Gray2); ok {
		return Gray2{g.Y & 3}
	}
	r, g, b, _ := c.RGBA()
	// Standard grayscale conversion: 0.299R + 0.587G + 0.114B.
	y := uint8(((299*r + 587*g + 114*b + 500) / 1000) >> 8)
	switch {
	case y < 0x20:
		return Black
	case y < 0x60:
		return DarkGray
	case y < 0xC0:
		return LightGray
	default:
		return White
	}
}

// Gray2Model converts colors to Gray2.
var Gray2Model = color.ModelFunc(toGray2)

// PlanarVLSB is a 4-level grayscale image stored as two 1-bit planes plus
// the derived AND of both, all in vertical-LSB page layout.
//
// PlaneA and PlaneB may be drawn to directly, for example with draw.Draw or
// the image1bit helpers; DeriveCombined must then be called before the
// image is next shown, or pixels written as White render as a lighter gray.
// Set and SetGray2 keep the combined plane current on their own.
type PlanarVLSB struct {
	PlaneA *image1bit.VerticalLSB
	PlaneB *image1bit.VerticalLSB

	combined []byte
}

// NewPlanarVLSB creates a new PlanarVLSB image with the specified bounds.
//
// The combined plane shares the byte layout of PlaneA.Pix and PlaneB.Pix.
// Bounds starting at the origin match the controller's addressing.
func NewPlanarVLSB(r image.Rectangle) *PlanarVLSB {
	a := image1bit.NewVerticalLSB(r)
	return &PlanarVLSB{
		PlaneA:   a,
		PlaneB:   image1bit.NewVerticalLSB(r),
		combined: make([]byte, len(a.Pix)),
	}
}

// ColorModel implements image.Image.
func (p *PlanarVLSB) ColorModel() color.Model {
	return Gray2Model
}

// Bounds implements image.Image.
func (p *PlanarVLSB) Bounds() image.Rectangle {
	return p.PlaneA.Rect
}

// At implements image.Image.
func (p *PlanarVLSB) At(x, y int) color.Color {
	return p.Gray2At(x, y)
}

// Gray2At returns the Gray2 color of the pixel at (x, y).
func (p *PlanarVLSB) Gray2At(x, y int) Gray2 {
	if !(image.Point{X: x, Y: y}.In(p.PlaneA.Rect)) {
		return Gray2{}
	}
	return FromBits(p.PlaneA.BitAt(x, y), p.PlaneB.BitAt(x, y))
}

// Opaque scans the image and returns whether it is fully opaque.
func (p *PlanarVLSB) Opaque() bool {
	return true
}

// Set sets the color of the pixel at (x, y). It implements draw.Image.
func (p *PlanarVLSB) Set(x, y int, c color.Color) {
	p.SetGray2(x, y, Gray2Model.Convert(c).(Gray2))
}

// SetGray2 sets the Gray2 color of the pixel at (x, y) and keeps the
// combined plane current.
func (p *PlanarVLSB) SetGray2(x, y int, c Gray2) {
	if !(image.Point{X: x, Y: y}.In(p.PlaneA.Rect)) {
		return
	}
	a, b := c.Bits()
	p.PlaneA.SetBit(x, y, a)
	p.PlaneB.SetBit(x, y, b)
	offset := p.pixOffset(x, y)
	p.combined[offset] = p.PlaneA.Pix[offset] & p.PlaneB.Pix[offset]
}

// Fill sets the whole image to the given level.
func (p *PlanarVLSB) Fill(c Gray2) {
	var av, bv byte
	a, b := c.Bits()
	if a {
		av = 0xFF
	}
	if b {
		bv = 0xFF
	}
	for i := range p.PlaneA.Pix {
		p.PlaneA.Pix[i] = av
		p.PlaneB.Pix[i] = bv
		p.combined[i] = av & bv
	}
}

// DeriveCombined recomputes the combined plane as the bitwise AND of
// PlaneA and PlaneB over the whole buffer. Callers mutating the planes
// directly must invoke it before the image is next shown.
func (p *PlanarVLSB) DeriveCombined() {
	a, b := p.PlaneA.Pix, p.PlaneB.Pix
	for i := range p.combined {
		p.combined[i] = a[i] & b[i]
	}
}

// Combined returns the derived AND plane in vertical-LSB layout. The slice
// is owned by the image and must not be mutated.
func (p *PlanarVLSB) Combined() []byte {
	return p.combined
}

// pixOffset returns the byte offset of the pixel at (x, y). Each byte holds
// 8 vertically adjacent pixels, lowest bit topmost, bands of Stride bytes.
func (p *PlanarVLSB) pixOffset(x, y int) int {
	r := p.PlaneA.Rect
	band := (y - (r.Min.Y &^ 7)) / 8
	return band*p.PlaneA.Stride + x - r.Min.X
}
