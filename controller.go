// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ssd1306gray

// SSD1306 command set. Page 28 of the datasheet lists all the commands.
const (
	setLowColumn       = 0x00
	setHighColumn      = 0x10
	memoryMode         = 0x20
	columnAddr         = 0x21
	pageAddr           = 0x22
	deactivateScroll   = 0x2E
	setStartLine       = 0x40
	contrastControl    = 0x81
	chargePump         = 0x8D
	segRemap           = 0xA0
	segRemapReverse    = 0xA1
	displayAllOnResume = 0xA4
	normalDisplay      = 0xA6
	invertDisplay      = 0xA7
	setMultiplex       = 0xA8
	dcDcSetting        = 0xAD
	displayOff         = 0xAE
	displayOn          = 0xAF
	comScanInc         = 0xC0
	comScanDec         = 0xC8
	setDisplayOffset   = 0xD3
	setClockDiv        = 0xD5
	setPrecharge       = 0xD9
	setComPins         = 0xDA
	setVcomDetect      = 0xDB
)

// GDRAM geometry of the SSD1306. Panels narrower than 128x64 map to a
// window inside it.
const (
	gdramCols  = 128
	gdramRows  = 64
	gdramPages = gdramRows / 8
)

type controller interface {
	sendCommand([]byte) error
	sendData([]byte) error
}

// initGrayscale programs the controller for sub-frame cycling: fastest
// oscillator and shortest divide ratio, short precharge, low Vcomh. The
// sync loop depends on these clock settings; the empirical row timings were
// measured against them.
func initGrayscale(ctrl controller, opts *Opts) error {
	comScan, colRemap := scanDirection(opts)
	if err := ctrl.sendCommand([]byte{
		displayOff,
		memoryMode, 0x00, // Horizontal addressing, the window wraps per frame
		setStartLine | 0,
		colRemap,
		setMultiplex, gdramRows - 1,
		comScan,
		setDisplayOffset, 0x00,
		setComPins, 0x12,
		setClockDiv, 0xF0,
		setPrecharge, 0x11,
		setVcomDetect, 0x20,
		contrastControl, opts.Contrast,
		displayAllOnResume,
		normalDisplay,
		deactivateScroll,
		chargePump, 0x14,
		dcDcSetting, 0x30, // Internal current reference
		displayOn,
	}); err != nil {
		return err
	}
	if err := clearRAM(ctrl); err != nil {
		return err
	}
	return setWindow(ctrl, opts)
}

// initStandard restores a plain single-buffer configuration: every physical
// row scanned, no offset, nominal drive levels. Used before handing the
// display back from the sync engine.
func initStandard(ctrl controller, opts *Opts) error {
	comScan, colRemap := scanDirection(opts)
	if err := ctrl.sendCommand([]byte{
		displayOff,
		setDisplayOffset, 0x00,
		setStartLine | 0,
		colRemap,
		comScan,
		setComPins, 0x12,
		contrastControl, opts.Contrast<<1 | 1,
		displayAllOnResume,
		normalDisplay,
		setClockDiv, 0xF0,
		chargePump, 0x14,
		setPrecharge, 0xF1,
		setVcomDetect, 0x40,
		deactivateScroll,
		setMultiplex, byte(opts.H - 1),
		memoryMode, 0x00,
		dcDcSetting, 0x30,
		displayOn,
	}); err != nil {
		return err
	}
	return setWindow(ctrl, opts)
}

func scanDirection(opts *Opts) (comScan, colRemap byte) {
	// The panel is mounted upside down relative to the controller's reset
	// scan order.
	if opts.Rotated {
		return comScanInc, segRemap
	}
	return comScanDec, segRemapReverse
}

// clearRAM zeroes the whole GDRAM, including the pages and columns outside
// the visible window. The margin rows scanned while unparked must be dark.
func clearRAM(ctrl controller) error {
	if err := ctrl.sendCommand([]byte{
		columnAddr, 0, gdramCols - 1,
		pageAddr, 0, gdramPages - 1,
	}); err != nil {
		return err
	}
	return ctrl.sendData(make([]byte, gdramCols*gdramPages))
}

// setWindow addresses the visible panel, centered horizontally in GDRAM.
func setWindow(ctrl controller, opts *Opts) error {
	col := byte((gdramCols - opts.W) / 2)
	return ctrl.sendCommand([]byte{
		columnAddr, col, col + byte(opts.W) - 1,
		pageAddr, 0, byte(opts.H/8 - 1),
	})
}

// parkRowCounter forces the controller's internal row counter to a known
// position by programming a multiplex ratio of 1 row, below the documented
// minimum of 16. The counter reaches the top row within a few row periods
// and holds there. This is an intentional misuse of the register, relied
// upon empirically rather than promised by the datasheet.
func parkRowCounter(ctrl controller, opts *Opts) error {
	return ctrl.sendCommand([]byte{
		setMultiplex, 0x00,
		setDisplayOffset, opts.ParkOffset,
	})
}

// loadFrame pushes one sub-frame into GDRAM. Must only run while the row
// counter is parked, so the write cannot race a visible refresh. The
// addressing window wraps at the frame boundary, keeping consecutive
// full-frame writes aligned.
func loadFrame(ctrl controller, pix []byte) error {
	return ctrl.sendData(pix)
}

// unparkScan resumes scanning with ScanRows output rows, more than the
// panel physically has. The surplus places the row counter's wrap point
// past the visible frame, so the cycle timing may err by about half the
// margin in either direction before the image rolls.
func unparkScan(ctrl controller, opts *Opts) error {
	return ctrl.sendCommand([]byte{
		setDisplayOffset, byte(opts.H + gdramRows - opts.ScanRows),
		setMultiplex, byte(opts.ScanRows - 1),
	})
}

func setContrast(ctrl controller, level byte) error {
	return ctrl.sendCommand([]byte{contrastControl, level})
}
