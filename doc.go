// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ssd1306gray drives a monochrome SSD1306 OLED display in 4-level
// grayscale.
//
// The controller stores 1 bit per pixel and offers no grayscale mode. This
// driver fakes one: the image is kept as two 1-bit planes, and a dedicated
// sync goroutine flickers plane A for half of each refresh cycle, plane B
// for a quarter and the AND of both for the last quarter. Above flicker
// fusion rate the four combinations read as black, dark gray, light gray
// and white.
//
// The catch is that the controller scans the panel from a free-running
// internal oscillator with no sync output, so the loop must stay phase
// aligned in software. Each sub-frame starts by "parking" the internal row
// counter (programming a 1-row multiplex ratio, below the documented
// minimum), loading the next sub-frame into GDRAM while nothing visible is
// being scanned, then restoring a multiplex ratio a margin larger than the
// panel so the counter wraps past the visible rows. Parking resynchronizes
// every sub-frame from scratch; the per-device oscillator rate is covered
// by one calibrated cycle-time value (see Calibration), with a tolerance of
// about half the scan margin before the image rolls.
//
// The canonical hardware is the 72x40 panel of the TinyCircuits Thumby,
// whose community grayscale work this technique comes from. The timing
// constants in DefaultOpts are tuned to that integration.
//
// A 4-wire SPI link is required. Three sub-frames per 27.4ms cycle amount
// to roughly 40kB/s of frame data plus tight command timing, beyond what
// I²C at 400kHz delivers.
//
// # Datasheet
//
// https://cdn-shop.adafruit.com/datasheets/SSD1306.pdf
package ssd1306gray
