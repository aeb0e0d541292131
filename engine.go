// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ssd1306gray

import (
	"fmt"
	"log"
	"os"
	"time"
)

// The display controller free-runs on an internal RC oscillator with no
// sync output, so the loop cannot lock to it. Instead every sub-frame
// starts by parking the row counter, which resynchronizes from scratch:
// one step's timing error never carries into the next. The calibrated
// cycle time only has to stay within about half the scan margin (8.5 row
// periods for the default 17 surplus rows) of the true oscillator rate.

// step pairs a sub-frame source with the fraction of the refresh cycle it
// stays on screen.
type step struct {
	pix  []byte
	frac float64
}

// grayPlan realizes four shades from two planes: plane A for half the
// cycle, plane B and the AND of both for a quarter each. An even split
// would squeeze the two middle shades toward black and white; this
// weighting was tuned by eye.
func (d *Dev) grayPlan() []step {
	return []step{
		{d.frame.PlaneA.Pix, 0.5},
		{d.frame.PlaneB.Pix, 0.25},
		{d.frame.Combined(), 0.25},
	}
}

// monoPlan shows plane A for the whole cycle, keeping the loop cadence and
// protocol identical while grayscale is disabled.
func (d *Dev) monoPlan() []step {
	return []step{{d.frame.PlaneA.Pix, 1}}
}

// subframeContrast derives the per-sub-frame drive levels from the base
// contrast. The spread keeps the four shades perceptually apart and was
// tuned empirically on the 72x40 panel.
func subframeContrast(base byte) [3]byte {
	return [3]byte{base >> 5, base, base<<1 | 1}
}

// Give a failing bus about ten cycles before the loop declares it dead.
const maxConsecutiveBusErrors = 32

// run is the sync engine. It owns the display until the stop channel
// closes or the bus is declared dead; either way it never exits silently
// and never leaves the row counter parked on purpose.
func (d *Dev) run(ready chan<- struct{}) {
	defer close(d.done)
	close(ready)

	consecutive := 0
	for {
		cycle := d.cal.CycleTime()
		base := byte(d.contrast.Load())

		var plan []step
		var levels [3]byte
		if d.grayscale.Load() {
			plan = d.grayPlan()
			levels = subframeContrast(base)
		} else {
			plan = d.monoPlan()
			levels = [3]byte{base<<1 | 1}
		}

		// All waits are deadlines from the cycle start, so scheduling
		// jitter inside one step does not stretch the cycle.
		rowPeriod := cycle / time.Duration(len(plan)*(d.opts.ParkRows+d.opts.FrameRows))
		parkWait := time.Duration(d.opts.ParkRows) * rowPeriod
		budget := cycle - time.Duration(len(plan))*parkWait
		deadline := time.Now()

		for i := range plan {
			select {
			case <-d.stop:
				return
			default:
			}

			// The sub-frame is loaded while parked, overlapping the bus
			// transfer with the settle wait: GDRAM writes do not disturb
			// the row counter, and less time parked means less light bleed
			// on the parked row.
			stepErr := parkRowCounter(d, &d.opts)
			if stepErr == nil {
				if err := loadFrame(d, plan[i].pix); err != nil {
					stepErr = err
				} else if err := setContrast(d, levels[i]); err != nil {
					stepErr = err
				}
			}
			deadline = deadline.Add(parkWait)
			sleepUntil(deadline)
			// Unpark even after a failed load. A skipped sub-frame flickers
			// for one cycle; a panel left on a 1-row scan goes dark.
			if err := unparkScan(d, &d.opts); err != nil {
				if stepErr == nil {
					stepErr = err
				}
			} else if stepErr == nil {
				// The drive level occasionally glitches when written only
				// once around the multiplex change.
				stepErr = setContrast(d, levels[i])
			}

			deadline = deadline.Add(time.Duration(plan[i].frac * float64(budget)))
			sleepUntil(deadline)

			if stepErr == nil {
				consecutive = 0
				continue
			}
			consecutive++
			d.reportBusError(stepErr)
			if consecutive >= maxConsecutiveBusErrors {
				err := fmt.Errorf("ssd1306gray: sync loop halted after %d consecutive bus failures: %w", consecutive, stepErr)
				d.setErr(err)
				if d.opts.OnBusError != nil {
					d.opts.OnBusError(err)
				}
				// Best effort hand-back so the panel keeps scanning.
				_ = initStandard(d, &d.opts)
				_ = d.sendData(d.frame.PlaneA.Pix)
				d.running.Store(false)
				return
			}
		}

		d.drainCommands()
	}
}

// drainCommands applies funneled application commands between cycles.
func (d *Dev) drainCommands() {
	for {
		select {
		case cmd := <-d.cmds:
			if err := d.sendCommand(cmd); err != nil {
				d.reportBusError(err)
			}
		default:
			return
		}
	}
}

func (d *Dev) reportBusError(err error) {
	d.setErr(err)
	if d.opts.OnBusError != nil {
		d.opts.OnBusError(err)
		return
	}
	if busDebug {
		log.Printf("ssd1306gray: %v", err)
	}
}

var busDebug = os.Getenv("SSD1306GRAY_DEBUG") != ""

// sleepUntil holds the goroutine to the deadline. The bulk goes to the
// timer; the tail is spun, since timer wakeups are too coarse for row
// period budgets.
func sleepUntil(t time.Time) {
	const spin = 500 * time.Microsecond
	if d := time.Until(t) - spin; d > 0 {
		time.Sleep(d)
	}
	for time.Now().Before(t) {
	}
}
