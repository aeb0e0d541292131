// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ssd1306gray

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GermanBionicSystems/ssd1306gray/image2bit"
)

func stubParallelism(t *testing.T, n int) {
	t.Helper()
	prev := parallelism
	parallelism = func() int { return n }
	t.Cleanup(func() { parallelism = prev })
}

// fastDev builds a Dev whose calibration document prescribes a 2ms cycle so
// lifecycle tests run in milliseconds instead of real panel time.
func fastDev(t *testing.T, opts *Opts) (*Dev, *fakeConn) {
	t.Helper()
	stubParallelism(t, 2)
	path := filepath.Join(t.TempDir(), "grayscale.conf.json")
	if err := os.WriteFile(path, []byte(`{"displayRefreshTime": 2000}`), 0o644); err != nil {
		t.Fatal(err)
	}
	o := *opts
	o.ConfigPath = path
	return testDev(t, &o)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allBytes(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}

func TestStartStop(t *testing.T) {
	d, _ := fastDev(t, &DefaultOpts)
	if d.Running() {
		t.Fatal("Running() before Start()")
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !d.Running() {
		t.Error("Running() false after Start()")
	}
	if got := d.Calibration().CycleTime(); got != 2*time.Millisecond {
		t.Errorf("CycleTime() = %v, want the persisted 2ms", got)
	}
	if err := d.Start(); err != nil {
		t.Errorf("second Start() = %v, want no-op", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if d.Running() {
		t.Error("Running() true after Stop()")
	}
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want no-op", err)
	}
}

func TestStopRestoresScan(t *testing.T) {
	d, c := fastDev(t, &DefaultOpts)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	recs := c.records()
	last := recs[len(recs)-1]
	if last.command || len(last.data) != 360 {
		t.Fatalf("last transaction %+v, want the plane A repaint", last)
	}
	// The last multiplex ratio on the bus must be the full panel height, not
	// the parked or over-scanned values the engine cycles through.
	mux := -1
	for i := len(recs) - 1; i >= 0 && mux < 0; i-- {
		if !recs[i].command {
			continue
		}
		if j := bytes.IndexByte(recs[i].data, setMultiplex); j >= 0 && j+1 < len(recs[i].data) {
			mux = int(recs[i].data[j+1])
		}
	}
	if mux != 39 {
		t.Errorf("final multiplex ratio = %d, want 39", mux)
	}
}

func TestStartNoParallelism(t *testing.T) {
	d, c := testDev(t, &DefaultOpts)
	stubParallelism(t, 1)
	c.reset()

	if err := d.Start(); !errors.Is(err, ErrNoParallelism) {
		t.Fatalf("Start() = %v, want ErrNoParallelism", err)
	}
	if d.Running() {
		t.Error("Running() true after refused Start()")
	}
	if n := len(c.records()); n != 0 {
		t.Errorf("refused Start() sent %d transactions, want none", n)
	}
}

func TestCycleProtocol(t *testing.T) {
	d, c := fastDev(t, &DefaultOpts)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer d.Stop()
	c.reset()

	park := []byte{setMultiplex, 0x00, setDisplayOffset, 52}
	unpark := []byte{setDisplayOffset, 47, setMultiplex, 56}
	var step []busRecord
	waitFor(t, "one complete sub-frame step", func() bool {
		recs := c.records()
		for i, r := range recs {
			if r.command && bytes.Equal(r.data, park) && len(recs) >= i+5 {
				step = recs[i : i+5]
				return true
			}
		}
		return false
	})

	if step[1].command || len(step[1].data) != 360 {
		t.Errorf("after parking got %+v, want a 360 byte sub-frame load", step[1])
	}
	lvl := step[2].data
	if !step[2].command || len(lvl) != 2 || lvl[0] != contrastControl {
		t.Fatalf("after loading got %+v, want a contrast command", step[2])
	}
	switch lvl[1] {
	case 3, 127, 255:
	default:
		t.Errorf("sub-frame drive level %d, want one derived from base 127", lvl[1])
	}
	if !step[3].command || !bytes.Equal(step[3].data, unpark) {
		t.Errorf("resume scan sent %#x, want %#x", step[3].data, unpark)
	}
	if !bytes.Equal(step[4].data, lvl) {
		t.Errorf("drive level rewritten as %#x, want %#x again", step[4].data, lvl)
	}
}

func TestGrayscaleToggle(t *testing.T) {
	d, c := fastDev(t, &DefaultOpts)
	d.Frame().Fill(image2bit.LightGray)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer d.Stop()

	// LightGray is lit on plane A only, so a grayscale cycle alternates
	// all-ones and all-zeros sub-frames.
	waitFor(t, "both planes on the bus", func() bool {
		var ones, zeros bool
		for _, r := range c.records() {
			if r.command || len(r.data) != 360 {
				continue
			}
			ones = ones || allBytes(r.data, 0xFF)
			zeros = zeros || allBytes(r.data, 0x00)
		}
		return ones && zeros
	})

	d.DisableGrayscale()
	// Let the cycle that may still be on the grayscale plan finish.
	time.Sleep(20 * time.Millisecond)
	c.reset()
	waitFor(t, "pass-through sub-frames", func() bool {
		n := 0
		for _, r := range c.records() {
			if !r.command && len(r.data) == 360 {
				n++
			}
		}
		return n >= 6
	})
	for i, r := range c.records() {
		if r.command || len(r.data) != 360 {
			continue
		}
		if !allBytes(r.data, 0xFF) {
			t.Fatalf("transaction %d shows a non-A plane in pass-through mode", i)
		}
	}
}

func TestEngineRecoversFromBusErrors(t *testing.T) {
	var calls atomic.Int32
	o := DefaultOpts
	o.OnBusError = func(error) { calls.Add(1) }
	d, c := fastDev(t, &o)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	c.setFailN(2)

	waitFor(t, "the bus error to be recorded", func() bool { return d.Err() != nil })
	if !errors.Is(d.Err(), errTx) {
		t.Errorf("Err() = %v, want the transport error", d.Err())
	}
	if calls.Load() == 0 {
		t.Error("OnBusError was never called")
	}
	if !d.Running() {
		t.Fatal("engine gave up after a transient error")
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start() after recovery failed: %v", err)
	}
	if d.Err() != nil {
		t.Errorf("Start() left the stale error %v", d.Err())
	}
	d.Stop()
}

func TestEngineHaltsAfterPersistentBusFailure(t *testing.T) {
	var mu sync.Mutex
	var last error
	o := DefaultOpts
	o.OnBusError = func(err error) {
		mu.Lock()
		last = err
		mu.Unlock()
	}
	d, c := fastDev(t, &o)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	c.setFailN(-1)

	waitFor(t, "the engine to declare the bus dead", func() bool { return !d.Running() })
	err := d.Err()
	if err == nil || !strings.Contains(err.Error(), "halted") {
		t.Fatalf("Err() = %v, want the halt error", err)
	}
	if !errors.Is(err, errTx) {
		t.Errorf("Err() = %v does not wrap the transport error", err)
	}
	mu.Lock()
	cb := last
	mu.Unlock()
	if cb == nil || !strings.Contains(cb.Error(), "halted") {
		t.Errorf("last OnBusError = %v, want the halt error", cb)
	}

	// The handle is back in the stopped state: Stop is a no-op and a new
	// Start recovers once the bus does.
	c.setFailN(0)
	n := len(c.records())
	if err := d.Stop(); err != nil {
		t.Errorf("Stop() after self-exit = %v", err)
	}
	if len(c.records()) != n {
		t.Error("Stop() after self-exit touched the bus")
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() after bus recovery failed: %v", err)
	}
	if d.Err() != nil {
		t.Errorf("Start() left the stale error %v", d.Err())
	}
	d.Stop()
}

func TestCommandsFunneledWhileRunning(t *testing.T) {
	d, c := fastDev(t, &DefaultOpts)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer d.Stop()
	c.reset()

	if err := d.Invert(true); err != nil {
		t.Fatalf("Invert() while running failed: %v", err)
	}
	waitFor(t, "the funneled command on the bus", func() bool {
		for _, r := range c.records() {
			if r.command && len(r.data) == 1 && r.data[0] == invertDisplay {
				return true
			}
		}
		return false
	})
}

func TestDrawWhileRunning(t *testing.T) {
	d, _ := fastDev(t, &DefaultOpts)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer d.Stop()
	// Draw only mutates the frame; the engine owns the bus and shows the
	// new contents on its next cycle.
	img := image.NewGray(d.Bounds())
	img.SetGray(1, 1, color.Gray{Y: 0xFF})
	if err := d.Draw(d.Bounds(), img, image.Point{}); err != nil {
		t.Fatalf("Draw() while running failed: %v", err)
	}
	if err := d.Show(); err != nil {
		t.Fatalf("Show() while running failed: %v", err)
	}
	if got := d.Frame().Gray2At(1, 1); got != image2bit.White {
		t.Errorf("Gray2At(1, 1) = %s, want White", got)
	}
}

func TestSubframeContrast(t *testing.T) {
	for _, tc := range []struct {
		base byte
		want [3]byte
	}{
		{0, [3]byte{0, 0, 1}},
		{28, [3]byte{0, 28, 57}},
		{64, [3]byte{2, 64, 129}},
		{127, [3]byte{3, 127, 255}},
	} {
		if got := subframeContrast(tc.base); got != tc.want {
			t.Errorf("subframeContrast(%d) = %v, want %v", tc.base, got, tc.want)
		}
	}
}

func TestGrayPlanFractions(t *testing.T) {
	d, _ := testDev(t, &DefaultOpts)
	plan := d.grayPlan()
	if len(plan) != 3 {
		t.Fatalf("grayscale plan has %d steps, want 3", len(plan))
	}
	want := []float64{0.5, 0.25, 0.25}
	total := 0.0
	for i, s := range plan {
		if s.frac != want[i] {
			t.Errorf("step %d fraction = %v, want %v", i, s.frac, want[i])
		}
		if len(s.pix) != 360 {
			t.Errorf("step %d is %d bytes, want 360", i, len(s.pix))
		}
		total += s.frac
	}
	if total != 1 {
		t.Errorf("fractions sum to %v, want 1", total)
	}
	if mono := d.monoPlan(); len(mono) != 1 || mono[0].frac != 1 {
		t.Errorf("mono plan = %+v, want one full-cycle step", mono)
	}
}
