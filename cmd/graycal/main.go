// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// graycal calibrates the grayscale refresh cycle time for one panel.
//
// It shows a four-band test card and adjusts the timing from the keyboard
// until the image is stable, then persists the result. The value drifts
// with the individual controller's oscillator, so each panel is calibrated
// once.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/ssd1306gray"
)

func mainImpl() error {
	spiID := flag.String("spi", "", "SPI port to use")
	dcName := flag.String("dc", "22", "GPIO pin driving the data/command line")
	config := flag.String("config", "", "calibration document path")
	rotated := flag.Bool("rotated", false, "panel mounted upside down")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected arguments")
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	port, err := spireg.Open(*spiID)
	if err != nil {
		return err
	}
	defer port.Close()
	dc := gpioreg.ByName(*dcName)
	if dc == nil {
		return fmt.Errorf("no GPIO pin named %q", *dcName)
	}

	opts := ssd1306gray.DefaultOpts
	opts.Rotated = *rotated
	opts.ConfigPath = *config
	dev, err := ssd1306gray.NewSPI(port, dc, &opts)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		return err
	}

	fmt.Println("Adjust until the test card is stable, then until residual")
	fmt.Println("flicker bands move slowest. Each key needs enter:")
	fmt.Println("  +  coarse longer    -  coarse shorter")
	fmt.Println("  .  fine longer      ,  fine shorter")
	fmt.Println("  s  save and quit    q  quit without saving")

	events := make(chan ssd1306gray.CalibrationEvent)
	type result struct {
		v   time.Duration
		err error
	}
	resc := make(chan result, 1)
	go func() {
		v, err := dev.Calibrate(events)
		resc <- result{v, err}
	}()

	save := false
	closed := false
	sc := bufio.NewScanner(os.Stdin)
scan:
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "+":
			events <- ssd1306gray.CalibrationCoarseUp
		case "-":
			events <- ssd1306gray.CalibrationCoarseDown
		case ".":
			events <- ssd1306gray.CalibrationFineUp
		case ",":
			events <- ssd1306gray.CalibrationFineDown
		case "s":
			save = true
			events <- ssd1306gray.CalibrationSave
			break scan
		case "q":
			close(events)
			closed = true
			break scan
		}
	}
	if !save && !closed {
		close(events)
	}
	res := <-resc
	if res.err != nil {
		return res.err
	}
	if err := dev.Stop(); err != nil {
		return err
	}
	if save {
		if err := dev.Calibration().Commit(); err != nil {
			return err
		}
		path := opts.ConfigPath
		if path == "" {
			path = ssd1306gray.DefaultConfigPath
		}
		fmt.Printf("Saved %v cycle time to %s.\n", res.v, path)
	}
	return dev.Halt()
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "graycal: %s.\n", err)
		os.Exit(1)
	}
}
