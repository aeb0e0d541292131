// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// graydemo renders a four-shade test scene on a 72x40 SSD1306 and keeps it
// on screen with the grayscale sync engine until interrupted.
//
// With -term the scene goes to the terminal instead, so it can be checked
// without hardware.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/ssd1306gray"
	"github.com/GermanBionicSystems/ssd1306gray/screen2d"
)

func mainImpl() error {
	spiID := flag.String("spi", "", "SPI port to use")
	dcName := flag.String("dc", "22", "GPIO pin driving the data/command line")
	term := flag.Bool("term", false, "render to the terminal instead of a panel")
	contrast := flag.Int("contrast", 127, "base contrast, 0 to 127")
	config := flag.String("config", "", "calibration document path")
	rotated := flag.Bool("rotated", false, "panel mounted upside down")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected arguments")
	}

	img, err := renderScene()
	if err != nil {
		return err
	}

	if *term {
		scr := screen2d.New(&screen2d.Opts{})
		defer scr.Halt()
		return scr.Draw(scr.Bounds(), img, image.Point{})
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
	opts.Contrast = byte(*contrast)
	opts.ConfigPath = *config
	dev, err := ssd1306gray.NewSPI(port, dc, &opts)
	if err != nil {
		return err
	}

	if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		return err
	}
	fmt.Printf("Showing on %s, interrupt to quit.\n", dev)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	if err := dev.Stop(); err != nil {
		return err
	}
	return dev.Halt()
}

// renderScene draws three filled circles in the three lit shades, with a
// white border and label. The fills land exactly on the quantization levels
// so the scene doubles as a shade check.
func renderScene() (image.Image, error) {
	const w, h = 72, 40
	dc := gg.NewContext(w, h)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	dc.SetFontFace(truetype.NewFace(f, &truetype.Options{Size: 11}))
	dc.SetRGB(1, 1, 1)
	dc.DrawString("gray", 5, 14)

	for i, s := range []float64{0.25, 0.5, 1} {
		dc.SetRGB(s, s, s)
		dc.DrawCircle(float64(14+22*i), 28, 7)
		dc.Fill()
	}

	dc.SetRGB(1, 1, 1)
	dc.SetLineWidth(1)
	dc.DrawRoundedRectangle(1, 1, w-2, h-2, 4)
	dc.Stroke()
	return dc.Image(), nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "graydemo: %s.\n", err)
		os.Exit(1)
	}
}
