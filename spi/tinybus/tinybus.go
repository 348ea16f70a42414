// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tinybus adapts a TinyGo SPI peripheral to spi.Conn so the same flash
// driver runs on the console's microcontroller.
package tinybus

import (
	"errors"
	"fmt"

	"tinygo.org/x/drivers"
)

// Bus is a drivers.SPI with a software controlled chip select line.
type Bus struct {
	spi drivers.SPI
	cs  func(high bool)
}

// New wraps bus. chipSelect drives the active-low CS line.
func New(bus drivers.SPI, chipSelect func(high bool)) *Bus {
	chipSelect(true)
	return &Bus{spi: bus, cs: chipSelect}
}

// WriteThenRead holds CS low across both phases.
func (b *Bus) WriteThenRead(w, r []byte) error {
	if b.spi == nil {
		return errors.New("tinybus: bus closed")
	}
	b.cs(false)
	defer b.cs(true)

	if err := b.spi.Tx(w, nil); err != nil {
		return fmt.Errorf("spi write phase failed: %w", err)
	}
	if len(r) == 0 {
		return nil
	}
	if err := b.spi.Tx(nil, r); err != nil {
		return fmt.Errorf("spi read phase failed: %w", err)
	}
	return nil
}

// Close releases the chip select and detaches the bus.
func (b *Bus) Close() error {
	if b.spi != nil {
		b.cs(true)
		b.spi = nil
	}
	return nil
}
