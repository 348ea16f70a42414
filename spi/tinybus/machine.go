// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

//go:build tinygo

package tinybus

import (
	"machine"

	"github.com/ffutop/extflash/spi"
)

// Configure sets up a hardware SPI controller on the given pins in mode 0.
func Configure(bus *machine.SPI, pins spi.Pins, speedHz uint32) (*Bus, error) {
	err := bus.Configure(machine.SPIConfig{
		Frequency: speedHz,
		SCK:       machine.Pin(pins.SCLK),
		SDO:       machine.Pin(pins.MOSI),
		SDI:       machine.Pin(pins.MISO),
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}
	cs := machine.Pin(pins.CS)
	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return New(bus, cs.Set), nil
}
