// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package spi defines the narrow bus contract the flash driver talks through.
//
// Every SPI NOR operation is an opcode (plus address and dummy bytes) sent to
// the chip followed by an optional read phase, with chip select held low for
// the whole transaction. Drivers live in subpackages:
//
//   - spidev:  Linux spidev through periph.io
//   - serprog: a flashrom serprog programmer on a serial line
//   - tinybus: a TinyGo drivers.SPI bus on the microcontroller itself
//   - sim:     a simulated W25Q-series chip in RAM or in an mmap'd image
package spi

import "io"

// Conn is a half-duplex SPI connection to a single chip.
type Conn interface {
	// WriteThenRead clocks out w, then clocks in len(r) bytes into r.
	// Chip select stays asserted from the first byte of w to the last byte of r.
	WriteThenRead(w, r []byte) error
	io.Closer
}

// IOMode is the number of data lines used for reads.
type IOMode string

const (
	IOModeSIO  IOMode = "sio"
	IOModeDIO  IOMode = "dio"
	IOModeQIO  IOMode = "qio"
	IOModeDOUT IOMode = "dout"
	IOModeQOUT IOMode = "qout"
)

// Valid reports whether m is one of the known modes.
func (m IOMode) Valid() bool {
	switch m {
	case IOModeSIO, IOModeDIO, IOModeQIO, IOModeDOUT, IOModeQOUT:
		return true
	}
	return false
}

// Quad reports whether m needs the WP and HD lines.
func (m IOMode) Quad() bool {
	return m == IOModeQIO || m == IOModeQOUT
}

// Pins describes the GPIO assignment of a bus. A negative number means the
// line is not connected.
type Pins struct {
	MOSI   int
	MISO   int
	SCLK   int
	CS     int
	QuadWP int
	QuadHD int
}
