// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package spidev drives a flash chip wired to a Linux spidev port.
package spidev

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// DefaultMaxTransfer matches the default spidev bufsiz of the kernel.
const DefaultMaxTransfer = 4096

var hostOnce struct {
	sync.Once
	err error
}

// Conn is a spidev port connected in mode 0, 8 bits per word.
type Conn struct {
	port spi.PortCloser
	conn spi.Conn

	// MaxTransfer bounds a single transaction (write + read phase).
	MaxTransfer int
}

// Open initialises the periph host drivers once and connects to the named port
// ("" selects the first registered port, otherwise e.g. "/dev/spidev1.0" or "SPI1.0").
func Open(name string, speedHz int64) (*Conn, error) {
	hostOnce.Do(func() {
		_, hostOnce.err = host.Init()
	})
	if hostOnce.err != nil {
		return nil, fmt.Errorf("failed to initialise host drivers: %w", hostOnce.err)
	}

	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open spi port %q: %w", name, err)
	}
	conn, err := port.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect spi port %q: %w", name, err)
	}
	slog.Debug("spidev connected", "port", port.String(), "speed_hz", speedHz)
	return &Conn{port: port, conn: conn, MaxTransfer: DefaultMaxTransfer}, nil
}

// WriteThenRead runs one full-duplex transfer and discards the bytes clocked in
// during the write phase.
func (c *Conn) WriteThenRead(w, r []byte) error {
	n := len(w) + len(r)
	if c.MaxTransfer > 0 && n > c.MaxTransfer {
		return fmt.Errorf("spi transfer of %d bytes exceeds limit %d", n, c.MaxTransfer)
	}
	tx := make([]byte, n)
	copy(tx, w)
	if len(r) == 0 {
		return c.conn.Tx(tx, nil)
	}
	rx := make([]byte, n)
	if err := c.conn.Tx(tx, rx); err != nil {
		return err
	}
	copy(r, rx[len(w):])
	return nil
}

// Close releases the port.
func (c *Conn) Close() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}
