// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package spinor is a driver for 24-bit addressed SPI NOR flash chips
// (Winbond W25Q, Macronix MX25L, GigaDevice GD25Q and compatibles).
package spinor

import (
	"errors"
	"fmt"
	"time"

	"github.com/ffutop/extflash/spi"
)

const (
	PageSize    = 256
	SectorSize  = 4 * 1024
	BlockSize   = 64 * 1024
	maxCapacity = 24 // 16 MiB, the limit of 3-byte addressing
	minCapacity = 16 // 64 KiB
)

const (
	opWriteEnable  = 0x06
	opReadStatus   = 0x05
	opRead         = 0x03
	opPageProgram  = 0x02
	opSectorErase  = 0x20
	opBlockErase64 = 0xD8
	opJEDECID      = 0x9F
	opReleasePD    = 0xAB

	statusBusy = 1 << 0
	statusWEL  = 1 << 1
)

var (
	ErrNoChip         = errors.New("spinor: no flash chip detected")
	ErrUnsupported    = errors.New("spinor: unsupported flash chip")
	ErrNotInitialized = errors.New("spinor: chip not initialized")
	ErrOutOfRange     = errors.New("spinor: access out of range")
	ErrAlignment      = errors.New("spinor: erase range not sector aligned")
	ErrTimeout        = errors.New("spinor: timed out waiting for chip")
	ErrWriteProtected = errors.New("spinor: write enable latch did not set")
)

const (
	// defaultReadChunk keeps command plus data within one 4 KiB transfer.
	defaultReadChunk   = 4096 - 4
	defaultBusyTimeout = 2 * time.Second
)

// Chip is an attached flash chip.
type Chip struct {
	conn spi.Conn
	id   uint32
	size int64

	// ReadChunk bounds the data phase of a single read transaction.
	ReadChunk int
	// BusyTimeout bounds the wait for a program or erase to complete.
	BusyTimeout time.Duration
}

// New attaches a chip on conn. Init must be called before any access.
func New(conn spi.Conn) *Chip {
	return &Chip{
		conn:        conn,
		ReadChunk:   defaultReadChunk,
		BusyTimeout: defaultBusyTimeout,
	}
}

// Init wakes the chip, reads its JEDEC id and derives the capacity.
func (c *Chip) Init() error {
	if err := c.conn.WriteThenRead([]byte{opReleasePD, 0, 0, 0}, nil); err != nil {
		return fmt.Errorf("failed to release power-down: %w", err)
	}
	id, err := c.readID()
	if err != nil {
		return err
	}
	if id == 0 || id == 0xFFFFFF {
		return fmt.Errorf("%w (id 0x%06x)", ErrNoChip, id)
	}
	capacity := byte(id)
	if capacity < minCapacity || capacity > maxCapacity {
		return fmt.Errorf("%w: capacity code 0x%02x (id 0x%06x)", ErrUnsupported, capacity, id)
	}
	c.id = id
	c.size = int64(1) << capacity
	return nil
}

func (c *Chip) readID() (uint32, error) {
	b := make([]byte, 3)
	if err := c.conn.WriteThenRead([]byte{opJEDECID}, b); err != nil {
		return 0, fmt.Errorf("failed to read jedec id: %w", err)
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// ReadID reads the JEDEC id from the chip.
func (c *Chip) ReadID() (uint32, error) {
	return c.readID()
}

// ID is the JEDEC id read by Init.
func (c *Chip) ID() uint32 {
	return c.id
}

// Size is the capacity in bytes, 0 before Init.
func (c *Chip) Size() int64 {
	return c.size
}

// SectorSize is the smallest erasable unit.
func (c *Chip) SectorSize() int64 {
	return SectorSize
}

func (c *Chip) check(off, n int64) error {
	if c.size == 0 {
		return ErrNotInitialized
	}
	if off < 0 || n < 0 || off+n > c.size {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+n, c.size)
	}
	return nil
}

// ReadAt reads len(p) bytes starting at off.
func (c *Chip) ReadAt(p []byte, off int64) (int, error) {
	if err := c.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	chunk := c.ReadChunk
	if chunk <= 0 {
		chunk = defaultReadChunk
	}
	done := 0
	for done < len(p) {
		n := len(p) - done
		if n > chunk {
			n = chunk
		}
		if err := c.conn.WriteThenRead(addrCmd(opRead, off+int64(done)), p[done:done+n]); err != nil {
			return done, fmt.Errorf("failed to read at 0x%06x: %w", off+int64(done), err)
		}
		done += n
	}
	return done, nil
}

// WriteAt programs p at off. The target range must have been erased.
func (c *Chip) WriteAt(p []byte, off int64) (int, error) {
	if err := c.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	done := 0
	for done < len(p) {
		addr := off + int64(done)
		n := PageSize - int(addr%PageSize)
		if n > len(p)-done {
			n = len(p) - done
		}
		if err := c.writeEnable(); err != nil {
			return done, err
		}
		cmd := append(addrCmd(opPageProgram, addr), p[done:done+n]...)
		if err := c.conn.WriteThenRead(cmd, nil); err != nil {
			return done, fmt.Errorf("failed to program at 0x%06x: %w", addr, err)
		}
		if err := c.waitReady(); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// Erase erases [off, off+length), which must be sector aligned. Aligned 64 KiB
// spans use block erase.
func (c *Chip) Erase(off, length int64) error {
	if err := c.check(off, length); err != nil {
		return err
	}
	if off%SectorSize != 0 || length%SectorSize != 0 {
		return fmt.Errorf("%w: [0x%x, 0x%x)", ErrAlignment, off, off+length)
	}
	end := off + length
	for off < end {
		op, step := byte(opSectorErase), int64(SectorSize)
		if off%BlockSize == 0 && end-off >= BlockSize {
			op, step = opBlockErase64, BlockSize
		}
		if err := c.writeEnable(); err != nil {
			return err
		}
		if err := c.conn.WriteThenRead(addrCmd(op, off), nil); err != nil {
			return fmt.Errorf("failed to erase at 0x%06x: %w", off, err)
		}
		if err := c.waitReady(); err != nil {
			return err
		}
		off += step
	}
	return nil
}

func (c *Chip) status() (byte, error) {
	b := make([]byte, 1)
	if err := c.conn.WriteThenRead([]byte{opReadStatus}, b); err != nil {
		return 0, fmt.Errorf("failed to read status: %w", err)
	}
	return b[0], nil
}

func (c *Chip) writeEnable() error {
	if err := c.conn.WriteThenRead([]byte{opWriteEnable}, nil); err != nil {
		return fmt.Errorf("failed to set write enable: %w", err)
	}
	st, err := c.status()
	if err != nil {
		return err
	}
	if st&statusWEL == 0 {
		return ErrWriteProtected
	}
	return nil
}

func (c *Chip) waitReady() error {
	deadline := time.Now().Add(c.BusyTimeout)
	for {
		st, err := c.status()
		if err != nil {
			return err
		}
		if st&statusBusy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func addrCmd(op byte, addr int64) []byte {
	return []byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}
