// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package sim is a simulated W25Q-series SPI NOR flash chip.
//
// It decodes the standard opcode set on WriteThenRead and keeps NOR
// semantics: programming can only clear bits, erasing sets whole sectors
// back to 0xFF, and both require a preceding write-enable. The array lives
// in RAM or in a memory-mapped image file so a development machine can keep
// a flash image across runs.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Well known JEDEC ids (manufacturer, memory type, capacity).
const (
	W25Q16  uint32 = 0xEF4015
	W25Q32  uint32 = 0xEF4016
	W25Q64  uint32 = 0xEF4017
	W25Q128 uint32 = 0xEF4018
)

const (
	pageSize = 256

	opWriteEnable  = 0x06
	opWriteDisable = 0x04
	opReadStatus   = 0x05
	opRead         = 0x03
	opFastRead     = 0x0B
	opPageProgram  = 0x02
	opSectorErase  = 0x20
	opBlockErase32 = 0x52
	opBlockErase64 = 0xD8
	opChipErase    = 0xC7
	opChipErase2   = 0x60
	opJEDECID      = 0x9F
	opPowerDown    = 0xB9
	opReleasePD    = 0xAB

	statusWEL = 1 << 1
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sim: chip closed")

// Chip is a simulated flash chip. It implements spi.Conn.
type Chip struct {
	mu          sync.Mutex
	id          [3]byte
	mem         []byte
	file        *os.File
	mapped      mmap.MMap
	wel         bool
	poweredDown bool
	closed      bool

	// Counters for tests and debug logs.
	Programs int
	Erases   int
}

// New returns a blank chip held in RAM.
func New(jedec uint32) *Chip {
	c := &Chip{id: splitID(jedec)}
	c.mem = bytes.Repeat([]byte{0xFF}, int(c.Size()))
	return c
}

// OpenImage backs the chip by an image file. A missing or wrongly sized image
// is (re)created blank.
func OpenImage(path string, jedec uint32) (*Chip, error) {
	c := &Chip{id: splitID(jedec)}
	size := c.Size()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != size {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to reset flash image: %w", err)
		}
		if _, err := f.WriteAt(bytes.Repeat([]byte{0xFF}, int(size)), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to blank flash image: %w", err)
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	c.file = f
	c.mapped = m
	c.mem = m
	return c, nil
}

func splitID(jedec uint32) [3]byte {
	return [3]byte{byte(jedec >> 16), byte(jedec >> 8), byte(jedec)}
}

// Size is the capacity encoded in the JEDEC id.
func (c *Chip) Size() int64 {
	return int64(1) << c.id[2]
}

// Bytes exposes the array. Writes to it bypass program and erase semantics.
func (c *Chip) Bytes() []byte {
	return c.mem
}

// PowerDown puts the chip in deep power-down, as after a cold boot of some boards.
func (c *Chip) PowerDown() {
	c.mu.Lock()
	c.poweredDown = true
	c.mu.Unlock()
}

// WriteThenRead executes one chip-select cycle.
func (c *Chip) WriteThenRead(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if len(w) == 0 {
		return errors.New("sim: empty transaction")
	}
	op := w[0]
	if c.poweredDown {
		if op == opReleasePD {
			c.poweredDown = false
		}
		fill(r, 0xFF)
		return nil
	}

	switch op {
	case opJEDECID:
		for i := range r {
			if i < len(c.id) {
				r[i] = c.id[i]
			} else {
				r[i] = 0
			}
		}
	case opReleasePD:
		fill(r, c.id[2]-1)
	case opPowerDown:
		c.poweredDown = true
	case opWriteEnable:
		c.wel = true
	case opWriteDisable:
		c.wel = false
	case opReadStatus:
		var status byte
		if c.wel {
			status |= statusWEL
		}
		fill(r, status)
	case opRead, opFastRead:
		need := 4
		if op == opFastRead {
			need = 5
		}
		if len(w) < need {
			return fmt.Errorf("sim: short read command (%d bytes)", len(w))
		}
		addr := c.addr(w[1:4])
		for i := range r {
			r[i] = c.mem[(addr+int64(i))%c.Size()]
		}
	case opPageProgram:
		if len(w) < 4 {
			return fmt.Errorf("sim: short program command (%d bytes)", len(w))
		}
		if !c.wel {
			return nil
		}
		addr := c.addr(w[1:4])
		page := addr &^ (pageSize - 1)
		data := w[4:]
		if len(data) > pageSize {
			data = data[len(data)-pageSize:]
		}
		for i, b := range data {
			off := page + (addr-page+int64(i))%pageSize
			c.mem[off] &= b
		}
		c.wel = false
		c.Programs++
	case opSectorErase, opBlockErase32, opBlockErase64:
		if len(w) < 4 {
			return fmt.Errorf("sim: short erase command (%d bytes)", len(w))
		}
		if !c.wel {
			return nil
		}
		size := int64(4096)
		switch op {
		case opBlockErase32:
			size = 32 * 1024
		case opBlockErase64:
			size = 64 * 1024
		}
		start := c.addr(w[1:4]) &^ (size - 1)
		fill(c.mem[start:start+size], 0xFF)
		c.wel = false
		c.Erases++
	case opChipErase, opChipErase2:
		if !c.wel {
			return nil
		}
		fill(c.mem, 0xFF)
		c.wel = false
		c.Erases++
	default:
		return fmt.Errorf("sim: unsupported opcode 0x%02x", op)
	}
	return nil
}

func (c *Chip) addr(b []byte) int64 {
	a := int64(b[0])<<16 | int64(b[1])<<8 | int64(b[2])
	return a % c.Size()
}

// Close flushes and unmaps an image backed chip.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.mapped != nil {
		if e := c.mapped.Flush(); e != nil {
			err = e
		}
		if e := c.mapped.Unmap(); e != nil {
			err = e
		}
		c.mapped = nil
		c.mem = nil
	}
	if c.file != nil {
		if e := c.file.Close(); e != nil {
			err = e
		}
		c.file = nil
	}
	return err
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
