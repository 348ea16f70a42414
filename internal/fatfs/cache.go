// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fatfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ffutop/extflash/internal/partition"
)

const pageSize = 256

// sectorCache presents a partition as a seekable file and keeps one erase
// sector in RAM. Writes land in the cache. When the cached sector is
// written back, pages that only clear bits are programmed in place and the
// sector is erased only when some bit has to go from 0 to 1. This is the
// handle a volume is mounted through.
type sectorCache struct {
	part   *partition.Partition
	size   int64
	ss     int64
	sector int64 // offset of the cached sector, -1 when empty
	buf    []byte
	orig   []byte
	dirty  bool
	pos    int64

	erases   int
	programs int
}

func newSectorCache(p *partition.Partition) *sectorCache {
	ss := p.SectorSize()
	return &sectorCache{
		part:   p,
		size:   p.Size(),
		ss:     ss,
		sector: -1,
		buf:    make([]byte, ss),
		orig:   make([]byte, ss),
	}
}

func (c *sectorCache) load(sector int64) error {
	if c.sector == sector {
		return nil
	}
	if err := c.flush(); err != nil {
		return err
	}
	if _, err := c.part.ReadAt(c.orig, sector); err != nil {
		c.sector = -1
		return fmt.Errorf("failed to read sector 0x%x: %w", sector, err)
	}
	copy(c.buf, c.orig)
	c.sector = sector
	return nil
}

// flush writes the cached sector back if it changed.
func (c *sectorCache) flush() error {
	if !c.dirty {
		return nil
	}
	erase := false
	for i := range c.buf {
		if c.buf[i]&^c.orig[i] != 0 {
			erase = true
			break
		}
	}
	if erase {
		if err := c.part.EraseRange(c.sector, c.ss); err != nil {
			return fmt.Errorf("failed to erase sector 0x%x: %w", c.sector, err)
		}
		c.erases++
		for i := range c.orig {
			c.orig[i] = 0xFF
		}
	}
	for off := int64(0); off < c.ss; off += pageSize {
		page := c.buf[off : off+pageSize]
		if bytes.Equal(page, c.orig[off:off+pageSize]) {
			continue
		}
		if _, err := c.part.WriteAt(page, c.sector+off); err != nil {
			return fmt.Errorf("failed to program 0x%x: %w", c.sector+off, err)
		}
		c.programs++
	}
	copy(c.orig, c.buf)
	c.dirty = false
	return nil
}

func (c *sectorCache) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("fatfs: negative offset")
	}
	if off >= c.size {
		return 0, io.EOF
	}
	var err error
	if off+int64(len(p)) > c.size {
		p = p[:c.size-off]
		err = io.EOF
	}
	// Only the cached sector can differ from flash.
	if _, e := c.part.ReadAt(p, off); e != nil {
		return 0, e
	}
	if c.sector >= 0 && off < c.sector+c.ss && c.sector < off+int64(len(p)) {
		lo := max(off, c.sector)
		hi := min(off+int64(len(p)), c.sector+c.ss)
		copy(p[lo-off:hi-off], c.buf[lo-c.sector:hi-c.sector])
	}
	return len(p), err
}

func (c *sectorCache) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > c.size {
		return 0, fmt.Errorf("%w: write [%d, %d) of %d", partition.ErrOutOfRange, off, off+int64(len(p)), c.size)
	}
	done := 0
	for done < len(p) {
		at := off + int64(done)
		sector := at - at%c.ss
		if err := c.load(sector); err != nil {
			return done, err
		}
		start := at - sector
		n := copy(c.buf[start:], p[done:])
		if !bytes.Equal(c.buf[start:start+int64(n)], c.orig[start:start+int64(n)]) {
			c.dirty = true
		}
		done += n
	}
	return done, nil
}

func (c *sectorCache) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = c.pos + offset
	case io.SeekEnd:
		pos = c.size + offset
	default:
		return c.pos, fmt.Errorf("fatfs: invalid whence %d", whence)
	}
	if pos < 0 {
		return c.pos, errors.New("fatfs: negative position")
	}
	c.pos = pos
	return pos, nil
}

// release flushes and drops the cached sector.
func (c *sectorCache) release() error {
	err := c.flush()
	c.sector = -1
	c.buf, c.orig = nil, nil
	return err
}
