// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"bytes"
	"fmt"
)

// MemoryFlash is a non-persistent internal flash held in RAM.
type MemoryFlash struct {
	data []byte
}

// NewMemoryFlash creates an erased flash of the given size.
func NewMemoryFlash(size int64) *MemoryFlash {
	return &MemoryFlash{data: bytes.Repeat([]byte{0xFF}, int(size))}
}

func (ms *MemoryFlash) ReadAt(p []byte, off int64) (int, error) {
	if err := bounds(ms.Size(), off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, ms.data[off:]), nil
}

func (ms *MemoryFlash) WriteAt(p []byte, off int64) (int, error) {
	if err := bounds(ms.Size(), off, len(p)); err != nil {
		return 0, err
	}
	return copy(ms.data[off:], p), nil
}

func (ms *MemoryFlash) Erase(off, length int64) error {
	if err := bounds(ms.Size(), off, int(length)); err != nil {
		return err
	}
	fillErased(ms.data[off : off+length])
	return nil
}

func (ms *MemoryFlash) Size() int64       { return int64(len(ms.data)) }
func (ms *MemoryFlash) SectorSize() int64 { return sectorSize }

// Map returns a direct view of the backing slice.
func (ms *MemoryFlash) Map(off, length int64) (*Mapping, error) {
	if err := bounds(ms.Size(), off, int(length)); err != nil {
		return nil, err
	}
	return &Mapping{data: ms.data[off : off+length : off+length]}, nil
}

func (ms *MemoryFlash) Close() error {
	return nil
}

const sectorSize = 4096

func bounds(size, off int64, n int) error {
	if off < 0 || n < 0 || off+int64(n) > size {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+int64(n), size)
	}
	return nil
}

func fillErased(b []byte) {
	for i := range b {
		b[i] = 0xFF
	}
}
