// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapFlash is an internal flash image backed by a memory-mapped file.
// Map hands out separate read-only mappings of the image, the way the flash
// cache exposes a partition to the CPU.
type MmapFlash struct {
	path string
	file *os.File
	data mmap.MMap
}

// OpenMmapFlash maps the image at path, creating or resizing it to size.
func OpenMmapFlash(path string, size int64) (*MmapFlash, error) {
	f, err := openImage(path, size)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &MmapFlash{path: path, file: f, data: data}, nil
}

func (ms *MmapFlash) ReadAt(p []byte, off int64) (int, error) {
	if err := bounds(ms.Size(), off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, ms.data[off:]), nil
}

func (ms *MmapFlash) WriteAt(p []byte, off int64) (int, error) {
	if err := bounds(ms.Size(), off, len(p)); err != nil {
		return 0, err
	}
	return copy(ms.data[off:], p), nil
}

func (ms *MmapFlash) Erase(off, length int64) error {
	if err := bounds(ms.Size(), off, int(length)); err != nil {
		return err
	}
	fillErased(ms.data[off : off+length])
	return nil
}

func (ms *MmapFlash) Size() int64       { return int64(len(ms.data)) }
func (ms *MmapFlash) SectorSize() int64 { return sectorSize }

// Map flushes pending writes and maps [off, off+length) read-only.
func (ms *MmapFlash) Map(off, length int64) (*Mapping, error) {
	if err := bounds(ms.Size(), off, int(length)); err != nil {
		return nil, err
	}
	if err := ms.data.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush mmap: %w", err)
	}
	// Mapping offsets must be page aligned.
	page := int64(os.Getpagesize())
	start := off - off%page
	region, err := mmap.MapRegion(ms.file, int(off-start+length), mmap.RDONLY, 0, start)
	if err != nil {
		return nil, fmt.Errorf("mmap region failed: %w", err)
	}
	return &Mapping{
		data:    region[off-start:],
		release: region.Unmap,
	}, nil
}

// Flush writes dirty pages back to the image.
func (ms *MmapFlash) Flush() error {
	if ms.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	return ms.data.Flush()
}

// Close flushes, unmaps and closes the file.
func (ms *MmapFlash) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Flush(); e != nil {
			slog.Error("Failed to flush mmap", "path", ms.path, "err", e)
			err = e
		}
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
