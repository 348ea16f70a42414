// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"bytes"
	"fmt"
	"os"
)

// FileFlash is an internal flash image accessed with plain file operations.
// Map copies the range into memory.
type FileFlash struct {
	path string
	file *os.File
	size int64
}

// OpenFileFlash opens the image at path, creating or resizing it to size.
// A resized image is erased.
func OpenFileFlash(path string, size int64) (*FileFlash, error) {
	f, err := openImage(path, size)
	if err != nil {
		return nil, err
	}
	return &FileFlash{path: path, file: f, size: size}, nil
}

// openImage opens path, creating if necessary, and makes sure it holds an
// erased image of exactly size bytes.
func openImage(path string, size int64) (*os.File, error) {
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
			return nil, fmt.Errorf("failed to resize flash image: %w", err)
		}
		blank := bytes.Repeat([]byte{0xFF}, sectorSize)
		for off := int64(0); off < size; off += sectorSize {
			n := min(size-off, sectorSize)
			if _, err := f.WriteAt(blank[:n], off); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to erase flash image: %w", err)
			}
		}
	}
	return f, nil
}

func (ms *FileFlash) ReadAt(p []byte, off int64) (int, error) {
	if err := bounds(ms.size, off, len(p)); err != nil {
		return 0, err
	}
	return ms.file.ReadAt(p, off)
}

func (ms *FileFlash) WriteAt(p []byte, off int64) (int, error) {
	if err := bounds(ms.size, off, len(p)); err != nil {
		return 0, err
	}
	return ms.file.WriteAt(p, off)
}

func (ms *FileFlash) Erase(off, length int64) error {
	if err := bounds(ms.size, off, int(length)); err != nil {
		return err
	}
	blank := bytes.Repeat([]byte{0xFF}, sectorSize)
	for end := off + length; off < end; off += sectorSize {
		n := min(end-off, sectorSize)
		if _, err := ms.file.WriteAt(blank[:n], off); err != nil {
			return fmt.Errorf("failed to erase at 0x%x: %w", off, err)
		}
	}
	return nil
}

func (ms *FileFlash) Size() int64       { return ms.size }
func (ms *FileFlash) SectorSize() int64 { return sectorSize }

// Map reads the range into a private buffer.
func (ms *FileFlash) Map(off, length int64) (*Mapping, error) {
	buf := make([]byte, length)
	if _, err := ms.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return &Mapping{data: buf}, nil
}

// Sync flushes the image to disk.
func (ms *FileFlash) Sync() error {
	if err := ms.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (ms *FileFlash) Close() error {
	if ms.file == nil {
		return nil
	}
	err := ms.Sync()
	if e := ms.file.Close(); e != nil {
		err = e
	}
	ms.file = nil
	return err
}
