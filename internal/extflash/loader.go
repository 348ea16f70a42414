// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ffutop/extflash/internal/crc"
	"github.com/ffutop/extflash/internal/fatfs"
	"github.com/ffutop/extflash/internal/partition"
)

// Region is a ROM staged in internal flash and mapped for the emulator.
type Region struct {
	// Data maps the whole partition. Only Data[:Size] is the ROM.
	Data      []byte
	Size      int64
	Checksum  uint16
	Partition string

	mapping *partition.Mapping
}

// ROM returns the staged bytes.
func (r *Region) ROM() []byte {
	if r.Data == nil {
		return nil
	}
	return r.Data[:r.Size]
}

// Close unmaps the region. Data is invalid afterwards.
func (r *Region) Close() error {
	r.Data = nil
	if r.mapping == nil {
		return nil
	}
	err := r.mapping.Unmap()
	r.mapping = nil
	return err
}

// LoadGame erases the loader partition, streams the file at name into it and
// maps the result. name is either under the mount point, e.g.
// "/ext_flash/TETRIS.GB", or a bare file name. A write failure leaves the
// partition partially written.
func (s *Session) LoadGame(name string) (*Region, error) {
	vol, err := s.volume()
	if err != nil {
		return nil, err
	}
	cfg := s.storage.cfg.Loader
	part, ok := s.storage.table.Find(partition.TypeData, partition.SubtypeAny, cfg.Partition)
	if !ok {
		slog.Error("Partition not found", "label", cfg.Partition)
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, cfg.Partition)
	}
	slog.Info("Partition size", "label", part.Label(), "size_kb", part.Size()/1024)

	if err := part.EraseRange(0, part.Size()); err != nil {
		return nil, fmt.Errorf("%w: erase %s: %v", ErrIO, part.Label(), err)
	}

	f, err := vol.Open(s.resolve(name))
	if err != nil {
		if errors.Is(err, fatfs.ErrNotExist) {
			slog.Error("Failed to open file for reading", "path", name)
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, name, err)
	}
	defer f.Close()

	bp, err := getBuffer(cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer putBuffer(bp)
	buf := *bp

	var sum crc.CRC
	sum.Reset()
	var size int64
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			if size+int64(n) > part.Size() {
				return nil, fmt.Errorf("%w: %s exceeds %d bytes of %s", ErrROMTooLarge, name, part.Size(), part.Label())
			}
			if _, err := part.WriteAt(buf[:n], size); err != nil {
				slog.Error("Failed to write ROM chunk", "offset", size, "err", err)
				return nil, fmt.Errorf("%w: write at 0x%x of %s: %v", ErrIO, size, part.Label(), err)
			}
			sum.PushBytes(buf[:n])
			size += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrIO, name, rerr)
		}
	}

	m, err := part.Map(0, part.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %v", ErrIO, part.Label(), err)
	}
	r := &Region{
		Data:      m.Bytes(),
		Size:      size,
		Checksum:  sum.Value(),
		Partition: part.Label(),
		mapping:   m,
	}
	if cfg.Verify {
		if got := crc.Checksum(r.ROM()); got != r.Checksum {
			r.Close()
			return nil, fmt.Errorf("%w: crc 0x%04x, streamed 0x%04x", ErrVerifyFailed, got, sum.Value())
		}
	}
	slog.Info("ROM staged", "path", name, "size", size, "partition", part.Label(), "crc", fmt.Sprintf("0x%04x", r.Checksum))
	return r, nil
}
