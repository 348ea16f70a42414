// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fatfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Space is the cluster accounting of a mounted volume.
type Space struct {
	TotalClusters     uint32
	FreeClusters      uint32
	SectorsPerCluster uint32
	SectorSize        uint32
}

func (s Space) ClusterSize() int64 {
	return int64(s.SectorsPerCluster) * int64(s.SectorSize)
}

func (s Space) TotalBytes() int64 {
	return int64(s.TotalClusters) * s.ClusterSize()
}

func (s Space) FreeBytes() int64 {
	return int64(s.FreeClusters) * s.ClusterSize()
}

func (s Space) UsedBytes() int64 {
	return s.TotalBytes() - s.FreeBytes()
}

// bpb holds the boot sector fields needed to walk the FAT.
type bpb struct {
	sectorSize        uint32
	sectorsPerCluster uint32
	reservedSectors   uint32
	fatCount          uint32
	totalSectors      uint32
	fatSectors        uint32
}

func parseBPB(b []byte) (*bpb, error) {
	if len(b) < 512 || b[510] != 0x55 || b[511] != 0xAA {
		return nil, fmt.Errorf("%w: missing boot sector signature", ErrInvalidVolume)
	}
	p := &bpb{
		sectorSize:        uint32(binary.LittleEndian.Uint16(b[11:13])),
		sectorsPerCluster: uint32(b[13]),
		reservedSectors:   uint32(binary.LittleEndian.Uint16(b[14:16])),
		fatCount:          uint32(b[16]),
		totalSectors:      uint32(binary.LittleEndian.Uint16(b[19:21])),
		fatSectors:        uint32(binary.LittleEndian.Uint16(b[22:24])),
	}
	if p.totalSectors == 0 {
		p.totalSectors = binary.LittleEndian.Uint32(b[32:36])
	}
	if p.fatSectors == 0 {
		p.fatSectors = binary.LittleEndian.Uint32(b[36:40])
	}
	if p.sectorSize == 0 || p.sectorsPerCluster == 0 || p.fatCount == 0 || p.fatSectors == 0 {
		return nil, fmt.Errorf("%w: zero field in boot sector", ErrInvalidVolume)
	}
	return p, nil
}

// fatEntries is the number of FAT entries, including the two reserved ones,
// that address data clusters.
func (p *bpb) fatEntries() uint32 {
	meta := p.reservedSectors + p.fatCount*p.fatSectors
	if meta >= p.totalSectors {
		return 0
	}
	n := (p.totalSectors-meta)/p.sectorsPerCluster + 2
	if limit := p.fatSectors * p.sectorSize / 4; n > limit {
		n = limit
	}
	return n
}

// freeSpace counts the zero entries of the first FAT. The FSInfo free count
// is not trusted.
func freeSpace(r io.ReaderAt) (Space, error) {
	boot := make([]byte, 512)
	if _, err := r.ReadAt(boot, 0); err != nil {
		return Space{}, fmt.Errorf("failed to read boot sector: %w", err)
	}
	p, err := parseBPB(boot)
	if err != nil {
		return Space{}, err
	}
	n := p.fatEntries()
	if n <= 2 {
		return Space{}, fmt.Errorf("%w: no data clusters", ErrInvalidVolume)
	}

	fat := make([]byte, p.sectorSize)
	base := int64(p.reservedSectors) * int64(p.sectorSize)
	perSector := p.sectorSize / 4
	var free uint32
	for first := uint32(0); first < n; first += perSector {
		if _, err := r.ReadAt(fat, base+int64(first)*4); err != nil {
			return Space{}, fmt.Errorf("failed to read fat: %w", err)
		}
		for i := uint32(0); i < perSector && first+i < n; i++ {
			if first+i < 2 {
				continue
			}
			if binary.LittleEndian.Uint32(fat[i*4:])&0x0FFFFFFF == 0 {
				free++
			}
		}
	}
	return Space{
		TotalClusters:     n - 2,
		FreeClusters:      free,
		SectorsPerCluster: p.sectorsPerCluster,
		SectorSize:        p.sectorSize,
	}, nil
}
