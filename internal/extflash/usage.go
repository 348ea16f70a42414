// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ffutop/extflash/internal/fatfs"
)

// Usage returns the cluster accounting of the volume.
func (s *Session) Usage() (fatfs.Space, error) {
	vol, err := s.volume()
	if err != nil {
		return fatfs.Space{}, err
	}
	sp, err := vol.FreeSpace()
	switch {
	case errors.Is(err, fatfs.ErrInvalidVolume):
		return fatfs.Space{}, fmt.Errorf("%w: %v", ErrInvalidFilesystem, err)
	case err != nil:
		return fatfs.Space{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return sp, nil
}

// UsagePercent returns the used share of the volume in [1, 100]. An empty
// volume reports 1 so that a mounted card never shows as absent.
func (s *Session) UsagePercent() (int, error) {
	sp, err := s.Usage()
	if err != nil {
		return 0, err
	}
	slog.Info("FAT FS", "total_kb", sp.TotalBytes()/1024, "free_kb", sp.FreeBytes()/1024)
	return usagePercent(sp.TotalBytes(), sp.FreeBytes())
}

func usagePercent(total, free int64) (int, error) {
	if total <= 0 {
		return 0, fmt.Errorf("%w: total size is %d", ErrInvalidFilesystem, total)
	}
	if free < 0 || free > total {
		return 0, fmt.Errorf("%w: %d bytes free of %d", ErrInvalidFilesystem, free, total)
	}
	pct := 100 - int(free*100/total)
	if pct == 0 {
		pct = 1
	}
	return pct, nil
}
