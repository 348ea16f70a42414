// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// StoreGame writes r to name on the volume, replacing any existing file,
// and returns the number of bytes written.
func (s *Session) StoreGame(name string, r io.Reader) (int64, error) {
	vol, err := s.volume()
	if err != nil {
		return 0, err
	}
	f, err := vol.Create(s.resolve(name))
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", ErrIO, name, err)
	}

	bp, err := getBuffer(s.storage.cfg.Loader.ChunkSize)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer putBuffer(bp)
	buf := *bp

	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return written, fmt.Errorf("%w: write %s: %v", ErrIO, name, err)
			}
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			f.Close()
			return written, fmt.Errorf("%w: read source: %v", ErrIO, rerr)
		}
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("%w: close %s: %v", ErrIO, name, err)
	}
	if err := vol.Sync(); err != nil {
		return written, fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	slog.Info("ROM stored", "path", s.Path(name), "size", written)
	return written, nil
}
