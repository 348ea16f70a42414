// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"log/slog"
	"path"
	"strings"

	"github.com/ffutop/extflash/internal/fatfs"
)

// Session is a mounted external filesystem.
type Session struct {
	storage *Storage
	vol     *fatfs.Volume
	point   string
}

func (s *Session) volume() (*fatfs.Volume, error) {
	if s == nil || s.vol == nil {
		return nil, ErrNotMounted
	}
	return s.vol, nil
}

// MountPoint is the path prefix of the volume, e.g. "/ext_flash".
func (s *Session) MountPoint() string {
	return s.point
}

// Path returns the mount point path of a catalog entry.
func (s *Session) Path(name string) string {
	return path.Join(s.point, s.resolve(name))
}

// resolve turns a mount point prefixed or bare name into a volume path.
func (s *Session) resolve(name string) string {
	name = path.Clean("/" + name)
	if rest, ok := strings.CutPrefix(name, s.point+"/"); ok {
		return "/" + rest
	}
	return name
}

// Unmount flushes and releases the volume. A second call fails with
// ErrNotMounted.
func (s *Session) Unmount() error {
	vol, err := s.volume()
	if err != nil {
		return err
	}
	s.vol = nil
	s.storage.release(s)
	if err := vol.Unmount(); err != nil {
		slog.Error("Failed to unmount external flash", "partition", vol.Partition().Label(), "err", err)
		return &UnmountError{Label: vol.Partition().Label(), Err: err}
	}
	slog.Info("Unmounted FAT filesystem", "point", s.point)
	return nil
}
