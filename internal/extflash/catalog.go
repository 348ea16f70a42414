// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"fmt"
	"log/slog"
)

// Games lists the names in the root directory of the volume in directory
// order. Names are not filtered by extension.
func (s *Session) Games() ([]string, error) {
	vol, err := s.volume()
	if err != nil {
		return nil, err
	}
	infos, err := vol.ReadDir("/")
	if err != nil {
		slog.Error("Failed to open directory", "point", s.point, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		slog.Debug("Found", "name", fi.Name(), "size", fi.Size())
		names = append(names, fi.Name())
	}
	return names, nil
}

// ListGames is Games bounded to capacity entries. truncated reports whether
// entries were dropped.
func (s *Session) ListGames(capacity int) (names []string, truncated bool, err error) {
	names, err = s.Games()
	if err != nil {
		return nil, false, err
	}
	if capacity < 0 {
		capacity = 0
	}
	if len(names) > capacity {
		slog.Warn("Catalog truncated", "entries", len(names), "capacity", capacity)
		return names[:capacity:capacity], true, nil
	}
	return names, false, nil
}
