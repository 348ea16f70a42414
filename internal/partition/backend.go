// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"fmt"
	"io"
)

// Flash is an internal flash backend.
type Flash interface {
	Device
	Mapper
	io.Closer
}

// OpenFlash opens the internal flash backend by name: "memory", "file" or "mmap".
func OpenFlash(backend, path string, size int64) (Flash, error) {
	if size <= 0 || size%sectorSize != 0 {
		return nil, fmt.Errorf("%w: internal flash size %d", ErrMisaligned, size)
	}
	switch backend {
	case "", "memory":
		return NewMemoryFlash(size), nil
	case "file":
		return OpenFileFlash(path, size)
	case "mmap":
		return OpenMmapFlash(path, size)
	default:
		return nil, fmt.Errorf("unknown internal flash backend: %s", backend)
	}
}
