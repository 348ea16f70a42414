// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestTable_Register(t *testing.T) {
	dev := NewMemoryFlash(64 * 1024)
	table := NewTable()

	if _, err := table.Register(dev, 0, 32*1024, "storage", TypeData, SubtypeUndefined); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tests := []struct {
		name   string
		offset int64
		size   int64
		label  string
		want   error
	}{
		{"duplicate label", 32 * 1024, 4096, "storage", ErrExists},
		{"overlap", 28 * 1024, 8192, "other", ErrOverlap},
		{"past end", 60 * 1024, 8192, "other", ErrOutOfRange},
		{"misaligned", 33 * 1024, 4096, "other", ErrMisaligned},
		{"empty label", 32 * 1024, 4096, "", ErrBadLabel},
		{"long label", 32 * 1024, 4096, "a_label_that_is_too_long", ErrBadLabel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := table.Register(dev, tt.offset, tt.size, tt.label, TypeData, SubtypeFAT); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	// Same range on another device is fine.
	if _, err := table.Register(NewMemoryFlash(64*1024), 0, 4096, "ext", TypeData, SubtypeFAT); err != nil {
		t.Fatalf("Register on second device failed: %v", err)
	}
}

func TestTable_Find(t *testing.T) {
	dev := NewMemoryFlash(64 * 1024)
	table := NewTable()
	table.Register(dev, 0, 16*1024, "nvs", TypeData, SubtypeNVS)
	table.Register(dev, 16*1024, 16*1024, "storage", TypeData, SubtypeUndefined)
	table.Register(dev, 32*1024, 32*1024, "factory", TypeApp, SubtypeOTA)

	p, ok := table.Find(TypeData, SubtypeAny, "storage")
	if !ok || p.Offset() != 16*1024 {
		t.Fatalf("Find(storage) = %v, %v", p, ok)
	}
	if _, ok := table.Find(TypeApp, SubtypeAny, "storage"); ok {
		t.Error("type filter ignored")
	}
	if p, ok := table.FindFirst(TypeData, SubtypeNVS); !ok || p.Label() != "nvs" {
		t.Errorf("FindFirst(nvs) = %v, %v", p, ok)
	}
	if got := len(table.List(TypeData)); got != 2 {
		t.Errorf("expected 2 data partitions, got %d", got)
	}
	if got := len(table.List(TypeAny)); got != 3 {
		t.Errorf("expected 3 partitions, got %d", got)
	}
}

func TestPartition_ReadWriteErase(t *testing.T) {
	dev := NewMemoryFlash(64 * 1024)
	p, err := NewTable().Register(dev, 8192, 8192, "storage", TypeData, SubtypeUndefined)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.WriteAt([]byte("rom"), 4096); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if !bytes.Equal(dev.data[8192+4096:8192+4099], []byte("rom")) {
		t.Fatal("write not translated by the partition offset")
	}
	if _, err := p.WriteAt([]byte("x"), 8192); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := p.EraseRange(0, 100); !errors.Is(err, ErrMisaligned) {
		t.Errorf("expected ErrMisaligned, got %v", err)
	}
	if err := p.EraseRange(0, p.Size()); err != nil {
		t.Fatalf("EraseRange failed: %v", err)
	}
	buf := make([]byte, 3)
	p.ReadAt(buf, 4096)
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF}) {
		t.Fatalf("expected erased bytes, got % x", buf)
	}
}

// plainDevice hides the Mapper of the flash it wraps.
type plainDevice struct{ Device }

func TestPartition_NotMappable(t *testing.T) {
	dev := plainDevice{NewMemoryFlash(8192)}
	p, err := NewTable().Register(dev, 0, 8192, "ext", TypeData, SubtypeFAT)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Map(0, 8192); !errors.Is(err, ErrNotMappable) {
		t.Fatalf("expected ErrNotMappable, got %v", err)
	}
}

func TestFlashBackends_Map(t *testing.T) {
	dir := t.TempDir()
	const size = 256 * 1024
	tests := []struct {
		backend string
		path    string
	}{
		{"memory", ""},
		{"file", filepath.Join(dir, "file.bin")},
		{"mmap", filepath.Join(dir, "mmap.bin")},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			dev, err := OpenFlash(tt.backend, tt.path, size)
			if err != nil {
				t.Fatalf("OpenFlash failed: %v", err)
			}
			defer dev.Close()

			p, err := NewTable().Register(dev, 64*1024, 128*1024, "storage", TypeData, SubtypeUndefined)
			if err != nil {
				t.Fatal(err)
			}
			if err := p.EraseRange(0, p.Size()); err != nil {
				t.Fatal(err)
			}
			payload := bytes.Repeat([]byte{0xAA, 0x55}, 3000)
			if _, err := p.WriteAt(payload, 0); err != nil {
				t.Fatal(err)
			}

			m, err := p.Map(0, p.Size())
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if len(m.Bytes()) != int(p.Size()) {
				t.Fatalf("expected %d mapped bytes, got %d", p.Size(), len(m.Bytes()))
			}
			if !bytes.Equal(m.Bytes()[:len(payload)], payload) {
				t.Fatal("mapped contents differ from written payload")
			}
			if m.Bytes()[len(payload)] != 0xFF {
				t.Fatal("expected erased byte after payload")
			}
			if err := m.Unmap(); err != nil {
				t.Fatalf("Unmap failed: %v", err)
			}
			if m.Bytes() != nil {
				t.Fatal("mapping still readable after Unmap")
			}
		})
	}
}

func TestFileFlash_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal.bin")
	for _, backend := range []string{"file", "mmap"} {
		dev, err := OpenFlash(backend, path, 64*1024)
		if err != nil {
			t.Fatal(err)
		}
		dev.Erase(0, 4096)
		dev.WriteAt([]byte(backend), 0)
		if err := dev.Close(); err != nil {
			t.Fatalf("%s: Close failed: %v", backend, err)
		}

		dev, err = OpenFlash(backend, path, 64*1024)
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, len(backend))
		dev.ReadAt(buf, 0)
		dev.Close()
		if string(buf) != backend {
			t.Fatalf("%s: expected %q after reopen, got %q", backend, backend, buf)
		}
	}
}

func TestOpenFlash_Errors(t *testing.T) {
	if _, err := OpenFlash("memory", "", 1000); !errors.Is(err, ErrMisaligned) {
		t.Errorf("expected ErrMisaligned, got %v", err)
	}
	if _, err := OpenFlash("sql", "", 4096); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestParseSubtype(t *testing.T) {
	for sub, name := range subtypeNames {
		got, err := ParseSubtype(name)
		if err != nil || got != sub {
			t.Errorf("ParseSubtype(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseSubtype("ext4"); err == nil {
		t.Error("expected error for unknown subtype")
	}
}
