// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sim

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestChip_JEDECID(t *testing.T) {
	c := New(W25Q16)
	id := make([]byte, 3)
	if err := c.WriteThenRead([]byte{opJEDECID}, id); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(id, []byte{0xEF, 0x40, 0x15}) {
		t.Fatalf("unexpected id % x", id)
	}
	if c.Size() != 2*1024*1024 {
		t.Fatalf("expected 2MiB, got %d", c.Size())
	}
}

func TestChip_ProgramOnlyClearsBits(t *testing.T) {
	c := New(W25Q16)

	program := func(addr int, data ...byte) {
		t.Helper()
		if err := c.WriteThenRead([]byte{opWriteEnable}, nil); err != nil {
			t.Fatal(err)
		}
		w := append([]byte{opPageProgram, byte(addr >> 16), byte(addr >> 8), byte(addr)}, data...)
		if err := c.WriteThenRead(w, nil); err != nil {
			t.Fatal(err)
		}
	}

	program(0x100, 0xF0)
	program(0x100, 0x0F)
	if got := c.Bytes()[0x100]; got != 0x00 {
		t.Errorf("expected bits to AND to 0x00, got 0x%02x", got)
	}

	// Without write enable nothing happens.
	if err := c.WriteThenRead([]byte{opPageProgram, 0, 0x02, 0, 0x00}, nil); err != nil {
		t.Fatal(err)
	}
	if got := c.Bytes()[0x200]; got != 0xFF {
		t.Errorf("program without WEL modified memory: 0x%02x", got)
	}

	// Programs wrap inside the page.
	program(0x2FF, 0x11, 0x22)
	if c.Bytes()[0x2FF] != 0x11 || c.Bytes()[0x200] != 0x22 {
		t.Errorf("page wrap not honoured: %02x %02x", c.Bytes()[0x2FF], c.Bytes()[0x200])
	}
}

func TestChip_SectorErase(t *testing.T) {
	c := New(W25Q16)
	c.WriteThenRead([]byte{opWriteEnable}, nil)
	c.WriteThenRead([]byte{opPageProgram, 0x00, 0x10, 0x00, 0x00, 0x00}, nil)
	c.WriteThenRead([]byte{opWriteEnable}, nil)
	c.WriteThenRead([]byte{opPageProgram, 0x00, 0x20, 0x00, 0x00}, nil)

	c.WriteThenRead([]byte{opWriteEnable}, nil)
	if err := c.WriteThenRead([]byte{opSectorErase, 0x00, 0x10, 0x80}, nil); err != nil {
		t.Fatal(err)
	}
	if c.Bytes()[0x1000] != 0xFF || c.Bytes()[0x1001] != 0xFF {
		t.Error("sector was not erased")
	}
	if c.Bytes()[0x2000] != 0x00 {
		t.Error("erase leaked into the next sector")
	}
	if c.Erases != 1 {
		t.Errorf("expected 1 erase, got %d", c.Erases)
	}
}

func TestChip_PowerDown(t *testing.T) {
	c := New(W25Q16)
	c.PowerDown()

	id := make([]byte, 3)
	c.WriteThenRead([]byte{opJEDECID}, id)
	if !bytes.Equal(id, []byte{0xFF, 0xFF, 0xFF}) {
		t.Fatalf("powered down chip answered % x", id)
	}
	c.WriteThenRead([]byte{opReleasePD, 0, 0, 0}, nil)
	c.WriteThenRead([]byte{opJEDECID}, id)
	if id[0] != 0xEF {
		t.Fatalf("chip did not wake up: % x", id)
	}
}

func TestOpenImage_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ext.bin")

	c, err := OpenImage(path, W25Q16)
	if err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}
	c.WriteThenRead([]byte{opWriteEnable}, nil)
	c.WriteThenRead([]byte{opPageProgram, 0x00, 0x00, 0x10, 0xAB, 0xCD}, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c, err = OpenImage(path, W25Q16)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c.Close()
	buf := make([]byte, 2)
	if err := c.WriteThenRead([]byte{opRead, 0x00, 0x00, 0x10}, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0xAB, 0xCD}) {
		t.Fatalf("image did not persist: % x", buf)
	}
}
