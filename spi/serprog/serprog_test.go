// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serprog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/ffutop/extflash/spi/sim"
)

// fakeProgrammer answers serprog v1 commands on conn, forwarding SPI ops to chip.
func fakeProgrammer(t *testing.T, conn net.Conn, chip *sim.Chip, busTypes byte) {
	t.Helper()
	go func() {
		defer conn.Close()
		cmd := make([]byte, 1)
		for {
			if _, err := io.ReadFull(conn, cmd); err != nil {
				return
			}
			switch cmd[0] {
			case cmdSyncNop:
				// leading garbage the host must skip
				conn.Write([]byte{0x00, nak, ack})
			case cmdQueryIface:
				conn.Write([]byte{ack, ifaceVersion, 0})
			case cmdQueryBus:
				conn.Write([]byte{ack, busTypes})
			case cmdSetBus:
				arg := make([]byte, 1)
				io.ReadFull(conn, arg)
				if arg[0]&busTypes == 0 {
					conn.Write([]byte{nak})
					continue
				}
				conn.Write([]byte{ack})
			case cmdSetSPIFreq:
				arg := make([]byte, 4)
				io.ReadFull(conn, arg)
				resp := make([]byte, 5)
				resp[0] = ack
				binary.LittleEndian.PutUint32(resp[1:], binary.LittleEndian.Uint32(arg)/2)
				conn.Write(resp)
			case cmdSPIOp:
				hdr := make([]byte, 6)
				io.ReadFull(conn, hdr)
				w := make([]byte, uint24(hdr[0:3]))
				r := make([]byte, uint24(hdr[3:6]))
				io.ReadFull(conn, w)
				if err := chip.WriteThenRead(w, r); err != nil {
					conn.Write([]byte{nak})
					continue
				}
				conn.Write(append([]byte{ack}, r...))
			default:
				conn.Write([]byte{nak})
			}
		}
	}()
}

func TestProgrammer_SPIOp(t *testing.T) {
	host, device := net.Pipe()
	chip := sim.New(sim.W25Q16)
	fakeProgrammer(t, device, chip, busSPI)

	p, err := New(host)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer p.Close()

	id := make([]byte, 3)
	if err := p.WriteThenRead([]byte{0x9F}, id); err != nil {
		t.Fatalf("spi op failed: %v", err)
	}
	if !bytes.Equal(id, []byte{0xEF, 0x40, 0x15}) {
		t.Fatalf("unexpected jedec id % x", id)
	}

	speed, err := p.SetSpeed(8000000)
	if err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	if speed != 4000000 {
		t.Errorf("expected programmer to pick 4MHz, got %d", speed)
	}

	// Unknown opcode is NAKed by the fake and surfaces as ErrNAK.
	if err := p.WriteThenRead([]byte{0xEE}, nil); !errors.Is(err, ErrNAK) {
		t.Errorf("expected ErrNAK, got %v", err)
	}
}

func TestProgrammer_UseAfterClose(t *testing.T) {
	host, device := net.Pipe()
	fakeProgrammer(t, device, sim.New(sim.W25Q16), busSPI)

	p, err := New(host)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.WriteThenRead([]byte{0x9F}, make([]byte, 3)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from WriteThenRead, got %v", err)
	}
	if _, err := p.SetSpeed(1000000); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from SetSpeed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestProgrammer_NoSPI(t *testing.T) {
	host, device := net.Pipe()
	fakeProgrammer(t, device, sim.New(sim.W25Q16), 1) // parallel only
	defer host.Close()

	if _, err := New(host); !errors.Is(err, ErrNoSPI) {
		t.Fatalf("expected ErrNoSPI, got %v", err)
	}
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func TestUint24(t *testing.T) {
	b := make([]byte, 3)
	putUint24(b, 0x123456)
	if !bytes.Equal(b, []byte{0x56, 0x34, 0x12}) {
		t.Fatalf("unexpected encoding % x", b)
	}
	if uint24(b) != 0x123456 {
		t.Fatalf("round trip failed: %x", uint24(b))
	}
}
