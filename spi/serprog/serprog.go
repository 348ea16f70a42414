// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serprog talks to a SPI flash through a flashrom serprog programmer
// (an Arduino, Pico or STM32 bridge) attached to a serial port.
package serprog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// Protocol bytes, serprog interface version 1.
const (
	ack = 0x06
	nak = 0x15

	cmdNop         = 0x00
	cmdQueryIface  = 0x01
	cmdQueryBus    = 0x05
	cmdSyncNop     = 0x10
	cmdSetBus      = 0x12
	cmdSPIOp       = 0x13
	cmdSetSPIFreq  = 0x14
	busSPI         = 1 << 3
	ifaceVersion   = 1
	maxOpLength    = 1<<24 - 1
	syncRetryLimit = 32
)

const (
	defaultBaudRate = 115200
	defaultTimeout  = 2 * time.Second
)

var (
	// ErrNAK is returned when the programmer rejects a command.
	ErrNAK = errors.New("serprog: command not acknowledged")
	// ErrNoSPI is returned when the programmer does not drive a SPI bus.
	ErrNoSPI = errors.New("serprog: programmer does not support spi")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("serprog: programmer closed")
)

// Config describes the serial line of the programmer.
type Config struct {
	Device   string
	BaudRate int
	Timeout  time.Duration
	SpeedHz  uint32
}

// Programmer is a serprog bridge used as a spi.Conn.
type Programmer struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
}

// Open opens the serial port and performs the serprog handshake.
func Open(cfg Config) (*Programmer, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	p, err := New(port)
	if err != nil {
		port.Close()
		return nil, err
	}
	if cfg.SpeedHz > 0 {
		actual, err := p.SetSpeed(cfg.SpeedHz)
		if err != nil {
			p.Close()
			return nil, err
		}
		slog.Info("serprog spi clock set", "requested_hz", cfg.SpeedHz, "actual_hz", actual)
	}
	return p, nil
}

// New runs the handshake over an already open port.
func New(port io.ReadWriteCloser) (*Programmer, error) {
	p := &Programmer{port: port}
	if err := p.sync(); err != nil {
		return nil, err
	}

	resp := make([]byte, 2)
	if err := p.command([]byte{cmdQueryIface}, resp); err != nil {
		return nil, fmt.Errorf("failed to query interface version: %w", err)
	}
	if v := binary.LittleEndian.Uint16(resp); v != ifaceVersion {
		return nil, fmt.Errorf("serprog: unsupported interface version %d", v)
	}

	bus := make([]byte, 1)
	if err := p.command([]byte{cmdQueryBus}, bus); err != nil {
		return nil, fmt.Errorf("failed to query bus types: %w", err)
	}
	if bus[0]&busSPI == 0 {
		return nil, ErrNoSPI
	}
	if err := p.command([]byte{cmdSetBus, busSPI}, nil); err != nil {
		return nil, fmt.Errorf("failed to select spi bus: %w", err)
	}
	return p, nil
}

// sync drains stale bytes by waiting for the NAK, ACK answer to a SYNCNOP.
func (p *Programmer) sync() error {
	if _, err := p.port.Write([]byte{cmdSyncNop}); err != nil {
		return fmt.Errorf("failed to write syncnop: %w", err)
	}
	var prev byte
	b := make([]byte, 1)
	for i := 0; i < syncRetryLimit; i++ {
		if _, err := io.ReadFull(p.port, b); err != nil {
			return fmt.Errorf("failed to read syncnop reply: %w", err)
		}
		if prev == nak && b[0] == ack {
			return nil
		}
		prev = b[0]
	}
	return errors.New("serprog: could not synchronise with programmer")
}

// command sends a request and reads the ACK followed by len(resp) bytes.
func (p *Programmer) command(req, resp []byte) error {
	if p.port == nil {
		return ErrClosed
	}
	if _, err := p.port.Write(req); err != nil {
		return err
	}
	status := make([]byte, 1)
	if _, err := io.ReadFull(p.port, status); err != nil {
		return err
	}
	switch status[0] {
	case ack:
	case nak:
		return ErrNAK
	default:
		return fmt.Errorf("serprog: unexpected status byte 0x%02x", status[0])
	}
	if len(resp) == 0 {
		return nil
	}
	_, err := io.ReadFull(p.port, resp)
	return err
}

// SetSpeed requests a SPI clock and returns the one the programmer chose.
func (p *Programmer) SetSpeed(hz uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := make([]byte, 5)
	req[0] = cmdSetSPIFreq
	binary.LittleEndian.PutUint32(req[1:], hz)
	resp := make([]byte, 4)
	if err := p.command(req, resp); err != nil {
		return 0, fmt.Errorf("failed to set spi frequency: %w", err)
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// WriteThenRead maps directly onto the O_SPIOP command.
func (p *Programmer) WriteThenRead(w, r []byte) error {
	if len(w) > maxOpLength || len(r) > maxOpLength {
		return fmt.Errorf("serprog: spi op too long (write %d, read %d)", len(w), len(r))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	req := make([]byte, 7+len(w))
	req[0] = cmdSPIOp
	putUint24(req[1:], uint32(len(w)))
	putUint24(req[4:], uint32(len(r)))
	copy(req[7:], w)
	if err := p.command(req, r); err != nil {
		return fmt.Errorf("spi op failed: %w", err)
	}
	return nil
}

// Close closes the serial port.
func (p *Programmer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
