// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ffutop/extflash/internal/config"
	"github.com/ffutop/extflash/internal/crc"
	"github.com/ffutop/extflash/internal/extflash"
	"github.com/ffutop/extflash/internal/partition"
	"github.com/ffutop/extflash/spi/sim"
)

func newStorage(t *testing.T) *extflash.Storage {
	t.Helper()
	cfg := config.Default()
	cfg.Internal.Size = 256 * 1024
	cfg.Internal.Partitions = []config.PartitionConfig{
		{Label: "storage", Type: "data", Subtype: "undefined", Offset: 0x10000, Size: 0x8000},
	}
	s, err := extflash.Provision(partition.NewTable(), sim.New(sim.W25Q16), partition.NewMemoryFlash(cfg.Internal.Size), cfg)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	return s
}

// startServer runs a control server on a free local port.
func startServer(t *testing.T, storage Storage) (string, context.CancelFunc, chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	s := NewServer(addr, storage)
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start(ctx)
	}()
	return addr, cancel, errChan
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	var (
		conn net.Conn
		err  error
	)
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Failed to connect to server after retries, last error: %v", err)
	return nil
}

func TestServer_Commands(t *testing.T) {
	storage := newStorage(t)
	data := bytes.Repeat([]byte("GAMEBOY!"), 500)
	sess, err := storage.Mount()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"TETRIS.GB", "ZELDA.GB"} {
		if _, err := sess.StoreGame(name, bytes.NewReader(data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := sess.Unmount(); err != nil {
		t.Fatal(err)
	}

	addr, cancel, errChan := startServer(t, storage)
	conn := dial(t, addr)
	defer conn.Close()
	r := bufio.NewReader(conn)

	tests := []struct {
		cmd  string
		want string
	}{
		{"INFO", fmt.Sprintf("OK id=0x%06x size_kb=2048 partitions=ext_storage,storage", sim.W25Q16)},
		{"LIST", "OK count=2 truncated=false games=TETRIS.GB,ZELDA.GB"},
		{"list 1", "OK count=1 truncated=true games=TETRIS.GB"},
		{"LIST x", "ERR invalid capacity"},
		{"USAGE", "OK percent=1 "},
		{"LOAD TETRIS.GB", fmt.Sprintf("OK size=%d crc=0x%04x partition=storage", len(data), crc.Checksum(data))},
		{"LOAD MISSING.GB", "ERR extflash: file not found"},
		{"LOAD", "ERR usage"},
		{"FORMAT", "OK formatted"},
		{"LIST", "OK count=0 truncated=false games="},
		{"REBOOT", "ERR unknown command"},
	}
	for _, tt := range tests {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := fmt.Fprintln(conn, tt.cmd); err != nil {
			t.Fatalf("%s: write failed: %v", tt.cmd, err)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("%s: read failed: %v", tt.cmd, err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, tt.want) {
			t.Errorf("%s: got %q, want prefix %q", tt.cmd, line, tt.want)
		}
	}
	if storage.Mounted() {
		t.Error("a command left the storage mounted")
	}

	fmt.Fprintln(conn, "QUIT")
	if line, _ := r.ReadString('\n'); strings.TrimSpace(line) != "OK bye" {
		t.Errorf("unexpected QUIT reply %q", line)
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ClosedConnectionsReleaseGoroutines(t *testing.T) {
	addr, cancel, errChan := startServer(t, newStorage(t))
	defer func() {
		cancel()
		<-errChan
	}()

	quit := func() {
		conn := dial(t, addr)
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		fmt.Fprintln(conn, "QUIT")
		if line, err := bufio.NewReader(conn).ReadString('\n'); err != nil || strings.TrimSpace(line) != "OK bye" {
			t.Fatalf("unexpected QUIT reply %q: %v", line, err)
		}
	}

	quit()
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()
	settle := func(limit int) int {
		n := runtime.NumGoroutine()
		for i := 0; i < 100 && n > limit; i++ {
			time.Sleep(10 * time.Millisecond)
			n = runtime.NumGoroutine()
		}
		return n
	}

	const clients = 50
	for i := 0; i < clients; i++ {
		quit()
	}
	if after := settle(before); after > before {
		t.Errorf("goroutines grew from %d to %d after %d closed connections", before, after, clients)
	}
}
