// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server is the control link of the console: a TCP line protocol
// that lists, loads and formats ROM storage from a host.
//
// One command per line:
//
//	INFO            chip id, size and partitions
//	LIST [n]        catalog, at most n entries
//	USAGE           used percentage and byte counts
//	LOAD <name>     stage a ROM into internal flash
//	FORMAT          erase and format the external flash
//	QUIT            close the connection
//
// Replies are a single line starting with "OK" or "ERR".
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/ffutop/extflash/internal/extflash"
	"github.com/ffutop/extflash/internal/partition"
)

// maxLine bounds a request line.
const maxLine = 512

// Storage is the provisioned flash served by the control link.
type Storage interface {
	Mount() (*extflash.Session, error)
	Format() error
	ChipID() uint32
	ChipSize() int64
	Partitions() []*partition.Partition
}

type request struct {
	line  string
	reply chan string
}

// Server serialises every command through a single worker, since neither
// Storage nor Session may be used concurrently.
type Server struct {
	Address string

	storage  Storage
	queue    chan request
	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a control server for storage.
func NewServer(address string, storage Storage) *Server {
	return &Server{
		Address: address,
		storage: storage,
		queue:   make(chan request),
	}
}

// Start listens and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	slog.Info("Control server listening", "addr", listener.Addr())

	go s.worker(ctx)
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("Failed to accept connection", "err", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			req.reply <- s.execute(req.line)
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	slog.Info("Control client connected", "addr", conn.RemoteAddr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLine), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "QUIT") {
			fmt.Fprintln(conn, "OK bye")
			return
		}

		req := request{line: line, reply: make(chan string, 1)}
		select {
		case s.queue <- req:
		case <-ctx.Done():
			return
		}
		var resp string
		select {
		case resp = <-req.reply:
		case <-ctx.Done():
			return
		}
		if _, err := fmt.Fprintln(conn, resp); err != nil {
			slog.Error("Failed to write response to connection", "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Failed to read from connection", "addr", conn.RemoteAddr(), "err", err)
		return
	}
	slog.Info("Control client disconnected", "addr", conn.RemoteAddr())
}
