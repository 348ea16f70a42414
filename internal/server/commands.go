// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ffutop/extflash/internal/extflash"
)

func (s *Server) execute(line string) string {
	fields := strings.Fields(line)
	cmd, args := strings.ToUpper(fields[0]), fields[1:]
	slog.Debug("Control command", "cmd", cmd, "args", args)

	var (
		resp string
		err  error
	)
	switch cmd {
	case "INFO":
		resp = s.info()
	case "LIST":
		resp, err = s.list(args)
	case "USAGE":
		resp, err = s.usage()
	case "LOAD":
		resp, err = s.load(args)
	case "FORMAT":
		err = s.storage.Format()
		resp = "formatted"
	default:
		err = fmt.Errorf("unknown command %q", fields[0])
	}
	if err != nil {
		slog.Warn("Control command failed", "cmd", cmd, "err", err)
		return "ERR " + err.Error()
	}
	return "OK " + resp
}

// withSession mounts, runs fn and unmounts.
func (s *Server) withSession(fn func(*extflash.Session) (string, error)) (string, error) {
	sess, err := s.storage.Mount()
	if err != nil {
		return "", err
	}
	resp, err := fn(sess)
	if uerr := sess.Unmount(); uerr != nil && err == nil {
		err = uerr
	}
	return resp, err
}

func (s *Server) info() string {
	labels := make([]string, 0)
	for _, p := range s.storage.Partitions() {
		labels = append(labels, p.Label())
	}
	return fmt.Sprintf("id=0x%06x size_kb=%d partitions=%s", s.storage.ChipID(), s.storage.ChipSize()/1024, strings.Join(labels, ","))
}

func (s *Server) list(args []string) (string, error) {
	capacity := -1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid capacity %q", args[0])
		}
		capacity = n
	}
	return s.withSession(func(sess *extflash.Session) (string, error) {
		var (
			names     []string
			truncated bool
			err       error
		)
		if capacity < 0 {
			names, err = sess.Games()
		} else {
			names, truncated, err = sess.ListGames(capacity)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("count=%d truncated=%t games=%s", len(names), truncated, strings.Join(names, ",")), nil
	})
}

func (s *Server) usage() (string, error) {
	return s.withSession(func(sess *extflash.Session) (string, error) {
		pct, err := sess.UsagePercent()
		if err != nil {
			return "", err
		}
		sp, err := sess.Usage()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("percent=%d used=%d free=%d total=%d", pct, sp.UsedBytes(), sp.FreeBytes(), sp.TotalBytes()), nil
	})
}

func (s *Server) load(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: LOAD <name>")
	}
	return s.withSession(func(sess *extflash.Session) (string, error) {
		r, err := sess.LoadGame(args[0])
		if err != nil {
			return "", err
		}
		defer r.Close()
		return fmt.Sprintf("size=%d crc=0x%04x partition=%s", r.Size, r.Checksum, r.Partition), nil
	})
}
