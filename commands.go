// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ffutop/extflash/internal/extflash"
	"github.com/ffutop/extflash/internal/server"
	"github.com/spf13/cobra"
)

// withStorage provisions the hardware, runs fn and releases it.
func withStorage(fn func(*extflash.Storage) error) error {
	s, err := extflash.Initialize(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Error("Failed to release storage", "err", err)
		}
	}()
	return fn(s)
}

// withSession is withStorage with the filesystem mounted around fn.
func withSession(fn func(*extflash.Session) error) error {
	return withStorage(func(s *extflash.Storage) error {
		sess, err := s.Mount()
		if err != nil {
			return err
		}
		err = fn(sess)
		if uerr := sess.Unmount(); uerr != nil && err == nil {
			err = uerr
		}
		return err
	})
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "show the flash chip and partition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(s *extflash.Storage) error {
				fmt.Printf("chip:  id 0x%06x, %d kB\n", s.ChipID(), s.ChipSize()/1024)
				for _, p := range s.Partitions() {
					fmt.Printf("  %-12s %-4s %-9s 0x%06x %6d kB\n", p.Label(), p.Type(), p.Subtype(), p.Offset(), p.Size()/1024)
				}
				return nil
			})
		},
	}
}

func lsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "list the ROMs on the external flash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(sess *extflash.Session) error {
				var (
					names     []string
					truncated bool
					err       error
				)
				if limit > 0 {
					names, truncated, err = sess.ListGames(limit)
				} else {
					names, err = sess.Games()
				}
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(sess.Path(name))
				}
				if truncated {
					fmt.Printf("(listing truncated to %d entries)\n", limit)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "max", "n", 0, "List at most this many entries (0 for all)")
	return cmd
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "report how full the external flash is",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(sess *extflash.Session) error {
				pct, err := sess.UsagePercent()
				if err != nil {
					return err
				}
				sp, err := sess.Usage()
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d%% used (%d kB free of %d kB, %d byte clusters)\n", sess.MountPoint(), pct, sp.FreeBytes()/1024, sp.TotalBytes()/1024, sp.ClusterSize())
				return nil
			})
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file> [name]",
		Short: "copy a ROM onto the external flash",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToUpper(filepath.Base(args[0]))
			if len(args) == 2 {
				name = args[1]
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withSession(func(sess *extflash.Session) error {
				n, err := sess.StoreGame(name, f)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d bytes\n", sess.Path(name), n)
				return nil
			})
		},
	}
}

func loadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "load <name>",
		Short: "stage a ROM into internal flash",
		Long: `Stage a ROM into the internal loader partition.

The partition is erased, the ROM is streamed into it and the partition is
mapped and verified. With --out the staged bytes are also written to a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(sess *extflash.Session) error {
				r, err := sess.LoadGame(args[0])
				if err != nil {
					return err
				}
				defer r.Close()
				fmt.Printf("%s: %d bytes staged in %s, crc 0x%04x\n", args[0], r.Size, r.Partition, r.Checksum)
				if out != "" {
					if err := os.WriteFile(out, r.ROM(), 0644); err != nil {
						return fmt.Errorf("failed to write %s: %w", out, err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Also write the staged ROM to this file")
	return cmd
}

func formatCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "format",
		Short: "erase the external flash and create an empty filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("format destroys every ROM on the flash, pass --yes to confirm")
			}
			return withStorage(func(s *extflash.Storage) error {
				return s.Format()
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm erasing the external flash")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the control link over TCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Server.Address
			}
			return withStorage(func(s *extflash.Storage) error {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				go func() {
					sigChan := make(chan os.Signal, 1)
					signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
					select {
					case <-sigChan:
						slog.Info("Shutting down...")
						cancel()
					case <-ctx.Done():
					}
				}()

				srv := server.NewServer(addr, s)
				err := srv.Start(ctx)
				slog.Info("Goodbye.")
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&addr, "listen", "l", "", "Listen address (default from config)")
	return cmd
}
