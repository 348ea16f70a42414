// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ffutop/extflash/internal/config"
	"github.com/ffutop/extflash/internal/extflash"
	"github.com/spf13/cobra"
)

var (
	configFile string
	cfg        *config.Config
)

func newCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "extflash",
		Short:         "Manage game ROMs on an external SPI NOR flash",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadConfig(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			cfg = c
			setupLogger(cfg.Log)
			return nil
		},
	}

	cmd.AddCommand(infoCmd())
	cmd.AddCommand(lsCmd())
	cmd.AddCommand(usageCmd())
	cmd.AddCommand(putCmd())
	cmd.AddCommand(loadCmd())
	cmd.AddCommand(formatCmd())
	cmd.AddCommand(serveCmd())

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path.")
	cmd.PersistentFlags().StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	cmd.PersistentFlags().StringP("driver", "d", "sim", "SPI driver (sim, spidev, serprog).")

	return cmd
}

func main() {
	if err := newCmd().Execute(); err != nil {
		var hie *extflash.HardwareInitError
		if errors.As(err, &hie) {
			slog.Error("Hardware initialization failed", "stage", hie.Stage, "err", hie.Err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stderr: %v\n", err)
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
