// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package extflash manages the console's external SPI NOR flash: it provisions
// the chip as a FAT partition, mounts it on demand, lists and stores ROMs,
// reports usage and stages a ROM into internal flash for the emulator.
//
// A Storage is created once at startup. Filesystem access goes through a
// Session returned by Mount; every Session operation fails with ErrNotMounted
// once the session is unmounted. Neither type is safe for concurrent use.
package extflash

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ffutop/extflash/flash/spinor"
	"github.com/ffutop/extflash/internal/config"
	"github.com/ffutop/extflash/internal/fatfs"
	"github.com/ffutop/extflash/internal/partition"
	"github.com/ffutop/extflash/spi"
)

// Storage is the provisioned external flash and the partition table.
type Storage struct {
	cfg     *config.Config
	chip    *spinor.Chip
	table   *partition.Table
	ext     *partition.Partition
	closers []io.Closer

	mu      sync.Mutex
	session *Session
}

// Initialize opens the configured bus and internal flash and provisions them
// on a fresh partition table.
func Initialize(cfg *config.Config) (*Storage, error) {
	bus, err := openBus(cfg.SPI)
	if err != nil {
		return nil, &HardwareInitError{Stage: "spi bus", Err: err}
	}
	internal, err := partition.OpenFlash(cfg.Internal.Backend, cfg.Internal.Path, cfg.Internal.Size)
	if err != nil {
		bus.Close()
		return nil, &HardwareInitError{Stage: "internal flash", Err: err}
	}
	s, err := Provision(partition.NewTable(), bus, internal, cfg)
	if err != nil {
		internal.Close()
		bus.Close()
		return nil, err
	}
	s.closers = []io.Closer{internal, bus}
	return s, nil
}

// Provision probes the chip on bus, registers it as the external FAT
// partition and registers the internal partitions of cfg on internal.
// Bus and probe failures are returned as *HardwareInitError. Provisioning
// the same table twice fails with partition.ErrExists.
func Provision(table *partition.Table, bus spi.Conn, internal partition.Device, cfg *config.Config) (*Storage, error) {
	sc := cfg.SPI
	mode := spi.IOMode(sc.IOMode)
	if !mode.Valid() {
		return nil, &HardwareInitError{Stage: "spi bus", Err: fmt.Errorf("unknown io mode %q", sc.IOMode)}
	}
	if mode.Quad() && (sc.Pins.QuadWP < 0 || sc.Pins.QuadHD < 0) {
		return nil, &HardwareInitError{Stage: "spi bus", Err: fmt.Errorf("io mode %s needs the quad_wp and quad_hd pins", mode)}
	}

	slog.Info("Initializing external SPI Flash", "driver", sc.Driver, "host", sc.Host, "dma_channel", sc.DMAChannel, "io_mode", mode, "speed_hz", sc.SpeedHz)
	slog.Info("Pin assignments", "mosi", sc.Pins.MOSI, "miso", sc.Pins.MISO, "sclk", sc.Pins.SCLK, "cs", sc.Pins.CS)

	chip := spinor.New(bus)
	if err := chip.Init(); err != nil {
		slog.Error("Failed to initialize external Flash", "err", err)
		return nil, &HardwareInitError{Stage: "flash probe", Err: err}
	}
	id, err := chip.ReadID()
	if err != nil {
		return nil, &HardwareInitError{Stage: "flash id", Err: err}
	}
	slog.Info("Initialized external Flash", "size_kb", chip.Size()/1024, "id", fmt.Sprintf("0x%06x", id))

	label := cfg.External.Label
	slog.Info("Add external Flash as a partition", "label", label, "size_kb", chip.Size()/1024)
	ext, err := table.Register(chip, 0, chip.Size(), label, partition.TypeData, partition.SubtypeFAT)
	if err != nil {
		return nil, fmt.Errorf("failed to register external partition: %w", err)
	}

	if internal != nil {
		for _, pc := range cfg.Internal.Partitions {
			if err := registerInternal(table, internal, pc); err != nil {
				return nil, err
			}
		}
	}

	slog.Info("Listing data partitions:")
	for _, p := range table.List(partition.TypeData) {
		slog.Info("- partition", "label", p.Label(), "subtype", p.Subtype(), "offset", fmt.Sprintf("0x%x", p.Offset()), "size_kb", p.Size()/1024)
	}

	return &Storage{cfg: cfg, chip: chip, table: table, ext: ext}, nil
}

func registerInternal(table *partition.Table, dev partition.Device, pc config.PartitionConfig) error {
	typ, err := partition.ParseType(pc.Type)
	if err != nil {
		return fmt.Errorf("partition %s: %w", pc.Label, err)
	}
	sub := partition.SubtypeUndefined
	if pc.Subtype != "" {
		if sub, err = partition.ParseSubtype(pc.Subtype); err != nil {
			return fmt.Errorf("partition %s: %w", pc.Label, err)
		}
	}
	if _, err := table.Register(dev, pc.Offset, pc.Size, pc.Label, typ, sub); err != nil {
		return fmt.Errorf("failed to register internal partition: %w", err)
	}
	return nil
}

func (s *Storage) mountOptions() fatfs.Options {
	m := s.cfg.Mount
	return fatfs.Options{
		MaxFiles:            m.MaxFiles,
		FormatIfMountFailed: m.FormatIfMountFailed,
		AllocationUnitSize:  m.AllocationUnitSize,
		VolumeLabel:         m.VolumeLabel,
	}
}

// Mount opens the FAT filesystem on the external partition, formatting it
// when unreadable and format_if_mount_failed is set.
func (s *Storage) Mount() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return nil, ErrAlreadyMounted
	}
	slog.Info("Mounting FAT filesystem", "point", s.cfg.Mount.Point, "partition", s.ext.Label())
	vol, err := fatfs.Mount(s.ext, s.mountOptions())
	if err != nil {
		slog.Error("Ext_Flash mount error", "err", err)
		return nil, &MountError{Label: s.ext.Label(), Err: err}
	}
	if vol.Formatted() {
		slog.Warn("External flash was formatted", "partition", s.ext.Label())
	}
	s.session = &Session{storage: s, vol: vol, point: s.cfg.Mount.Point}
	return s.session, nil
}

// Mounted reports whether a session is open.
func (s *Storage) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Format erases the external partition and writes an empty volume.
func (s *Storage) Format() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return ErrAlreadyMounted
	}
	slog.Warn("Formatting external flash", "partition", s.ext.Label())
	if err := fatfs.Format(s.ext, s.mountOptions()); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// ChipID is the JEDEC id of the external chip.
func (s *Storage) ChipID() uint32 {
	return s.chip.ID()
}

// ChipSize is the capacity of the external chip in bytes.
func (s *Storage) ChipSize() int64 {
	return s.chip.Size()
}

// Partitions lists every registered partition.
func (s *Storage) Partitions() []*partition.Partition {
	return s.table.List(partition.TypeAny)
}

func (s *Storage) release(sess *Session) {
	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mu.Unlock()
}

// Close unmounts an open session and closes the devices opened by Initialize.
func (s *Storage) Close() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Unmount()
	}
	for _, c := range s.closers {
		if e := c.Close(); e != nil {
			err = e
		}
	}
	s.closers = nil
	return err
}
