// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package fatfs mounts a FAT volume on a flash partition.
//
// The FAT implementation is github.com/diskfs/go-diskfs. This package adds the
// flash side: a sector write-back cache that hides NOR erase-before-write from
// the filesystem, format-on-failure, an open-file limit and free space
// accounting.
package fatfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/fat32"

	"github.com/ffutop/extflash/internal/partition"
)

const blockSize = 512

var (
	ErrUnmounted         = errors.New("fatfs: volume is not mounted")
	ErrTooManyOpenFiles  = errors.New("fatfs: too many open files")
	ErrInvalidVolume     = errors.New("fatfs: invalid volume")
	ErrNotExist          = errors.New("fatfs: file does not exist")
	ErrUnsupportedOption = errors.New("fatfs: unsupported option")
)

// Options controls Mount and Format.
type Options struct {
	// MaxFiles bounds the number of files open at once. Zero means 5.
	MaxFiles int
	// FormatIfMountFailed formats the partition when no readable volume is found.
	FormatIfMountFailed bool
	// AllocationUnitSize is the cluster size used by Format. Only 0 and 512 are supported.
	AllocationUnitSize int64
	// VolumeLabel is written by Format.
	VolumeLabel string
}

func (o Options) maxFiles() int {
	if o.MaxFiles <= 0 {
		return 5
	}
	return o.MaxFiles
}

// Volume is a mounted FAT filesystem.
type Volume struct {
	mu        sync.Mutex
	part      *partition.Partition
	cache     *sectorCache
	fs        *fat32.FileSystem
	label     string
	maxFiles  int
	open      int
	formatted bool
}

// Mount reads the FAT volume on p. With FormatIfMountFailed an unreadable
// partition is formatted and mounted empty.
func Mount(p *partition.Partition, opts Options) (*Volume, error) {
	cache := newSectorCache(p)
	fs, err := fat32.Read(cache, p.Size(), 0, blockSize)
	formatted := false
	if err != nil {
		if !opts.FormatIfMountFailed {
			return nil, fmt.Errorf("%w: %v", ErrInvalidVolume, err)
		}
		slog.Warn("No readable FAT volume, formatting partition", "partition", p.Label(), "reason", err)
		if err := eraseAll(p); err != nil {
			return nil, err
		}
		cache = newSectorCache(p)
		fs, err = create(cache, p, opts)
		if err != nil {
			return nil, err
		}
		formatted = true
	}
	v := &Volume{
		part:      p,
		cache:     cache,
		fs:        fs,
		label:     strings.TrimSpace(fs.Label()),
		maxFiles:  opts.maxFiles(),
		formatted: formatted,
	}
	slog.Debug("FAT volume mounted", "partition", p.Label(), "label", v.label, "formatted", formatted)
	return v, nil
}

// Format erases p and writes an empty FAT volume.
func Format(p *partition.Partition, opts Options) error {
	if err := eraseAll(p); err != nil {
		return err
	}
	cache := newSectorCache(p)
	if _, err := create(cache, p, opts); err != nil {
		return err
	}
	return cache.release()
}

func eraseAll(p *partition.Partition) error {
	if err := p.EraseRange(0, p.Size()); err != nil {
		return fmt.Errorf("failed to erase partition %s: %w", p.Label(), err)
	}
	return nil
}

func create(cache *sectorCache, p *partition.Partition, opts Options) (*fat32.FileSystem, error) {
	if opts.AllocationUnitSize != 0 && opts.AllocationUnitSize != blockSize {
		return nil, fmt.Errorf("%w: allocation unit size %d", ErrUnsupportedOption, opts.AllocationUnitSize)
	}
	fs, err := fat32.Create(cache, p.Size(), 0, blockSize, opts.VolumeLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to create FAT volume on %s: %w", p.Label(), err)
	}
	if err := cache.flush(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Formatted reports whether Mount had to format the partition.
func (v *Volume) Formatted() bool {
	return v.formatted
}

// Label is the volume label, trimmed.
func (v *Volume) Label() string {
	return v.label
}

// Partition is the partition the volume is mounted on.
func (v *Volume) Partition() *partition.Partition {
	return v.part
}

func (v *Volume) isLabel(fi os.FileInfo) bool {
	if v.label == "" || fi.IsDir() || fi.Size() != 0 {
		return false
	}
	return labelForm.Replace(fi.Name()) == labelForm.Replace(v.label)
}

// labelForm drops the 8.3 dot and padding so a label listed as "EXTFLASH.ROM"
// matches "EXTFLASHROM".
var labelForm = strings.NewReplacer(".", "", " ", "")

// ReadDir lists dir in on-disk order. The volume label entry is skipped.
func (v *Volume) ReadDir(dir string) ([]os.FileInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return nil, ErrUnmounted
	}
	if err := v.checkBootSector(); err != nil {
		return nil, err
	}
	infos, err := v.fs.ReadDir(clean(dir))
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, fi := range infos {
		if v.isLabel(fi) {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

// Stat returns the directory entry of name.
func (v *Volume) Stat(name string) (os.FileInfo, error) {
	name = clean(name)
	infos, err := v.ReadDir(path.Dir(name))
	if err != nil {
		return nil, err
	}
	base := path.Base(name)
	for _, fi := range infos {
		if fi.Name() == base {
			return fi, nil
		}
		if sn, ok := fi.(interface{ ShortName() string }); ok && sn.ShortName() == base {
			return fi, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
}

// Open opens name for reading.
func (v *Volume) Open(name string) (*File, error) {
	if _, err := v.Stat(name); err != nil {
		return nil, err
	}
	return v.openFile(name, os.O_RDONLY)
}

// Create creates or truncates name for writing.
func (v *Volume) Create(name string) (*File, error) {
	return v.openFile(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
}

func (v *Volume) openFile(name string, flag int) (*File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return nil, ErrUnmounted
	}
	if v.open >= v.maxFiles {
		return nil, fmt.Errorf("%w (max %d)", ErrTooManyOpenFiles, v.maxFiles)
	}
	f, err := v.fs.OpenFile(clean(name), flag)
	if err != nil {
		return nil, err
	}
	v.open++
	return &File{v: v, f: f, name: name}, nil
}

// checkBootSector re-reads the boot sector so a medium that changed under
// the mount is reported instead of listed from stale tables.
func (v *Volume) checkBootSector() error {
	boot := make([]byte, blockSize)
	if _, err := v.cache.ReadAt(boot, 0); err != nil {
		return fmt.Errorf("failed to read boot sector: %w", err)
	}
	_, err := parseBPB(boot)
	return err
}

// FreeSpace scans the FAT for free clusters.
func (v *Volume) FreeSpace() (Space, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return Space{}, ErrUnmounted
	}
	return freeSpace(v.cache)
}

// Sync writes the cached sector back to flash.
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return ErrUnmounted
	}
	return v.cache.flush()
}

// Unmount flushes the cache and releases the volume. Files still open
// become unusable.
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fs == nil {
		return ErrUnmounted
	}
	if v.open > 0 {
		slog.Warn("Unmounting with open files", "partition", v.part.Label(), "open", v.open)
	}
	err := v.cache.release()
	slog.Debug("FAT volume unmounted", "partition", v.part.Label(), "erases", v.cache.erases, "programs", v.cache.programs)
	v.fs = nil
	v.open = 0
	if err != nil {
		return fmt.Errorf("failed to flush volume: %w", err)
	}
	return nil
}

// File is an open file on a Volume.
type File struct {
	v    *Volume
	f    filesystem.File
	name string
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Read(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.f == nil || f.v.fs == nil {
		return 0, ErrUnmounted
	}
	return f.f.Read(p)
}

func (f *File) Write(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.f == nil || f.v.fs == nil {
		return 0, ErrUnmounted
	}
	return f.f.Write(p)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.f == nil || f.v.fs == nil {
		return 0, ErrUnmounted
	}
	return f.f.Seek(offset, whence)
}

// Close releases the open-file slot.
func (f *File) Close() error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	if f.v.fs != nil && f.v.open > 0 {
		f.v.open--
	}
	return err
}

var _ io.ReadWriteSeeker = (*File)(nil)

func clean(p string) string {
	return path.Clean("/" + p)
}
