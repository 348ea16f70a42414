// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package partition is a partition table over flash devices: named, typed,
// offset+size regions that can be read, written, erased and memory mapped.
package partition

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrExists      = errors.New("partition: label already registered")
	ErrOverlap     = errors.New("partition: overlaps an existing partition")
	ErrOutOfRange  = errors.New("partition: access out of range")
	ErrMisaligned  = errors.New("partition: not aligned to the erase sector")
	ErrNotMappable = errors.New("partition: device cannot be memory mapped")
	ErrBadLabel    = errors.New("partition: invalid label")
)

// MaxLabelLen is the longest label a table entry can hold.
const MaxLabelLen = 16

// Type is the partition type.
type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
	TypeAny  Type = 0xff
)

// Subtype refines a data partition.
type Subtype uint8

const (
	SubtypeOTA       Subtype = 0x00
	SubtypePHY       Subtype = 0x01
	SubtypeNVS       Subtype = 0x02
	SubtypeCoredump  Subtype = 0x03
	SubtypeNVSKeys   Subtype = 0x04
	SubtypeEfuse     Subtype = 0x05
	SubtypeUndefined Subtype = 0x06
	SubtypeESPHTTPD  Subtype = 0x80
	SubtypeFAT       Subtype = 0x81
	SubtypeSPIFFS    Subtype = 0x82
	SubtypeLittleFS  Subtype = 0x83
	SubtypeAny       Subtype = 0xff
)

var subtypeNames = map[Subtype]string{
	SubtypeOTA:       "ota",
	SubtypePHY:       "phy",
	SubtypeNVS:       "nvs",
	SubtypeCoredump:  "coredump",
	SubtypeNVSKeys:   "nvs_keys",
	SubtypeEfuse:     "efuse",
	SubtypeUndefined: "undefined",
	SubtypeESPHTTPD:  "esphttpd",
	SubtypeFAT:       "fat",
	SubtypeSPIFFS:    "spiffs",
	SubtypeLittleFS:  "littlefs",
	SubtypeAny:       "any",
}

func (s Subtype) String() string {
	if name, ok := subtypeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(s))
}

// ParseSubtype accepts the names printed by Subtype.String.
func ParseSubtype(s string) (Subtype, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for sub, name := range subtypeNames {
		if name == s {
			return sub, nil
		}
	}
	return 0, fmt.Errorf("unknown partition subtype %q", s)
}

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	case TypeAny:
		return "any"
	default:
		return fmt.Sprintf("0x%02x", uint8(t))
	}
}

// ParseType accepts "app" or "data".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app":
		return TypeApp, nil
	case "data", "":
		return TypeData, nil
	default:
		return 0, fmt.Errorf("unknown partition type %q", s)
	}
}

// Device is a flash chip or a region of one.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Erase(off, length int64) error
	Size() int64
	SectorSize() int64
}

// Mapper is implemented by devices whose contents can be addressed directly.
type Mapper interface {
	Map(off, length int64) (*Mapping, error)
}

// Mapping is a read-only view of mapped flash.
type Mapping struct {
	data    []byte
	release func() error
}

// Bytes returns the mapped contents. It is invalid after Unmap.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Unmap releases the view.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	m.data = nil
	if m.release == nil {
		return nil
	}
	return m.release()
}

// Partition is one registered entry. It is immutable after registration.
type Partition struct {
	label   string
	typ     Type
	subtype Subtype
	offset  int64
	size    int64
	dev     Device
}

func (p *Partition) Label() string     { return p.label }
func (p *Partition) Type() Type        { return p.typ }
func (p *Partition) Subtype() Subtype  { return p.subtype }
func (p *Partition) Offset() int64     { return p.offset }
func (p *Partition) Size() int64       { return p.size }
func (p *Partition) SectorSize() int64 { return p.dev.SectorSize() }
func (p *Partition) Device() Device    { return p.dev }

func (p *Partition) String() string {
	return fmt.Sprintf("%s (%s/%s @0x%x, %d kB)", p.label, p.typ, p.subtype, p.offset, p.size/1024)
}

func (p *Partition) check(off, n int64) error {
	if off < 0 || n < 0 || off+n > p.size {
		return fmt.Errorf("%w: [%d, %d) of %s", ErrOutOfRange, off, off+n, p.label)
	}
	return nil
}

// ReadAt reads from the partition. Reads past the end fail with ErrOutOfRange.
func (p *Partition) ReadAt(b []byte, off int64) (int, error) {
	if err := p.check(off, int64(len(b))); err != nil {
		return 0, err
	}
	return p.dev.ReadAt(b, p.offset+off)
}

// WriteAt writes to the partition. The range must have been erased on NOR devices.
func (p *Partition) WriteAt(b []byte, off int64) (int, error) {
	if err := p.check(off, int64(len(b))); err != nil {
		return 0, err
	}
	return p.dev.WriteAt(b, p.offset+off)
}

// EraseRange erases a sector aligned range of the partition.
func (p *Partition) EraseRange(off, length int64) error {
	if err := p.check(off, length); err != nil {
		return err
	}
	ss := p.dev.SectorSize()
	if off%ss != 0 || length%ss != 0 {
		return fmt.Errorf("%w: [0x%x, 0x%x) of %s", ErrMisaligned, off, off+length, p.label)
	}
	return p.dev.Erase(p.offset+off, length)
}

// Map maps a range of the partition into memory.
func (p *Partition) Map(off, length int64) (*Mapping, error) {
	if err := p.check(off, length); err != nil {
		return nil, err
	}
	m, ok := p.dev.(Mapper)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMappable, p.label)
	}
	return m.Map(p.offset+off, length)
}

// Table holds the registered partitions in registration order.
type Table struct {
	mu    sync.RWMutex
	parts []*Partition
}

func NewTable() *Table {
	return &Table{}
}

// Register adds a partition covering [offset, offset+size) of dev.
func (t *Table) Register(dev Device, offset, size int64, label string, typ Type, subtype Subtype) (*Partition, error) {
	if label == "" || len(label) > MaxLabelLen {
		return nil, fmt.Errorf("%w: %q", ErrBadLabel, label)
	}
	if offset < 0 || size <= 0 || offset+size > dev.Size() {
		return nil, fmt.Errorf("%w: %s [0x%x, 0x%x) on a %d byte device", ErrOutOfRange, label, offset, offset+size, dev.Size())
	}
	if ss := dev.SectorSize(); offset%ss != 0 || size%ss != 0 {
		return nil, fmt.Errorf("%w: %s [0x%x, 0x%x)", ErrMisaligned, label, offset, offset+size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.parts {
		if p.label == label {
			return nil, fmt.Errorf("%w: %s", ErrExists, label)
		}
		if p.dev == dev && offset < p.offset+p.size && p.offset < offset+size {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlap, label, p.label)
		}
	}
	p := &Partition{
		label:   label,
		typ:     typ,
		subtype: subtype,
		offset:  offset,
		size:    size,
		dev:     dev,
	}
	t.parts = append(t.parts, p)
	return p, nil
}

// Find returns the partition matching all of typ, subtype and label.
// TypeAny, SubtypeAny and an empty label match anything.
func (t *Table) Find(typ Type, subtype Subtype, label string) (*Partition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.parts {
		if typ != TypeAny && p.typ != typ {
			continue
		}
		if subtype != SubtypeAny && p.subtype != subtype {
			continue
		}
		if label != "" && p.label != label {
			continue
		}
		return p, true
	}
	return nil, false
}

// FindFirst returns the first partition of the given type and subtype.
func (t *Table) FindFirst(typ Type, subtype Subtype) (*Partition, bool) {
	return t.Find(typ, subtype, "")
}

// List returns the partitions of type typ (TypeAny for all).
func (t *Table) List(typ Type) []*Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Partition
	for _, p := range t.parts {
		if typ == TypeAny || p.typ == typ {
			out = append(out, p)
		}
	}
	return out
}
