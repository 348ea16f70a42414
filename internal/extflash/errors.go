// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"errors"
	"fmt"
)

var (
	ErrNotMounted        = errors.New("extflash: filesystem not mounted")
	ErrAlreadyMounted    = errors.New("extflash: filesystem already mounted")
	ErrCatalog           = errors.New("extflash: failed to read catalog")
	ErrInvalidFilesystem = errors.New("extflash: invalid filesystem")
	ErrPartitionNotFound = errors.New("extflash: partition not found")
	ErrFileNotFound      = errors.New("extflash: file not found")
	ErrIO                = errors.New("extflash: i/o error")
	ErrROMTooLarge       = errors.New("extflash: rom larger than partition")
	ErrVerifyFailed      = errors.New("extflash: staged rom does not match source")

	// ErrDeviceOnlyDriver is returned for a bus driver that exists only in
	// TinyGo builds. On device, pass a tinybus.Configure result to Provision.
	ErrDeviceOnlyDriver = errors.New("extflash: spi driver only available on device")
)

// HardwareInitError is a fatal failure to bring up the bus or the chip.
// There is no recovery below the driver layer.
type HardwareInitError struct {
	Stage string
	Err   error
}

func (e *HardwareInitError) Error() string {
	return fmt.Sprintf("hardware init failed at %s: %v", e.Stage, e.Err)
}

func (e *HardwareInitError) Unwrap() error { return e.Err }

// MountError is a failure to mount the external filesystem.
type MountError struct {
	Label string
	Err   error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("failed to mount %s: %v", e.Label, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// UnmountError is a failure to flush or release the external filesystem.
type UnmountError struct {
	Label string
	Err   error
}

func (e *UnmountError) Error() string {
	return fmt.Sprintf("failed to unmount %s: %v", e.Label, e.Err)
}

func (e *UnmountError) Unwrap() error { return e.Err }
