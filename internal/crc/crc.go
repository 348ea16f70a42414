// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc computes the CRC-16/MODBUS checksum used to verify staged ROMs.
package crc

var table [256]uint16

func init() {
	for i := range table {
		v := uint16(i)
		for j := 0; j < 8; j++ {
			if v&1 != 0 {
				v = v>>1 ^ 0xA001
			} else {
				v >>= 1
			}
		}
		table[i] = v
	}
}

// CRC is a running checksum. The zero value must be Reset before use.
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = 0xFFFF
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	v := crc.value
	for _, b := range bs {
		v = v>>8 ^ table[byte(v)^b]
	}
	crc.value = v
	return crc
}

// Write lets a CRC sit behind an io.MultiWriter.
func (crc *CRC) Write(p []byte) (int, error) {
	crc.PushBytes(p)
	return len(p), nil
}

func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum returns the CRC of b.
func Checksum(b []byte) uint16 {
	var crc CRC
	return crc.Reset().PushBytes(b).Value()
}
