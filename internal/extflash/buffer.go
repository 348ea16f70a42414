// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"crypto/rand"
	"fmt"
	"sync"
)

var bufPool sync.Pool

// getBuffer returns a pooled transfer buffer of n bytes filled with random
// data, so stale contents can never be mistaken for ROM bytes.
func getBuffer(n int) (*[]byte, error) {
	bp, _ := bufPool.Get().(*[]byte)
	if bp == nil || cap(*bp) < n {
		b := make([]byte, n)
		bp = &b
	}
	*bp = (*bp)[:n]
	if _, err := rand.Read(*bp); err != nil {
		putBuffer(bp)
		return nil, fmt.Errorf("failed to fill transfer buffer: %w", err)
	}
	return bp, nil
}

// putBuffer wipes the buffer and returns it to the pool.
func putBuffer(bp *[]byte) {
	clear(*bp)
	bufPool.Put(bp)
}
