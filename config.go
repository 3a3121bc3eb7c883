// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vpalloc

import (
	"fmt"

	"github.com/jyrkive/securemalloc/internal/osmem"
)

// DefaultLog2Capacity is the default window size: N = 2^24 pages,
// roughly 64 GiB of virtual address space at a 4 KiB page size.
// Exhaustion at this capacity means well over 16 million concurrent
// single-page allocations, by design a programming error and not a
// transient condition (see Allocator.Allocate).
const DefaultLog2Capacity = 24

// Config configures a page window's size and page granularity. Page
// size and capacity could be build-time constants, but this module
// makes them constructor parameters instead (still validated against
// the real OS page size) so the allocator can be exercised at small
// capacities in tests without mapping tens of gigabytes of address
// space.
type Config struct {
	// PageSize must equal the OS's page size (see osmem.PageSize). A
	// mismatch is rejected at New() rather than silently narrowing
	// protection granularity.
	PageSize int

	// Log2Capacity is log2(N), the number of pages the window holds.
	// N must fit the 24-bit page-index budget the slot ring's
	// allocatedFlag bit layout assumes (see internal/slotring).
	Log2Capacity uint
}

// DefaultConfig returns sensible defaults: the real OS page size and
// a 2^24-page window.
func DefaultConfig() Config {
	return Config{
		PageSize:     osmem.PageSize(),
		Log2Capacity: DefaultLog2Capacity,
	}
}

// maxLog2Capacity is the largest capacity a ring slot's 24-bit page
// index field can address.
const maxLog2Capacity = 24

func (c Config) validate() error {
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("vpalloc: page size %d is not a positive power of two", c.PageSize)
	}
	if c.PageSize != osmem.PageSize() {
		return fmt.Errorf("vpalloc: configured page size %d does not match OS page size %d", c.PageSize, osmem.PageSize())
	}
	if c.Log2Capacity == 0 || c.Log2Capacity > maxLog2Capacity {
		return fmt.Errorf("vpalloc: log2 capacity %d out of range (0, %d]", c.Log2Capacity, maxLog2Capacity)
	}
	return nil
}

func (c Config) capacity() uint32 {
	return uint32(1) << c.Log2Capacity
}

func (c Config) windowBytes() uintptr {
	return uintptr(c.capacity()) * uintptr(c.PageSize)
}

func (c Config) ringBytes() uintptr {
	return uintptr(c.capacity()) * 4
}
