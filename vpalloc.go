// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page allocator.
//
// This composes internal/osmem (the kernel façade) and
// internal/slotring (the lock-free free list) into the narrow public
// surface a general-purpose heap calls once it has decided a request
// warrants a dedicated page: Allocate and Free. Everything else (size
// classes, per-thread caches, sampling) is that heap's job, not this
// package's; see doc.go.
//
// Modeled on runtime/mheap.go (the page-granularity allocator beneath
// the Go runtime's own size classes) and runtime/malloc.go
// (construction, sysAlloc-backed reservation), with the free-list
// machinery itself factored out into internal/slotring the way
// mheap.go factors page caching out into mpagecache.go.
package vpalloc

import (
	"fmt"
	"unsafe"

	"go.uber.org/atomic"

	"github.com/jyrkive/securemalloc/internal/osmem"
	"github.com/jyrkive/securemalloc/internal/slotring"
)

// Debug gates the address-containment and alignment checks Free
// performs before running the producer protocol. These are meant as
// debug-only (release builds trust the caller), mirroring the
// conditional invariant checks the Go runtime gates behind a debug
// struct in malloc.go.
var Debug = true

// Allocator is a lock-free virtual page allocator: Allocate hands out
// a unique, page-aligned address backed by physical memory; Free
// unmaps it immediately so any later access traps.
//
// All methods are safe to call from any goroutine at any time; there
// is no thread affinity and no lock anywhere in the hot path.
type Allocator struct {
	cfg Config

	base     uintptr // W.base: start of the reserved, inaccessible window
	ring     *slotring.Ring
	ringBase uintptr // base of R's backing storage, reinterpreted as ring.slots; needed again by Close

	closed atomic.Bool
}

// New reserves the page window W (inaccessible, N*PageSize bytes) and
// the slot ring's backing storage (read-write, N*4 bytes), seeds every
// slot with its own page index, and returns a ready-to-use Allocator.
//
// Unlike Allocate/Free, New returns an error instead of aborting on OS
// failure: nothing has been handed out yet, so there is a meaningful
// caller to report to. This is the one place where the usual "no
// recoverable error channel" rule does not apply.
func New(cfg Config) (*Allocator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	base, err := osmem.ReserveWindow(cfg.windowBytes())
	if err != nil {
		return nil, fmt.Errorf("vpalloc: reserve window: %w", err)
	}

	ringBase, err := osmem.ReserveRW(cfg.ringBytes())
	if err != nil {
		_ = osmem.Destroy(base, cfg.windowBytes())
		return nil, fmt.Errorf("vpalloc: reserve slot ring: %w", err)
	}
	// go.uber.org/atomic.Uint32 wraps a bare uint32 with no extra
	// fields, so the reserved ring bytes can be reinterpreted in place
	// as the slot storage instead of copied into a second, ordinary
	// Go-heap slice.
	ringSlots := unsafe.Slice((*atomic.Uint32)(unsafe.Pointer(ringBase)), cfg.capacity())

	a := &Allocator{
		cfg:      cfg,
		base:     base,
		ring:     slotring.New(cfg.capacity(), ringSlots),
		ringBase: ringBase,
	}
	return a, nil
}

// Allocate claims a free page, makes it accessible, and returns its
// address. Contents are unspecified; callers needing zeroed memory
// must zero it themselves.
//
// Allocate aborts the process if the window is exhausted or if the
// kernel call that makes the page accessible fails: there is no
// recoverable error channel on this path.
func (a *Allocator) Allocate() uintptr {
	pageIndex, ok := a.ring.Claim()
	if !ok {
		abortExhausted(a.cfg.capacity())
	}

	addr := a.addressOf(pageIndex)
	if err := osmem.SetAccessible(addr, uintptr(a.cfg.PageSize), true); err != nil {
		abortOSFailure("set accessible", err)
	}
	return addr
}

// Free makes addr's page inaccessible, trapping any subsequent access,
// and returns the page index to the slot ring. The accessibility
// transition happens before the slot is linked back into the ring, so
// a freed address is a dead address from the instant Free is called,
// not from the instant some later consumer happens to claim it again.
//
// addr must have been returned by Allocate on this Allocator and not
// yet freed; a double-free or an address from a different instance is
// undefined behaviour that typically manifests as a trap, since the
// second Free's accessibility transition will usually hit a region
// that's already inaccessible.
func (a *Allocator) Free(addr uintptr) {
	pageIndex := a.pageIndexOf(addr)

	if err := osmem.SetAccessible(addr, uintptr(a.cfg.PageSize), false); err != nil {
		abortOSFailure("set inaccessible", err)
	}
	_ = osmem.Discard(addr, uintptr(a.cfg.PageSize)) // best-effort; see osmem.Discard doc

	a.ring.Release(pageIndex)
}

// Close releases the page window and the slot ring's backing storage
// back to the OS. All outstanding allocations become invalid; callers
// are expected to have drained them first. Close is idempotent: a
// second call is a no-op.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := osmem.Destroy(a.ringBase, a.cfg.ringBytes()); err != nil {
		return fmt.Errorf("vpalloc: destroy slot ring: %w", err)
	}
	if err := osmem.Destroy(a.base, a.cfg.windowBytes()); err != nil {
		return fmt.Errorf("vpalloc: destroy window: %w", err)
	}
	return nil
}

// CheckInvariants re-derives the conservation invariant
// (free_count + live_allocations == N) from the ring's current state
// and the caller-supplied count of outstanding live allocations. It
// exists for tests and debug builds, not the allocate/free hot path.
// Modeled on the sanity-checking passes mcentral.go runs over its span
// lists in debug builds.
func (a *Allocator) CheckInvariants(liveAllocations uint32) error {
	free := a.ring.FreeCount()
	if free+liveAllocations != a.cfg.capacity() {
		return fmt.Errorf("vpalloc: conservation violated: free=%d live=%d capacity=%d",
			free, liveAllocations, a.cfg.capacity())
	}
	return nil
}

func (a *Allocator) addressOf(pageIndex uint32) uintptr {
	return a.base + uintptr(pageIndex)*uintptr(a.cfg.PageSize)
}

func (a *Allocator) pageIndexOf(addr uintptr) uint32 {
	if Debug {
		if addr < a.base || addr >= a.base+a.cfg.windowBytes() {
			panic(fmt.Sprintf("vpalloc: address %#x is not in this allocator's window", addr))
		}
		if (addr-a.base)%uintptr(a.cfg.PageSize) != 0 {
			panic(fmt.Sprintf("vpalloc: address %#x is not page-aligned", addr))
		}
	}
	return uint32((addr - a.base) / uintptr(a.cfg.PageSize))
}
