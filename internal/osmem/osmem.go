// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

// Package osmem is the allocator's only point of contact with the
// kernel: it reserves virtual address ranges and flips their
// protection between accessible and inaccessible. Nothing outside
// this package calls mmap, mprotect, or munmap.
//
// Modeled on runtime/mem_linux.go (sysAlloc/sysUnused/sysFree),
// translated from the runtime's private syscall stubs to
// golang.org/x/sys/unix, the public route to the same three calls once
// code leaves package runtime.
package osmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize returns the OS's page size. Config.validate checks a
// caller-configured page size against this before any mapping is made:
// on systems where protection granularity exceeds the configured page
// size, the configured size must be raised to match.
func PageSize() int {
	return unix.Getpagesize()
}

// ReserveWindow obtains a contiguous virtual range of n bytes,
// initially inaccessible (PROT_NONE) and with no physical memory
// committed. This backs the allocator's page window W.
func ReserveWindow(n uintptr) (base uintptr, err error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrap(err, "osmem: reserve inaccessible window")
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// ReserveRW obtains a contiguous virtual range of n bytes, readable
// and writable from the instant it's returned. This backs the
// allocator's slot ring R, which every thread touches from
// construction onward.
func ReserveRW(n uintptr) (base uintptr, err error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrap(err, "osmem: reserve read-write region")
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// SetAccessible flips protection of exactly len bytes starting at addr.
// accessible=true maps the region read+write; accessible=false maps it
// PROT_NONE. It issues no madvise hint itself: the allocator follows an
// accessible=false call with Discard, which tells the kernel the backing
// physical pages may be dropped. The allocator's contract already says
// content does not persist across an inaccessible interval, so there is
// nothing to lose.
func SetAccessible(addr, length uintptr, accessible bool) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if accessible {
		if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return errors.Wrap(err, "osmem: mprotect rw")
		}
		return nil
	}
	if err := unix.Mprotect(mem, unix.PROT_NONE); err != nil {
		return errors.Wrap(err, "osmem: mprotect none")
	}
	return nil
}

// Discard issues a best-effort MADV_DONTNEED hint over the given
// range. Failures are not fatal: the hint affects only an optimization,
// not the accessibility contract, and the allocator ignores the error.
func Discard(addr, length uintptr) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
		return errors.Wrap(err, "osmem: madvise dontneed")
	}
	return nil
}

// Destroy releases a region previously obtained from ReserveWindow or
// ReserveRW back to the OS. Backs the allocator's destruct().
func Destroy(addr, length uintptr) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if err := unix.Munmap(mem); err != nil {
		return errors.Wrap(err, "osmem: munmap")
	}
	return nil
}
