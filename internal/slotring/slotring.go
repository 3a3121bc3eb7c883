// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slotring implements the allocator's free-list: a fixed
// capacity, lock-free, multi-producer multi-consumer ring of page
// indices.
//
// See ../../vpalloc.go for the overview of how this fits into the
// allocator as a whole.
//
// The ring holds exactly Capacity() slots, one per page the allocator
// manages. Slot i initially holds the free page index i. Consumers
// (Claim, called from Allocate) and producers (Release, called from
// Free) never block and never share a lock: they coordinate through a
// single packed atomic word, head, modeled on runtime/mpagecache.go's
// pageCache (a lock-free, per-P cache of free pages), generalized here
// from a 64-bit bitmap (good for one cache line of pages) to a full
// ring covering every page the allocator owns, since this allocator
// hands out single dedicated pages rather than spans pulled from a
// bitmap-scanned chunk.
//
// New takes its slot storage from the caller rather than allocating
// its own: vpalloc reserves that storage as real, page-backed kernel
// memory (osmem.ReserveRW) so the ring itself lives outside the
// ordinary Go heap, the same way it reserves the page window.
package slotring

import (
	"go.uber.org/atomic"
)

// allocatedFlag marks a slot as mid-handshake: either a consumer has
// poisoned it after claiming (so the next producer-then-consumer cycle
// on that slot is safe), or a producer has reserved it via the head
// word's free-count bump but not yet published its page index. Both
// cases resolve identically: a reader must spin until the flag clears.
const allocatedFlag = uint32(1) << 31

const pageIndexMask = allocatedFlag - 1

// Ring is a fixed-capacity MPMC free list of page indices.
//
// There is no lock anywhere in this type. All state is touched only
// through atomic load/store/CAS/add.
type Ring struct {
	noCopy noCopy

	// head packs two 32-bit fields into one atomic word so a single
	// CAS (consumer) or fetch-add (producer) can both claim capacity
	// and publish the new ring position. Bits 0..31 are the ring index
	// of the oldest free slot; bits 32..63 are the number of currently
	// free pages. See packHead/unpackHead.
	head atomic.Uint64

	slots []atomic.Uint32
	mask  uint32

	// testPause, when non-nil, is invoked by Release between claiming
	// the tail slot and publishing the page index into it. It exists
	// only so tests can force the interleaving where a consumer visits
	// a slot mid-handshake (slotring_test.go scenario 6, "slot-flag
	// handshake"); production callers never set it.
	testPause func()
}

// noCopy, embedded by value, causes `go vet` to flag accidental copies
// of a Ring; a copied Ring would duplicate live atomics and silently
// desynchronize two free lists sharing one backing slice.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

func packHead(head, freeCount uint32) uint64 {
	return uint64(head) | uint64(freeCount)<<32
}

func unpackHead(h uint64) (head, freeCount uint32) {
	return uint32(h), uint32(h >> 32)
}

// New builds a ring over the given backing slots (n must be a power
// of two, checked by the caller; see vpalloc.Config.validate. slots
// must have length n). Every slot i is seeded with free page index i,
// so every page starts out free exactly once.
func New(n uint32, slots []atomic.Uint32) *Ring {
	if n == 0 || n&(n-1) != 0 {
		panic("slotring: capacity must be a power of two")
	}
	if uint32(len(slots)) != n {
		panic("slotring: backing slots length does not match capacity")
	}
	r := &Ring{
		slots: slots,
		mask:  n - 1,
	}
	for i := uint32(0); i < n; i++ {
		r.slots[i].Store(i) // relaxed in spirit: single-threaded at construction
	}
	r.head.Store(packHead(0, n))
	return r
}

// Capacity returns the number of page slots the ring manages.
func (r *Ring) Capacity() uint32 {
	return r.mask + 1
}

// FreeCount returns a point-in-time count of free pages. Intended for
// tests and diagnostics that check free_count plus live allocations
// always equals capacity, not for allocation decisions under
// contention; use Claim's ok result for that.
func (r *Ring) FreeCount() uint32 {
	_, freeCount := unpackHead(r.head.Load())
	return freeCount
}

// Claim implements the consumer protocol: it removes one page index
// from the ring and returns it. ok is false if the ring was empty when
// the head word was loaded. The caller (vpalloc.Allocator)
// is responsible for turning that into its own exhaustion policy;
// Claim itself never aborts.
func (r *Ring) Claim() (pageIndex uint32, ok bool) {
	for {
		old := r.head.Load()
		head, freeCount := unpackHead(old)
		if freeCount == 0 {
			return 0, false
		}
		newHead := (head + 1) & r.mask
		next := packHead(newHead, freeCount-1)
		if r.head.CompareAndSwap(old, next) {
			return r.takeSlot(head), true
		}
		// Someone else won the race for this slot; reload and retry.
	}
}

// takeSlot reads and poisons the slot this consumer just won ownership
// of via the head CAS. It may need to spin briefly if a producer
// claimed the slot (via fetch-add in Release) but has not yet
// published its page index; see the package doc above.
func (r *Ring) takeSlot(slot uint32) uint32 {
	s := &r.slots[slot]
	for {
		v := s.Load()
		if v&allocatedFlag != 0 {
			// Producer has reserved but not yet published this slot
			// (or, less likely, we're racing a prior poison that
			// hasn't been overwritten yet). Either way: spin.
			continue
		}
		pageIndex := v & pageIndexMask
		if s.CompareAndSwap(v, pageIndex|allocatedFlag) {
			return pageIndex
		}
		// Lost a race to re-store the same value; reload.
	}
}

// Release implements the producer protocol: it returns pageIndex to
// the ring. Callers must have already made the page inaccessible
// before calling Release (that's the vpalloc layer's job, since only
// it knows the page's virtual address), so the page traps on access
// from the instant it's freed rather than from the instant it's
// linked back into the ring.
func (r *Ring) Release(pageIndex uint32) {
	delta := packHead(0, 1)
	old := r.head.Add(delta) - delta
	head, freeCount := unpackHead(old)
	tail := (head + freeCount) & r.mask

	if r.testPause != nil {
		r.testPause()
	}

	r.slots[tail].Store(pageIndex) // flag bit clear: this is the publish step
}
