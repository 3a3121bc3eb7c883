// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slotring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestRing builds a ring over an ordinary heap-allocated slice.
// Production callers (vpalloc.New) back the ring with reserved kernel
// memory instead; these unit tests only exercise ring arithmetic, so a
// plain slice is enough.
func newTestRing(n uint32) *Ring {
	return New(n, make([]atomic.Uint32, n))
}

func TestNewSeedsIdentitySlots(t *testing.T) {
	r := newTestRing(8)
	require.EqualValues(t, 8, r.FreeCount())
	require.EqualValues(t, 8, r.Capacity())
}

func TestClaimReleaseRoundTrip(t *testing.T) {
	r := newTestRing(4)
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		p, ok := r.Claim()
		require.True(t, ok)
		assert.False(t, seen[p], "page %d claimed twice", p)
		seen[p] = true
	}
	_, ok := r.Claim()
	assert.False(t, ok, "ring should be exhausted")
	require.EqualValues(t, 0, r.FreeCount())

	r.Release(2)
	require.EqualValues(t, 1, r.FreeCount())
	p, ok := r.Claim()
	require.True(t, ok)
	assert.EqualValues(t, 2, p)
}

func TestClaimReleaseClaimLeavesOneClaimed(t *testing.T) {
	r := newTestRing(16)
	before := r.FreeCount()
	p, ok := r.Claim()
	require.True(t, ok)
	r.Release(p)
	p2, ok := r.Claim()
	require.True(t, ok)
	assert.Equal(t, before, r.FreeCount()+1)
	_ = p2
}

func TestSingleThreadExhaustsExactlyOnce(t *testing.T) {
	const n = 16
	r := newTestRing(n)
	distinct := make(map[uint32]bool, n)
	for i := 0; i < n; i++ {
		p, ok := r.Claim()
		require.True(t, ok)
		distinct[p] = true
	}
	assert.Len(t, distinct, n)
	_, ok := r.Claim()
	assert.False(t, ok)
}

// TestConcurrentClaimReleaseNoDuplicates stresses many goroutines
// claiming and releasing concurrently and asserts that no page index
// is ever held by two live claims at once.
func TestConcurrentClaimReleaseNoDuplicates(t *testing.T) {
	const n = 256
	const workers = 32
	const rounds = 2000

	r := newTestRing(n)

	var held sync.Map // pageIndex -> true while claimed
	var wg sync.WaitGroup
	errs := make(chan string, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				p, ok := r.Claim()
				if !ok {
					continue
				}
				if _, dup := held.LoadOrStore(p, true); dup {
					select {
					case errs <- "duplicate live claim":
					default:
					}
					return
				}
				held.Delete(p)
				r.Release(p)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
	assert.EqualValues(t, n, r.FreeCount(), "conservation: all pages must be free again")
}

// TestInterleavedProducerConsumer runs one goroutine that repeatedly
// frees-then-allocates a fixed page and another that independently
// allocates-then-frees, checking that every page is free again once
// both have finished.
func TestInterleavedProducerConsumer(t *testing.T) {
	const n = 64
	const iterations = 20000
	r := newTestRing(n)

	a, ok := r.Claim()
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		cur := a
		for i := 0; i < iterations; i++ {
			r.Release(cur)
			p, ok := r.Claim()
			require.True(t, ok)
			cur = p
		}
		r.Release(cur)
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			p, ok := r.Claim()
			if !ok {
				continue
			}
			r.Release(p)
		}
	}()

	wg.Wait()
	assert.EqualValues(t, n, r.FreeCount())
}

// TestSlotFlagHandshake pauses a producer between reserving its tail
// slot and publishing the page index into it, and starts a consumer that
// wraps onto that same slot. Once the producer resumes, the consumer must
// return the freshly published index, never a stale one. Whether the
// consumer reaches the slot while its allocatedFlag is still set depends
// on scheduling; the test does not check that it did.
func TestSlotFlagHandshake(t *testing.T) {
	r := newTestRing(2)

	// Drain both slots so the next Release/Claim pair revisits slot 0.
	p0, ok := r.Claim()
	require.True(t, ok)
	p1, ok := r.Claim()
	require.True(t, ok)

	resume := make(chan struct{})
	paused := make(chan struct{})
	r.testPause = func() {
		close(paused)
		<-resume
	}

	producerDone := make(chan struct{})
	go func() {
		r.Release(p0) // claims the tail slot, then blocks in testPause
		close(producerDone)
	}()

	<-paused
	r.testPause = nil

	consumerDone := make(chan uint32)
	go func() {
		p, ok := r.Claim()
		require.True(t, ok)
		consumerDone <- p
	}()

	close(resume)
	<-producerDone
	got := <-consumerDone
	assert.Equal(t, p0, got, "consumer must observe the freshly published index")

	r.Release(got)
	r.Release(p1)
	assert.EqualValues(t, 2, r.FreeCount())
}
