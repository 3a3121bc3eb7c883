// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vpalloc

// Stats reports the two quantities a caller needs to observe that free
// pages plus live allocations always equal capacity: how many pages
// are currently free and the window's total capacity. This is
// deliberately the full extent of this package's telemetry: nothing
// here adds allocation counters, timing, or per-caller accounting.
type Stats struct {
	FreeCount uint32
	Capacity  uint32
}

// Stats returns a point-in-time snapshot. Under concurrent
// allocate/free traffic the two fields may already be stale by the
// time the caller reads them; use CheckInvariants, not Stats, for
// correctness assertions in tests.
func (a *Allocator) Stats() Stats {
	return Stats{
		FreeCount: a.ring.FreeCount(),
		Capacity:  a.cfg.capacity(),
	}
}
