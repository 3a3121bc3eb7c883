// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vpalloc implements a lock-free virtual page allocator: it
// hands out unique, page-aligned virtual addresses backed on demand by
// physical memory, and unmaps the virtual region synchronously on
// release so any later access to a freed address traps.
//
// It is a leaf component meant to sit underneath a general-purpose
// heap that has already decided a particular allocation request
// warrants a dedicated page. The surrounding size classes, thread
// caches, and sampling are out of scope here, same as they are left to
// runtime/malloc.go and friends in the standard Go runtime this
// package's internal components are modeled on.
//
// See vpalloc.go for the allocator façade, internal/slotring for the
// lock-free free list, and internal/osmem for the only code in this
// module that touches the kernel.
package vpalloc
