// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command vpalloc-smoke runs end-to-end scenarios from the allocator's
// design (a free-then-reallocate demo and a concurrent allocate/free
// stress run) against a real Allocator. It does not run the exhaustion
// scenario, which aborts the process.
// It is a demonstration and manual-QA harness for vpalloc, not part of
// the library's contract, the same role the surrounding heap this
// allocator is meant to sit under would play.
package main

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	vpalloc "github.com/jyrkive/securemalloc"
)

type cli struct {
	CapacityLog2 uint          `help:"log2 of the number of pages in the window." default:"16"`
	Workers      int           `help:"number of concurrent allocate/free workers." default:"3"`
	Batch        int           `help:"pages each worker allocates per round before freeing them." default:"4096"`
	Duration     time.Duration `help:"how long to run the concurrent stress stage." default:"1s"`
}

func (c *cli) Run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg := vpalloc.DefaultConfig()
	cfg.Log2Capacity = c.CapacityLog2

	a, err := vpalloc.New(cfg)
	if err != nil {
		return fmt.Errorf("construct allocator: %w", err)
	}
	defer a.Close()

	stats := a.Stats()
	logger.Info("allocator constructed", zap.Uint32("capacity", stats.Capacity))

	runRecycleDemo(logger, a)
	if err := runStressDemo(logger, a, c.Workers, c.Batch, c.Duration); err != nil {
		return err
	}

	final := a.Stats()
	logger.Info("smoke run complete",
		zap.Uint32("free_count", final.FreeCount),
		zap.Uint32("capacity", final.Capacity),
	)
	if err := a.CheckInvariants(0); err != nil {
		return fmt.Errorf("invariant check failed after drain: %w", err)
	}
	return nil
}

// runRecycleDemo frees a page, allocates again, and logs both addresses
// and whether they match. The slot ring is FIFO, so on a fresh allocator
// the second address is the next page in ring order, not the freed one.
func runRecycleDemo(logger *zap.Logger, a *vpalloc.Allocator) {
	addr1 := a.Allocate()
	*(*byte)(unsafe.Pointer(addr1)) = 0x5A
	a.Free(addr1)
	addr2 := a.Allocate()
	logger.Info("recycle-after-free demo",
		zap.Uintptr("freed", addr1),
		zap.Uintptr("reallocated", addr2),
		zap.Bool("recycled_same_address", addr1 == addr2),
	)
	a.Free(addr2)
}

// runStressDemo runs several workers that repeatedly allocate a batch
// of pages, touch them, then free them all, for a fixed duration.
func runStressDemo(logger *zap.Logger, a *vpalloc.Allocator, workers, batch int, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			addrs := make([]uintptr, 0, batch)
			rounds := 0
			for ctx.Err() == nil {
				addrs = addrs[:0]
				for i := 0; i < batch; i++ {
					addr := a.Allocate()
					*(*byte)(unsafe.Pointer(addr)) = byte(i)
					addrs = append(addrs, addr)
				}
				for _, addr := range addrs {
					a.Free(addr)
				}
				rounds++
			}
			logger.Info("worker finished", zap.Int("worker", w), zap.Int("rounds", rounds))
			return nil
		})
	}
	return g.Wait()
}

func main() {
	var c cli
	k := kong.Parse(&c,
		kong.Name("vpalloc-smoke"),
		kong.Description("Exercise the lock-free virtual page allocator end to end."),
	)
	k.FatalIfErrorf(c.Run())
}
