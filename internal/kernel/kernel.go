// Package kernel implements the four per-epoch workload kernels: CPU
// burn, strided memory walk, randomized block disk I/O, and TCP/UDP
// packet send/recv. Each kernel's contract is the same — RunEpoch
// performs up to units of work and reports how many it completed — so
// the shared epoch loop in the parent package can drive all four
// identically; only the per-class work and rate math differ.
package kernel

import (
	"context"
	"math/rand"
)

// MaxDiskSeeks bounds consecutive seek operations the disk kernel will
// perform before reporting a stall rather than continuing to seek.
const MaxDiskSeeks = 8

// MaxRecvTries bounds how many UDP packets from the wrong peer the net
// kernel discards before giving up on the epoch's receive.
const MaxRecvTries = 4

// rng is a package-level source shared by all kernel instances for the
// uniform draws the mix resolution and random-block jumps need. It is
// not used for anything security-sensitive.
var rng = rand.New(rand.NewSource(1)) //nolint:gosec

// exitChecker reports whether the calling worker has been asked to
// stop — checked between units so a kernel never overruns its epoch
// budget waiting on work nobody wants anymore.
type exitChecker func() bool

func checkExit(ctx context.Context, exiting exitChecker) bool {
	if exiting != nil && exiting() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
