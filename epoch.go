package mantis

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// EpochsPerSec is the number of scheduling epochs per second: one every
// 50ms, the deadline every worker's main loop paces itself against.
const EpochsPerSec = 20

// EpochDuration is the wall-clock span of one epoch.
const EpochDuration = time.Second / EpochsPerSec

// deadlineSleepFloor is the §4.3 step-4e threshold: a remaining delta
// below this is not worth sleeping for and is instead treated the same
// as a met deadline, avoiding a storm of sub-millisecond timers.
const deadlineSleepFloor = 15 * time.Millisecond

// BlocksPerEpochIO computes the MEM/DISK/NET per-epoch residual rate
// from a byte rate and block size: iorate / blksize / EPOCHS_PER_SEC.
// blksize == 0 is treated as 1 to avoid a divide-by-zero for kernels
// that never set a block size.
func BlocksPerEpochIO(iorate, blksize uint64) float64 {
	if blksize == 0 {
		blksize = 1
	}
	return float64(iorate) / float64(blksize) / float64(EpochsPerSec)
}

// BlocksPerEpochCPU computes the CPU-class per-epoch work-unit rate:
// second_count · percent_cpu / (100 · EPOCHS_PER_SEC).
func BlocksPerEpochCPU(secondCount uint64, percentCPU int) float64 {
	return float64(secondCount) * float64(percentCPU) / (100 * float64(EpochsPerSec))
}

// EpochsPerLinkFor computes how many epochs a link member spends before
// handing off the token: link_work / (blocks_per_epoch · blksize).
// A zero blocksPerEpoch or blksize means the member never makes
// progress toward its quantum; callers should not link such a worker.
func EpochsPerLinkFor(linkWork uint64, blocksPerEpoch float64, blksize uint64) float64 {
	denom := blocksPerEpoch * float64(blksize)
	if denom <= 0 {
		return 0
	}
	return float64(linkWork) / denom
}

// TargetTotalBlocks computes target_total for MEM/DISK/NET: max_work /
// blksize, or unbounded (-1) when max_work is zero.
func TargetTotalBlocks(maxWork, blksize uint64) int64 {
	if maxWork == 0 {
		return -1
	}
	if blksize == 0 {
		blksize = 1
	}
	return int64(maxWork / blksize)
}

// TargetTotalCPU computes target_total for CPU: max_work work units
// directly, or unbounded (-1) when max_work is zero.
func TargetTotalCPU(maxWork uint64) int64 {
	if maxWork == 0 {
		return -1
	}
	return int64(maxWork)
}

// Kernel performs up to units of work for one epoch and reports how
// many units it actually completed. It must return promptly once ctx
// is canceled or the worker's exiting flag is observed set. A non-nil
// err wrapped as a CmdError with ErrKindKernelFailure is treated as
// recoverable (the epoch loop logs and continues); any other error
// kind is treated as fatal and ends the loop.
type Kernel interface {
	RunEpoch(ctx context.Context, units int) (done int, err error)
}

// ReloadFunc recomputes a worker's derived per-epoch quantities — the
// §4.3 step-3 "reload" — and is invoked once before the loop starts and
// again every time the dirty flag is observed set mid-loop.
type ReloadFunc func(ctx context.Context) error

// EpochLoop drives the shared four-class worker main loop: pace to a
// 50ms deadline, invoke the class kernel for the epoch's residual unit
// count, run the link hand-off when a linked worker's quantum expires,
// and track missed-deadline stats. The class-specific kernel and
// derived-quantity math are injected; everything else is identical
// across CPU/MEM/DISK/NET per §4.3.
type EpochLoop struct {
	common *Common
	lg     *LinkGraph
	kernel Kernel
	reload ReloadFunc
	clock  clockz.Clock
}

// NewEpochLoop builds a loop driver for a worker. lg may be nil for a
// worker that can never be linked; the loop treats a nil lg the same
// as an unlinked worker.
func NewEpochLoop(common *Common, lg *LinkGraph, kernel Kernel, reload ReloadFunc) *EpochLoop {
	return &EpochLoop{common: common, lg: lg, kernel: kernel, reload: reload}
}

// WithClock sets a custom clock for testing.
func (l *EpochLoop) WithClock(clock clockz.Clock) *EpochLoop {
	l.clock = clock
	return l
}

func (l *EpochLoop) getClock() clockz.Clock {
	if l.clock == nil {
		return clockz.RealClock
	}
	return l.clock
}

// Run executes the main loop until the worker's exiting flag is set or
// an unrecoverable kernel error occurs. It assumes Register and the
// link-start wait (§4.3 steps 1-2) have already happened.
func (l *EpochLoop) Run(ctx context.Context) error {
	c := l.common
	clock := l.getClock()

	if err := l.reload(ctx); err != nil {
		return err
	}
	c.nextDeadline = clock.Now()

	deadline := c.StartTime
	if c.ExecTime > 0 {
		deadline = c.StartTime.Add(c.ExecTime)
	}

	var epochs int64
	for {
		c.Lock().Lock()
		exiting := c.exiting
		c.Lock().Unlock()
		if exiting {
			return nil
		}

		c.nextDeadline = c.nextDeadline.Add(EpochDuration)

		c.currBlocks += c.blocksPerEpoch
		units := int(c.currBlocks)
		c.currBlocks -= float64(units)

		if units > 0 {
			done, err := l.kernel.RunEpoch(ctx, units)
			c.doneTotal += int64(done)
			if err != nil {
				var cmdErr *CmdError
				if !asCmdError(err, &cmdErr) || cmdErr.Kind != ErrKindKernelFailure {
					return err
				}
				capitan.Warn(ctx, SignalCommandRejected, FieldError.Field(err.Error()))
			}
		}

		c.Lock().Lock()
		linked := c.linked
		epochs++
		if linked && c.targetEpochs == 0 {
			c.currEpochs = float64(epochs) + c.epochsPerLink
			c.targetEpochs = int64(c.currEpochs)
		}
		quantumDone := linked && c.targetEpochs > 0 && epochs >= c.targetEpochs
		c.Lock().Unlock()

		if linked && quantumDone && l.lg != nil {
			wait, err := l.lg.Handoff(ctx, c.ref(), l.epochsPerLinkFor(c))
			if err != nil {
				if _, aborted := err.(handoffAborted); !aborted {
					return err
				}
			}
			c.linkWaitTime += wait
			c.nextDeadline = c.nextDeadline.Add(wait)
		}

		if (c.ExecTime > 0 && !clock.Now().Before(deadline)) || (c.targetTotal >= 0 && c.doneTotal >= c.targetTotal) {
			c.Lock().Lock()
			c.exiting = true
			c.Lock().Unlock()
		}

		now := clock.Now()
		delta := c.nextDeadline.Sub(now)
		c.stats.totalDeadlines++
		switch {
		case delta > deadlineSleepFloor:
			select {
			case <-clock.After(delta):
			case <-ctx.Done():
				return ctx.Err()
			}
		case delta < 0:
			c.stats.missedDeadlines++
			c.stats.missedUsecs += uint64(-delta.Microseconds())
		}

		c.Lock().Lock()
		dirty := c.dirty
		c.Lock().Unlock()
		if dirty {
			if err := l.reload(ctx); err != nil {
				return err
			}
		}
	}
}

// epochsPerLinkFor recomputes epochs_per_link from the worker's current
// derived rate, for the hand-off call's quantum reset.
func (l *EpochLoop) epochsPerLinkFor(c *Common) float64 {
	return c.epochsPerLink
}

// asCmdError is errors.As for *CmdError without importing "errors" for
// a single call site; CmdError never wraps another CmdError so a direct
// type assertion suffices.
func asCmdError(err error, target **CmdError) bool {
	ce, ok := err.(*CmdError)
	if ok {
		*target = ce
	}
	return ok
}
