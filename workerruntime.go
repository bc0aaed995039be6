package mantis

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/tracez"

	"github.com/deepu73/mantisgo/internal/kernel"
)

// Tracing spans and hook events a worker's run emits.
const (
	WorkerRunSpan = tracez.Key("worker.run")

	WorkerTagClass = tracez.Tag("worker.class")
	WorkerTagLabel = tracez.Tag("worker.label")
	WorkerTagError = tracez.Tag("worker.error")

	WorkerEventExit = hookz.Key("worker.exit")
)

// WorkerExitEvent is emitted via hookz when a worker's run loop returns,
// whether cleanly or on error, so an external subscriber can track
// worker churn without polling the registry.
type WorkerExitEvent struct {
	Label           string
	Class           Class
	MissedDeadlines uint64
	TotalDeadlines  uint64
	MissedUsecs     uint64
	Err             error
	Timestamp       time.Time
}

// Engine bundles every shared component a worker goroutine needs to run
// its full lifecycle: the registry it's a slot in, the lock manager
// that orders every multi-slot operation, the link graph and after-
// dependency manager it may participate in, the reaper it hands itself
// to on exit, and the calibration number that anchors CPU rate math.
type Engine struct {
	Registry    *Registry
	LockMgr     *LockManager
	Links       *LinkGraph
	Afters      *AfterManager
	Reaper      *Reaper
	Stats       *Stats
	Clock       clockz.Clock
	SecondCount uint64

	// Mailbox, when set, is woken with CmdAfter whenever a worker exit
	// may have resolved a follower's after-dependency, so the master
	// loop drains the after-ready queue instead of waiting for the next
	// unrelated command to arrive.
	Mailbox *Mailbox

	Tracer *tracez.Tracer
	Hooks  *hookz.Hooks[WorkerExitEvent]
}

func (e *Engine) getClock() clockz.Clock {
	if e.Clock == nil {
		return clockz.RealClock
	}
	return e.Clock
}

func (e *Engine) getTracer() *tracez.Tracer {
	if e.Tracer == nil {
		e.Tracer = tracez.New()
	}
	return e.Tracer
}

func (e *Engine) getHooks() *hookz.Hooks[WorkerExitEvent] {
	if e.Hooks == nil {
		e.Hooks = hookz.New[WorkerExitEvent]()
	}
	return e.Hooks
}

// OnWorkerExit registers handler to run whenever any worker's run loop
// returns. Returns an unsubscribe function.
func (e *Engine) OnWorkerExit(handler func(context.Context, WorkerExitEvent) error) (func(), error) {
	return e.getHooks().Hook(WorkerEventExit, handler)
}

// startWorkerSpan opens the tracing span covering a worker's full run,
// from register through teardown.
func startWorkerSpan(ctx context.Context, eng *Engine, c *Common) (context.Context, *tracez.Span) {
	ctx, span := eng.getTracer().StartSpan(ctx, WorkerRunSpan)
	span.SetTag(WorkerTagClass, c.Class.String())
	span.SetTag(WorkerTagLabel, c.Label)
	return ctx, span
}

// register performs §4.3 step 1: atomically transition pending to
// running and stamp the slot's start-of-run bookkeeping.
func register(ctx context.Context, eng *Engine, c *Common) {
	c.Lock().Lock()
	c.pending = false
	c.running = true
	c.StartTime = eng.getClock().Now()
	c.Lock().Unlock()
	if eng.Stats != nil {
		eng.Stats.RecordRegistered(ctx)
	}
	capitan.Info(ctx, SignalWorkerReloaded,
		FieldWorkerID.Field(int(c.WID)),
		FieldLabel.Field(c.Label),
	)
}

// awaitLinkStart performs §4.3 step 2: if the slot was tagged linkwait
// by LinkGraph.Start, sleep on its own condition variable until a
// predecessor's handoff clears it, or until the worker is killed
// before ever getting to run.
func awaitLinkStart(c *Common) {
	c.Lock().Lock()
	for c.linkwait && !c.exiting {
		c.Cond().Wait()
	}
	c.Lock().Unlock()
}

// teardown performs the shared §4.7 Exiting->Reaped transition: leave
// any link ring, resolve any after-dependents waiting on this worker's
// label, and hand the slot to the reaper rather than freeing it
// in-line — the goroutine that was running the worker is not the
// goroutine that should be doing registry bookkeeping.
func teardown(ctx context.Context, eng *Engine, ref SlotRef, c *Common, span *tracez.Span, runErr error) {
	c.Lock().Lock()
	c.running = false
	c.exiting = true
	label := c.Label
	missed, missedUsecs, total := c.stats.missedDeadlines, c.stats.missedUsecs, c.stats.totalDeadlines
	c.Lock().Unlock()

	if eng.Links != nil {
		eng.Links.Remove(ctx, ref)
	}
	if eng.Afters != nil && label != "" {
		eng.Afters.OnLeaderExit(ctx, label)
		if eng.Mailbox != nil {
			eng.Mailbox.Send(CmdAfter, "")
		}
	}
	if eng.Stats != nil {
		eng.Stats.RecordReaped(ctx, missed, missedUsecs, total)
	}

	if runErr != nil {
		span.SetTag(WorkerTagError, runErr.Error())
	}
	span.Finish()

	_ = eng.getHooks().Emit(ctx, WorkerEventExit, WorkerExitEvent{
		Label:           label,
		Class:           c.Class,
		MissedDeadlines: missed,
		TotalDeadlines:  total,
		MissedUsecs:     missedUsecs,
		Err:             runErr,
		Timestamp:       eng.getClock().Now(),
	})

	capitan.Info(ctx, SignalWorkerExiting,
		FieldWorkerID.Field(int(c.WID)),
		FieldLabel.Field(label),
	)
	eng.Reaper.Enqueue(ref)
}

// RunCPU drives a CPU-class worker's full lifecycle. Like every Run*
// entry point, it defers recoverFromPanic at the top so a panic inside
// the epoch loop or kernel is isolated to this worker's goroutine
// instead of crashing the process, and defers teardown so the slot is
// still handed to the reaper even when that panic fires.
func RunCPU(ctx context.Context, eng *Engine, ref SlotRef) (err error) {
	w := eng.Registry.CPU(ref)
	if w == nil {
		return NewCmdError(ErrKindInternal, "run cpu", fmt.Errorf("slot %v is empty", ref))
	}
	c := &w.Common

	register(ctx, eng, c)
	ctx, span := startWorkerSpan(ctx, eng, c)
	defer func() { teardown(ctx, eng, ref, c, span, err) }()
	defer recoverFromPanic("run cpu", &err)
	awaitLinkStart(c)

	k := kernel.NewCPU(func() bool {
		c.Lock().Lock()
		defer c.Lock().Unlock()
		return c.exiting
	})

	reload := func(context.Context) error {
		c.Lock().Lock()
		c.ModTime = eng.getClock().Now()
		c.dirty = false
		c.blocksPerEpoch = BlocksPerEpochCPU(eng.SecondCount, w.PercentCPU)
		c.targetTotal = TargetTotalCPU(c.MaxWork)
		if c.linked {
			c.epochsPerLink = EpochsPerLinkFor(c.LinkWork, c.blocksPerEpoch, 1)
		}
		c.Lock().Unlock()
		return nil
	}

	loop := NewEpochLoop(c, eng.Links, k, reload).WithClock(eng.getClock())
	err = loop.Run(ctx)
	w.TotalWork = uint64(c.doneTotal)

	return err
}

// RunMem drives a MEM-class worker's full lifecycle.
func RunMem(ctx context.Context, eng *Engine, ref SlotRef) (err error) {
	w := eng.Registry.Mem(ref)
	if w == nil {
		return NewCmdError(ErrKindInternal, "run mem", fmt.Errorf("slot %v is empty", ref))
	}
	c := &w.Common

	register(ctx, eng, c)
	ctx, span := startWorkerSpan(ctx, eng, c)
	defer func() { teardown(ctx, eng, ref, c, span, err) }()
	defer recoverFromPanic("run mem", &err)
	awaitLinkStart(c)

	exiting := func() bool {
		c.Lock().Lock()
		defer c.Lock().Unlock()
		return c.exiting
	}
	k := kernel.NewMem(exiting, w.BlockSize, w.NWBlocks, w.Stride)

	reload := func(context.Context) error {
		c.Lock().Lock()
		c.ModTime = eng.getClock().Now()
		c.dirty = false
		c.blocksPerEpoch = BlocksPerEpochIO(w.IORate, w.BlockSize)
		c.targetTotal = TargetTotalBlocks(c.MaxWork, w.BlockSize)
		if c.linked {
			c.epochsPerLink = EpochsPerLinkFor(c.LinkWork, c.blocksPerEpoch, w.BlockSize)
		}
		c.Lock().Unlock()
		return nil
	}

	loop := NewEpochLoop(c, eng.Links, k, reload).WithClock(eng.getClock())
	err = loop.Run(ctx)

	return err
}

// RunDisk drives a DISK-class worker's full lifecycle.
func RunDisk(ctx context.Context, eng *Engine, ref SlotRef) (err error) {
	w := eng.Registry.Disk(ref)
	if w == nil {
		return NewCmdError(ErrKindInternal, "run disk", fmt.Errorf("slot %v is empty", ref))
	}
	c := &w.Common

	register(ctx, eng, c)
	ctx, span := startWorkerSpan(ctx, eng, c)
	defer func() { teardown(ctx, eng, ref, c, span, err) }()
	defer recoverFromPanic("run disk", &err)
	awaitLinkStart(c)

	exiting := func() bool {
		c.Lock().Lock()
		defer c.Lock().Unlock()
		return c.exiting
	}

	k, kernelErr := kernel.NewDisk(exiting, w.Path, w.BlockSize, w.NumBlocks, kernel.Mode(w.Mode),
		w.Reads, w.Writes, w.Seeks, w.SyncEvery)
	if kernelErr != nil {
		err = NewCmdError(ErrKindResourceValidation, "run disk", kernelErr)
		return err
	}
	defer k.Close()
	k.OnStall = func() {
		capitan.Warn(ctx, SignalDiskStall, FieldLabel.Field(c.Label))
	}

	reload := func(context.Context) error {
		c.Lock().Lock()
		c.ModTime = eng.getClock().Now()
		c.dirty = false
		c.blocksPerEpoch = BlocksPerEpochIO(w.IORate, w.BlockSize)
		c.targetTotal = TargetTotalBlocks(c.MaxWork, w.BlockSize)
		if c.linked {
			c.epochsPerLink = EpochsPerLinkFor(c.LinkWork, c.blocksPerEpoch, w.BlockSize)
		}
		c.Lock().Unlock()
		return nil
	}

	loop := NewEpochLoop(c, eng.Links, k, reload).WithClock(eng.getClock())
	err = loop.Run(ctx)

	w.NumReads, w.NumWrites, w.NumSeeks = k.NumReads, k.NumWrites, k.NumSeeks

	return err
}

// RunNet drives a NET-class worker's full lifecycle.
func RunNet(ctx context.Context, eng *Engine, ref SlotRef) (err error) {
	w := eng.Registry.Net(ref)
	if w == nil {
		return NewCmdError(ErrKindInternal, "run net", fmt.Errorf("slot %v is empty", ref))
	}
	c := &w.Common

	register(ctx, eng, c)
	ctx, span := startWorkerSpan(ctx, eng, c)
	defer func() { teardown(ctx, eng, ref, c, span, err) }()
	defer recoverFromPanic("run net", &err)
	awaitLinkStart(c)

	exiting := func() bool {
		c.Lock().Lock()
		defer c.Lock().Unlock()
		return c.exiting
	}

	var k *kernel.Net
	var kernelErr error
	if w.Proto == NetProtoTCP {
		k, kernelErr = kernel.NewNetTCP(exiting, w.Addr, w.Port, kernel.Mode(w.Mode), w.PktSize)
	} else {
		k, kernelErr = kernel.NewNetUDP(exiting, w.Addr, w.Port, kernel.Mode(w.Mode), w.PktSize)
	}
	if kernelErr != nil {
		err = NewCmdError(ErrKindResourceValidation, "run net", kernelErr)
		return err
	}
	defer k.Close()
	k.OnWrongPeer = func() {
		capitan.Warn(ctx, SignalNetWrongPeer, FieldLabel.Field(c.Label))
	}

	reload := func(context.Context) error {
		c.Lock().Lock()
		c.ModTime = eng.getClock().Now()
		c.dirty = false
		c.blocksPerEpoch = BlocksPerEpochIO(w.IORate, w.PktSize)
		c.targetTotal = TargetTotalBlocks(c.MaxWork, w.PktSize)
		if c.linked {
			c.epochsPerLink = EpochsPerLinkFor(c.LinkWork, c.blocksPerEpoch, w.PktSize)
		}
		c.Lock().Unlock()
		return nil
	}

	loop := NewEpochLoop(c, eng.Links, k, reload).WithClock(eng.getClock())
	err = loop.Run(ctx)

	w.Bytes, w.Usecs = k.Bytes, k.Usecs

	return err
}

// Start launches the goroutine appropriate to ref's class. It is the
// StartQueuedFunc every "make this worker go" trigger — wctl start,
// link start, after-ready — funnels through via the master loop.
func Start(ctx context.Context, eng *Engine, ref SlotRef) {
	var run func(context.Context, *Engine, SlotRef) error
	switch ref.Class {
	case ClassCPU:
		run = RunCPU
	case ClassMem:
		run = RunMem
	case ClassDisk:
		run = RunDisk
	case ClassNet:
		run = RunNet
	default:
		return
	}
	go func() {
		if err := run(ctx, eng, ref); err != nil {
			capitan.Warn(ctx, SignalWorkerMissed,
				FieldClass.Field(ref.Class.String()),
				FieldIndex.Field(ref.Index),
				FieldError.Field(err.Error()),
			)
		}
	}()
}
