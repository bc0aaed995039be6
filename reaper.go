package mantis

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// Reaper collects worker slots whose goroutines have finished running
// and returns them to Empty. Collection is two-phase: a worker's last
// act before its goroutine returns is an O(1) send on the reap queue
// (Enqueue never blocks on registry locks); a single dedicated goroutine
// drains that queue and performs the actual "join" — taking the class
// and slot locks via Registry.Free and clearing stats. This keeps an
// exiting worker off the lock-acquisition path entirely.
type Reaper struct {
	registry *Registry
	clock    clockz.Clock

	queue chan SlotRef
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewReaper builds a reaper bound to registry. The queue is sized to
// hold one pending reap per slot across all four classes so Enqueue
// never blocks even if every worker exits at once.
func NewReaper(registry *Registry, clock clockz.Clock) *Reaper {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Reaper{
		registry: registry,
		clock:    clock,
		queue:    make(chan SlotRef, SlotCapacity*len(concreteClasses)),
		done:     make(chan struct{}),
	}
}

// Enqueue is phase one: O(1), never takes a registry lock. Called by a
// worker's own goroutine as its last act before returning.
func (r *Reaper) Enqueue(ref SlotRef) {
	capitan.Info(context.Background(), SignalReaperEnqueued,
		FieldClass.Field(ref.Class.String()),
		FieldIndex.Field(ref.Index),
	)
	r.queue <- ref
}

// Run is phase two: the dedicated join goroutine. It drains the queue
// until Close is called and the queue is empty.
func (r *Reaper) Run(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case ref := <-r.queue:
				r.registry.Free(ctx, ref)
				capitan.Info(ctx, SignalReaperJoined,
					FieldClass.Field(ref.Class.String()),
					FieldIndex.Field(ref.Index),
					FieldTimestamp.Field(float64(r.clock.Now().Unix())),
				)
			case <-r.done:
				// Drain whatever is left before exiting so a quit
				// racing the last few worker exits still reaps them.
				for {
					select {
					case ref := <-r.queue:
						r.registry.Free(ctx, ref)
						capitan.Info(ctx, SignalReaperJoined,
							FieldClass.Field(ref.Class.String()),
							FieldIndex.Field(ref.Index),
							FieldTimestamp.Field(float64(r.clock.Now().Unix())),
						)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close signals the dedicated goroutine to drain and stop, then waits
// for it to finish. Idempotent.
func (r *Reaper) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
