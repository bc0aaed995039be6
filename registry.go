package mantis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// Registry is the four fixed-capacity worker tables — CPU, MEM, DISK, NET
// — addressed by (class, index). Structural changes (allocating a fresh
// slot, freeing one back to empty) take the class lock plus the slot
// lock, in that order; pure lifecycle-flag transitions on an already
// allocated slot only need the slot lock, per the resource policy: class
// locks keep the used-count stable for readers, slot locks guard mutable
// per-worker state.
type Registry struct {
	lm      *LockManager
	clock   clockz.Clock
	metrics *metricz.Registry

	nextWID   uint64
	usedCount int32

	cpu  [SlotCapacity]*CPUWorker
	mem  [SlotCapacity]*MemWorker
	disk [SlotCapacity]*DiskWorker
	net  [SlotCapacity]*NetWorker
}

// Metrics keys populated on the registry's metricz.Registry.
const (
	MetricWorkersSpawned = metricz.Key("registry.workers.spawned")
	MetricWorkersReaped  = metricz.Key("registry.workers.reaped")
	MetricSlotsUsed      = metricz.Key("registry.slots.used")
)

// NewRegistry builds an empty registry. The LockManager is constructed
// separately and bound back to this registry via SetLocker, since the
// two have a mutual dependency: the lock manager needs a SlotLocker, and
// the registry needs a lock manager to guard its own structural changes.
func NewRegistry(metrics *metricz.Registry) *Registry {
	metrics.Counter(MetricWorkersSpawned)
	metrics.Counter(MetricWorkersReaped)
	metrics.Gauge(MetricSlotsUsed)

	return &Registry{
		clock:   clockz.RealClock,
		metrics: metrics,
	}
}

// SetLocker binds the lock manager that guards this registry's slots.
// Must be called once, before any worker is allocated.
func (r *Registry) SetLocker(lm *LockManager) { r.lm = lm }

// WithClock overrides the clock used to stamp StartTime/ModTime.
func (r *Registry) WithClock(clock clockz.Clock) *Registry {
	r.clock = clock
	return r
}

// worker is satisfied by every class-specific slot type, giving uniform
// access to the embedded Common fields.
type worker interface {
	commonPtr() *Common
}

func (w *CPUWorker) commonPtr() *Common  { return &w.Common }
func (w *MemWorker) commonPtr() *Common  { return &w.Common }
func (w *DiskWorker) commonPtr() *Common { return &w.Common }
func (w *NetWorker) commonPtr() *Common  { return &w.Common }

// SlotCommon exposes the worker occupying ref to callers outside the
// package, such as the CLI's "wait" handling, which needs to tag and
// poll a slot's state without reaching into class-specific accessors.
func (r *Registry) SlotCommon(ref SlotRef) *Common {
	return r.slotCommon(ref)
}

func (r *Registry) slotCommon(ref SlotRef) *Common {
	switch ref.Class {
	case ClassCPU:
		if w := r.cpu[ref.Index]; w != nil {
			return w.commonPtr()
		}
	case ClassMem:
		if w := r.mem[ref.Index]; w != nil {
			return w.commonPtr()
		}
	case ClassDisk:
		if w := r.disk[ref.Index]; w != nil {
			return w.commonPtr()
		}
	case ClassNet:
		if w := r.net[ref.Index]; w != nil {
			return w.commonPtr()
		}
	}
	return nil
}

// SlotMutex implements SlotLocker for the lock manager.
func (r *Registry) SlotMutex(ref SlotRef) *sync.Mutex {
	if c := r.slotCommon(ref); c != nil {
		return c.Lock()
	}
	// An operation racing a concurrent Free should never observe a torn
	// slot because Free only runs with the slot lock already held; this
	// branch exists purely so SlotMutex never returns nil.
	return &sync.Mutex{}
}

// CPU returns the CPU worker at ref, or nil if the slot is empty or of a
// different class.
func (r *Registry) CPU(ref SlotRef) *CPUWorker {
	if ref.Class != ClassCPU {
		return nil
	}
	return r.cpu[ref.Index]
}

// Mem returns the MEM worker at ref, or nil.
func (r *Registry) Mem(ref SlotRef) *MemWorker {
	if ref.Class != ClassMem {
		return nil
	}
	return r.mem[ref.Index]
}

// Disk returns the DISK worker at ref, or nil.
func (r *Registry) Disk(ref SlotRef) *DiskWorker {
	if ref.Class != ClassDisk {
		return nil
	}
	return r.disk[ref.Index]
}

// Net returns the NET worker at ref, or nil.
func (r *Registry) Net(ref SlotRef) *NetWorker {
	if ref.Class != ClassNet {
		return nil
	}
	return r.net[ref.Index]
}

// labelUsedLocked reports whether label is already held by some used slot
// across all four classes. Callers must hold all four class locks
// (Allocate does this for them).
func (r *Registry) labelUsedLocked(label string) bool {
	for i := 0; i < SlotCapacity; i++ {
		if w := r.cpu[i]; w != nil && w.Label == label {
			return true
		}
		if w := r.mem[i]; w != nil && w.Label == label {
			return true
		}
		if w := r.disk[i]; w != nil && w.Label == label {
			return true
		}
		if w := r.net[i]; w != nil && w.Label == label {
			return true
		}
	}
	return false
}

// Allocate reserves a free slot in class for label, generating a label
// from class+wid if label is empty. It takes all four class locks (in
// ascending order) to enforce label uniqueness across classes, then the
// chosen slot's own lock to install the Common header. Class-specific
// fields are left zero for the caller to fill in before the worker is
// usable; the slot is already `used` so a concurrent Allocate will not
// pick it again, but it is not yet `pending`.
func (r *Registry) Allocate(ctx context.Context, class Class, label string) (SlotRef, error) {
	ticket := r.lm.NewTicket()
	for _, c := range concreteClasses {
		ticket.AcquireClass(ctx, c)
	}
	defer ticket.Release()

	if label != "" && r.labelUsedLocked(label) {
		return SlotRef{}, NewCmdError(ErrKindUsage, "wctl add", fmt.Errorf("label %q already in use", label))
	}

	idx := r.freeIndexLocked(class)
	if idx < 0 {
		return SlotRef{}, NewCmdError(ErrKindSlotExhausted, "wctl add", fmt.Errorf("no free %s slot", class))
	}

	wid := atomic.AddUint64(&r.nextWID, 1)
	if label == "" {
		label = fmt.Sprintf("%s%d", class, wid)
	}

	ref := Ref(class, idx)
	ticket.AcquireSlot(ctx, ref)

	common := Common{
		WID:     wid,
		Label:   label,
		Class:   class,
		Index:   idx,
		LockPos: slotLockPos(class, idx),
	}
	common.used = true
	now := r.clock.Now()
	common.StartTime = now
	common.ModTime = now

	switch class {
	case ClassCPU:
		r.cpu[idx] = &CPUWorker{Common: common}
	case ClassMem:
		r.mem[idx] = &MemWorker{Common: common}
	case ClassDisk:
		r.disk[idx] = &DiskWorker{Common: common}
	case ClassNet:
		r.net[idx] = &NetWorker{Common: common}
	}

	r.metrics.Counter(MetricWorkersSpawned).Inc()
	r.metrics.Gauge(MetricSlotsUsed).Set(float64(atomic.AddInt32(&r.usedCount, 1)))

	capitan.Info(ctx, SignalWorkerRegistered,
		FieldWorkerID.Field(int(wid)),
		FieldLabel.Field(label),
		FieldClass.Field(class.String()),
		FieldIndex.Field(idx),
	)

	return ref, nil
}

func (r *Registry) freeIndexLocked(class Class) int {
	for i := 0; i < SlotCapacity; i++ {
		if r.slotUsedLocked(class, i) {
			continue
		}
		return i
	}
	return -1
}

func (r *Registry) slotUsedLocked(class Class, i int) bool {
	switch class {
	case ClassCPU:
		return r.cpu[i] != nil
	case ClassMem:
		return r.mem[i] != nil
	case ClassDisk:
		return r.disk[i] != nil
	case ClassNet:
		return r.net[i] != nil
	}
	return true
}

// Free returns ref's slot to Empty: both the slot lock and that class's
// lock are taken (structural change), the stored worker is dropped, and
// the slot becomes eligible for Allocate again. Called only by the
// reaper after a worker's goroutine has exited.
func (r *Registry) Free(ctx context.Context, ref SlotRef) {
	ticket := r.lm.NewTicket()
	ticket.AcquireClass(ctx, ref.Class)
	ticket.AcquireSlot(ctx, ref)
	defer ticket.Release()

	switch ref.Class {
	case ClassCPU:
		r.cpu[ref.Index] = nil
	case ClassMem:
		r.mem[ref.Index] = nil
	case ClassDisk:
		r.disk[ref.Index] = nil
	case ClassNet:
		r.net[ref.Index] = nil
	}

	r.metrics.Counter(MetricWorkersReaped).Inc()
	r.metrics.Gauge(MetricSlotsUsed).Set(float64(atomic.AddInt32(&r.usedCount, -1)))
}

// FindByLabel searches all four classes for label, taking each class
// lock in turn (read-only: count stability, not mutation).
func (r *Registry) FindByLabel(ctx context.Context, label string) (SlotRef, bool) {
	ticket := r.lm.NewTicket()
	for _, c := range concreteClasses {
		ticket.AcquireClass(ctx, c)
	}
	defer ticket.Release()

	if r.labelUsedLocked(label) {
		for i := 0; i < SlotCapacity; i++ {
			if w := r.cpu[i]; w != nil && w.Label == label {
				return Ref(ClassCPU, i), true
			}
			if w := r.mem[i]; w != nil && w.Label == label {
				return Ref(ClassMem, i), true
			}
			if w := r.disk[i]; w != nil && w.Label == label {
				return Ref(ClassDisk, i), true
			}
			if w := r.net[i]; w != nil && w.Label == label {
				return Ref(ClassNet, i), true
			}
		}
	}
	return SlotRef{}, false
}

// ForEachUsed calls fn for every occupied slot in class, or in all four
// classes when class == ClassAll. fn receives the slot lock already
// released; callers that need to read mutable fields must take the slot
// lock themselves via the registry's LockManager.
func (r *Registry) ForEachUsed(ctx context.Context, class Class, fn func(SlotRef)) {
	classes := concreteClasses[:]
	if class != ClassAll {
		classes = []Class{class}
	}

	ticket := r.lm.NewTicket()
	for _, c := range classes {
		ticket.AcquireClass(ctx, c)
	}
	defer ticket.Release()

	for _, c := range classes {
		for i := 0; i < SlotCapacity; i++ {
			if r.slotUsedLocked(c, i) {
				fn(Ref(c, i))
			}
		}
	}
}
