package mantis

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zoobzio/capitan"
)

// LockID names one of the seven process-wide locks in the global order.
// Per-class and per-slot locks are addressed separately, by Class and by
// SlotRef, but occupy the positions immediately following LockInput.
type LockID int

const (
	LockMaster LockID = iota
	LockAfter
	LockReaper
	LockWaiting
	LockStats
	LockLink
	LockInput
	numNamedLocks
)

// classLockPos returns this class's position in the global lock order,
// immediately after the seven named locks.
func classLockPos(c Class) int {
	for i, cc := range concreteClasses {
		if cc == c {
			return int(numNamedLocks) + i
		}
	}
	return -1
}

// slotLockPos returns a slot's position in the global lock order: after
// the four class locks, in class order, SlotCapacity entries per class.
func slotLockPos(c Class, index int) int {
	base := int(numNamedLocks) + len(concreteClasses)
	for i, cc := range concreteClasses {
		if cc == c {
			return base + i*SlotCapacity + index
		}
	}
	return -1
}

// SlotLocker resolves a SlotRef to the mutex guarding that slot. Registry
// implements this by returning the addressed worker's Common.mu.
type SlotLocker interface {
	SlotMutex(ref SlotRef) *sync.Mutex
}

// LockManager owns the seven named locks and the four class locks. Slot
// locks live on the worker structs themselves (see Common.Lock) and are
// reached through a SlotLocker, since only the registry knows the live
// set of slots.
type LockManager struct {
	named  [numNamedLocks]sync.Mutex
	class  [4]sync.Mutex
	locker SlotLocker
}

// NewLockManager builds a lock manager bound to the given registry.
func NewLockManager(locker SlotLocker) *LockManager {
	return &LockManager{locker: locker}
}

func (lm *LockManager) namedMutex(id LockID) *sync.Mutex {
	return &lm.named[id]
}

func (lm *LockManager) classMutex(c Class) *sync.Mutex {
	for i, cc := range concreteClasses {
		if cc == c {
			return &lm.class[i]
		}
	}
	return nil
}

// held records one entry in a Ticket's acquisition order.
type held struct {
	pos    int
	unlock func()
}

// Ticket tracks the locks acquired by one logical operation, in
// acquisition order, so Release can unwind them in reverse and so
// acquisition order can be checked against the global lockpos order.
// A Ticket is not safe for concurrent use; each operation builds its own.
type Ticket struct {
	lm   *LockManager
	held []held
}

// NewTicket starts a fresh, empty lock-acquisition session.
func (lm *LockManager) NewTicket() *Ticket {
	return &Ticket{lm: lm}
}

// checkOrder emits a diagnostic warning — never blocks the operation —
// when pos is not strictly greater than the top of the current stack.
// This mirrors the design-time invariant from the lock manager contract:
// violations are a logged warning, not a panic.
func (t *Ticket) checkOrder(ctx context.Context, pos int, what string) {
	if len(t.held) == 0 {
		return
	}
	top := t.held[len(t.held)-1].pos
	if pos <= top {
		capitan.Warn(ctx, SignalLockOrderViolation,
			FieldKind.Field(what),
			FieldIndex.Field(pos),
		)
	}
}

// Acquire locks one of the seven named locks.
func (t *Ticket) Acquire(ctx context.Context, id LockID) {
	pos := int(id)
	t.checkOrder(ctx, pos, fmt.Sprintf("named:%d", id))
	m := t.lm.namedMutex(id)
	m.Lock()
	t.held = append(t.held, held{pos: pos, unlock: m.Unlock})
}

// AcquireClass locks one class's table lock.
func (t *Ticket) AcquireClass(ctx context.Context, c Class) {
	pos := classLockPos(c)
	t.checkOrder(ctx, pos, "class:"+c.String())
	m := t.lm.classMutex(c)
	m.Lock()
	t.held = append(t.held, held{pos: pos, unlock: m.Unlock})
}

// AcquireSlot locks a single worker slot.
func (t *Ticket) AcquireSlot(ctx context.Context, ref SlotRef) {
	pos := slotLockPos(ref.Class, ref.Index)
	t.checkOrder(ctx, pos, fmt.Sprintf("slot:%s[%d]", ref.Class, ref.Index))
	m := t.lm.locker.SlotMutex(ref)
	m.Lock()
	t.held = append(t.held, held{pos: pos, unlock: m.Unlock})
}

// AcquireSlots is the ordered batch primitive: given an unordered set of
// slot references, sort by lockpos and acquire ascending. This is how
// link insert/remove, unregister, and hand-off take multiple worker
// locks without risking deadlock.
func (t *Ticket) AcquireSlots(ctx context.Context, refs ...SlotRef) {
	sorted := make([]SlotRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool {
		return slotLockPos(sorted[i].Class, sorted[i].Index) < slotLockPos(sorted[j].Class, sorted[j].Index)
	})
	for _, ref := range sorted {
		t.AcquireSlot(ctx, ref)
	}
}

// Release unwinds every lock held by this ticket, in reverse acquisition
// order, and clears the ticket so it can be discarded or reused for a new
// operation.
func (t *Ticket) Release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].unlock()
	}
	t.held = t.held[:0]
}
