package mantis

import (
	"context"
	"sync"
	"testing"
)

type fakeLocker struct {
	mu [4][SlotCapacity]sync.Mutex
}

func classIndex(c Class) int {
	for i, cc := range concreteClasses {
		if cc == c {
			return i
		}
	}
	return -1
}

func (f *fakeLocker) SlotMutex(ref SlotRef) *sync.Mutex {
	return &f.mu[classIndex(ref.Class)][ref.Index]
}

func TestLockPositionsAreStrictlyOrdered(t *testing.T) {
	positions := map[int]bool{}
	add := func(pos int) {
		if positions[pos] {
			t.Fatalf("duplicate lockpos %d", pos)
		}
		positions[pos] = true
	}

	for id := LockMaster; id < numNamedLocks; id++ {
		add(int(id))
	}
	for _, c := range concreteClasses {
		add(classLockPos(c))
		for i := 0; i < SlotCapacity; i++ {
			add(slotLockPos(c, i))
		}
	}

	if len(positions) != int(numNamedLocks)+4+4*SlotCapacity {
		t.Fatalf("expected every lockpos to be distinct, got %d entries", len(positions))
	}
}

func TestAcquireSlotsOrdersAscending(t *testing.T) {
	lm := NewLockManager(&fakeLocker{})
	ticket := lm.NewTicket()

	refs := []SlotRef{Ref(ClassNet, 5), Ref(ClassCPU, 0), Ref(ClassMem, 10)}
	ticket.AcquireSlots(context.Background(), refs...)

	if len(ticket.held) != 3 {
		t.Fatalf("expected 3 held locks, got %d", len(ticket.held))
	}
	for i := 1; i < len(ticket.held); i++ {
		if ticket.held[i].pos <= ticket.held[i-1].pos {
			t.Errorf("held locks not in ascending order: %v", ticket.held)
		}
	}
	ticket.Release()
}

func TestTicketReleaseIsLIFO(t *testing.T) {
	lm := NewLockManager(&fakeLocker{})
	ticket := lm.NewTicket()

	ticket.Acquire(context.Background(), LockMaster)
	ticket.AcquireClass(context.Background(), ClassCPU)
	ticket.AcquireSlot(context.Background(), Ref(ClassCPU, 1))

	if len(ticket.held) != 3 {
		t.Fatalf("expected 3 held locks, got %d", len(ticket.held))
	}
	ticket.Release()
	if len(ticket.held) != 0 {
		t.Errorf("expected held to be empty after release, got %d", len(ticket.held))
	}

	// Locks must be usable again; a second ticket should not deadlock.
	second := lm.NewTicket()
	second.Acquire(context.Background(), LockMaster)
	second.Release()
}
