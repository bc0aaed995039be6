package mantis

import (
	"context"
	"testing"
)

func newTestAfterManager() (*Registry, *AfterManager) {
	r := newTestRegistry()
	am := NewAfterManager(r.lm, r)
	return r, am
}

func TestRegisterWithNoResolvedNamesIsNotWaiting(t *testing.T) {
	r, am := newTestAfterManager()
	ctx := context.Background()

	follower, _ := r.Allocate(ctx, ClassCPU, "b")
	waiting, err := am.Register(ctx, follower, []string{"does-not-exist"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if waiting {
		t.Error("expected Register to report not-waiting when no names resolve")
	}
}

func TestRegisterWaitsOnResolvedLeader(t *testing.T) {
	r, am := newTestAfterManager()
	ctx := context.Background()

	leader, _ := r.Allocate(ctx, ClassCPU, "a")
	follower, _ := r.Allocate(ctx, ClassCPU, "b")

	waiting, err := am.Register(ctx, follower, []string{"a"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !waiting {
		t.Fatal("expected Register to report waiting when a name resolves")
	}

	leaderCommon := r.slotCommon(leader)
	if !leaderCommon.leading {
		t.Error("expected leader's leading flag to be set")
	}
	followerCommon := r.slotCommon(follower)
	if !followerCommon.waiting {
		t.Error("expected follower's waiting flag to be set")
	}
}

func TestOnLeaderExitReleasesFollower(t *testing.T) {
	r, am := newTestAfterManager()
	ctx := context.Background()

	r.Allocate(ctx, ClassCPU, "a")
	follower, _ := r.Allocate(ctx, ClassCPU, "b")
	if _, err := am.Register(ctx, follower, []string{"a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	am.OnLeaderExit(ctx, "a")

	followerCommon := r.slotCommon(follower)
	if followerCommon.waiting {
		t.Error("expected follower's waiting flag to clear once its only leader exits")
	}

	ready := am.DrainReady()
	if len(ready) != 1 || ready[0] != follower {
		t.Errorf("expected follower on ready queue, got %v", ready)
	}
}

func TestOnLeaderExitRequiresAllPredecessors(t *testing.T) {
	r, am := newTestAfterManager()
	ctx := context.Background()

	r.Allocate(ctx, ClassCPU, "a")
	r.Allocate(ctx, ClassCPU, "b")
	follower, _ := r.Allocate(ctx, ClassCPU, "c")
	if _, err := am.Register(ctx, follower, []string{"a", "b"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	am.OnLeaderExit(ctx, "a")
	if ready := am.DrainReady(); len(ready) != 0 {
		t.Fatalf("follower should still be waiting on b, got ready=%v", ready)
	}

	am.OnLeaderExit(ctx, "b")
	ready := am.DrainReady()
	if len(ready) != 1 || ready[0] != follower {
		t.Errorf("expected follower ready after both leaders exit, got %v", ready)
	}
}

func TestRegisterRejectsSelfReference(t *testing.T) {
	r, am := newTestAfterManager()
	ctx := context.Background()

	self, _ := r.Allocate(ctx, ClassCPU, "a")
	waiting, err := am.Register(ctx, self, []string{"a"})
	if err == nil {
		t.Fatal("expected Register to reject a self-referencing after=")
	}
	if waiting {
		t.Error("expected a rejected Register to report not-waiting")
	}

	selfCommon := r.slotCommon(self)
	if selfCommon.leading || selfCommon.waiting {
		t.Error("expected a rejected self-reference to leave no leading/waiting state behind")
	}
}

func TestRegisterRejectsSelfReferenceAmongOtherNames(t *testing.T) {
	r, am := newTestAfterManager()
	ctx := context.Background()

	r.Allocate(ctx, ClassCPU, "a")
	self, _ := r.Allocate(ctx, ClassCPU, "b")

	if _, err := am.Register(ctx, self, []string{"a", "b"}); err == nil {
		t.Fatal("expected Register to reject when any after= name is a self-reference")
	}

	leaderRef, ok := r.FindByLabel(ctx, "a")
	if !ok {
		t.Fatal("expected leader a to still be registered")
	}
	leaderCommon := r.slotCommon(leaderRef)
	if leaderCommon.leading {
		t.Error("expected the rejected call to leave the other leader's state untouched")
	}
}

func TestDedupeAftersCapsAtEight(t *testing.T) {
	names := []string{"a", "a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	got := dedupeAfters(names)
	if len(got) != 8 {
		t.Fatalf("expected 8 deduped names, got %d: %v", len(got), got)
	}
}
