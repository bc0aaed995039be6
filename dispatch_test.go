package mantis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

func newTestDispatcher() (*Registry, *Dispatcher) {
	r := newTestRegistry()
	links := NewLinkGraph(r.lm, r)
	afters := NewAfterManager(r.lm, r)
	reaper := NewReaper(r, clockz.RealClock)
	stats := NewStats(r.lm)
	eng := &Engine{
		Registry:    r,
		LockMgr:     r.lm,
		Links:       links,
		Afters:      afters,
		Reaper:      reaper,
		Stats:       stats,
		Clock:       clockz.RealClock,
		SecondCount: 1_000_000,
	}
	return r, NewDispatcher(eng)
}

func TestDispatchWctlAddThenStartRunsToCompletion(t *testing.T) {
	r, d := newTestDispatcher()
	ctx := context.Background()

	go d.Engine.Reaper.Run(ctx)
	defer d.Engine.Reaper.Close()

	if err := d.Dispatch(ctx, "wctl add cpu label=c1,percent=10,exec=1"); err != nil {
		t.Fatalf("Dispatch add: %v", err)
	}

	ref, ok := r.FindByLabel(ctx, "c1")
	if !ok {
		t.Fatal("expected worker c1 to exist")
	}
	w := r.CPU(ref)
	if w.PercentCPU != 10 {
		t.Errorf("expected percent 10, got %d", w.PercentCPU)
	}
	c := r.slotCommon(ref)
	c.Lock().Lock()
	state := c.State()
	c.Lock().Unlock()
	if state != "parsed" {
		t.Errorf("expected newly-added worker to be parsed, got %q", state)
	}

	if err := d.Dispatch(ctx, "wctl start cpu label=c1"); err != nil {
		t.Fatalf("Dispatch start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.slotCommon(ref) != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.slotCommon(ref) != nil {
		t.Fatal("expected worker to run to completion and be reaped")
	}
}

func TestDispatchWctlAddWithAftersMarksWaiting(t *testing.T) {
	r, d := newTestDispatcher()
	ctx := context.Background()

	if err := d.Dispatch(ctx, "wctl add cpu label=leader,percent=5"); err != nil {
		t.Fatalf("Dispatch leader: %v", err)
	}
	if err := d.Dispatch(ctx, "wctl add cpu label=follower,percent=5,after=leader"); err != nil {
		t.Fatalf("Dispatch follower: %v", err)
	}

	ref, ok := r.FindByLabel(ctx, "follower")
	if !ok {
		t.Fatal("expected worker follower to exist")
	}
	c := r.slotCommon(ref)
	c.Lock().Lock()
	waiting := c.waiting
	c.Lock().Unlock()
	if !waiting {
		t.Error("expected follower to be waiting on its after-dependency")
	}

	if err := d.Dispatch(ctx, "wctl start cpu label=follower"); err == nil {
		t.Error("expected start to reject a worker still waiting on after-dependencies")
	}
}

func TestDispatchWctlRejectsUnknownClass(t *testing.T) {
	_, d := newTestDispatcher()
	if err := d.Dispatch(context.Background(), "wctl add bogus label=x"); err == nil {
		t.Fatal("expected error for unknown class")
	}
}

func TestDispatchWctlModStagesRateChange(t *testing.T) {
	r, d := newTestDispatcher()
	ctx := context.Background()

	if err := d.Dispatch(ctx, "wctl add cpu label=c1,percent=10"); err != nil {
		t.Fatalf("Dispatch add: %v", err)
	}
	if err := d.Dispatch(ctx, "wctl mod cpu label=c1,percent=90"); err != nil {
		t.Fatalf("Dispatch mod: %v", err)
	}

	ref, _ := r.FindByLabel(ctx, "c1")
	w := r.CPU(ref)
	if w.PercentCPU != 90 {
		t.Errorf("expected restaged percent 90, got %d", w.PercentCPU)
	}
	c := r.slotCommon(ref)
	c.Lock().Lock()
	dirty := c.dirty
	c.Lock().Unlock()
	if !dirty {
		t.Error("expected dirty flag set after mod")
	}
}

func TestDispatchWctlModRejectsInvalidValue(t *testing.T) {
	_, d := newTestDispatcher()
	ctx := context.Background()
	if err := d.Dispatch(ctx, "wctl add cpu label=c1,percent=10"); err != nil {
		t.Fatalf("Dispatch add: %v", err)
	}
	if err := d.Dispatch(ctx, "wctl mod cpu label=c1,percent=notanumber"); err == nil {
		t.Fatal("expected error for invalid percent value")
	}
}

func TestDispatchWctlDelMarksExiting(t *testing.T) {
	r, d := newTestDispatcher()
	ctx := context.Background()

	if err := d.Dispatch(ctx, "wctl add cpu label=c1,percent=10"); err != nil {
		t.Fatalf("Dispatch add: %v", err)
	}
	if err := d.Dispatch(ctx, "wctl del cpu label=c1"); err != nil {
		t.Fatalf("Dispatch del: %v", err)
	}

	ref, _ := r.FindByLabel(ctx, "c1")
	c := r.slotCommon(ref)
	c.Lock().Lock()
	exiting := c.exiting
	c.Lock().Unlock()
	if !exiting {
		t.Error("expected exiting flag set after del")
	}
}

func TestDispatchLinkAddAndStart(t *testing.T) {
	r, d := newTestDispatcher()
	ctx := context.Background()

	if err := d.Dispatch(ctx, "wctl add cpu label=w1,percent=1,exec=1"); err != nil {
		t.Fatalf("add w1: %v", err)
	}
	if err := d.Dispatch(ctx, "wctl add cpu label=w2,percent=1,exec=1"); err != nil {
		t.Fatalf("add w2: %v", err)
	}

	if err := d.Dispatch(ctx, "link add chain1 w1=100,w2=200"); err != nil {
		t.Fatalf("link add: %v", err)
	}

	ref1, _ := r.FindByLabel(ctx, "w1")
	c1 := r.slotCommon(ref1)
	if !c1.linked || c1.LinkWork != 100 {
		t.Errorf("expected w1 linked with work 100, got linked=%v work=%d", c1.linked, c1.LinkWork)
	}

	if err := d.Dispatch(ctx, "link start chain1"); err != nil {
		t.Fatalf("link start: %v", err)
	}
	c1.Lock().Lock()
	pending := c1.pending
	c1.Lock().Unlock()
	if !pending {
		t.Error("expected w1 pending after link start")
	}
}

func TestDispatchInfoDoesNotError(t *testing.T) {
	_, d := newTestDispatcher()
	ctx := context.Background()
	if err := d.Dispatch(ctx, "wctl add cpu label=c1,percent=1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Dispatch(ctx, "info class=cpu"); err != nil {
		t.Fatalf("info: %v", err)
	}
}

func TestDispatchInfoFiltersByWorkerAndGatesDetail(t *testing.T) {
	_, d := newTestDispatcher()
	ctx := context.Background()

	if err := d.Dispatch(ctx, "wctl add cpu label=c1,percent=1"); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := d.Dispatch(ctx, "wctl add cpu label=c2,percent=1"); err != nil {
		t.Fatalf("add c2: %v", err)
	}

	var rendered []Snapshot
	listener := capitan.Hook(SignalInfoRendered, func(_ context.Context, e *capitan.Event) {
		blob, _ := FieldInfo.From(e)
		rendered = nil
		if err := json.Unmarshal([]byte(blob), &rendered); err != nil {
			t.Errorf("unmarshal rendered info: %v", err)
		}
	})
	defer listener.Close()

	if err := d.Dispatch(ctx, "info class=cpu,worker=0,detail=1"); err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(rendered) != 1 || rendered[0].Label != "c1" {
		t.Fatalf("expected worker=0 to filter to c1 alone, got %+v", rendered)
	}
	if len(rendered[0].Detail) == 0 {
		t.Error("expected detail=1 to attach a Detail payload")
	}

	if err := d.Dispatch(ctx, "info class=cpu,worker=1,detail=0"); err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(rendered) != 1 || rendered[0].Label != "c2" {
		t.Fatalf("expected worker=1 to filter to c2 alone, got %+v", rendered)
	}
	if len(rendered[0].Detail) != 0 {
		t.Error("expected detail=0 to omit the Detail payload")
	}

	if err := d.Dispatch(ctx, "info"); err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("expected bare info (class=all) to ignore any worker filter, got %+v", rendered)
	}
}

func TestDispatchInfoRejectsInvalidDetail(t *testing.T) {
	_, d := newTestDispatcher()
	ctx := context.Background()
	if err := d.Dispatch(ctx, "info detail=2"); err == nil {
		t.Fatal("expected an error for an out-of-range detail level")
	}
}

func TestDispatchWctlAddParsesIOMix(t *testing.T) {
	r, d := newTestDispatcher()
	ctx := context.Background()

	if err := d.Dispatch(ctx, "wctl add disk file=/tmp/mantis-test-disk,blksize=4K,iorate=2M,iomix=7/2/1"); err != nil {
		t.Fatalf("Dispatch add: %v", err)
	}

	ref, ok := r.FindByLabel(ctx, "disk1")
	if !ok {
		t.Fatal("expected an auto-labeled disk worker")
	}
	w := r.Disk(ref)
	if w.Path != "/tmp/mantis-test-disk" {
		t.Errorf("expected file= to set Path, got %q", w.Path)
	}
	if w.Reads != 7 || w.Writes != 2 || w.Seeks != 1 {
		t.Errorf("expected iomix 7/2/1, got reads=%d writes=%d seeks=%d", w.Reads, w.Writes, w.Seeks)
	}
}

func TestDispatchWctlAddRejectsMalformedIOMix(t *testing.T) {
	_, d := newTestDispatcher()
	ctx := context.Background()
	if err := d.Dispatch(ctx, "wctl add disk file=/tmp/mantis-test-disk,blksize=4K,iorate=2M,iomix=7/2"); err == nil {
		t.Fatal("expected an error for a two-part iomix")
	}
}

func TestDispatchHeloWaitQuitAreNoops(t *testing.T) {
	_, d := newTestDispatcher()
	ctx := context.Background()
	for _, line := range []string{"helo", "wait", "quit"} {
		if err := d.Dispatch(ctx, line); err != nil {
			t.Errorf("Dispatch(%q): %v", line, err)
		}
	}
}
