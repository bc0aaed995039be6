package mantis

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestBlocksPerEpochIO(t *testing.T) {
	got := BlocksPerEpochIO(20*EpochsPerSec, 1)
	if got != 20 {
		t.Errorf("expected 20 blocks/epoch, got %v", got)
	}
}

func TestBlocksPerEpochCPU(t *testing.T) {
	got := BlocksPerEpochCPU(1000*EpochsPerSec, 50)
	if got != 500 {
		t.Errorf("expected 500 work units/epoch, got %v", got)
	}
}

func TestTargetTotalBlocksUnboundedWhenMaxWorkZero(t *testing.T) {
	if got := TargetTotalBlocks(0, 4096); got != -1 {
		t.Errorf("expected -1 for zero max_work, got %d", got)
	}
	if got := TargetTotalBlocks(40960, 4096); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}
}

// countingKernel completes exactly units work per epoch, no kernel-side
// throttling, so the loop's own residual/deadline math fully determines
// throughput.
type countingKernel struct {
	total int
}

func (k *countingKernel) RunEpoch(_ context.Context, units int) (int, error) {
	k.total += units
	return units, nil
}

func TestEpochLoopRespectsExecTimeAndAccumulatesWork(t *testing.T) {
	fake := clockz.NewFakeClock()
	c := &Common{StartTime: fake.Now(), ExecTime: 100 * time.Millisecond, targetTotal: -1}
	c.blocksPerEpoch = 10

	kernel := &countingKernel{}
	reloads := 0
	reload := func(context.Context) error {
		reloads++
		return nil
	}

	loop := NewEpochLoop(c, nil, kernel, reload).WithClock(fake)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	for i := 0; i < 4; i++ {
		fake.BlockUntilReady()
		fake.Advance(EpochDuration)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("epoch loop did not exit after ExecTime elapsed")
	}

	if reloads != 1 {
		t.Errorf("expected exactly one reload (no dirty flag set), got %d", reloads)
	}
	if kernel.total == 0 {
		t.Error("expected the kernel to have run some work")
	}
}

func TestEpochLoopStopsAtTargetTotal(t *testing.T) {
	fake := clockz.NewFakeClock()
	c := &Common{StartTime: fake.Now(), targetTotal: 25}
	c.blocksPerEpoch = 10

	kernel := &countingKernel{}
	loop := NewEpochLoop(c, nil, kernel, func(context.Context) error { return nil }).WithClock(fake)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	for i := 0; i < 5; i++ {
		fake.BlockUntilReady()
		fake.Advance(EpochDuration)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("epoch loop did not exit after reaching target_total")
	}

	if c.doneTotal < c.targetTotal {
		t.Errorf("expected doneTotal >= targetTotal, got %d < %d", c.doneTotal, c.targetTotal)
	}
}
