package main

import (
	"context"
	"testing"
	"time"

	mantis "github.com/deepu73/mantisgo"
	"github.com/deepu73/mantisgo/internal/input"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

func newTestRegistry() *mantis.Registry {
	r := mantis.NewRegistry(metricz.New())
	lm := mantis.NewLockManager(r)
	r.SetLocker(lm)
	return r
}

func resetFlags() {
	flagLogFile = ""
	flagLoadCalib = ""
	flagSaveCalib = ""
	flagTraceFile = ""
	flagDebugLevel = 0
	flagTraceStamped = "n"
	flagRunCalib = false
	flagDebugLocks = false
	flagQuitAfterCal = false
}

func TestBuildConfigRunsTrialsByDefault(t *testing.T) {
	resetFlags()
	cfg := buildConfig()
	if cfg.RunCalibrationTrials != mantis.DefaultTrials {
		t.Errorf("expected default trial count, got %d", cfg.RunCalibrationTrials)
	}
}

func TestBuildConfigSkipsTrialsWhenLoadPathGivenWithoutCalibrate(t *testing.T) {
	resetFlags()
	flagLoadCalib = "calib.dat"
	cfg := buildConfig()
	if cfg.RunCalibrationTrials != 0 {
		t.Errorf("expected 0 trials when load-calib set without -b, got %d", cfg.RunCalibrationTrials)
	}
	if cfg.LoadCalibPath != "calib.dat" {
		t.Errorf("expected load path carried through, got %q", cfg.LoadCalibPath)
	}
}

func TestBuildConfigRunsTrialsWhenCalibrateForced(t *testing.T) {
	resetFlags()
	flagLoadCalib = "calib.dat"
	flagRunCalib = true
	cfg := buildConfig()
	if cfg.RunCalibrationTrials != mantis.DefaultTrials {
		t.Errorf("expected -b to force trials even with a load path, got %d", cfg.RunCalibrationTrials)
	}
}

func TestParseSeconds(t *testing.T) {
	d, err := parseSeconds("2.5")
	if err != nil {
		t.Fatalf("parseSeconds: %v", err)
	}
	if d != 2500*time.Millisecond {
		t.Errorf("expected 2.5s, got %v", d)
	}
}

// runCapturingMaster drives a Master against mb, recording every INPUT
// payload it dispatches, until exited is closed.
func runCapturingMaster(mb *mantis.Mailbox, registry *mantis.Registry) (dispatched chan string, exited chan struct{}) {
	dispatched = make(chan string, 8)
	exited = make(chan struct{})

	am := mantis.NewAfterManager(mantis.NewLockManager(registry), registry)
	dispatch := func(_ context.Context, payload string) error {
		dispatched <- payload
		return nil
	}
	master := mantis.NewMaster(mb, am, dispatch, func(context.Context, mantis.SlotRef) {})

	go func() {
		master.Run(context.Background())
		close(exited)
	}()
	return dispatched, exited
}

func TestExecLineQuitReturnsSentinelAndSignalsMaster(t *testing.T) {
	mb := mantis.NewMailbox()
	registry := newTestRegistry()
	_, exited := runCapturingMaster(mb, registry)

	err := execLine(context.Background(), registry, mb, "quit")
	if err != errQuit {
		t.Fatalf("expected errQuit, got %v", err)
	}

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("master did not exit after quit")
	}
}

func TestExecLineDefaultForwardsToMailbox(t *testing.T) {
	mb := mantis.NewMailbox()
	registry := newTestRegistry()
	dispatched, _ := runCapturingMaster(mb, registry)

	if err := execLine(context.Background(), registry, mb, "wctl add cpu load=50"); err != nil {
		t.Fatalf("execLine: %v", err)
	}

	select {
	case payload := <-dispatched:
		if payload != "wctl add cpu load=50" {
			t.Errorf("expected input forwarded verbatim, got %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("master never dispatched the forwarded command")
	}

	mb.Send(mantis.CmdExit, "")
}

func TestExecLineWaitDoesNotTouchMailbox(t *testing.T) {
	mb := mantis.NewMailbox()
	registry := newTestRegistry()
	dispatched, _ := runCapturingMaster(mb, registry)

	if err := execLine(context.Background(), registry, mb, "wait"); err != nil {
		t.Fatalf("execLine: %v", err)
	}

	select {
	case payload := <-dispatched:
		t.Fatalf("wait must never reach the mailbox, got %q", payload)
	case <-time.After(20 * time.Millisecond):
	}

	mb.Send(mantis.CmdExit, "")
}

func TestWaitForWorkersReturnsOnceAllReaped(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	ref, err := registry.Allocate(ctx, mantis.ClassCPU, "w1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	cmd, err := input.Parse("wait")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	done := make(chan struct{})
	go func() {
		waitForWorkers(ctx, registry, clockz.RealClock, cmd)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	registry.Free(ctx, ref)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForWorkers did not return once the worker was reaped")
	}
}

func TestWaitForWorkersReturnsOnceTimeDeadlineFires(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()
	fake := clockz.NewFakeClock()

	// Allocate a worker that is never freed: the only way out is the
	// time= deadline, driven entirely by the fake clock.
	if _, err := registry.Allocate(ctx, mantis.ClassCPU, "w1"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	cmd, err := input.Parse("wait time=1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	done := make(chan struct{})
	go func() {
		waitForWorkers(ctx, registry, fake, cmd)
		close(done)
	}()

	fake.BlockUntilReady()
	fake.Advance(2 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForWorkers did not return once the fake clock crossed its deadline")
	}
}
