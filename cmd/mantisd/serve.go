package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"

	mantis "github.com/deepu73/mantisgo"
	"github.com/deepu73/mantisgo/internal/input"
)

// buildConfig translates the parsed CLI flags into a mantis.Config. The
// default trial count runs calibration unless a load-calib file is given
// without -b, per Config's "0 = skip, use LoadCalibPath instead" rule.
func buildConfig() mantis.Config {
	cfg := mantis.DefaultConfig()
	cfg.LogFile = flagLogFile
	cfg.LoadCalibPath = flagLoadCalib
	cfg.SaveCalibPath = flagSaveCalib
	cfg.TraceFile = flagTraceFile
	cfg.DebugLevel = flagDebugLevel
	cfg.TraceHasTimestamps = strings.EqualFold(flagTraceStamped, "y")
	cfg.DebugLockOrder = flagDebugLocks
	cfg.ExitAfterCalibration = flagQuitAfterCal

	cfg.RunCalibrationTrials = mantis.DefaultTrials
	if cfg.LoadCalibPath != "" && !flagRunCalib {
		cfg.RunCalibrationTrials = 0
	}
	return cfg
}

// runServe assembles the engine from a parsed Config and drives it to
// completion: calibrate, wire the registry/lock/link/after/reaper/stats
// components into an Engine, start the master and reaper loops, and run
// the input thread (stdin or trace file) until it sees quit, EOF, or a
// termination signal.
func runServe() error {
	cfg := buildConfig()

	logOut := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open logfile: %w", err)
		}
		defer f.Close()
		logOut = f
	}

	unhook := attachDiagnostics(logOut, cfg.DebugLevel, cfg.DebugLockOrder)
	defer unhook()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secondCount, prngCount, err := calibrate(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	if cfg.ExitAfterCalibration {
		fmt.Fprintf(logOut, "calibration complete: second_count=%d prng_count=%d\n", secondCount, prngCount)
		return nil
	}

	registry := mantis.NewRegistry(metricz.New())
	lm := mantis.NewLockManager(registry)
	registry.SetLocker(lm)
	links := mantis.NewLinkGraph(lm, registry).WithClock(clockz.RealClock)
	afters := mantis.NewAfterManager(lm, registry)
	reaper := mantis.NewReaper(registry, clockz.RealClock)
	stats := mantis.NewStats(lm)
	mailbox := mantis.NewMailbox()

	eng := &mantis.Engine{
		Registry:    registry,
		LockMgr:     lm,
		Links:       links,
		Afters:      afters,
		Reaper:      reaper,
		Stats:       stats,
		Clock:       clockz.RealClock,
		SecondCount: secondCount,
		Mailbox:     mailbox,
	}
	// prngCount anchors a future PRNG-draw-rate worker class; no
	// concrete worker consumes it yet.
	_ = prngCount

	dispatcher := mantis.NewDispatcher(eng)
	master := mantis.NewMaster(mailbox, afters, dispatcher.Dispatch, dispatcher.StartQueued)

	reaper.Run(ctx)
	masterDone := make(chan struct{})
	go func() {
		master.Run(ctx)
		close(masterDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			mailbox.Send(mantis.CmdExit, "")
		}
	}()

	err = runInput(ctx, cfg, registry, mailbox)
	if err != nil && err != errQuit {
		fmt.Fprintf(logOut, "input: %v\n", err)
	}
	if err != errQuit {
		mailbox.Send(mantis.CmdExit, "")
	}
	<-masterDone
	reaper.Close()
	return nil
}

// calibrate measures or loads the second_count/prng_count constants
// that anchor worker rate math. A configured load path whose values are
// missing or zero falls through to running trials, per
// LoadCalibrationFile's "zero means recalibrate" contract.
func calibrate(ctx context.Context, cfg mantis.Config, logOut io.Writer) (secondCount, prngCount uint64, err error) {
	if cfg.RunCalibrationTrials == 0 {
		secondCount, prngCount, err = mantis.LoadCalibrationFile(cfg.LoadCalibPath)
		if err != nil {
			return 0, 0, err
		}
		if secondCount != 0 && prngCount != 0 {
			return secondCount, prngCount, nil
		}
		fmt.Fprintf(logOut, "calibration file %q missing or incomplete, running trials\n", cfg.LoadCalibPath)
	}

	calibrator := mantis.NewCalibrator().WithClock(clockz.RealClock)
	result := calibrator.Run(ctx, cfg.RunCalibrationTrials)
	if result.Err != nil {
		return 0, 0, result.Err
	}
	secondCount, prngCount = calibrator.SecondCount, calibrator.PRNGCount

	if cfg.SaveCalibPath != "" {
		if err := mantis.SaveCalibrationFile(cfg.SaveCalibPath, secondCount, prngCount); err != nil {
			return 0, 0, err
		}
	}
	return secondCount, prngCount, nil
}

// runInput reads commands from stdin or plays a trace file, forwarding
// each one to the master's mailbox. "wait" is intercepted here rather
// than forwarded, since blocking on worker exit is the input thread's
// job, never the master's (the master must never stall on one command).
// "quit" stops the input loop after it is forwarded.
func runInput(ctx context.Context, cfg mantis.Config, registry *mantis.Registry, mailbox *mantis.Mailbox) error {
	exec := func(ctx context.Context, line string) error {
		return execLine(ctx, registry, mailbox, line)
	}

	if cfg.TraceFile != "" {
		f, err := os.Open(cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		sleep := func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return input.Play(ctx, f, cfg.TraceHasTimestamps, sleep, exec)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := exec(ctx, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// execLine runs one command line. quit is handled terminally here so
// the input loop stops without the mailbox's quit handling needing to
// signal back up; wait blocks the input thread itself; everything else
// goes to the mailbox for the master to dispatch.
func execLine(ctx context.Context, registry *mantis.Registry, mailbox *mantis.Mailbox, line string) error {
	cmd, err := input.Parse(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return nil
	}

	switch cmd.Verb {
	case "wait":
		waitForWorkers(ctx, registry, clockz.RealClock, cmd)
		return nil
	case "quit":
		mailbox.Send(mantis.CmdExit, "")
		return errQuit
	default:
		mailbox.Send(mantis.CmdInput, line)
		return nil
	}
}

var errQuit = fmt.Errorf("quit")

// waitForWorkers tags every worker matching cmd's class attribute (or
// every worker, if none given) with mwait, then polls until they have
// all left the registry or the optional time= deadline fires. clock
// drives both the deadline and the poll interval so the §6 wait=time
// countdown is testable against a fake clock, the same way EpochLoop
// and LinkGraph are.
func waitForWorkers(ctx context.Context, registry *mantis.Registry, clock clockz.Clock, cmd input.Command) {
	class := mantis.ClassAll
	if c, ok := cmd.Attrs["class"]; ok {
		if parsed, err := mantis.ParseClass(c); err == nil {
			class = parsed
		}
	}

	var deadline time.Time
	if t, ok := cmd.Attrs["time"]; ok {
		if secs, err := parseSeconds(t); err == nil {
			deadline = clock.Now().Add(secs)
		}
	}

	var refs []mantis.SlotRef
	registry.ForEachUsed(ctx, class, func(ref mantis.SlotRef) {
		if c := registry.SlotCommon(ref); c != nil {
			c.Lock().Lock()
			c.SetMWait(true)
			c.Lock().Unlock()
			refs = append(refs, ref)
		}
	})

	for {
		if allReaped(registry, refs) {
			return
		}
		if !deadline.IsZero() && clock.Now().After(deadline) {
			return
		}
		select {
		case <-clock.After(10 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func allReaped(registry *mantis.Registry, refs []mantis.SlotRef) bool {
	for _, ref := range refs {
		if registry.SlotCommon(ref) != nil {
			return false
		}
	}
	return true
}

func parseSeconds(s string) (time.Duration, error) {
	var secs float64
	if _, err := fmt.Sscanf(s, "%g", &secs); err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// attachDiagnostics subscribes the CLI's own presentation layer to the
// handful of signals an operator actually wants to see at a terminal:
// rendered info snapshots always print, everything else is gated by
// debugLevel so a quiet run stays quiet. It returns a func that detaches
// every subscription on shutdown.
func attachDiagnostics(out io.Writer, debugLevel int, debugLocks bool) func() {
	var listeners []interface{ Close() }

	listeners = append(listeners, capitan.Hook(mantis.SignalInfoRendered, func(_ context.Context, e *capitan.Event) {
		if blob, ok := mantis.FieldInfo.From(e); ok {
			fmt.Fprintln(out, blob)
		}
	}))

	listeners = append(listeners, capitan.Hook(mantis.SignalCommandRejected, func(_ context.Context, e *capitan.Event) {
		cmd, _ := mantis.FieldCommand.From(e)
		msg, _ := mantis.FieldError.From(e)
		fmt.Fprintf(out, "rejected %q: %s\n", cmd, msg)
	}))

	if debugLocks {
		listeners = append(listeners, capitan.Hook(mantis.SignalLockOrderViolation, func(_ context.Context, e *capitan.Event) {
			kind, _ := mantis.FieldKind.From(e)
			pos, _ := mantis.FieldIndex.From(e)
			fmt.Fprintf(out, "lock order violation: %s (pos %d)\n", kind, pos)
		}))
	}

	if debugLevel >= 1 {
		listeners = append(listeners, capitan.Hook(mantis.SignalWorkerMissed, func(_ context.Context, e *capitan.Event) {
			class, _ := mantis.FieldClass.From(e)
			index, _ := mantis.FieldIndex.From(e)
			msg, _ := mantis.FieldError.From(e)
			fmt.Fprintf(out, "worker %s[%d] exited with error: %s\n", class, index, msg)
		}))
	}

	if debugLevel >= 4 {
		listeners = append(listeners, capitan.Hook(mantis.SignalWorkerRegistered, func(_ context.Context, e *capitan.Event) {
			label, _ := mantis.FieldLabel.From(e)
			fmt.Fprintf(out, "worker %q registered\n", label)
		}))
		listeners = append(listeners, capitan.Hook(mantis.SignalWorkerReaped, func(_ context.Context, e *capitan.Event) {
			class, _ := mantis.FieldClass.From(e)
			index, _ := mantis.FieldIndex.From(e)
			fmt.Fprintf(out, "worker %s[%d] reaped\n", class, index)
		}))
	}

	return func() {
		for _, l := range listeners {
			l.Close()
		}
	}
}
