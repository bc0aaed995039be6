package mantis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zoobzio/capitan"

	"github.com/deepu73/mantisgo/internal/input"
)

// Dispatcher turns parsed command lines into registry, link-graph, and
// after-manager calls. It is the concrete DispatchFunc the master loop
// runs every INPUT command through, and it owns the single StartQueuedFunc
// every "make this worker go" path (wctl start, link start, after-ready)
// funnels through. wctl add only configures the slot and does not start
// the worker.
type Dispatcher struct {
	Engine *Engine
}

// NewDispatcher binds a dispatcher to eng.
func NewDispatcher(eng *Engine) *Dispatcher {
	return &Dispatcher{Engine: eng}
}

// Dispatch implements DispatchFunc.
func (d *Dispatcher) Dispatch(ctx context.Context, payload string) error {
	cmd, err := input.Parse(payload)
	if err != nil {
		return NewCmdError(ErrKindUsage, "dispatch", err)
	}

	switch cmd.Verb {
	case "helo", "quit":
		return nil
	case "wctl":
		return d.dispatchWctl(ctx, cmd)
	case "link":
		return d.dispatchLink(ctx, cmd)
	case "info":
		return d.dispatchInfo(ctx, cmd)
	case "wait":
		// The CLI's input thread (cmd/mantisd) handles "wait" itself and
		// blocks there until matching workers exit; the master loop
		// itself must never block a single command, so a wait that
		// reaches the dispatcher is a no-op.
		return nil
	default:
		return NewCmdError(ErrKindUsage, "dispatch", fmt.Errorf("unhandled verb %q", cmd.Verb))
	}
}

// StartQueued adapts workerruntime.Start to the StartQueuedFunc shape the
// master loop and after-ready drain both call into. It stamps pending
// before handing off to the worker goroutine so State() reports
// "pending" for the brief window before the goroutine's own register()
// call flips it to "running".
func (d *Dispatcher) StartQueued(ctx context.Context, ref SlotRef) {
	if c := d.Engine.Registry.slotCommon(ref); c != nil {
		c.Lock().Lock()
		if !c.running && !c.exiting {
			c.pending = true
		}
		c.Lock().Unlock()
	}
	Start(ctx, d.Engine, ref)
}

func (d *Dispatcher) dispatchWctl(ctx context.Context, cmd Command) error {
	class, err := ParseClass(cmd.Arg)
	if err != nil || class == ClassAll {
		return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("invalid class %q", cmd.Arg))
	}

	switch cmd.Op {
	case "add":
		return d.wctlAdd(ctx, class, cmd)
	case "mod":
		return d.wctlMod(ctx, class, cmd)
	case "del", "kill":
		return d.wctlDel(ctx, class, cmd)
	case "start":
		return d.wctlStart(ctx, class, cmd)
	default:
		return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("unknown op %q", cmd.Op))
	}
}

func (d *Dispatcher) wctlAdd(ctx context.Context, class Class, cmd Command) error {
	label := cmd.Attrs["label"]
	ref, err := d.Engine.Registry.Allocate(ctx, class, label)
	if err != nil {
		return err
	}
	c := d.Engine.Registry.slotCommon(ref)

	if execAttr, ok := cmd.Attrs["exec"]; ok {
		secs, err := input.SizeValue(execAttr)
		if err != nil {
			return NewCmdError(ErrKindUsage, "wctl add", err)
		}
		c.ExecTime = time.Duration(secs) * time.Second
	}

	if err := applyClassAttrs(class, d.Engine.Registry, ref, cmd.Attrs); err != nil {
		return err
	}

	if maxAttr, ok := cmd.Attrs["max"]; ok {
		max, err := input.SizeValue(maxAttr)
		if err != nil {
			return NewCmdError(ErrKindUsage, "wctl add", err)
		}
		c.MaxWork = max
	}

	c.Afters = append([]string(nil), cmd.Afters...)
	// add only registers and configures the slot; it takes an explicit
	// "wctl start" (or a link start, or an after-dependency resolving)
	// to actually queue the worker's goroutine.
	if _, err := d.Engine.Afters.Register(ctx, ref, cmd.Afters); err != nil {
		return err
	}
	return nil
}

// wctlMod stages a rate change on a running worker. Per the resolved
// open question, the validation here checks the value about to be
// staged, not whatever the worker's reload last committed — a bad
// "mod" must be rejected before it ever reaches the epoch loop, not
// silently coerced into whatever the last-good rate happened to be.
func (d *Dispatcher) wctlMod(ctx context.Context, class Class, cmd Command) error {
	ref, ok := d.Engine.Registry.FindByLabel(ctx, cmd.Attrs["label"])
	if !ok {
		return NewCmdError(ErrKindUsage, "wctl mod", fmt.Errorf("no worker labeled %q", cmd.Attrs["label"]))
	}
	if ref.Class != class {
		return NewCmdError(ErrKindUsage, "wctl mod", fmt.Errorf("worker %q is not class %s", cmd.Attrs["label"], class))
	}

	if err := applyClassAttrs(class, d.Engine.Registry, ref, cmd.Attrs); err != nil {
		return err
	}

	c := d.Engine.Registry.slotCommon(ref)
	if maxAttr, ok := cmd.Attrs["max"]; ok {
		max, err := input.SizeValue(maxAttr)
		if err != nil {
			return NewCmdError(ErrKindUsage, "wctl mod", err)
		}
		c.Lock().Lock()
		c.MaxWork = max
		c.Lock().Unlock()
	}

	c.Lock().Lock()
	c.dirty = true
	c.Lock().Unlock()
	return nil
}

func (d *Dispatcher) wctlDel(ctx context.Context, class Class, cmd Command) error {
	ref, ok := d.Engine.Registry.FindByLabel(ctx, cmd.Attrs["label"])
	if !ok {
		return NewCmdError(ErrKindUsage, "wctl del", fmt.Errorf("no worker labeled %q", cmd.Attrs["label"]))
	}
	if ref.Class != class {
		return NewCmdError(ErrKindUsage, "wctl del", fmt.Errorf("worker %q is not class %s", cmd.Attrs["label"], class))
	}

	d.Engine.LockMgr.locker.SlotMutex(ref).Lock()
	c := d.Engine.Registry.slotCommon(ref)
	if c != nil {
		c.exiting = true
		c.Cond().Broadcast()
	}
	d.Engine.LockMgr.locker.SlotMutex(ref).Unlock()
	return nil
}

func (d *Dispatcher) wctlStart(ctx context.Context, class Class, cmd Command) error {
	ref, ok := d.Engine.Registry.FindByLabel(ctx, cmd.Attrs["label"])
	if !ok {
		return NewCmdError(ErrKindUsage, "wctl start", fmt.Errorf("no worker labeled %q", cmd.Attrs["label"]))
	}
	if ref.Class != class {
		return NewCmdError(ErrKindUsage, "wctl start", fmt.Errorf("worker %q is not class %s", cmd.Attrs["label"], class))
	}

	c := d.Engine.Registry.slotCommon(ref)
	c.Lock().Lock()
	alreadyQueued := c.pending || c.running
	waiting := c.waiting
	c.Lock().Unlock()

	if alreadyQueued {
		return NewCmdError(ErrKindUsage, "wctl start", fmt.Errorf("worker %q is already started", cmd.Attrs["label"]))
	}
	if waiting {
		return NewCmdError(ErrKindUsage, "wctl start", fmt.Errorf("worker %q is still waiting on after-dependencies", cmd.Attrs["label"]))
	}
	d.StartQueued(ctx, ref)
	return nil
}

func (d *Dispatcher) dispatchLink(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case "add":
		return d.linkAdd(ctx, cmd)
	case "start":
		return d.linkStart(ctx, cmd)
	case "del", "kill":
		return d.Engine.Links.Kill(ctx, cmd.Arg)
	default:
		return NewCmdError(ErrKindUsage, "link", fmt.Errorf("unknown op %q", cmd.Op))
	}
}

func (d *Dispatcher) linkAdd(ctx context.Context, cmd Command) error {
	members := make([]string, 0, len(cmd.Members))
	works := make([]uint64, 0, len(cmd.Members))
	for _, m := range cmd.Members {
		label, workStr, ok := cutLast(m, '=')
		if !ok {
			return NewCmdError(ErrKindUsage, "link add", fmt.Errorf("malformed member %q: expected label=work", m))
		}
		work, err := input.SizeValue(workStr)
		if err != nil {
			return NewCmdError(ErrKindUsage, "link add", err)
		}
		members = append(members, label)
		works = append(works, work)
	}
	return d.Engine.Links.Insert(ctx, cmd.Arg, members, works)
}

func (d *Dispatcher) linkStart(ctx context.Context, cmd Command) error {
	refs, err := d.Engine.Links.Start(ctx, cmd.Arg)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		d.StartQueued(ctx, ref)
	}
	return nil
}

// dispatchInfo renders the §6 info command: class=… narrows to one
// resource class, worker=ID further narrows to the slot at that index
// within the class (ignored when class is unset/all, matching the
// original protocol's "worker filtering needs a specific class" rule),
// and detail=0|1 selects whether each snapshot carries its class-
// specific Detail payload. Both worker and detail default to their
// original-protocol defaults: no filter, detail 0.
func (d *Dispatcher) dispatchInfo(ctx context.Context, cmd Command) error {
	var class Class = ClassAll
	if c, ok := cmd.Attrs["class"]; ok {
		parsed, err := ParseClass(c)
		if err != nil {
			return NewCmdError(ErrKindUsage, "info", err)
		}
		class = parsed
	}

	detail := 0
	if v, ok := cmd.Attrs["detail"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 0 && n != 1) {
			return NewCmdError(ErrKindUsage, "info", fmt.Errorf("detail must be 0 or 1, got %q", v))
		}
		detail = n
	}

	workerIdx := -1
	if v, ok := cmd.Attrs["worker"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return NewCmdError(ErrKindUsage, "info", fmt.Errorf("invalid worker index %q", v))
		}
		workerIdx = n
	}
	if class == ClassAll {
		workerIdx = -1
	}

	var snapshots []Snapshot
	d.Engine.Registry.ForEachUsed(ctx, class, func(ref SlotRef) {
		if workerIdx >= 0 && ref.Index != workerIdx {
			return
		}
		if snap, ok := BuildSnapshot(ctx, d.Engine.Registry, ref, detail); ok {
			snapshots = append(snapshots, snap)
		}
	})

	blob, err := json.Marshal(snapshots)
	if err != nil {
		return NewCmdError(ErrKindInternal, "info", err)
	}
	capitan.Info(ctx, SignalInfoRendered, FieldInfo.Field(string(blob)))
	return nil
}

// applyClassAttrs fills in (or restages) the class-specific fields of
// ref's worker from attrs. Unknown keys are ignored: label, max, exec
// and after are handled by the caller.
func applyClassAttrs(class Class, registry *Registry, ref SlotRef, attrs map[string]string) error {
	switch class {
	case ClassCPU:
		w := registry.CPU(ref)
		if err := setInt(attrs, "percent", &w.PercentCPU); err != nil {
			return err
		}
		if burn, ok := attrs["burn"]; ok {
			w.Burn = burn
		}
	case ClassMem:
		w := registry.Mem(ref)
		if err := setSize(attrs, "total", &w.TotalRAM); err != nil {
			return err
		}
		if err := setSize(attrs, "working", &w.WorkingRAM); err != nil {
			return err
		}
		if err := setSize(attrs, "blksize", &w.BlockSize); err != nil {
			return err
		}
		if err := setSize(attrs, "iorate", &w.IORate); err != nil {
			return err
		}
		if err := setSize(attrs, "stride", &w.Stride); err != nil {
			return err
		}
		if w.BlockSize > 0 {
			w.NWBlocks = w.WorkingRAM / w.BlockSize
			w.NTBlocks = w.TotalRAM / w.BlockSize
		}
	case ClassDisk:
		w := registry.Disk(ref)
		if file, ok := attrs["file"]; ok {
			w.Path = file
		}
		if err := setSize(attrs, "blksize", &w.BlockSize); err != nil {
			return err
		}
		if err := setSize(attrs, "nblks", &w.NumBlocks); err != nil {
			return err
		}
		if modeAttr, ok := attrs["mode"]; ok {
			n, err := strconv.Atoi(modeAttr)
			if err != nil || n < 0 || n > 2 {
				return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("mode must be 0, 1 or 2"))
			}
			w.Mode = DiskMode(n)
		}
		if err := setSize(attrs, "iorate", &w.IORate); err != nil {
			return err
		}
		if err := setSize(attrs, "sync", &w.SyncEvery); err != nil {
			return err
		}
		if mixAttr, ok := attrs["iomix"]; ok {
			reads, writes, seeks, err := parseIOMix(mixAttr)
			if err != nil {
				return err
			}
			w.Reads, w.Writes, w.Seeks = reads, writes, seeks
		}
	case ClassNet:
		w := registry.Net(ref)
		if addr, ok := attrs["addr"]; ok {
			w.Addr = addr
		}
		if portAttr, ok := attrs["port"]; ok {
			n, err := strconv.Atoi(portAttr)
			if err != nil {
				return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("invalid port %q", portAttr))
			}
			w.Port = n
		}
		if protoAttr, ok := attrs["proto"]; ok {
			switch protoAttr {
			case "tcp":
				w.Proto = NetProtoTCP
			case "udp":
				w.Proto = NetProtoUDP
			default:
				return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("proto must be tcp or udp"))
			}
		}
		if modeAttr, ok := attrs["mode"]; ok {
			switch modeAttr {
			case "r":
				w.Mode = NetModeRead
			case "w":
				w.Mode = NetModeWrite
			default:
				return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("mode must be r or w"))
			}
		}
		if err := setSize(attrs, "pktsize", &w.PktSize); err != nil {
			return err
		}
		if err := setSize(attrs, "iorate", &w.IORate); err != nil {
			return err
		}
	}
	return nil
}

// parseIOMix parses a disk worker's iomix=R/W/S attribute: three
// slash-separated integer ratios resolving to the kernel's
// reads/writes/seeks draw weights (spec §6, §8 S4).
func parseIOMix(v string) (reads, writes, seeks uint64, err error) {
	parts := strings.Split(v, "/")
	if len(parts) != 3 {
		return 0, 0, 0, NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("iomix must be R/W/S, got %q", v))
	}
	vals := make([]uint64, 3)
	for i, p := range parts {
		n, convErr := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if convErr != nil {
			return 0, 0, 0, NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("iomix: %w", convErr))
		}
		vals[i] = n
	}
	return vals[0], vals[1], vals[2], nil
}

func setSize(attrs map[string]string, key string, dst *uint64) error {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	n, err := input.SizeValue(v)
	if err != nil {
		return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("%s: %w", key, err))
	}
	*dst = n
	return nil
}

func setInt(attrs map[string]string, key string, dst *int) error {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return NewCmdError(ErrKindUsage, "wctl", fmt.Errorf("%s: %w", key, err))
	}
	*dst = n
	return nil
}

// cutLast splits s on the last occurrence of sep, for "label=work" members
// whose label itself may legally contain '='-free text but whose work
// value is always the trailing numeric-with-suffix token.
func cutLast(s string, sep byte) (before, after string, found bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// Command is a local alias so dispatch.go reads naturally without a
// qualified input.Command on every signature.
type Command = input.Command
