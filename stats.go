package mantis

import (
	"context"
	"time"
)

// Stats is the small struct guarded by LockStats (§4.6), updated when a
// worker registers and when it exits; Snapshot copies the totals in one
// consistent view. The info command renders per-worker snapshots only
// and does not include these totals.
type Stats struct {
	lm *LockManager

	WorkersRegistered uint64
	WorkersReaped     uint64
	TotalMissed       uint64
	TotalMissedUsecs  uint64
	TotalDeadlines    uint64
}

// NewStats builds an empty Stats bound to lm for its lock ordering.
func NewStats(lm *LockManager) *Stats {
	return &Stats{lm: lm}
}

// RecordRegistered increments the lifetime worker-registration count.
func (s *Stats) RecordRegistered(ctx context.Context) {
	ticket := s.lm.NewTicket()
	ticket.Acquire(ctx, LockStats)
	defer ticket.Release()
	s.WorkersRegistered++
}

// RecordReaped folds a worker's final deadline counters into the
// aggregate totals as it's handed to the reaper.
func (s *Stats) RecordReaped(ctx context.Context, missed, missedUsecs, total uint64) {
	ticket := s.lm.NewTicket()
	ticket.Acquire(ctx, LockStats)
	defer ticket.Release()
	s.WorkersReaped++
	s.TotalMissed += missed
	s.TotalMissedUsecs += missedUsecs
	s.TotalDeadlines += total
}

// AggregateSnapshot is a point-in-time, lock-consistent copy of the aggregate counters.
type AggregateSnapshot struct {
	WorkersRegistered uint64
	WorkersReaped     uint64
	TotalMissed       uint64
	TotalMissedUsecs  uint64
	TotalDeadlines    uint64
}

// Snapshot takes LockStats just long enough to copy out every field at once.
func (s *Stats) Snapshot(ctx context.Context) AggregateSnapshot {
	ticket := s.lm.NewTicket()
	ticket.Acquire(ctx, LockStats)
	defer ticket.Release()
	return AggregateSnapshot{
		WorkersRegistered: s.WorkersRegistered,
		WorkersReaped:     s.WorkersReaped,
		TotalMissed:       s.TotalMissed,
		TotalMissedUsecs:  s.TotalMissedUsecs,
		TotalDeadlines:    s.TotalDeadlines,
	}
}

// BuildSnapshot reads ref's slot under its own slot lock and returns the
// JSON-ready view the info command renders. Reading every field under
// the one lock is what gives "info" a consistent view of a worker that
// other goroutines are concurrently running. detail selects the §6
// detail level: 0 renders only the shared fields, 1 also attaches the
// class-specific Detail payload.
func BuildSnapshot(ctx context.Context, registry *Registry, ref SlotRef, detail int) (Snapshot, bool) {
	ticket := registry.lm.NewTicket()
	ticket.AcquireSlot(ctx, ref)
	defer ticket.Release()

	switch ref.Class {
	case ClassCPU:
		w := registry.CPU(ref)
		if w == nil {
			return Snapshot{}, false
		}
		return snapshotFromCommon(&w.Common, detailPayload(detail, CPUDetail{
			PercentCPU: w.PercentCPU,
			Burn:       w.Burn,
			TotalWork:  w.TotalWork,
		})), true
	case ClassMem:
		w := registry.Mem(ref)
		if w == nil {
			return Snapshot{}, false
		}
		return snapshotFromCommon(&w.Common, detailPayload(detail, MemDetail{
			TotalRAM:   w.TotalRAM,
			WorkingRAM: w.WorkingRAM,
			BlockSize:  w.BlockSize,
			IORate:     w.IORate,
			Stride:     w.Stride,
			NTBlocks:   w.NTBlocks,
			NWBlocks:   w.NWBlocks,
		})), true
	case ClassDisk:
		w := registry.Disk(ref)
		if w == nil {
			return Snapshot{}, false
		}
		return snapshotFromCommon(&w.Common, detailPayload(detail, DiskDetail{
			Path:      w.Path,
			BlockSize: w.BlockSize,
			NumBlocks: w.NumBlocks,
			Mode:      w.Mode.String(),
			IORate:    w.IORate,
			SyncEvery: w.SyncEvery,
			Reads:     w.Reads,
			Writes:    w.Writes,
			Seeks:     w.Seeks,
			NumReads:  w.NumReads,
			NumWrites: w.NumWrites,
			NumSeeks:  w.NumSeeks,
		})), true
	case ClassNet:
		w := registry.Net(ref)
		if w == nil {
			return Snapshot{}, false
		}
		return snapshotFromCommon(&w.Common, detailPayload(detail, NetDetail{
			Addr:    w.Addr,
			Port:    w.Port,
			Proto:   w.Proto.String(),
			Mode:    w.Mode.String(),
			PktSize: w.PktSize,
			IORate:  w.IORate,
			Bytes:   w.Bytes,
			Usecs:   w.Usecs,
		})), true
	default:
		return Snapshot{}, false
	}
}

// detailPayload renders v's JSON encoding when detail >= 1, or nil at
// detail 0 so Snapshot.Detail is omitted entirely.
func detailPayload(detail int, v interface{}) []byte {
	if detail < 1 {
		return nil
	}
	return detailJSON(v)
}

func snapshotFromCommon(c *Common, detail []byte) Snapshot {
	return Snapshot{
		WID:            c.WID,
		Label:          c.Label,
		Class:          c.Class.String(),
		Index:          c.Index,
		State:          c.State(),
		StartTime:      timeToUnix(c.StartTime),
		ModTime:        timeToUnix(c.ModTime),
		ExecTime:       c.ExecTime.Seconds(),
		MaxWork:        c.MaxWork,
		Afters:         append([]string(nil), c.Afters...),
		Linked:         c.linked,
		LinkLabel:      c.LinkLabel,
		MissedDeadline: c.stats.missedDeadlines,
		TotalDeadlines: c.stats.totalDeadlines,
		MissedUsecs:    c.stats.missedUsecs,
		Detail:         detail,
	}
}

func timeToUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
