package kernel

import (
	"context"
	"os"
)

// Op identifies which of the three I/O kinds a disk operation resolved to.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpSeek
)

// Mode is the create-mode for a disk kernel's backing file
// (ModeReadOnly, ModeCreateIfAbsent, ModeOverwrite) and the direction of
// a network kernel (ModeRead, ModeWrite, declared in net.go).
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeCreateIfAbsent
	ModeOverwrite
)

// Disk performs randomized block I/O against a backing file. Each unit
// draws uniformly from the reads+writes+seeks mix and resolves to one
// operation on a random block. Consecutive seeks are tracked the way a
// circuit breaker tracks consecutive failures: once MaxDiskSeeks are
// seen back to back, OnStall fires and the run counter resets, so a
// pathological all-seek mix can't starve reads and writes forever.
type Disk struct {
	Exiting   func() bool
	OnStall   func()
	file      *os.File
	blksize   uint64
	numBlocks uint64
	syncEvery uint64
	reads     uint64
	writes    uint64
	seeks     uint64

	consecutiveSeeks uint64
	sinceSync        uint64

	NumReads  uint64
	NumWrites uint64
	NumSeeks  uint64
}

// NewDisk opens (or creates) the backing file per mode and builds a
// disk kernel over numBlocks blocks of blksize bytes.
func NewDisk(exiting func() bool, path string, blksize, numBlocks uint64, mode Mode, reads, writes, seeks, syncEvery uint64) (*Disk, error) {
	flag := os.O_RDWR
	switch mode {
	case ModeCreateIfAbsent:
		flag |= os.O_CREATE
	case ModeOverwrite:
		flag |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	if size := int64(blksize * numBlocks); mode != ModeReadOnly {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &Disk{
		Exiting:   exiting,
		file:      f,
		blksize:   blksize,
		numBlocks: numBlocks,
		reads:     reads,
		writes:    writes,
		seeks:     seeks,
		syncEvery: syncEvery,
	}, nil
}

// Close releases the backing file.
func (k *Disk) Close() error {
	if k.file == nil {
		return nil
	}
	return k.file.Close()
}

// RunEpoch performs up to units resolved I/O operations.
func (k *Disk) RunEpoch(ctx context.Context, units int) (int, error) {
	buf := make([]byte, k.blksize)
	done := 0
	for done < units {
		if checkExit(ctx, k.Exiting) {
			break
		}

		op := k.resolveOp()
		block := uint64(rng.Int63()) % max1(k.numBlocks)
		offset := int64(block * k.blksize)

		switch op {
		case OpRead:
			k.consecutiveSeeks = 0
			k.file.ReadAt(buf, offset) //nolint:errcheck
			k.NumReads++
		case OpWrite:
			k.consecutiveSeeks = 0
			k.file.WriteAt(buf, offset) //nolint:errcheck
			k.NumWrites++
		case OpSeek:
			k.file.Seek(offset, 0) //nolint:errcheck
			k.NumSeeks++
			k.consecutiveSeeks++
			if k.consecutiveSeeks >= MaxDiskSeeks {
				if k.OnStall != nil {
					k.OnStall()
				}
				k.consecutiveSeeks = 0
			}
		}

		if k.syncEvery > 0 {
			k.sinceSync++
			if k.sinceSync >= k.syncEvery {
				k.file.Sync() //nolint:errcheck
				k.sinceSync = 0
			}
		}

		done++
	}
	return done, nil
}

// resolveOp draws uniformly from the reads+writes+seeks mix.
func (k *Disk) resolveOp() Op {
	total := k.reads + k.writes + k.seeks
	if total == 0 {
		return OpRead
	}
	n := uint64(rng.Int63()) % total
	switch {
	case n < k.reads:
		return OpRead
	case n < k.reads+k.writes:
		return OpWrite
	default:
		return OpSeek
	}
}

func max1(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return n
}
