package kernel

import "context"

// Mem walks a working set of nwblks blocks of blksize bytes, advancing
// sequentially except every stride-th step, when it jumps to a
// uniformly random block. Each step writes one byte at the block's
// start to force the page into residency — the whole point of the
// kernel is to touch real memory, not just count it.
type Mem struct {
	Exiting   func() bool
	Buffer    []byte
	BlockSize uint64
	NWBlocks  uint64
	Stride    uint64

	pos  uint64
	step uint64
}

// NewMem builds a memory-walk kernel over a freshly allocated working
// set of nwblks*blksize bytes.
func NewMem(exiting func() bool, blksize, nwblks, stride uint64) *Mem {
	if nwblks == 0 {
		nwblks = 1
	}
	return &Mem{
		Exiting:   exiting,
		Buffer:    make([]byte, blksize*nwblks),
		BlockSize: blksize,
		NWBlocks:  nwblks,
		Stride:    stride,
	}
}

// RunEpoch performs up to units block touches.
func (k *Mem) RunEpoch(ctx context.Context, units int) (int, error) {
	done := 0
	for done < units {
		if checkExit(ctx, k.Exiting) {
			break
		}

		k.step++
		if k.Stride > 0 && k.step%k.Stride == 0 {
			k.pos = uint64(rng.Int63()) % k.NWBlocks
		} else {
			k.pos = (k.pos + 1) % k.NWBlocks
		}

		offset := k.pos * k.BlockSize
		if offset < uint64(len(k.Buffer)) {
			k.Buffer[offset] = byte(k.step)
		}
		done++
	}
	return done, nil
}
