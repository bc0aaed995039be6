package kernel

import "context"

// CPU burns units integer-increment iterations per epoch. It never
// fails; the only way it stops early is Exiting or ctx cancellation.
type CPU struct {
	Exiting func() bool

	acc uint64
}

// NewCPU builds a CPU-burn kernel bound to an exiting-flag check.
func NewCPU(exiting func() bool) *CPU {
	return &CPU{Exiting: exiting}
}

// RunEpoch performs up to units plain-loop iterations.
func (k *CPU) RunEpoch(ctx context.Context, units int) (int, error) {
	done := 0
	for done < units {
		if checkExit(ctx, k.Exiting) {
			break
		}
		k.acc++
		done++
	}
	return done, nil
}
