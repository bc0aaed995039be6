package mantis

import (
	"context"
	"fmt"

	"github.com/zoobzio/capitan"
)

// AfterManager implements the after-dependency precedence constraint: a
// worker named in after=L1,after=L2,... may not start until every named
// predecessor has exited. Up to 8 names per worker; duplicates collapse,
// self-reference is rejected by Register itself, which fails the whole
// command before recording any follower/leader state.
//
// All bookkeeping is guarded by the after lock (LockAfter); AfterManager
// never takes a slot lock itself except the brief one needed to read or
// write a single worker's waiting/leading flags and AfterRemaining
// counter, and always after LockAfter per the global lock order.
type AfterManager struct {
	lm       *LockManager
	registry *Registry

	// followers maps a leader's label to the set of workers waiting on
	// it. Entries are removed as soon as the leader exits.
	followers map[string][]SlotRef

	workersLeading int

	ready chan SlotRef
}

// NewAfterManager builds an after-dependency manager bound to registry.
func NewAfterManager(lm *LockManager, registry *Registry) *AfterManager {
	return &AfterManager{
		lm:        lm,
		registry:  registry,
		followers: make(map[string][]SlotRef),
		ready:     make(chan SlotRef, SlotCapacity*len(concreteClasses)),
	}
}

// Register resolves names against the registry and, for every name that
// still exists, marks that predecessor as leading and records this
// worker as one of its followers. Unresolved names are silently dropped
// (the predecessor may already have exited). A name equal to follower's
// own label is a self-reference and rejects the whole call before any
// follower/leader state is touched, per §4.5 ("self-reference is
// rejected", distinct from the silent-drop rule for unresolved names).
// Returns true if the caller must remain in the Waiting state because at
// least one predecessor is still outstanding; false means the caller may
// proceed straight to Pending.
func (am *AfterManager) Register(ctx context.Context, follower SlotRef, names []string) (bool, error) {
	deduped := dedupeAfters(names)

	selfLabel := am.labelOf(ctx, follower)
	for _, name := range deduped {
		if name == selfLabel {
			return false, NewCmdError(ErrKindUsage, "wctl add", fmt.Errorf("after=%q is a self-reference", name))
		}
	}

	ticket := am.lm.NewTicket()
	ticket.Acquire(ctx, LockAfter)
	defer ticket.Release()

	resolved := 0
	for _, name := range deduped {
		leaderRef, ok := am.registry.FindByLabel(ctx, name)
		if !ok {
			continue
		}
		if leaderRef == follower {
			return false, NewCmdError(ErrKindUsage, "wctl add", fmt.Errorf("after=%q is a self-reference", name))
		}
		am.markLeading(ctx, leaderRef)
		am.followers[name] = append(am.followers[name], follower)
		resolved++
	}

	if resolved == 0 {
		return false, nil
	}

	am.setFollowerState(ctx, follower, resolved)
	capitan.Info(ctx, SignalAfterWaiting,
		FieldClass.Field(follower.Class.String()),
		FieldIndex.Field(follower.Index),
		FieldNumAfters.Field(resolved),
	)
	return true, nil
}

// labelOf reads follower's own label under its slot lock, for the
// self-reference check above.
func (am *AfterManager) labelOf(ctx context.Context, ref SlotRef) string {
	ticket := am.lm.NewTicket()
	ticket.AcquireSlot(ctx, ref)
	defer ticket.Release()
	if c := am.registry.slotCommon(ref); c != nil {
		return c.Label
	}
	return ""
}

func (am *AfterManager) markLeading(ctx context.Context, leaderRef SlotRef) {
	ticket := am.lm.NewTicket()
	ticket.AcquireSlot(ctx, leaderRef)
	defer ticket.Release()

	if c := am.registry.slotCommon(leaderRef); c != nil {
		if !c.leading {
			c.leading = true
			am.workersLeading++
		}
	}
}

func (am *AfterManager) setFollowerState(ctx context.Context, follower SlotRef, numAfters int) {
	ticket := am.lm.NewTicket()
	ticket.AcquireSlot(ctx, follower)
	defer ticket.Release()

	if c := am.registry.slotCommon(follower); c != nil {
		c.waiting = true
		c.afterRemaining = numAfters
	}
}

// OnLeaderExit runs when a leader worker reaches Exiting. It removes
// leaderLabel from every follower that named it; any follower whose
// remaining count reaches zero has its waiting flag cleared and is
// pushed onto the after-ready queue for the master to start.
func (am *AfterManager) OnLeaderExit(ctx context.Context, leaderLabel string) {
	ticket := am.lm.NewTicket()
	ticket.Acquire(ctx, LockAfter)
	followers := am.followers[leaderLabel]
	delete(am.followers, leaderLabel)
	if am.workersLeading > 0 {
		am.workersLeading--
	}
	ticket.Release()

	for _, follower := range followers {
		am.resolveOne(ctx, follower)
	}
}

func (am *AfterManager) resolveOne(ctx context.Context, follower SlotRef) {
	ticket := am.lm.NewTicket()
	ticket.AcquireSlot(ctx, follower)
	c := am.registry.slotCommon(follower)
	if c == nil {
		ticket.Release()
		return
	}
	c.afterRemaining--
	ready := c.afterRemaining <= 0
	if ready {
		c.waiting = false
	}
	ticket.Release()

	if ready {
		capitan.Info(ctx, SignalAfterResolved,
			FieldClass.Field(follower.Class.String()),
			FieldIndex.Field(follower.Index),
		)
		am.ready <- follower
	}
}

// DrainReady returns every worker currently sitting on the after-ready
// queue, for the master's AFTER command to hand to the same
// start-queued-worker path used by add/start.
func (am *AfterManager) DrainReady() []SlotRef {
	var out []SlotRef
	for {
		select {
		case ref := <-am.ready:
			out = append(out, ref)
		default:
			if len(out) > 0 {
				capitan.Info(context.Background(), SignalAfterReady,
					FieldNumAfters.Field(len(out)),
				)
			}
			return out
		}
	}
}

// dedupeAfters collapses duplicate names while preserving first-seen
// order, and caps the result at 8 entries per the command surface.
func dedupeAfters(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		if len(out) == 8 {
			break
		}
	}
	return out
}
