package mantis

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// MaxLinks is the maximum number of simultaneously defined link rings.
const MaxLinks = 16

// MaxLinkMembers is the maximum number of workers in one link ring.
const MaxLinkMembers = 16

// Link is a named ring of workers that cooperatively produce a sustained
// rate by handing a token between them in order.
type Link struct {
	Label   string
	Members []SlotRef // ring order
	Works   []uint64  // bytes-of-work member i completes before handoff
}

// LinkGraph owns every defined link. All structural changes — insert,
// start, remove — take the link lock (LockLink) for their entire
// duration, plus the ordered batch of affected member slot locks.
type LinkGraph struct {
	lm       *LockManager
	registry *Registry
	clock    clockz.Clock

	links map[string]*Link
}

// NewLinkGraph builds an empty link graph bound to registry.
func NewLinkGraph(lm *LockManager, registry *Registry) *LinkGraph {
	return &LinkGraph{lm: lm, registry: registry, links: make(map[string]*Link)}
}

// WithClock sets a custom clock for testing; mirrors EpochLoop.WithClock.
func (lg *LinkGraph) WithClock(clock clockz.Clock) *LinkGraph {
	lg.clock = clock
	return lg
}

func (lg *LinkGraph) getClock() clockz.Clock {
	if lg.clock == nil {
		return clockz.RealClock
	}
	return lg.clock
}

// Insert validates and installs a new link ring. members is given in the
// order the command listed them ("w1=n1,w2=n2,..."); every name must
// resolve to a distinct, used, not-pending, not-running, not-already-
// linked slot. On success prev/next are filled in to close the ring and
// every member is marked linked.
//
// This locks all four class locks for the entire operation (any member
// could belong to any class), then the member slots via the ordered
// batch primitive — matching the "global change" characterization in
// the link insert contract.
func (lg *LinkGraph) Insert(ctx context.Context, label string, members []string, works []uint64) error {
	if label == "" {
		return NewCmdError(ErrKindUsage, "link queue", fmt.Errorf("label required"))
	}
	if len(members) == 0 || len(members) > MaxLinkMembers {
		return NewCmdError(ErrKindUsage, "link queue", fmt.Errorf("link must have 1-%d members", MaxLinkMembers))
	}

	ticket := lg.lm.NewTicket()
	ticket.Acquire(ctx, LockLink)
	for _, c := range concreteClasses {
		ticket.AcquireClass(ctx, c)
	}
	defer ticket.Release()

	if _, exists := lg.links[label]; exists {
		return NewCmdError(ErrKindUsage, "link queue", fmt.Errorf("link %q already exists", label))
	}
	if len(lg.links) >= MaxLinks {
		return NewCmdError(ErrKindSlotExhausted, "link queue", fmt.Errorf("no free link slot"))
	}

	refs := make([]SlotRef, len(members))
	seen := make(map[SlotRef]bool, len(members))
	for i, name := range members {
		ref, ok := lg.registry.FindByLabel(ctx, name)
		if !ok {
			return NewCmdError(ErrKindUsage, "link queue", fmt.Errorf("no worker labeled %q", name))
		}
		if seen[ref] {
			return NewCmdError(ErrKindUsage, "link queue", fmt.Errorf("worker %q listed twice", name))
		}
		seen[ref] = true
		refs[i] = ref
	}

	ticket.AcquireSlots(ctx, refs...)

	for _, ref := range refs {
		c := lg.registry.slotCommon(ref)
		if c == nil || !c.used || c.pending || c.running || c.linked {
			return NewCmdError(ErrKindResourceValidation, "link queue",
				fmt.Errorf("worker %s[%d] is not eligible to join a link", ref.Class, ref.Index))
		}
	}

	n := len(refs)
	for i, ref := range refs {
		c := lg.registry.slotCommon(ref)
		c.linked = true
		c.LinkLabel = label
		c.LinkWork = works[i]
		c.Prev = refs[(i-1+n)%n]
		c.Next = refs[(i+1)%n]
	}

	lg.links[label] = &Link{Label: label, Members: refs, Works: works}

	capitan.Info(ctx, SignalLinkQueued,
		FieldLinkLabel.Field(label),
		FieldRingSize.Field(n),
	)
	return nil
}

// Start tags every non-first member linkwait, tags all members pending,
// and returns the members in reverse ring order — the order the caller
// must launch worker goroutines in, so the first member's work never
// outraces the next.
func (lg *LinkGraph) Start(ctx context.Context, label string) ([]SlotRef, error) {
	ticket := lg.lm.NewTicket()
	ticket.Acquire(ctx, LockLink)
	link, ok := lg.links[label]
	if !ok {
		ticket.Release()
		return nil, NewCmdError(ErrKindUsage, "link start", fmt.Errorf("no such link %q", label))
	}
	members := append([]SlotRef(nil), link.Members...)
	ticket.AcquireSlots(ctx, members...)
	defer ticket.Release()

	for i, ref := range members {
		c := lg.registry.slotCommon(ref)
		c.pending = true
		c.linkwait = i != 0
	}

	capitan.Info(ctx, SignalLinkStarted,
		FieldLinkLabel.Field(label),
		FieldRingSize.Field(len(members)),
	)

	reversed := make([]SlotRef, len(members))
	for i, ref := range members {
		reversed[len(members)-1-i] = ref
	}
	return reversed, nil
}

// handoffAborted is returned by Handoff when the ring collapsed
// concurrently with the call: the worker should continue running,
// unlinked, rather than wait for a partner that no longer exists.
type handoffAborted struct{}

func (handoffAborted) Error() string { return "link collapsed during handoff" }

// Handoff runs the token hand-off protocol for self when its quantum
// expires. epochsPerLink resets self's epoch budget for the next
// segment. It returns the time spent waiting for the next member to
// take the token, which the caller folds back into its own deadline
// clock so waits are never billed as missed deadlines.
func (lg *LinkGraph) Handoff(ctx context.Context, self SlotRef, epochsPerLink float64) (time.Duration, error) {
	start := lg.getClock().Now()

	ticket := lg.lm.NewTicket()
	ticket.Acquire(ctx, LockLink)

	selfCommon := lg.registry.slotCommon(self)
	if selfCommon == nil {
		ticket.Release()
		return 0, handoffAborted{}
	}

	next := selfCommon.Next
	if !next.Valid {
		ticket.Release()
		selfCommon.Lock().Lock()
		selfCommon.linked = false
		selfCommon.Lock().Unlock()
		return 0, handoffAborted{}
	}

	ticket.AcquireSlots(ctx, self, next)
	nextCommon := lg.registry.slotCommon(next)

	selfCommon.linkwait = true
	if nextCommon != nil {
		nextCommon.linkwait = false
		nextCommon.Cond().Signal()
	}
	ticket.Release()

	capitan.Info(ctx, SignalLinkHandoff,
		FieldClass.Field(self.Class.String()),
		FieldIndex.Field(self.Index),
	)

	selfCommon.Lock().Lock()
	for selfCommon.linkwait && !selfCommon.exiting {
		selfCommon.Cond().Wait()
	}
	selfCommon.currEpochs += epochsPerLink
	selfCommon.targetEpochs = int64(selfCommon.currEpochs)
	selfCommon.Lock().Unlock()

	return lg.getClock().Now().Sub(start), nil
}

// Remove splices ref out of its ring. When one member or none remains,
// the link record is deleted; a sole remaining member has its prev/next
// nulled, its linkwait cleared, and is left unlinked.
func (lg *LinkGraph) Remove(ctx context.Context, ref SlotRef) {
	ticket := lg.lm.NewTicket()
	ticket.Acquire(ctx, LockLink)
	defer ticket.Release()

	self := lg.registry.slotCommon(ref)
	if self == nil || self.LinkLabel == "" {
		return
	}
	label := self.LinkLabel
	link := lg.links[label]

	prev, next := self.Prev, self.Next

	if prev == next && prev == ref {
		// Sole remaining member: nothing to splice.
	} else if prev.Valid && next.Valid {
		ticket.AcquireSlots(ctx, prev, next)
		prevCommon := lg.registry.slotCommon(prev)
		nextCommon := lg.registry.slotCommon(next)
		if prevCommon != nil {
			prevCommon.Next = next
		}
		if nextCommon != nil {
			nextCommon.Prev = prev
			nextCommon.linkwait = false
			nextCommon.Cond().Signal()
		}
	}

	self.linked = false
	self.LinkLabel = ""
	self.Prev = SlotRef{}
	self.Next = SlotRef{}

	if link != nil {
		link.Members = removeMember(link.Members, ref)
		if len(link.Members) <= 1 {
			if len(link.Members) == 1 {
				sole := lg.registry.slotCommon(link.Members[0])
				if sole != nil {
					sole.Prev = SlotRef{}
					sole.Next = SlotRef{}
					sole.linkwait = false
					sole.linked = false
					sole.LinkLabel = ""
				}
				capitan.Info(ctx, SignalLinkCollapse, FieldLinkLabel.Field(label))
			}
			delete(lg.links, label)
		}
	}

	capitan.Info(ctx, SignalLinkRemoved,
		FieldLinkLabel.Field(label),
		FieldClass.Field(ref.Class.String()),
		FieldIndex.Field(ref.Index),
	)
}

// Kill requests every member of label to exit, in reverse ring order.
func (lg *LinkGraph) Kill(ctx context.Context, label string) error {
	ticket := lg.lm.NewTicket()
	ticket.Acquire(ctx, LockLink)
	link, ok := lg.links[label]
	if !ok {
		ticket.Release()
		return NewCmdError(ErrKindUsage, "link del", fmt.Errorf("no such link %q", label))
	}
	members := append([]SlotRef(nil), link.Members...)
	ticket.Release()

	for i := len(members) - 1; i >= 0; i-- {
		ref := members[i]
		lg.lm.locker.SlotMutex(ref).Lock()
		if c := lg.registry.slotCommon(ref); c != nil {
			c.exiting = true
			c.Cond().Broadcast()
		}
		lg.lm.locker.SlotMutex(ref).Unlock()
	}

	capitan.Info(ctx, SignalLinkKilled, FieldLinkLabel.Field(label))
	return nil
}

func removeMember(members []SlotRef, ref SlotRef) []SlotRef {
	out := make([]SlotRef, 0, len(members))
	for _, m := range members {
		if m != ref {
			out = append(out, m)
		}
	}
	return out
}
