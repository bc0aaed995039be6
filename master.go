package mantis

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
)

// MailCmd is the single command slot a Mailbox can hold.
type MailCmd int

const (
	CmdFree MailCmd = iota
	CmdInput
	CmdAfter
	CmdExit
)

// Mailbox holds one command at a time for the master loop: FREE, INPUT,
// AFTER, or EXIT, plus a text payload. Producers follow a broadcast-on-
// busy protocol so no command is ever lost, even with multiple producers
// racing the master's own wake-up.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cmd     MailCmd
	payload string
}

// NewMailbox builds an empty, FREE mailbox.
func NewMailbox() *Mailbox {
	mb := &Mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// Send delivers cmd+payload to the master. If the mailbox is busy, Send
// broadcasts (in case it arrived just as the master woke up and found
// FREE) and re-waits rather than overwriting or dropping the command.
func (mb *Mailbox) Send(cmd MailCmd, payload string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for mb.cmd != CmdFree {
		mb.cond.Broadcast()
		mb.cond.Wait()
	}
	mb.cmd = cmd
	mb.payload = payload
	mb.cond.Signal()
}

// DispatchFunc parses and executes one INPUT command's payload against
// the registry and link graph. Errors are logged, never propagated to
// the sender — the master degrades a single bad command, not itself.
type DispatchFunc func(ctx context.Context, payload string) error

// StartQueuedFunc launches a worker that has just become eligible to
// run, whether via wctl start, link start, or an after-dependency
// resolving. It is the one path every "make this worker go" trigger
// funnels through.
type StartQueuedFunc func(ctx context.Context, ref SlotRef)

// Master is the single consumer of the command mailbox. It holds the
// mailbox's own mutex for the full duration of each command, which is
// what makes "only one INPUT/AFTER executes at a time" true by
// construction. That mutex belongs to the Mailbox; it is not the lock
// manager's LockMaster, and no Ticket records it.
type Master struct {
	mailbox     *Mailbox
	afterMgr    *AfterManager
	dispatch    DispatchFunc
	startQueued StartQueuedFunc
}

// NewMaster builds a master loop bound to mailbox, the after-dependency
// manager, and the two callbacks that do the actual work: dispatch for
// INPUT payloads, startQueued for workers the after-ready queue frees up.
func NewMaster(mailbox *Mailbox, afterMgr *AfterManager, dispatch DispatchFunc, startQueued StartQueuedFunc) *Master {
	return &Master{mailbox: mailbox, afterMgr: afterMgr, dispatch: dispatch, startQueued: startQueued}
}

// Run is the master loop. It returns when it processes CmdExit.
func (m *Master) Run(ctx context.Context) {
	m.mailbox.mu.Lock()
	defer m.mailbox.mu.Unlock()

	for {
		m.mailbox.cond.Broadcast()
		for m.mailbox.cmd == CmdFree {
			m.mailbox.cond.Wait()
		}

		cmd := m.mailbox.cmd
		payload := m.mailbox.payload

		switch cmd {
		case CmdInput:
			if err := m.dispatch(ctx, payload); err != nil {
				capitan.Warn(ctx, SignalCommandRejected,
					FieldCommand.Field(payload),
					FieldError.Field(err.Error()),
				)
			}
		case CmdAfter:
			for _, ref := range m.afterMgr.DrainReady() {
				m.startQueued(ctx, ref)
			}
		case CmdExit:
			m.mailbox.cmd = CmdFree
			m.mailbox.payload = ""
			capitan.Info(ctx, SignalMasterExit)
			return
		}

		m.mailbox.cmd = CmdFree
		m.mailbox.payload = ""
	}
}
