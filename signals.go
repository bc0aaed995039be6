package mantis

import "github.com/zoobzio/capitan"

// Signal constants for engine events. Signals follow the pattern
// <component>.<event>.
const (
	// Worker lifecycle.
	SignalWorkerRegistered capitan.Signal = "worker.registered"
	SignalWorkerReloaded   capitan.Signal = "worker.reloaded"
	SignalWorkerExiting    capitan.Signal = "worker.exiting"
	SignalWorkerReaped     capitan.Signal = "worker.reaped"
	SignalWorkerMissed     capitan.Signal = "worker.missed-deadline"
	SignalWorkerPanicked   capitan.Signal = "worker.panicked"

	// Link graph.
	SignalLinkQueued   capitan.Signal = "link.queued"
	SignalLinkStarted  capitan.Signal = "link.started"
	SignalLinkHandoff  capitan.Signal = "link.handoff"
	SignalLinkRemoved  capitan.Signal = "link.removed"
	SignalLinkKilled   capitan.Signal = "link.killed"
	SignalLinkCollapse capitan.Signal = "link.collapsed"

	// After-dependency manager.
	SignalAfterWaiting  capitan.Signal = "after.waiting"
	SignalAfterResolved capitan.Signal = "after.resolved"
	SignalAfterReady    capitan.Signal = "after.ready"

	// Master loop / mailbox.
	SignalMailboxFull     capitan.Signal = "mailbox.full"
	SignalMailboxDelivered capitan.Signal = "mailbox.delivered"
	SignalMasterExit      capitan.Signal = "master.exit"

	// Reaper.
	SignalReaperEnqueued capitan.Signal = "reaper.enqueued"
	SignalReaperJoined   capitan.Signal = "reaper.joined"

	// Calibrator.
	SignalCalibrateTrial    capitan.Signal = "calibrate.trial"
	SignalCalibrateFailed   capitan.Signal = "calibrate.failed"
	SignalCalibrateLoaded   capitan.Signal = "calibrate.loaded"
	SignalCalibrateSaved    capitan.Signal = "calibrate.saved"
	SignalCalibrateComplete capitan.Signal = "calibrate.complete"

	// Lock manager diagnostics.
	SignalLockOrderViolation capitan.Signal = "lock.order-violation"

	// Kernel-level.
	SignalDiskStall   capitan.Signal = "kernel.disk-stall"
	SignalNetWrongPeer capitan.Signal = "kernel.net-wrong-peer"

	// Command rejection.
	SignalCommandRejected capitan.Signal = "command.rejected"
	SignalInfoRendered    capitan.Signal = "command.info-rendered"
)

// Field keys using capitan primitive types, grouped by the component that
// emits them.
var (
	// Common fields.
	FieldName      = capitan.NewStringKey("name")
	FieldError     = capitan.NewStringKey("error")
	FieldTimestamp = capitan.NewFloat64Key("timestamp")

	// Worker fields.
	FieldWorkerID  = capitan.NewIntKey("wid")
	FieldLabel     = capitan.NewStringKey("label")
	FieldClass     = capitan.NewStringKey("class")
	FieldIndex     = capitan.NewIntKey("index")
	FieldMissed    = capitan.NewIntKey("missed_deadlines")
	FieldTotal     = capitan.NewIntKey("total_deadlines")
	FieldMissedUsecs = capitan.NewIntKey("missed_usecs")

	// Link fields.
	FieldLinkLabel  = capitan.NewStringKey("link")
	FieldLinkWork   = capitan.NewIntKey("link_work")
	FieldRingSize   = capitan.NewIntKey("ring_size")
	FieldWaitTime   = capitan.NewFloat64Key("wait_time")

	// After fields.
	FieldLeaderLabel = capitan.NewStringKey("leader")
	FieldNumAfters   = capitan.NewIntKey("num_afters")

	// Calibrator fields.
	FieldTrial       = capitan.NewIntKey("trial")
	FieldSecondCount = capitan.NewIntKey("second_count")
	FieldPRNGCount   = capitan.NewIntKey("prng_count")

	// Command fields.
	FieldCommand = capitan.NewStringKey("command")
	FieldKind    = capitan.NewStringKey("kind")
	FieldInfo    = capitan.NewStringKey("info")
)
