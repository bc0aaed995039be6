package mantis

import "testing"

// TestSignalsInitialized verifies all signals are properly initialized.
// This file tests declaration-only code in signals.go.
func TestSignalsInitialized(t *testing.T) {
	signals := []struct {
		name   string
		signal any
	}{
		{"WorkerRegistered", SignalWorkerRegistered},
		{"WorkerReloaded", SignalWorkerReloaded},
		{"WorkerExiting", SignalWorkerExiting},
		{"WorkerReaped", SignalWorkerReaped},
		{"WorkerMissed", SignalWorkerMissed},
		{"WorkerPanicked", SignalWorkerPanicked},
		{"LinkQueued", SignalLinkQueued},
		{"LinkStarted", SignalLinkStarted},
		{"LinkHandoff", SignalLinkHandoff},
		{"LinkRemoved", SignalLinkRemoved},
		{"LinkKilled", SignalLinkKilled},
		{"LinkCollapse", SignalLinkCollapse},
		{"AfterWaiting", SignalAfterWaiting},
		{"AfterResolved", SignalAfterResolved},
		{"AfterReady", SignalAfterReady},
		{"MailboxFull", SignalMailboxFull},
		{"MailboxDelivered", SignalMailboxDelivered},
		{"MasterExit", SignalMasterExit},
		{"ReaperEnqueued", SignalReaperEnqueued},
		{"ReaperJoined", SignalReaperJoined},
		{"CalibrateTrial", SignalCalibrateTrial},
		{"CalibrateFailed", SignalCalibrateFailed},
		{"CalibrateLoaded", SignalCalibrateLoaded},
		{"CalibrateSaved", SignalCalibrateSaved},
		{"CalibrateComplete", SignalCalibrateComplete},
		{"LockOrderViolation", SignalLockOrderViolation},
		{"DiskStall", SignalDiskStall},
		{"NetWrongPeer", SignalNetWrongPeer},
		{"CommandRejected", SignalCommandRejected},
		{"InfoRendered", SignalInfoRendered},
	}

	for _, s := range signals {
		if s.signal == nil {
			t.Errorf("Signal %s is nil", s.name)
		}
	}
}

// TestFieldKeysInitialized verifies all field keys are properly initialized.
func TestFieldKeysInitialized(t *testing.T) {
	fields := []struct {
		name string
		key  any
	}{
		{"Name", FieldName},
		{"Error", FieldError},
		{"Timestamp", FieldTimestamp},
		{"WorkerID", FieldWorkerID},
		{"Label", FieldLabel},
		{"Class", FieldClass},
		{"Index", FieldIndex},
		{"Missed", FieldMissed},
		{"Total", FieldTotal},
		{"MissedUsecs", FieldMissedUsecs},
		{"LinkLabel", FieldLinkLabel},
		{"LinkWork", FieldLinkWork},
		{"RingSize", FieldRingSize},
		{"WaitTime", FieldWaitTime},
		{"LeaderLabel", FieldLeaderLabel},
		{"NumAfters", FieldNumAfters},
		{"Trial", FieldTrial},
		{"SecondCount", FieldSecondCount},
		{"PRNGCount", FieldPRNGCount},
		{"Command", FieldCommand},
		{"Kind", FieldKind},
		{"Info", FieldInfo},
	}

	for _, f := range fields {
		if f.key == nil {
			t.Errorf("Field key %s is nil", f.name)
		}
	}
}
