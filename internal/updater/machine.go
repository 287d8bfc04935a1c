package updater

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Run states
const (
	StateIdle             = "idle"
	StateCheckingManifest = "checking_manifest"
	StateNoUpdateNeeded   = "no_update_needed"
	StateDeltaAttempt     = "delta_attempt"
	StateFullDownload     = "full_download"
	StateVerifying        = "verifying"
	StateCommitting       = "committing"
	StateRestartPending   = "restart_pending"
	StateFailed           = "failed"
	StateCleanupTemp      = "cleanup_temp"
)

// Run events
const (
	EventCheck        = "check"
	EventUpToDate     = "up_to_date"
	EventTryDelta     = "try_delta"
	EventDownloadFull = "download_full"
	EventVerify       = "verify"
	EventCommit       = "commit"
	EventCommitted    = "committed"
	EventFail         = "fail"
	EventCleanup      = "cleanup"
	EventReset        = "reset"
)

var transitions = fsm.Events{
	{Name: EventCheck, Src: []string{StateIdle}, Dst: StateCheckingManifest},
	{Name: EventUpToDate, Src: []string{StateCheckingManifest}, Dst: StateNoUpdateNeeded},
	{Name: EventTryDelta, Src: []string{StateCheckingManifest}, Dst: StateDeltaAttempt},
	{Name: EventDownloadFull, Src: []string{StateCheckingManifest, StateDeltaAttempt, StateVerifying}, Dst: StateFullDownload},
	{Name: EventVerify, Src: []string{StateDeltaAttempt, StateFullDownload}, Dst: StateVerifying},
	{Name: EventCommit, Src: []string{StateVerifying}, Dst: StateCommitting},
	{Name: EventCommitted, Src: []string{StateCommitting}, Dst: StateRestartPending},
	{Name: EventFail, Src: []string{
		StateCheckingManifest, StateDeltaAttempt, StateFullDownload, StateVerifying, StateCommitting,
	}, Dst: StateFailed},
	{Name: EventCleanup, Src: []string{StateFailed}, Dst: StateCleanupTemp},
	{Name: EventReset, Src: []string{StateCleanupTemp, StateNoUpdateNeeded, StateRestartPending}, Dst: StateIdle},
}

// newMachine builds the state machine for one run. onEnter sees every state entered.
func newMachine(onEnter func(from, to, event string)) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		transitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e.Src, e.Dst, e.Event)
			},
		},
	)
}

// fire moves the machine along. Transitions are bookkeeping only, so they are never
// skipped because the run's context was cancelled.
func fire(ctx context.Context, m *fsm.FSM, event string) error {
	if err := m.Event(context.WithoutCancel(ctx), event); err != nil {
		return fmt.Errorf("state machine: %s from %s: %w", event, m.Current(), err)
	}
	return nil
}
