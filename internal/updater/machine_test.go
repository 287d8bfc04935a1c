package updater

import (
	"context"
	"testing"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineFallbackPath(t *testing.T) {
	var entered []string
	m := newMachine(func(_, to, _ string) { entered = append(entered, to) })
	ctx := context.Background()

	for _, e := range []string{EventCheck, EventTryDelta, EventVerify, EventDownloadFull, EventVerify, EventCommit, EventCommitted, EventReset} {
		require.NoError(t, fire(ctx, m, e), e)
	}
	assert.Equal(t, []string{
		StateCheckingManifest, StateDeltaAttempt, StateVerifying, StateFullDownload, StateVerifying,
		StateCommitting, StateRestartPending, StateIdle,
	}, entered)
}

func TestMachineRejectsInvalidEvents(t *testing.T) {
	m := newMachine(func(_, _, _ string) {})
	ctx := context.Background()

	err := fire(ctx, m, EventCommit)
	var invalid fsm.InvalidEventError
	assert.ErrorAs(t, err, &invalid)
	assert.Error(t, fire(ctx, m, EventFail))

	require.NoError(t, fire(ctx, m, EventCheck))
	require.NoError(t, fire(ctx, m, EventFail))
	assert.Error(t, fire(ctx, m, EventReset))
	require.NoError(t, fire(ctx, m, EventCleanup))
	require.NoError(t, fire(ctx, m, EventReset))
	assert.Equal(t, StateIdle, m.Current())
}

func TestMachineIgnoresCancelledContext(t *testing.T) {
	m := newMachine(func(_, _, _ string) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, fire(ctx, m, EventCheck))
	require.NoError(t, fire(ctx, m, EventFail))
	assert.Equal(t, StateFailed, m.Current())
}

func TestRestarters(t *testing.T) {
	assert.NoError(t, LogRestarter{}.Restart(context.Background(), "1.0.0"))
	assert.Error(t, CommandRestarter{}.Restart(context.Background(), "1.0.0"))
}
