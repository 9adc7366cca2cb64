package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityTracker_FiresInactivityAfterTimeout(t *testing.T) {
	fired := make(chan ID, 1)
	tracker := NewActivityTracker(15*time.Millisecond, 0, func(id ID) {
		fired <- id
	}, nil)

	tracker.ArmInactivity("k1", 0)

	select {
	case id := <-fired:
		assert.Equal(t, ID("k1"), id)
	case <-time.After(time.Second):
		t.Fatal("expected inactivity callback to fire")
	}
}

func TestActivityTracker_TouchPostponesInactivity(t *testing.T) {
	fired := make(chan ID, 1)
	tracker := NewActivityTracker(30*time.Millisecond, 0, func(id ID) {
		fired <- id
	}, nil)

	tracker.ArmInactivity("k1", 0)
	time.Sleep(20 * time.Millisecond)
	tracker.Touch("k1", 0)

	select {
	case <-fired:
		t.Fatal("inactivity should not have fired yet; touch should have reset it")
	case <-time.After(15 * time.Millisecond):
	}
}

func TestActivityTracker_OngoingExecutionDefersInactivity(t *testing.T) {
	fired := make(chan ID, 1)
	tracker := NewActivityTracker(10*time.Millisecond, 0, func(id ID) {
		fired <- id
	}, nil)

	tracker.BeginExecution("k1", "exec-1", 0)

	select {
	case <-fired:
		t.Fatal("inactivity must not fire while an execution is ongoing")
	case <-time.After(40 * time.Millisecond):
	}

	tracker.EndExecution("k1", "exec-1", 10*time.Millisecond)

	select {
	case id := <-fired:
		assert.Equal(t, ID("k1"), id)
	case <-time.After(time.Second):
		t.Fatal("expected inactivity to fire after the execution ended")
	}
}

func TestActivityTracker_StallWatchdogFires(t *testing.T) {
	stalled := make(chan string, 1)
	tracker := NewActivityTracker(0, 10*time.Millisecond, nil, func(id ID, executionID string) {
		stalled <- executionID
	})

	tracker.BeginExecution("k1", "exec-1", 0)

	select {
	case execID := <-stalled:
		assert.Equal(t, "exec-1", execID)
	case <-time.After(time.Second):
		t.Fatal("expected stall watchdog to fire")
	}
}

func TestActivityTracker_EndExecutionCancelsStallWatchdog(t *testing.T) {
	stalled := make(chan string, 1)
	tracker := NewActivityTracker(0, 20*time.Millisecond, nil, func(id ID, executionID string) {
		stalled <- executionID
	})

	tracker.BeginExecution("k1", "exec-1", 0)
	tracker.EndExecution("k1", "exec-1", 0)

	select {
	case <-stalled:
		t.Fatal("stall watchdog should have been canceled by EndExecution")
	case <-time.After(40 * time.Millisecond):
	}
}

func TestActivityTracker_ExecutionInfoReportsStuckPastMaxExecutionTime(t *testing.T) {
	tracker := NewActivityTracker(0, 0, nil, nil)

	tracker.BeginExecution("k1", "exec-1", 10*time.Millisecond)

	info := tracker.ExecutionInfo("k1")
	assert.Equal(t, 1, info.Count)
	assert.False(t, info.IsStuck)

	time.Sleep(20 * time.Millisecond)

	info = tracker.ExecutionInfo("k1")
	assert.Equal(t, 1, info.Count)
	assert.True(t, info.IsStuck)
	assert.GreaterOrEqual(t, info.LongestRunningMs, int64(20))

	tracker.EndExecution("k1", "exec-1", 0)
	info = tracker.ExecutionInfo("k1")
	assert.Equal(t, 0, info.Count)
	assert.False(t, info.IsStuck)
}

func TestActivityTracker_ForgetStopsAllTimers(t *testing.T) {
	fired := make(chan ID, 1)
	tracker := NewActivityTracker(10*time.Millisecond, 0, func(id ID) {
		fired <- id
	}, nil)

	tracker.ArmInactivity("k1", 0)
	tracker.Forget("k1")

	select {
	case <-fired:
		t.Fatal("forgotten kernel must not fire its inactivity callback")
	case <-time.After(30 * time.Millisecond):
	}

	state := tracker.State("k1")
	require.Equal(t, ID("k1"), state.KernelID)
	assert.Equal(t, 0, state.OngoingCount)
}
