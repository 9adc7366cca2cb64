package kernel

import (
	"sync"
	"time"
)

// StallWatchdog is invoked when an execution has run longer than its
// stall timeout without completing.
type StallWatchdog func(kernelID ID, executionID string)

// InactivityCallback is invoked when a kernel has had no activity for its
// configured inactivity timeout.
type InactivityCallback func(kernelID ID)

// ongoingExecution tracks one in-flight execution's stall watchdog and
// start time, so executionInfo can report per-kernel stuck detection
// against that execution's own max-execution-time override.
type ongoingExecution struct {
	timer            *time.Timer
	started          time.Time
	maxExecutionTime time.Duration
}

// activityEntry is the per-kernel bookkeeping record.
type activityEntry struct {
	mu              sync.Mutex
	lastActivity    time.Time
	inactivityTimer *time.Timer
	ongoing         map[string]*ongoingExecution
}

// ActivityTracker watches per-kernel activity to drive inactivity
// eviction and stalled-execution detection. Timer callbacks run on their
// own goroutine and never hold the tracker's lock while invoking a
// caller-supplied callback, so a slow callback cannot wedge other
// kernels' bookkeeping.
type ActivityTracker struct {
	mu      sync.Mutex
	entries map[ID]*activityEntry

	inactivityTimeout time.Duration
	stallTimeout      time.Duration
	onInactive        InactivityCallback
	onStall           StallWatchdog
}

// NewActivityTracker constructs a tracker with the given default
// inactivity and per-execution stall timeouts.
func NewActivityTracker(inactivityTimeout, stallTimeout time.Duration, onInactive InactivityCallback, onStall StallWatchdog) *ActivityTracker {
	return &ActivityTracker{
		entries:           make(map[ID]*activityEntry),
		inactivityTimeout: inactivityTimeout,
		stallTimeout:      stallTimeout,
		onInactive:        onInactive,
		onStall:           onStall,
	}
}

func (t *ActivityTracker) entryFor(id ID) *activityEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &activityEntry{lastActivity: time.Now(), ongoing: make(map[string]*ongoingExecution)}
		t.entries[id] = e
	}
	return e
}

// Touch records activity on kernelID and resets its inactivity timer.
func (t *ActivityTracker) Touch(id ID, timeout time.Duration) {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = time.Now()
	t.rearmLocked(id, e, timeout)
}

// ArmInactivity (re)starts the inactivity timer for kernelID using
// timeout, or the tracker default if timeout is zero.
func (t *ActivityTracker) ArmInactivity(id ID, timeout time.Duration) {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	t.rearmLocked(id, e, timeout)
}

func (t *ActivityTracker) rearmLocked(id ID, e *activityEntry, timeout time.Duration) {
	if timeout <= 0 {
		timeout = t.inactivityTimeout
	}
	if timeout <= 0 {
		return
	}
	if e.inactivityTimer != nil {
		e.inactivityTimer.Stop()
	}
	e.inactivityTimer = time.AfterFunc(timeout, func() {
		e.mu.Lock()
		stillIdle := len(e.ongoing) == 0
		e.mu.Unlock()
		if stillIdle && t.onInactive != nil {
			t.onInactive(id)
		}
	})
}

// BeginExecution records executionID as in flight on kernelID and arms a
// stall watchdog for it. maxExecutionTime overrides the tracker's default
// stall timeout for this execution only; zero means "use the tracker
// default." Inactivity eviction is implicitly deferred: the inactivity
// timer check in rearmLocked's callback only fires when ongoing is empty.
func (t *ActivityTracker) BeginExecution(id ID, executionID string, maxExecutionTime time.Duration) {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = time.Now()
	if e.inactivityTimer != nil {
		e.inactivityTimer.Stop()
	}
	effective := maxExecutionTime
	if effective <= 0 {
		effective = t.stallTimeout
	}
	oe := &ongoingExecution{started: time.Now(), maxExecutionTime: effective}
	if effective > 0 && t.onStall != nil {
		oe.timer = time.AfterFunc(effective, func() {
			t.onStall(id, executionID)
		})
	}
	e.ongoing[executionID] = oe
}

// EndExecution marks executionID complete on kernelID, cancels its stall
// watchdog, and re-arms the inactivity timer once no executions remain.
func (t *ActivityTracker) EndExecution(id ID, executionID string, timeout time.Duration) {
	e := t.entryFor(id)
	e.mu.Lock()
	if oe, ok := e.ongoing[executionID]; ok {
		if oe.timer != nil {
			oe.timer.Stop()
		}
		delete(e.ongoing, executionID)
	}
	e.lastActivity = time.Now()
	empty := len(e.ongoing) == 0
	e.mu.Unlock()

	if empty {
		t.ArmInactivity(id, timeout)
	}
}

// ExecutionInfo reports how many executions are in flight on id, the
// longest-running one's elapsed time, and whether any of them has
// exceeded its own max-execution-time threshold.
func (t *ActivityTracker) ExecutionInfo(id ID) ExecutionInfo {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	info := ExecutionInfo{Count: len(e.ongoing)}
	for _, oe := range e.ongoing {
		elapsed := now.Sub(oe.started)
		ms := elapsed.Milliseconds()
		if ms > info.LongestRunningMs {
			info.LongestRunningMs = ms
		}
		if oe.maxExecutionTime > 0 && elapsed > oe.maxExecutionTime {
			info.IsStuck = true
		}
	}
	return info
}

// State returns a snapshot of kernelID's activity bookkeeping.
func (t *ActivityTracker) State(id ID) ActivityState {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return ActivityState{
		KernelID:        id,
		LastActivity:    e.lastActivity,
		OngoingCount:    len(e.ongoing),
		InactiveForLong: t.inactivityTimeout > 0 && time.Since(e.lastActivity) > t.inactivityTimeout,
	}
}

// Forget discards all bookkeeping for kernelID, stopping its timers.
func (t *ActivityTracker) Forget(id ID) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inactivityTimer != nil {
		e.inactivityTimer.Stop()
	}
	for _, oe := range e.ongoing {
		if oe.timer != nil {
			oe.timer.Stop()
		}
	}
}
