package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.AllowedTypes == nil {
		cfg.AllowedTypes = []AllowedType{{Mode: ModeInProcess, Language: LanguagePython}}
	}
	return NewManager(context.Background(), cfg)
}

// S1: allow-list enforcement — creating a kernel of a type not listed in
// AllowedTypes must fail with KernelTypeNotAllowed, and must not register
// anything under its ID.
func TestCreate_RejectsDisallowedType(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	_, err := m.Create(context.Background(), "tenant-a", Options{
		Mode:     ModeInProcess,
		Language: LanguageTypeScript,
		Base:     "nb1",
	})
	require.Error(t, err)
	assert.Empty(t, m.List(""))
}

// Duplicate kernel IDs within a namespace are rejected.
func TestCreate_RejectsDuplicateID(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	_, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.Error(t, err)
	assert.Len(t, m.List(""), 1)
}

// Namespacing: the same base under two namespaces does not collide.
func TestCreate_NamespacesDoNotCollide(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	_, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "tenant-b", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)
	assert.Len(t, m.List(""), 2)
}

// Universal invariant #8: a base containing ":" is rejected outright,
// since ":" is the namespace separator and would make the resulting ID
// ambiguous to parse back into namespace/base.
func TestCreate_RejectsColonInBase(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	_, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb:1"})
	require.Error(t, err)
	assert.Empty(t, m.List(""))
}

// When namespace is omitted, the resulting ID is the bare base, with no
// stray leading ":".
func TestCreate_BareIDWhenNamespaceOmitted(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	inst, err := m.Create(context.Background(), "", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)
	assert.Equal(t, ID("nb1"), inst.ID)
}

// list(namespace) and destroyAll(namespace) filter by namespace prefix;
// destroyAll only drains the pool when namespace is omitted entirely.
func TestList_And_DestroyAll_FilterByNamespace(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	_, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "tenant-b", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	assert.Len(t, m.List("tenant-a"), 1)
	assert.Len(t, m.List("tenant-b"), 1)
	assert.Len(t, m.List(""), 2)

	require.NoError(t, m.DestroyAll(context.Background(), "tenant-a"))
	assert.Len(t, m.List(""), 1)
	assert.Len(t, m.List("tenant-b"), 1)

	require.NoError(t, m.DestroyAll(context.Background(), ""))
	assert.Empty(t, m.List(""))
}

// S2: a pre-warmed pool entry is claimed instead of paying cold-start
// latency on Create.
func TestCreate_TakesFromWarmPool(t *testing.T) {
	m := testManager(t, ManagerConfig{
		Pools: []PoolConfig{{Mode: ModeInProcess, Language: LanguagePython, Size: 2}},
	})

	require.Eventually(t, func() bool {
		key := NewPoolKey(ModeInProcess, LanguagePython)
		_, ok := m.pool.states[poolKey(key)]
		return ok && len(m.pool.states[poolKey(key)].queue) > 0
	}, time.Second, 5*time.Millisecond)

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, inst.Status)
}

// S3: when the pool for a key is empty, Create falls back to an inline
// cold start rather than failing.
func TestCreate_FallsBackWhenPoolEmpty(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)
	assert.NotNil(t, inst.Engine)
}

// S4: inactivity eviction is deferred while an execution is ongoing: a
// short inactivity timeout does not fire mid-execution.
func TestActivity_InactivityDeferredDuringExecution(t *testing.T) {
	m := testManager(t, ManagerConfig{DefaultInactivity: 20 * time.Millisecond})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	err = m.Execute(context.Background(), inst.ID, "sleep 60")
	require.NoError(t, err)

	// The kernel must still be registered: its inactivity timer was
	// deferred until the sleep finished, not fired mid-execution.
	_, err = m.lookup(inst.ID)
	assert.NoError(t, err)
}

// S5: a stalled execution (exceeding the stall timeout) emits
// kernel_stalled on the bus without forcibly terminating the kernel
// (reference policy: emit only).
func TestActivity_StalledExecutionEmitsEvent(t *testing.T) {
	m := testManager(t, ManagerConfig{StallTimeout: 10 * time.Millisecond})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	stalled := make(chan struct{}, 1)
	m.Bus().OnKernel(inst.ID, EventKernelStalled, func(ev Event) {
		select {
		case stalled <- struct{}{}:
		default:
		}
	})

	go func() {
		_ = m.Execute(context.Background(), inst.ID, "sleep 200")
	}()

	select {
	case <-stalled:
	case <-time.After(time.Second):
		t.Fatal("expected kernel_stalled event")
	}

	// The kernel is still registered: the reference policy is emit-only.
	_, err = m.lookup(inst.ID)
	assert.NoError(t, err)
}

// S6: executeStream delivers events in the order the engine produced
// them, followed by channel close once execution settles.
func TestExecuteStream_OrdersEventsThenCloses(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	code := "print first\nprint second\nresult third"
	var seen []EventType
	for ev := range m.ExecuteStream(context.Background(), inst.ID, code) {
		seen = append(seen, ev.Type)
	}

	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, EventStatus, seen[0])
	assert.Contains(t, seen, EventStream)
	assert.Contains(t, seen, EventExecuteResult)
	assert.Equal(t, EventStatus, seen[len(seen)-1])
}

// executeStream enforces its bounded timeout rather than hanging forever.
func TestExecuteStream_BoundedTimeout(t *testing.T) {
	m := testManager(t, ManagerConfig{StreamTimeout: 30 * time.Millisecond})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	start := time.Now()
	for range m.ExecuteStream(context.Background(), inst.ID, "sleep 5000") {
	}
	// The stream must settle well before the engine's own 5s sleep would
	// have finished, proving the bound actually cuts execution short.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDestroy_RemovesKernelAndListeners(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), inst.ID))
	_, err = m.lookup(inst.ID)
	assert.Error(t, err)
}

func TestDestroyAll_TerminatesEveryKernel(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	for i := 0; i < 5; i++ {
		_, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb" + string(rune('0'+i))})
		require.NoError(t, err)
	}
	require.NoError(t, m.DestroyAll(context.Background(), ""))
	assert.Empty(t, m.List(""))
}

func TestInterrupt_StopsRunningExecution(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- m.Execute(context.Background(), inst.ID, "sleep 5000")
	}()

	time.Sleep(20 * time.Millisecond)
	ok, err := m.Interrupt(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected interrupted execution to return")
	}
}

// A kernel must accept and successfully complete executions after being
// restarted: Restart re-initializes the engine rather than leaving it in
// a permanently terminated state.
func TestRestart_ExecutionSucceedsAfterward(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	require.NoError(t, m.Restart(context.Background(), inst.ID))

	err = m.Execute(context.Background(), inst.ID, "result 42")
	require.NoError(t, err)
}

func TestForceTerminate_ReportsForcedTerminationError(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	inst, err := m.Create(context.Background(), "tenant-a", Options{Mode: ModeInProcess, Language: LanguagePython, Base: "nb1"})
	require.NoError(t, err)

	err = m.ForceTerminate(context.Background(), inst.ID)
	require.Error(t, err)
	_, err = m.lookup(inst.ID)
	assert.Error(t, err)
}
