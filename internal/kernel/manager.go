package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/leondli/kernelmgr/internal/kernelerr"
	"github.com/leondli/kernelmgr/internal/metrics"
)

const defaultStreamTimeout = 60 * time.Second

// AllowedType names one (mode, language) pair the manager will create.
type AllowedType struct {
	Mode     Mode
	Language Language
}

// ManagerConfig configures a Manager at construction time.
type ManagerConfig struct {
	AllowedTypes      []AllowedType
	DefaultInactivity time.Duration
	StallTimeout      time.Duration
	StreamTimeout     time.Duration
	WorkerBinPath     string
	Pools             []PoolConfig
	Metrics           *metrics.Registry
}

// Manager is the KernelManager façade: the single entry point embedders
// use to create, execute against, and tear down kernels. It owns the
// registry, the pool, the event bus, and the activity tracker, and
// enforces the allow-list before any kernel is created.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	registry map[ID]*Instance
	allowed  map[AllowedType]struct{}

	bus      *EventBus
	activity *ActivityTracker
	pool     *KernelPool

	streamTimeout time.Duration
}

// NewManager constructs a Manager and starts pre-warming its configured
// pools. It does not block for the pools to fill.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}

	m := &Manager{
		cfg:           cfg,
		registry:      make(map[ID]*Instance),
		allowed:       make(map[AllowedType]struct{}),
		bus:           NewEventBus(),
		streamTimeout: cfg.StreamTimeout,
	}
	for _, t := range cfg.AllowedTypes {
		m.allowed[t] = struct{}{}
	}

	m.activity = NewActivityTracker(cfg.DefaultInactivity, cfg.StallTimeout, m.onInactive, m.onStall)
	m.pool = NewKernelPool(m.engineFactoryFor, cfg.Metrics)

	for _, pc := range cfg.Pools {
		m.pool.Configure(ctx, pc)
	}

	return m
}

func (m *Manager) engineFactoryFor(mode Mode) EngineFactory {
	switch mode {
	case ModeInProcess:
		return func() Engine { return NewInProcessEngine() }
	case ModeWorker:
		return func() Engine { return NewWorkerEngine(m.cfg.WorkerBinPath) }
	default:
		return nil
	}
}

// Bus exposes the manager's event bus so embedders can subscribe before
// or after creating kernels.
func (m *Manager) Bus() *EventBus { return m.bus }

func buildID(namespace, base string) ID {
	if namespace == "" {
		return ID(base)
	}
	return ID(fmt.Sprintf("%s:%s", namespace, base))
}

// Create creates (or claims a pre-warmed) kernel under namespace/opts.Base
// (a random base is minted if empty), enforcing the allow-list and
// rejecting duplicate IDs.
func (m *Manager) Create(ctx context.Context, namespace string, opts Options) (*Instance, error) {
	allowedType := AllowedType{Mode: opts.Mode, Language: opts.Language}
	m.mu.RLock()
	_, ok := m.allowed[allowedType]
	m.mu.RUnlock()
	if !ok {
		return nil, kernelerr.NotAllowed(fmt.Sprintf("kernel type %s/%s is not in the allow-list", opts.Mode, opts.Language))
	}

	base := opts.Base
	if base == "" {
		base = uuid.New().String()
	}
	if strings.Contains(base, ":") {
		return nil, kernelerr.NotAllowed(fmt.Sprintf("kernel id %q must not contain \":\"", base))
	}
	id := buildID(namespace, base)

	m.mu.Lock()
	if _, exists := m.registry[id]; exists {
		m.mu.Unlock()
		return nil, kernelerr.Duplicate(fmt.Sprintf("kernel %s already exists", id))
	}
	inst := &Instance{
		ID:                id,
		Namespace:         namespace,
		Mode:              opts.Mode,
		Language:          opts.Language,
		Status:            StatusSpawning,
		Created:           time.Now(),
		inactivityTimeout: opts.InactivityTimeout,
		maxExecutionTime:  opts.MaxExecutionTime,
	}
	m.registry[id] = inst
	m.mu.Unlock()

	opts.Base = base
	opts.Namespace = namespace

	var eng Engine
	var fromPool bool
	if opts.poolEligible() {
		eng, fromPool = m.pool.Take(NewPoolKey(opts.Mode, opts.Language))
	}
	if !fromPool {
		factory := m.engineFactoryFor(opts.Mode)
		if factory == nil {
			m.removeRegistration(id)
			return nil, kernelerr.NotAllowed(fmt.Sprintf("no engine registered for mode %s", opts.Mode))
		}
		eng = factory()
		if err := eng.Init(ctx, opts); err != nil {
			m.removeRegistration(id)
			return nil, kernelerr.SetupError("engine initialization failed", err)
		}
	}

	m.mu.Lock()
	inst.Engine = eng
	inst.Status = StatusIdle
	m.mu.Unlock()

	m.activity.ArmInactivity(id, opts.InactivityTimeout)
	m.bumpLiveKernels()

	m.bus.Publish(Event{Type: EventStatus, KernelID: id, Content: statusIdle(), Timestamp: time.Now()})
	log.Info().Str("kernel_id", string(id)).Str("mode", string(opts.Mode)).Str("language", string(opts.Language)).Msg("kernel created")
	return inst, nil
}

func (m *Manager) removeRegistration(id ID) {
	m.mu.Lock()
	delete(m.registry, id)
	m.mu.Unlock()
}

func (m *Manager) bumpLiveKernels() {
	if m.cfg.Metrics == nil {
		return
	}
	m.mu.RLock()
	n := len(m.registry)
	m.mu.RUnlock()
	m.cfg.Metrics.LiveKernels.Set(float64(n))
}

func (m *Manager) lookup(id ID) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, kernelerr.NotFound(fmt.Sprintf("kernel %s not found", id))
	}
	return inst, nil
}

// Destroy terminates and deregisters one kernel.
func (m *Manager) Destroy(ctx context.Context, id ID) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	inst.Status = StatusTerminating
	m.mu.Unlock()

	if err := inst.Engine.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Str("kernel_id", string(id)).Msg("engine shutdown returned an error")
	}

	m.activity.Forget(id)
	m.bus.RemoveAllListeners(id)
	m.removeRegistration(id)
	m.bumpLiveKernels()

	m.mu.Lock()
	inst.Status = StatusTerminated
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventKernelTerminal, KernelID: id, Timestamp: time.Now()})
	return nil
}

// DestroyAll terminates every kernel matching namespace concurrently,
// returning the first error encountered (if any) while still attempting
// every destroy. If namespace is empty, every registered kernel is
// destroyed and the pre-warmed pool is drained as well, since an omitted
// namespace means "tear down everything this manager holds."
func (m *Manager) DestroyAll(ctx context.Context, namespace string) error {
	m.mu.RLock()
	ids := make([]ID, 0, len(m.registry))
	for id, inst := range m.registry {
		if namespace == "" || inst.Namespace == namespace {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Destroy(gctx, id)
		})
	}
	err := g.Wait()
	if namespace == "" {
		m.pool.Drain(ctx)
	}
	return err
}

// Shutdown destroys every registered kernel and drains every pre-warmed
// pool, releasing all resources the manager holds. It is meant to be
// called once, as the embedder's process is exiting.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.DestroyAll(ctx, "")
}

// List returns a snapshot of every registered kernel whose namespace
// matches. An empty namespace returns every registered kernel.
func (m *Manager) List(namespace string) []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.registry))
	for _, inst := range m.registry {
		if namespace == "" || inst.Namespace == namespace {
			out = append(out, inst)
		}
	}
	return out
}

// ForceTerminate kills a kernel outright, bypassing any graceful shutdown
// the engine would otherwise attempt. Used to resolve a stalled or
// unresponsive kernel.
func (m *Manager) ForceTerminate(ctx context.Context, id ID) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	if we, ok := inst.Engine.(*WorkerEngine); ok && we.host != nil {
		we.host.Terminate()
	} else {
		_ = inst.Engine.Shutdown(ctx)
	}
	m.activity.Forget(id)
	m.bus.RemoveAllListeners(id)
	m.removeRegistration(id)
	m.bumpLiveKernels()
	m.mu.Lock()
	inst.Status = StatusTerminated
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ForcedKills.Inc()
	}
	m.bus.Publish(Event{Type: EventKernelTerminal, KernelID: id, Content: "forced", Timestamp: time.Now()})
	return kernelerr.ForcedTermination(fmt.Sprintf("kernel %s was force-terminated", id))
}

// Interrupt asks the kernel's running execution (if any) to stop. The
// returned bool reports whether a signal was actually delivered to a
// running execution; for a worker kernel using the inherited-pipe path it
// reports only that the interrupt byte was written (see
// WorkerEngine.Interrupt).
func (m *Manager) Interrupt(ctx context.Context, id ID) (bool, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	return inst.Engine.Interrupt(ctx)
}

// Restart tears down and re-initializes the engine backing id, keeping
// the same ID and subscribers.
func (m *Manager) Restart(ctx context.Context, id ID) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	inst.Status = StatusTerminating
	m.mu.Unlock()

	_ = inst.Engine.Shutdown(ctx)

	opts := Options{Mode: inst.Mode, Language: inst.Language, Base: string(inst.ID)}
	if err := inst.Engine.Init(ctx, opts); err != nil {
		m.mu.Lock()
		inst.Status = StatusUnknown
		m.mu.Unlock()
		return kernelerr.SetupError("restart failed to reinitialize engine", err)
	}

	m.mu.Lock()
	inst.Status = StatusIdle
	m.mu.Unlock()
	m.activity.ArmInactivity(id, inst.inactivityTimeout)
	m.bus.Publish(Event{Type: EventStatus, KernelID: id, Content: statusIdle(), Timestamp: time.Now()})
	return nil
}

// ExecutionInfo reports id's in-flight execution count and stuck status,
// judged against the kernel's own max-execution-time override (or the
// manager's default stall timeout if none was set at creation).
func (m *Manager) ExecutionInfo(id ID) (ExecutionInfo, error) {
	if _, err := m.lookup(id); err != nil {
		return ExecutionInfo{}, err
	}
	return m.activity.ExecutionInfo(id), nil
}

// Ping reports whether id is registered and, if so, its current status.
func (m *Manager) Ping(id ID) (Status, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return inst.Status, nil
}

// SetInactivityTimeout overrides the inactivity timeout for an already
// registered kernel and re-arms its timer.
func (m *Manager) SetInactivityTimeout(id ID, timeout time.Duration) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	inst.inactivityTimeout = timeout
	m.mu.Unlock()
	m.activity.ArmInactivity(id, timeout)
	return nil
}

// Execute runs code on kernel id synchronously, returning once execution
// settles or ctx is done. Events are still published on the bus as they
// occur; Execute additionally returns the terminal error, if any.
func (m *Manager) Execute(ctx context.Context, id ID, code string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}

	executionID := uuid.New().String()
	m.activity.BeginExecution(id, executionID, inst.maxExecutionTime)
	defer m.activity.EndExecution(id, executionID, inst.inactivityTimeout)

	m.mu.Lock()
	inst.Status = StatusBusy
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		inst.Status = StatusIdle
		m.mu.Unlock()
	}()

	execErr := inst.Engine.Execute(ctx, executionID, code, func(ev Event) {
		ev.KernelID = id
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		m.bus.Publish(ev)
	})

	if m.cfg.Metrics != nil {
		outcome := "ok"
		if execErr != nil {
			outcome = "error"
		}
		m.cfg.Metrics.Executions.WithLabelValues(outcome).Inc()
	}
	return execErr
}

// ExecuteStream runs code on kernel id, delivering events in order on the
// returned channel and closing it once execution settles or the bounded
// timeout (m.streamTimeout, default 60s) elapses. The channel is buffered
// at 256 entries; an event that arrives while the buffer is full is
// dropped from the stream with a warning (it is still published on the
// bus). The channel is always closed exactly once.
func (m *Manager) ExecuteStream(ctx context.Context, id ID, code string) <-chan Event {
	out := make(chan Event, 256)

	go func() {
		defer close(out)

		inst, err := m.lookup(id)
		if err != nil {
			out <- Event{Type: EventError, KernelID: id, Content: err.Error(), Timestamp: time.Now()}
			return
		}

		executionID := uuid.New().String()
		m.activity.BeginExecution(id, executionID, inst.maxExecutionTime)
		defer m.activity.EndExecution(id, executionID, inst.inactivityTimeout)

		streamCtx, cancel := context.WithTimeout(ctx, m.streamTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- inst.Engine.Execute(streamCtx, executionID, code, func(ev Event) {
				ev.KernelID = id
				if ev.Timestamp.IsZero() {
					ev.Timestamp = time.Now()
				}
				m.bus.Publish(ev)
				select {
				case out <- ev:
				default:
					log.Warn().Str("kernel_id", string(id)).Msg("executeStream subscriber buffer full, dropping event")
				}
			})
		}()

		select {
		case <-done:
		case <-streamCtx.Done():
			out <- Event{Type: EventError, KernelID: id, Content: kernelerr.StreamTimeout("execution exceeded the stream timeout").Error(), Timestamp: time.Now()}
		}
	}()

	return out
}

func (m *Manager) onInactive(id ID) {
	log.Info().Str("kernel_id", string(id)).Msg("kernel evicted for inactivity")
	_ = m.Destroy(context.Background(), id)
}

func (m *Manager) onStall(id ID, executionID string) {
	log.Warn().Str("kernel_id", string(id)).Str("execution_id", executionID).Msg("execution stalled")
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.Stalls.Inc()
	}
	// Reference policy: emit only, do not auto-terminate. Escalation is
	// left to the embedder, which can call ForceTerminate in response to
	// this event if it chooses to.
	m.bus.Publish(Event{Type: EventKernelStalled, KernelID: id, ParentID: executionID, Timestamp: time.Now()})
}
