package kernel

import "context"

// Engine is the execution backend a kernel instance delegates to. Exactly
// one concrete Engine exists per Instance, selected by Instance.Mode at
// creation time. Implementations must be safe for concurrent use by a
// single caller performing Execute/Interrupt/Shutdown in sequence; the
// manager never calls Execute concurrently with itself on the same
// instance.
type Engine interface {
	// Init prepares the engine to accept code, returning once it is ready
	// or ctx is done.
	Init(ctx context.Context, opts Options) error

	// Execute runs code, emitting events to emit as they occur, and
	// returns once the engine reaches a terminal state for this
	// execution (idle) or ctx is canceled.
	Execute(ctx context.Context, executionID string, code string, emit func(Event)) error

	// Interrupt asks a running execution to stop. It is a best-effort
	// signal: engines that cannot interrupt code mid-flight may no-op.
	// The returned bool reports whether a running execution was actually
	// signaled (false if the engine was idle).
	Interrupt(ctx context.Context) (bool, error)

	// Shutdown releases the engine's resources. It must be idempotent.
	Shutdown(ctx context.Context) error
}

// EngineFactory constructs an Engine for the given scheduling mode. The
// manager holds one factory per Mode and calls it whenever a new kernel
// of that mode needs an engine, whether for the pool or on demand.
type EngineFactory func() Engine
