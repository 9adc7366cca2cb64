// Package kernel implements the compute kernel orchestrator: creation,
// pooling, activity tracking, and event multiplexing for isolated code
// execution kernels running either in-process or in a worker process.
package kernel

import "time"

// Mode selects how a kernel instance is scheduled.
type Mode string

const (
	// ModeInProcess runs the kernel's engine inside the manager's own
	// process.
	ModeInProcess Mode = "in_process"
	// ModeWorker runs the kernel's engine in an isolated worker process,
	// reachable over the worker transport.
	ModeWorker Mode = "worker"
)

// Language identifies the kernel's execution language. The set is open:
// callers may register engines for languages beyond the two named here.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageTypeScript Language = "typescript"
)

// ID is the identifier of a kernel instance: "<namespace>:<base>", or the
// bare base when no namespace is given.
type ID string

// Status is the lifecycle state of a kernel instance.
type Status string

const (
	StatusSpawning    Status = "spawning"
	StatusInitialized Status = "initialized"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	// StatusUnknown is reserved for transport-level ambiguity (e.g. a
	// worker process vanished without a clean handshake). It is distinct
	// from StatusTerminated: Unknown kernels are still present in the
	// registry and may be force-terminated to resolve the ambiguity.
	StatusUnknown Status = "unknown"
)

// Permissions constrains what a worker-mode kernel's engine may access on
// the host. It is opaque to the Manager: the value is sent to the worker
// process unchanged in the initialize_kernel message. The reference
// worker in cmd/kernelworker reads only the kernel ID from that message
// and does not enforce these permissions.
type Permissions struct {
	AllowNetwork    bool
	AllowFilesystem bool
}

// FilesystemMount rewrites any engine-issued virtual path beginning with
// MountPoint to the corresponding host path under Root. Rewrites are
// string-prefix based; paths outside the mount pass through unchanged.
// The Manager does not perform the rewrite itself, it only delivers the
// mount to the engine.
type FilesystemMount struct {
	MountPoint string
	Root       string
}

// Options configures a kernel at creation time.
type Options struct {
	Mode     Mode
	Language Language
	// Namespace scopes the kernel's ID so concurrent tenants cannot
	// collide on a bare identifier.
	Namespace string
	// Base is the caller-supplied portion of the kernel ID. If empty, a
	// random base is generated. It MUST NOT contain ":", the namespace
	// separator.
	Base string
	// Permissions constrains a worker-mode kernel; nil means unrestricted.
	// Ignored for in-process kernels.
	Permissions *Permissions
	// Filesystem, if set, requests a virtual-to-host path mount; nil means
	// no mount.
	Filesystem *FilesystemMount
	// InactivityTimeout overrides the manager's default inactivity timeout
	// for this kernel. Zero means "use the default."
	InactivityTimeout time.Duration
	// MaxExecutionTime arms a per-execution stall watchdog for this
	// kernel. Zero means "use the manager's default stall timeout, if
	// any."
	MaxExecutionTime time.Duration
	// Env is passed to the engine at initialization (worker kernels send
	// it in the initialize_kernel message; it is not added to the worker
	// process environment, and the reference worker does not apply it).
	Env map[string]string
}

// poolEligible reports whether a creation request may be satisfied from
// the warm pool: pool entries are always pre-warmed with bare (mode,
// language) options, so a request naming any custom filesystem,
// permissions, environment, or explicit timeout cannot safely reuse one.
func (o Options) poolEligible() bool {
	return o.Filesystem == nil &&
		o.Permissions == nil &&
		len(o.Env) == 0 &&
		o.InactivityTimeout == 0 &&
		o.MaxExecutionTime == 0
}

// Instance is a live, registered kernel.
type Instance struct {
	ID        ID
	Namespace string
	Mode      Mode
	Language  Language
	Status    Status
	Engine    Engine
	Created   time.Time

	inactivityTimeout time.Duration
	maxExecutionTime  time.Duration
}

// PoolConfig configures pre-warming for one (mode, language) key.
type PoolConfig struct {
	Mode     Mode
	Language Language
	// Size is the number of pre-warmed pending kernels to maintain.
	Size int
}

// poolKey identifies one pre-warm pool.
type poolKey struct {
	Mode     Mode
	Language Language
}

// ExecutionRecord tracks one in-flight or completed execution.
type ExecutionRecord struct {
	ID        string
	KernelID  ID
	Code      string
	Started   time.Time
	Ended     time.Time
	Status    string // "running", "ok", "error", "stalled"
	ErrorText string
}

// ActivityState is a snapshot of a kernel's activity bookkeeping.
type ActivityState struct {
	KernelID        ID
	LastActivity    time.Time
	OngoingCount    int
	InactiveForLong bool
}

// ExecutionInfo summarizes a kernel's in-flight executions for stuck
// detection.
type ExecutionInfo struct {
	Count            int
	IsStuck          bool
	LongestRunningMs int64
}

// EventType enumerates the event taxonomy multiplexed over the EventBus.
type EventType string

const (
	EventStream         EventType = "stream"
	EventDisplayData    EventType = "display_data"
	EventExecuteResult  EventType = "execute_result"
	EventError          EventType = "error"
	EventStatus         EventType = "status"
	EventExecuteReply   EventType = "execute_reply"
	EventCommOpen       EventType = "comm_open"
	EventCommMsg        EventType = "comm_msg"
	EventCommClose      EventType = "comm_close"
	EventInputRequest   EventType = "input_request"
	EventKernelStalled  EventType = "kernel_stalled"
	EventKernelCrashed  EventType = "kernel_crashed"
	EventKernelTerminal EventType = "kernel_terminated"
	EventUpdateDisplay  EventType = "update_display_data"
	EventClearOutput    EventType = "clear_output"
)

// Event is one item on a kernel's event stream.
type Event struct {
	Type      EventType
	KernelID  ID
	ParentID  string // msg_id of the request this event answers, if any
	Content   any
	Timestamp time.Time
}
