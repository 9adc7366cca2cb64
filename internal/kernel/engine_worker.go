package kernel

import (
	"context"
	"fmt"

	"github.com/leondli/kernelmgr/internal/protocol"
	"github.com/leondli/kernelmgr/internal/worker"
)

// WorkerEngine adapts a worker.Host to the Engine interface, translating
// between the wire protocol.Message envelope and kernel.Event.
type WorkerEngine struct {
	workerBinPath string
	host          *worker.Host
}

// NewWorkerEngine constructs a WorkerEngine that will spawn workerBinPath
// (the cmd/kernelworker binary) on Init.
func NewWorkerEngine(workerBinPath string) *WorkerEngine {
	return &WorkerEngine{workerBinPath: workerBinPath}
}

func (e *WorkerEngine) Init(ctx context.Context, opts Options) error {
	e.host = worker.NewHost(string(opts.Base), e.workerBinPath)

	var perms *worker.Permissions
	if opts.Permissions != nil {
		perms = &worker.Permissions{
			AllowNetwork:    opts.Permissions.AllowNetwork,
			AllowFilesystem: opts.Permissions.AllowFilesystem,
		}
	}
	var fs *worker.FilesystemMount
	if opts.Filesystem != nil {
		fs = &worker.FilesystemMount{MountPoint: opts.Filesystem.MountPoint, Root: opts.Filesystem.Root}
	}

	return e.host.Spawn(ctx, string(opts.Language), opts.Env, perms, fs)
}

func (e *WorkerEngine) Execute(ctx context.Context, executionID string, code string, emit func(Event)) error {
	if e.host == nil {
		return fmt.Errorf("worker engine not initialized")
	}
	return e.host.Execute(ctx, executionID, code, func(msg protocol.Message) {
		emit(translateFromWire(msg))
	})
}

// Interrupt delegates to worker.Host.SendInterrupt. On the inherited-pipe
// path the result is true whenever the interrupt byte was written, whether
// or not the worker was executing; only the message-based fallback reports
// the worker's own answer about a running execution.
func (e *WorkerEngine) Interrupt(ctx context.Context) (bool, error) {
	if e.host == nil {
		return false, fmt.Errorf("worker engine not initialized")
	}
	return e.host.SendInterrupt(ctx)
}

func (e *WorkerEngine) Shutdown(ctx context.Context) error {
	if e.host != nil {
		e.host.Terminate()
	}
	return nil
}

func translateFromWire(msg protocol.Message) Event {
	var parentID string
	if msg.ParentHeader != nil {
		parentID = msg.ParentHeader.MsgID
	} else {
		parentID = msg.Header.MsgID
	}

	var evType EventType
	switch msg.Header.MsgType {
	case protocol.MsgTypeStream:
		evType = EventStream
	case protocol.MsgTypeDisplayData:
		evType = EventDisplayData
	case protocol.MsgTypeUpdateDisplayData:
		evType = EventUpdateDisplay
	case protocol.MsgTypeClearOutput:
		evType = EventClearOutput
	case protocol.MsgTypeExecuteResult:
		evType = EventExecuteResult
	case protocol.MsgTypeError:
		evType = EventError
	case protocol.MsgTypeStatus:
		evType = EventStatus
	case protocol.MsgTypeExecuteReply:
		evType = EventExecuteReply
	case protocol.MsgTypeInterruptTriggered:
		evType = EventStatus
	default:
		evType = EventType(msg.Header.MsgType)
	}

	return Event{
		Type:      evType,
		ParentID:  parentID,
		Content:   msg.Content,
		Timestamp: msg.Header.Date,
	}
}
