// Package protocol defines the wire envelope exchanged between the
// KernelManager and an isolated worker process, and the content shapes
// carried by that envelope. It follows the header/content envelope used
// elsewhere in this codebase's notebook-protocol heritage, generalized so
// the same envelope doubles as the canonical representation for events
// multiplexed over the in-process EventBus.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

const ProtocolVersion = "1.0"

// Worker boundary message types (see the external-interfaces message
// table): these flow over the worker transport in both directions.
const (
	MsgTypeSetEventChannel    = "set_event_channel"
	MsgTypeInitializeKernel   = "initialize_kernel"
	MsgTypeKernelInitialized  = "kernel_initialized"
	MsgTypeSetInterruptBuffer = "set_interrupt_buffer"
	MsgTypeInterruptKernel    = "interrupt_kernel"
	MsgTypeInterruptTriggered = "interrupt_triggered"
	MsgTypeExecuteRequest     = "execute_request"
	MsgTypeExecuteReply       = "execute_reply"
	MsgTypeShutdownRequest    = "shutdown_request"
	MsgTypeShutdownReply      = "shutdown_reply"
)

// Event payload message types, carried inside Message.Content when
// Header.MsgType is one of the EventType values from package kernel.
const (
	MsgTypeStream            = "stream"
	MsgTypeDisplayData       = "display_data"
	MsgTypeUpdateDisplayData = "update_display_data"
	MsgTypeExecuteResult     = "execute_result"
	MsgTypeError             = "error"
	MsgTypeStatus            = "status"
	MsgTypeClearOutput       = "clear_output"
)

// Header carries message identity and correlation.
type Header struct {
	MsgID   string    `json:"msg_id"`
	MsgType string    `json:"msg_type"`
	Date    time.Time `json:"date"`
	Version string    `json:"version"`
}

// NewHeader mints a header for msgType with a fresh message ID.
func NewHeader(msgType string) Header {
	return Header{
		MsgID:   uuid.New().String(),
		MsgType: msgType,
		Date:    time.Now().UTC(),
		Version: ProtocolVersion,
	}
}

// Message is the envelope exchanged over the worker transport.
type Message struct {
	Header       Header         `json:"header"`
	ParentHeader *Header        `json:"parent_header,omitempty"`
	Content      any            `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a Message with a fresh header for msgType.
func NewMessage(msgType string, content any) Message {
	return Message{Header: NewHeader(msgType), Content: content}
}

// NewReply builds a Message that answers parent, preserving correlation.
func NewReply(msgType string, parent Header, content any) Message {
	return Message{Header: NewHeader(msgType), ParentHeader: &parent, Content: content}
}

// PermissionsContent mirrors kernel.Permissions on the wire.
type PermissionsContent struct {
	AllowNetwork    bool `json:"allow_network"`
	AllowFilesystem bool `json:"allow_filesystem"`
}

// FilesystemContent mirrors kernel.FilesystemMount on the wire.
type FilesystemContent struct {
	MountPoint string `json:"mount_point"`
	Root       string `json:"root"`
}

// InitializeKernelContent is sent manager -> worker to start a kernel.
type InitializeKernelContent struct {
	KernelID    string              `json:"kernel_id"`
	Language    string              `json:"language"`
	Env         map[string]string   `json:"env,omitempty"`
	Permissions *PermissionsContent `json:"permissions,omitempty"`
	Filesystem  *FilesystemContent  `json:"filesystem,omitempty"`
}

// KernelInitializedContent answers InitializeKernel once the worker is
// ready to accept execute requests.
type KernelInitializedContent struct {
	KernelID string `json:"kernel_id"`
	PID      int    `json:"pid"`
	Error    string `json:"error,omitempty"`
}

// ExecuteRequestContent carries code to run.
type ExecuteRequestContent struct {
	Code string `json:"code"`
}

// ExecuteReplyContent is the terminal reply to an execute request.
type ExecuteReplyContent struct {
	Status    string `json:"status"` // "ok" | "error"
	ErrorName string `json:"error_name,omitempty"`
	ErrorText string `json:"error_text,omitempty"`
}

// StreamContent carries stdout/stderr text.
type StreamContent struct {
	Name string `json:"name"` // "stdout" | "stderr"
	Text string `json:"text"`
}

// DisplayDataContent carries a rich display payload. The same shape is
// used for both display_data and update_display_data.
type DisplayDataContent struct {
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Transient      map[string]any `json:"transient,omitempty"`
	ExecutionCount int            `json:"execution_count,omitempty"`
}

// ClearOutputContent requests that subscribers clear prior output before
// the next one arrives.
type ClearOutputContent struct {
	Wait bool `json:"wait"`
}

// ExecuteResultContent carries the value of the last evaluated expression.
type ExecuteResultContent struct {
	ExecutionCount int            `json:"execution_count"`
	Data           map[string]any `json:"data"`
}

// ErrorContent carries an execution error.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// StatusContent carries an execution-state transition.
type StatusContent struct {
	ExecutionState string `json:"execution_state"` // "busy" | "idle"
}

// InterruptTriggeredContent acknowledges an interrupt request. Success
// reports whether the worker actually had a running execution to signal.
type InterruptTriggeredContent struct {
	KernelID string `json:"kernel_id"`
	Success  bool   `json:"success"`
}
