// Package kernelerr defines the error taxonomy used across the kernel
// orchestrator, modeled on the project's AppError shape but keyed by a
// closed set of Kind values instead of HTTP status codes.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of orchestrator-level failure categories.
type Kind string

const (
	KindKernelTypeNotAllowed  Kind = "kernel_type_not_allowed"
	KindDuplicateKernel       Kind = "duplicate_kernel"
	KindKernelNotFound        Kind = "kernel_not_found"
	KindKernelSetupError      Kind = "kernel_setup_error"
	KindWorkerSpawnError      Kind = "worker_spawn_error"
	KindWorkerCrashed         Kind = "worker_crashed"
	KindEngineInitError       Kind = "engine_init_error"
	KindExecutionStalled      Kind = "execution_stalled"
	KindKernelForcedTerminate Kind = "kernel_forced_termination"
	KindStreamTimeout         Kind = "stream_timeout"
)

// Error is the orchestrator's error type. It wraps an underlying cause
// where one exists and carries a Kind for programmatic dispatch.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func NotFound(message string) *Error          { return New(KindKernelNotFound, message) }
func Duplicate(message string) *Error         { return New(KindDuplicateKernel, message) }
func NotAllowed(message string) *Error        { return New(KindKernelTypeNotAllowed, message) }
func SetupError(message string, err error) *Error {
	return Wrap(KindKernelSetupError, message, err)
}
func SpawnError(message string, err error) *Error {
	return Wrap(KindWorkerSpawnError, message, err)
}
func Crashed(message string, err error) *Error {
	return Wrap(KindWorkerCrashed, message, err)
}
func InitError(message string, err error) *Error {
	return Wrap(KindEngineInitError, message, err)
}
func Stalled(message string) *Error { return New(KindExecutionStalled, message) }
func ForcedTermination(message string) *Error {
	return New(KindKernelForcedTerminate, message)
}
func StreamTimeout(message string) *Error { return New(KindStreamTimeout, message) }
