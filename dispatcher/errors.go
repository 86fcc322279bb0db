package dispatcher

import (
	"gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrRetryable indicates a transient driver fault. The supervisor
	// restarts the worker and the in-flight command is retried after the
	// next activation.
	ErrRetryable = errors.NewKind("retryable driver failure")
	// ErrInit indicates that driver construction failed. Restart policy is
	// the same as for retryable faults.
	ErrInit = errors.NewKind("driver initialisation failure")
	// ErrUnknownType is returned when a command names a transformation type
	// no pool was configured for.
	ErrUnknownType = errors.NewKind("unknown transformation type %q")
	// ErrNoReplyChannel is returned for driver commands without a reply
	// handle.
	ErrNoReplyChannel = errors.NewKind("driver command without reply channel")
	// ErrPoolClosed is returned if the pool was already closed or is being
	// closed.
	ErrPoolClosed = errors.NewKind("worker pool already closed")
	// ErrPoolRunning is returned if the pool was already running.
	ErrPoolRunning = errors.NewKind("worker pool already running")
	// ErrDispatcherClosed is returned once the dispatcher stopped accepting
	// commands.
	ErrDispatcherClosed = errors.NewKind("dispatcher already closed")
	// ErrDispatcherRunning is returned if the dispatcher was already
	// started.
	ErrDispatcherRunning = errors.NewKind("dispatcher already running")
	// ErrConfig indicates an invalid bootstrap configuration.
	ErrConfig = errors.NewKind("invalid dispatcher configuration: %s")
)

// recoverable reports whether a worker failure is absorbed by the supervisor
// (restart in place) instead of escalated.
func recoverable(err error) bool {
	return ErrRetryable.Is(err) || ErrInit.Is(err)
}
