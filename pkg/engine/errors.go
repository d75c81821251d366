package engine

import (
	"errors"
	"fmt"
)

// ErrAborted is returned by every worker of a run after one of them failed.
var ErrAborted = errors.New("run aborted")

type ErrAbort = error

// NewAbortError reports an abort received from another worker.
func NewAbortError(from int, reason string) ErrAbort {
	return fmt.Errorf("%w by worker %d: %s", ErrAborted, from, reason)
}

type ErrWorker = error

// NewWorkerError wraps an error raised by a worker.
func NewWorkerError(id int, err error) ErrWorker {
	return fmt.Errorf("worker %d failed: %w", id, err)
}

type ErrConfig = error

// NewConfigError reports an invalid engine configuration.
func NewConfigError(message string) ErrConfig {
	return fmt.Errorf("invalid engine configuration: %s", message)
}
