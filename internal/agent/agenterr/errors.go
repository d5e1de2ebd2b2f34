// Package agenterr defines the error kinds shared by adapters, the process
// manager, the installer and the lifecycle engine. Callers match them with
// errors.Is; wrapping with %w keeps the underlying cause.
package agenterr

import (
	"errors"
	"fmt"
)

var (
	ErrNotInstalled            = errors.New("runtime not installed")
	ErrAlreadyRunning          = errors.New("agent already running")
	ErrPortConflict            = errors.New("port conflict")
	ErrResourceUnavailable     = errors.New("resource unavailable")
	ErrCommunication           = errors.New("communication error")
	ErrHealthCheckTimeout      = errors.New("health check timed out")
	ErrInstallValidationFailed = errors.New("install validation failed")
	ErrLockContention          = errors.New("install lock contention")
	ErrConfigTranslation       = errors.New("config translation failed")

	// ErrInvalidTransition is returned when an operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrUnknownRuntime    = errors.New("unknown runtime")

	// ErrUnavailable is returned for traffic sent to an instance that is not serving.
	ErrUnavailable = errors.New("agent unavailable")
)

// Retryable reports whether the same call may succeed if repeated unchanged.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfigTranslation),
		errors.Is(err, ErrInstallValidationFailed),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrUnknownRuntime),
		errors.Is(err, ErrNotInstalled):
		return false
	case errors.Is(err, ErrCommunication),
		errors.Is(err, ErrLockContention),
		errors.Is(err, ErrHealthCheckTimeout),
		errors.Is(err, ErrResourceUnavailable),
		errors.Is(err, ErrUnavailable):
		return true
	}
	return false
}

var kinds = []error{
	ErrNotInstalled, ErrAlreadyRunning, ErrPortConflict, ErrResourceUnavailable,
	ErrCommunication, ErrHealthCheckTimeout, ErrInstallValidationFailed,
	ErrLockContention, ErrConfigTranslation, ErrInvalidTransition,
	ErrAgentNotFound, ErrUnknownRuntime, ErrUnavailable,
}

// Kind returns the taxonomy sentinel err wraps, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Reason renders err for audit records.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Transition builds an ErrInvalidTransition for op from state.
func Transition(op string, from any) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, op, from)
}
