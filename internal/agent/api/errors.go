package api

import (
	stderrors "errors"
	"net/http"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/common/errors"
)

// toAppError maps the agent error taxonomy onto HTTP statuses.
func toAppError(err error) *errors.AppError {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	msg := err.Error()
	var out *errors.AppError
	switch agenterr.Kind(err) {
	case agenterr.ErrAgentNotFound:
		out = &errors.AppError{Code: errors.ErrCodeNotFound, Message: msg, HTTPStatus: http.StatusNotFound}
	case agenterr.ErrUnknownRuntime, agenterr.ErrConfigTranslation:
		out = errors.BadRequest(msg)
	case agenterr.ErrInstallValidationFailed:
		out = &errors.AppError{Code: errors.ErrCodeValidationError, Message: msg, HTTPStatus: http.StatusUnprocessableEntity}
	case agenterr.ErrInvalidTransition, agenterr.ErrAlreadyRunning, agenterr.ErrNotInstalled, agenterr.ErrPortConflict:
		out = errors.Conflict(msg)
	case agenterr.ErrUnavailable, agenterr.ErrResourceUnavailable:
		out = errors.ServiceUnavailable(msg)
	case agenterr.ErrCommunication, agenterr.ErrHealthCheckTimeout:
		out = errors.BadGateway(msg)
	case agenterr.ErrLockContention:
		out = errors.Locked(msg)
	default:
		if stderrors.Is(err, lifecycle.ErrInvalidRequest) {
			out = errors.BadRequest(msg)
		} else {
			return errors.InternalError("internal error", err)
		}
	}
	out.Err = err
	out.Retryable = agenterr.Retryable(err)
	return out
}
