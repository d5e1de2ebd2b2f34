package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsAppErrorStatus(t *testing.T) {
	inner := NotFound("agent", "a1")
	wrapped := Wrap(inner, "start")
	if wrapped.HTTPStatus != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", wrapped.HTTPStatus)
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound(wrapped) = false")
	}
	if wrapped.Message != "start: agent with id 'a1' not found" {
		t.Errorf("message = %q", wrapped.Message)
	}
}

func TestWrapPlainErrorIsInternal(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(fmt.Errorf("persist: %w", cause), "register")
	if wrapped.Code != ErrCodeInternalError {
		t.Errorf("code = %s", wrapped.Code)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause lost")
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) != nil")
	}
}

func TestRetryableFlags(t *testing.T) {
	for _, e := range []*AppError{ServiceUnavailable("x"), BadGateway("x"), Locked("x")} {
		if !e.Retryable {
			t.Errorf("%s not retryable", e.Code)
		}
	}
	if Conflict("x").Retryable {
		t.Error("conflict marked retryable")
	}
}
