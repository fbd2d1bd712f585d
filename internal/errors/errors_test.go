// Package errors tests for error code definitions.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies message formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	e := New(ErrOffline, "request never left the device")
	want := "[OFFLINE] request never left the device"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	wrapped := Wrap(ErrNetwork, "submit failed", fmt.Errorf("connection refused"))
	want = "[NETWORK_ERROR] submit failed: connection refused"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

// TestAppError_Unwrap verifies errors.Is sees the wrapped cause.
func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	wrapped := Wrap(ErrNetwork, "submit failed", cause)

	if !stderrors.Is(wrapped, cause) {
		t.Error("expected errors.Is to match the wrapped cause")
	}
}

// TestIs verifies code matching.
func TestIs(t *testing.T) {
	e := New(ErrConflict, "version mismatch")

	if !Is(e, ErrConflict) {
		t.Error("Is should match the error's code")
	}
	if Is(e, ErrNetwork) {
		t.Error("Is should not match a different code")
	}
	if Is(fmt.Errorf("plain"), ErrConflict) {
		t.Error("Is should not match a non-AppError")
	}
}

// TestRetryable verifies only network-class errors are retryable.
func TestRetryable(t *testing.T) {
	if !Retryable(New(ErrNetwork, "timeout")) {
		t.Error("network errors should be retryable")
	}
	if Retryable(New(ErrConflict, "version mismatch")) {
		t.Error("conflicts must never be auto-retried")
	}
	if Retryable(New(ErrValidation, "bad payload")) {
		t.Error("validation errors are terminal")
	}
	if Retryable(New(ErrOffline, "offline")) {
		t.Error("offline errors short-circuit, no retry")
	}
}
