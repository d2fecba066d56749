package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got != "[UPSTREAM_ERROR] upstream failed: root" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("handler: %w", NewError(ErrConflict, "message already finalized"))

	e, ok := AsError(wrapped)
	if !ok {
		t.Fatalf("expected *Error in chain")
	}
	if e.Code != ErrConflict {
		t.Fatalf("expected %s, got %s", ErrConflict, e.Code)
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain error must have no code")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil must not be retryable")
	}
}
