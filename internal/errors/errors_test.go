package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNewAppError(t *testing.T) {
	err := NewAppError(ErrCodeSyntax, "Test error", nil)

	if err.Code != ErrCodeSyntax {
		t.Errorf("Expected code %s, got %s", ErrCodeSyntax, err.Code)
	}

	if err.Message != "Test error" {
		t.Errorf("Expected message 'Test error', got %s", err.Message)
	}

	if err.Severity != SeverityLow {
		t.Errorf("Expected severity %s, got %s", SeverityLow, err.Severity)
	}
}

func TestAppErrorSeverity(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected ErrorSeverity
	}{
		{ErrCodeSessionTimeout, SeverityCritical},
		{ErrCodeDataUnavailable, SeverityHigh},
		{ErrCodeExecution, SeverityMedium},
		{ErrCodeSyntax, SeverityLow},
	}

	for _, test := range tests {
		err := NewAppError(test.code, "Test", nil)
		if err.Severity != test.expected {
			t.Errorf("Code %s: expected severity %s, got %s", test.code, test.expected, err.Severity)
		}
	}
}

func TestAppErrorIsMatchesByCode(t *testing.T) {
	err := NewAppErrorWithDetails(ErrCodeUnknownSymbol, "unknown function", "Foo", nil)
	wrapped := fmt.Errorf("parse task momentum: %w", err)

	if !stderrors.Is(wrapped, ErrUnknownSymbol) {
		t.Error("wrapped unknown-symbol error should match ErrUnknownSymbol")
	}
	if stderrors.Is(wrapped, ErrSyntax) {
		t.Error("unknown-symbol error must not match ErrSyntax")
	}
	if CodeOf(wrapped) != ErrCodeUnknownSymbol {
		t.Errorf("Expected code %s, got %s", ErrCodeUnknownSymbol, CodeOf(wrapped))
	}
}

func TestAppErrorIsRetryable(t *testing.T) {
	retryable := NewAppError(ErrCodeExecution, "shape mismatch", nil)
	nonRetryable := NewAppError(ErrCodeSyntax, "unbalanced parenthesis", nil)

	if !retryable.IsRetryable() {
		t.Error("Execution error should be retryable")
	}
	if nonRetryable.IsRetryable() {
		t.Error("Syntax error should not be retryable")
	}
	if IsRetryable(stderrors.New("plain")) {
		t.Error("Plain errors should not be retryable")
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, ErrCodeInternal, "nil") != nil {
		t.Error("Wrapping nil should return nil")
	}

	plain := stderrors.New("connection refused")
	wrapped := WrapError(plain, ErrCodeDBConnection, "connect knowledge store")
	if wrapped.Code != ErrCodeDBConnection {
		t.Errorf("Expected code %s, got %s", ErrCodeDBConnection, wrapped.Code)
	}
	if !stderrors.Is(wrapped, plain) {
		t.Error("Wrapped error should unwrap to the cause")
	}

	original := NewAppError(ErrCodeExecution, "original", nil)
	if WrapError(original, ErrCodeInternal, "again") != original {
		t.Error("Wrapping an AppError should return it unchanged")
	}
}

func TestAppErrorMessage(t *testing.T) {
	err := NewAppErrorWithDetails(ErrCodeSyntax, "syntax error", "unexpected ')' at 7", nil)
	if err.Error() != "[SYNTAX_ERROR] syntax error: unexpected ')' at 7" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	err = err.WithContext("position", 7)
	if err.Context["position"] != 7 {
		t.Errorf("Expected position context 7, got %v", err.Context["position"])
	}
}
