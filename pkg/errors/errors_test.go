package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should find the cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestFromResponse(t *testing.T) {
	cases := []struct {
		status      int
		kind        string
		description string
		want        ErrorCode
	}{
		{429, "", "", ErrCodeRateLimit},
		{402, "InsufficientCreditsError", "not enough credits", ErrCodeInsufficientCredits},
		{400, "", "Invalid session id", ErrCodeInvalidSession},
		{500, "", "Stream Error", ErrCodeStreamError},
		{502, "", "Could not connect to agent", ErrCodeCouldNotConnect},
		{401, "", "", ErrCodeUnauthorized},
		{404, "", "", ErrCodeNotFound},
		{400, "ValidationError", "bad field", ErrCodeInvalidInput},
		{503, "", "", ErrCodeServiceUnavailable},
		{500, "", "boom", ErrCodeInternal},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_%s", tc.status, tc.want), func(t *testing.T) {
			err := FromResponse(tc.status, tc.kind, tc.description)
			if err.Code != tc.want {
				t.Errorf("Code = %v, want %v", err.Code, tc.want)
			}
			if err.HTTPStatus != tc.status {
				t.Errorf("HTTPStatus = %v, want %v", err.HTTPStatus, tc.status)
			}
		})
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewRateLimitError()
	wrapped := fmt.Errorf("send failed: %w", appErr)

	if !IsAppError(wrapped) {
		t.Error("IsAppError should see through wrapping")
	}
	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError = %v, want %v", got, appErr)
	}
	if !HasCode(wrapped, ErrCodeRateLimit) {
		t.Error("HasCode should match rate limit")
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("GetAppError should return nil for plain errors")
	}
	if GetAppError(nil) != nil {
		t.Error("GetAppError should return nil for nil")
	}
}
