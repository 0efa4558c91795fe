package core

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "mime type must be image/*",
	}

	expected := "invalid_request_error: mime type must be image/*"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrConnection,
		Message: "dial failed",
		Code:    "missing_api_key",
	}

	expected := "connection_error: dial failed (code: missing_api_key)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewPermissionDeniedError_Unwraps(t *testing.T) {
	err := NewPermissionDeniedError("microphone unavailable", io.ErrUnexpectedEOF)
	if err.Type != ErrPermissionDenied {
		t.Errorf("Type = %v, want %v", err.Type, ErrPermissionDenied)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("errors.Is(err, io.ErrUnexpectedEOF) = false")
	}
}

func TestIsType_ThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", NewConnectionError("network down", nil))
	if !IsType(wrapped, ErrConnection) {
		t.Fatal("expected wrapped connection error to match")
	}
	if IsType(wrapped, ErrNotConnected) {
		t.Fatal("unexpected match on not_connected")
	}
	if IsType(errors.New("plain"), ErrConnection) {
		t.Fatal("plain error must not match")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(nil); got != "" {
		t.Fatalf("Message(nil) = %q", got)
	}
	if got := Message(fmt.Errorf("x: %w", NewNotConnectedError("no live session"))); got != "no live session" {
		t.Fatalf("Message(typed) = %q", got)
	}
	if got := Message(errors.New("boom")); got != "boom" {
		t.Fatalf("Message(plain) = %q", got)
	}
}
