package security

import (
	"errors"
	"testing"
)

func TestDefaultLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("default limits invalid: %v", err)
	}
}

func TestValidateRejectsZero(t *testing.T) {
	l := DefaultLimits()
	l.MaxXRefDepth = 0
	if err := l.Validate(); err == nil {
		t.Fatalf("expected error for zero xref depth")
	}
}

func TestExceededWrapsSentinel(t *testing.T) {
	err := Exceeded("stream", 10, 5)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if err.Error() != "security limit exceeded: stream 10 > 5" {
		t.Fatalf("message: %s", err)
	}
}
