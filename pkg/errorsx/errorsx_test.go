package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := Wrap(base, ReasonTranscribeBackend)
	if got := Reason(err); got != ReasonTranscribeBackend {
		t.Fatalf("expected transcribe_backend, got %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error should unwrap to base")
	}
}

func TestWrapPreservesFirstReason(t *testing.T) {
	err := Wrap(errors.New("queue full"), ReasonInsightQueue)
	err = Wrap(err, ReasonInsightGenerate)
	if got := Reason(err); got != ReasonInsightQueue {
		t.Fatalf("expected first reason to stick, got %q", got)
	}
}

func TestReasonThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("generate: %w", Wrap(errors.New("boom"), ReasonInsightGenerate))
	if !HasReason(err, ReasonInsightGenerate) {
		t.Fatalf("reason should survive fmt.Errorf wrapping")
	}
}

func TestNilHandling(t *testing.T) {
	if Wrap(nil, ReasonRoomFull) != nil {
		t.Fatalf("wrapping nil should return nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("nil error should report unknown reason")
	}
}
