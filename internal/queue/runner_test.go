package queue

import (
	"errors"
	"testing"
)

func TestNextStep_RetriesUntilTriesExhausted(t *testing.T) {
	err := errors.New("gateway unavailable")

	if got := NextStep(Task{Attempt: 0}, err, 3); got != StepRetry {
		t.Fatalf("attempt 0 of 3: got %v, want retry", got)
	}
	if got := NextStep(Task{Attempt: 1}, err, 3); got != StepRetry {
		t.Fatalf("attempt 1 of 3: got %v, want retry", got)
	}
	if got := NextStep(Task{Attempt: 2}, err, 3); got != StepFinalize {
		t.Fatalf("attempt 2 of 3: got %v, want finalize", got)
	}
}

func TestNextStep_PermanentFinalizesImmediately(t *testing.T) {
	err := Permanent(errors.New("unsupported audio format"))

	if got := NextStep(Task{Attempt: 0}, err, 3); got != StepFinalize {
		t.Fatalf("permanent error on first attempt: got %v, want finalize", got)
	}
}

func TestNextStep_WrappedPermanentDetected(t *testing.T) {
	base := Permanent(errors.New("corrupt container"))
	wrapped := errors.Join(errors.New("transcribe"), base)

	if got := NextStep(Task{Attempt: 0}, wrapped, 3); got != StepFinalize {
		t.Fatalf("wrapped permanent error: got %v, want finalize", got)
	}
}

func TestPermanentError_Unwrap(t *testing.T) {
	sentinel := errors.New("bad input")
	err := Permanent(sentinel)

	if !errors.Is(err, sentinel) {
		t.Fatalf("permanent wrapper must preserve the cause")
	}
	if err.Error() != "bad input" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestNextStep_SingleTry(t *testing.T) {
	if got := NextStep(Task{Attempt: 0}, errors.New("boom"), 1); got != StepFinalize {
		t.Fatalf("tries=1 must never retry, got %v", got)
	}
}
