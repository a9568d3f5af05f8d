package errs

import (
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestErrorIsMatchesCodeAndKind(t *testing.T) {
	err := ErrPlanNotFound.With("plan %s", "p-1")

	if !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("expected code match")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected kind match")
	}
	if errors.Is(err, ErrUpdateNotFound) {
		t.Errorf("different code must not match")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Errorf("different kind must not match")
	}
}

func TestErrorSurvivesWrapping(t *testing.T) {
	wrapped := pkgerrors.Wrap(ErrNoBatches.With("execution e-1"), "start batch")
	wrapped = fmt.Errorf("api: %w", wrapped)

	if !errors.Is(wrapped, ErrNoBatches) {
		t.Fatalf("wrapped error lost its code: %v", wrapped)
	}
	if KindOf(wrapped) != KindEmptyCollection {
		t.Errorf("KindOf = %q", KindOf(wrapped))
	}
	if CodeOf(wrapped) != "NoBatches" {
		t.Errorf("CodeOf = %q", CodeOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Errorf("plain errors have no kind")
	}
}

func TestErrorMessage(t *testing.T) {
	if got := ErrEmptyPlan.Error(); got != "EmptyPlan" {
		t.Errorf("got %q", got)
	}
	if got := ErrEmptyPlan.With("plan %s has no batches", "p").Error(); got != "EmptyPlan: plan p has no batches" {
		t.Errorf("got %q", got)
	}
	if got := ErrNotFound.Error(); got != "not_found" {
		t.Errorf("got %q", got)
	}
}
