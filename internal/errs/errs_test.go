package errs

import (
	"errors"
	"testing"
)

func TestWrapIs(t *testing.T) {
	t.Parallel()
	err := Wrap(NotFound, "session %s not found", "abc")
	if !errors.Is(err, NotFound) {
		t.Errorf("errors.Is(err, NotFound) = false, want true")
	}
	if errors.Is(err, Conflict) {
		t.Errorf("errors.Is(err, Conflict) = true, want false")
	}
	if got, want := err.Error(), "session abc not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapErrUnwrapsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("disk full")
	err := WrapErr(StorageError, cause, "store: write")

	if !errors.Is(err, StorageError) {
		t.Errorf("errors.Is(err, StorageError) = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if got, want := err.Error(), "store: write: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapWithoutCauseUnwrapsToKind(t *testing.T) {
	t.Parallel()
	err := Wrap(Skip, "dedup window active")
	if !errors.Is(err, Skip) {
		t.Errorf("errors.Is(err, Skip) = false, want true")
	}
	if got := errors.Unwrap(err); got != Skip {
		t.Errorf("errors.Unwrap(err) = %v, want Skip", got)
	}
}
