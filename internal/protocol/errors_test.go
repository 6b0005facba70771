package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrBadRequest,
		ErrNotFound,
		ErrConflict,
		ErrStale,
		ErrInProgress,
		ErrKeyFailed,
		ErrRateLimit,
		ErrBudget,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestErrorLabel(t *testing.T) {
	cases := map[int]string{
		400: "VALIDATION_ERROR",
		404: "NOT_FOUND",
		409: "CONFLICT",
		429: "RATE_LIMIT",
		500: "ERROR",
	}
	for status, want := range cases {
		if got := ErrorLabel(status); got != want {
			t.Fatalf("ErrorLabel(%d)=%q want %q", status, got, want)
		}
	}
}
