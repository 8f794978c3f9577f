package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"kinded", E(KindArchived, "session frozen"), KindArchived},
		{"wrapped", fmt.Errorf("outer: %w", E(KindConflict, "digest mismatch")), KindConflict},
		{"canceled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(E(KindTransient, "flaky upstream")) {
		t.Fatal("Transient should be retryable")
	}
	if Retryable(E(KindPermanent, "bad recipient")) {
		t.Fatal("Permanent should not be retryable")
	}
	if Retryable(E(KindForbidden, "nope")) {
		t.Fatal("Forbidden should not be retryable")
	}
}

func TestWithData(t *testing.T) {
	base := E(KindRateLimited, "slow down")
	withRetry := base.WithData("retry_after_ms", 250)
	if base.Data != nil {
		t.Fatal("WithData mutated the original error")
	}
	if withRetry.Data["retry_after_ms"] != 250 {
		t.Fatalf("Data = %v", withRetry.Data)
	}
}
