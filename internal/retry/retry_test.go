package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vigil/internal/apperr"
	"vigil/internal/retry"
)

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Attempts: 3, Backoff: time.Millisecond}, "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Wrap(apperr.KindTransientStore, "db", errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Attempts: 5, Backoff: time.Millisecond}, "test", func(ctx context.Context) error {
		calls++
		return apperr.NotFound("get", "alert", "a1")
	})
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Attempts: 2, Backoff: time.Millisecond}, "test", func(ctx context.Context) error {
		calls++
		return apperr.Wrap(apperr.KindTransientStore, "db", errors.New("timeout"))
	})
	if !apperr.IsKind(err, apperr.KindTransientStore) {
		t.Fatalf("expected transient_store after exhaustion, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestPolicyDelay(t *testing.T) {
	p := retry.Policy{Attempts: 5, Backoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}

	want := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}
