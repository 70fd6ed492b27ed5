package httputil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Delay: time.Millisecond}
}

func TestPolicyStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("not found")

	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("Do returned %v, want the permanent error", err)
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times, want 1 call", calls)
	}
}

func TestPolicyRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("status 503"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do = %v, want success after transient failures", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestPolicyExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return Retryable(errors.New("still down"))
	})

	if err == nil {
		t.Fatal("Do should fail after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestPolicyHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Policy{Attempts: 3, Delay: time.Minute}.Do(ctx, func() error {
		return Retryable(errors.New("down"))
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do = %v, want context.Canceled while waiting to retry", err)
	}
}

func TestPolicyBackoffDoublesAndClamps(t *testing.T) {
	p := Policy{Attempts: 5, Delay: time.Second, MaxDelay: 3 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for n, w := range want {
		if got := p.backoff(n); got != w {
			t.Errorf("backoff(%d) = %v, want %v", n, got, w)
		}
	}

	uncapped := Policy{Attempts: 3, Delay: time.Second}
	if got := uncapped.backoff(3); got != 8*time.Second {
		t.Errorf("uncapped backoff(3) = %v, want 8s", got)
	}
}

func TestDefaultPolicies(t *testing.T) {
	// The error-handling design prescribes 3 attempts with exponential
	// backoff for both traffic kinds.
	if MetadataPolicy.Attempts != 3 || DownloadPolicy.Attempts != 3 {
		t.Errorf("policies = %+v / %+v, want 3 attempts each", MetadataPolicy, DownloadPolicy)
	}
	if DownloadPolicy.MaxDelay == 0 {
		t.Error("download backoff should be capped")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
	if !IsRetryable(Retryable(errors.New("wrapped"))) {
		t.Error("Retryable-wrapped errors should be retryable")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should be nil")
	}
}
