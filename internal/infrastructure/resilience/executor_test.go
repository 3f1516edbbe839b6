package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

type observerFake struct {
	mu      sync.Mutex
	retries map[string]int
	states  []string
}

func (o *observerFake) ObserveRetry(operation string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retries == nil {
		o.retries = make(map[string]int)
	}
	o.retries[operation]++
}

func (o *observerFake) ObserveBreakerState(operation, state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, operation+":"+state)
}

func TestExecuteRetriesUnavailableNetwork(t *testing.T) {
	observer := &observerFake{}
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		BreakerEnabled:      false,
		Observer:            observer,
	})

	attempts := 0
	errUnavailable := errors.New("hie unavailable")
	err := exec.Execute(context.Background(), "commonwell.query_documents", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errUnavailable
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errUnavailable),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if observer.retries["commonwell.query_documents"] != 2 {
		t.Fatalf("expected 2 observed retries, got %v", observer.retries)
	}
}

func TestExecuteDoesNotRetryRejectedPayload(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		BreakerEnabled:      false,
	})

	attempts := 0
	errRejected := errors.New("payload rejected")
	err := exec.Execute(context.Background(), "commonwell.register_patient", func(context.Context) error {
		attempts++
		return errRejected
	}, func(error) ErrorClassification {
		return ErrorClassification{}
	})
	if !errors.Is(err, errRejected) {
		t.Fatalf("expected rejection error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteHonorsRetryAfterWithinCap(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryAfterMax:       30 * time.Millisecond,
		BreakerEnabled:      false,
	})

	var stamps []time.Time
	errThrottled := errors.New("throttled")
	started := time.Now()
	_ = exec.Execute(context.Background(), "commonwell.find_person", func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errThrottled
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true, RetryAfter: time.Hour}
	})
	if len(stamps) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(stamps))
	}
	gap := stamps[1].Sub(stamps[0])
	if gap < 30*time.Millisecond {
		t.Fatalf("expected Retry-After to stretch the wait, got %v", gap)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("Retry-After was not capped")
	}
}

func TestNextWait(t *testing.T) {
	exec := NewExecutor(Config{
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     time.Second,
		RetryAfterMax:       5 * time.Second,
	})
	cases := []struct {
		backoff, retryAfter, want time.Duration
	}{
		{backoff: 200 * time.Millisecond, retryAfter: 0, want: 200 * time.Millisecond},
		{backoff: 3 * time.Second, retryAfter: 0, want: time.Second},
		{backoff: 200 * time.Millisecond, retryAfter: 2 * time.Second, want: 2 * time.Second},
		{backoff: 200 * time.Millisecond, retryAfter: time.Minute, want: 5 * time.Second},
		{backoff: 800 * time.Millisecond, retryAfter: 100 * time.Millisecond, want: 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := exec.nextWait(tc.backoff, tc.retryAfter); got != tc.want {
			t.Fatalf("nextWait(%v, %v) = %v, want %v", tc.backoff, tc.retryAfter, got, tc.want)
		}
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	observer := &observerFake{}
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         time.Millisecond,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
		Observer:                observer,
	})

	errDown := errors.New("fhir server down")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{Retryable: false, RecordFailure: true}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "fhir_server.upsert_bundle", func(context.Context) error {
			return errDown
		}, classifier)
		if !errors.Is(err, errDown) {
			t.Fatalf("expected server error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "fhir_server.upsert_bundle", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) || !IsCircuitOpen(err) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if len(observer.states) != 1 || observer.states[0] != "fhir_server.upsert_bundle:open" {
		t.Fatalf("unexpected breaker transitions %v", observer.states)
	}
}

func TestExecuteBreakersAreScopedPerOperation(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    1,
		BreakerEnabled:      true,
		BreakerMinRequests:  1,
		BreakerFailureRatio: 0.5,
		BreakerOpenTimeout:  time.Minute,
	})
	failing := func(context.Context) error { return errors.New("down") }
	_ = exec.Execute(context.Background(), "fhir_converter.convert", failing, nil)

	called := false
	err := exec.Execute(context.Background(), "fhir_server.upsert_bundle", func(context.Context) error {
		called = true
		return nil
	}, nil)
	if err != nil || !called {
		t.Fatalf("expected independent breaker, err=%v called=%v", err, called)
	}
}

func TestExecuteStopsOnCanceledContext(t *testing.T) {
	exec := NewExecutor(Config{BreakerEnabled: false})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := exec.Execute(ctx, "nats.publish", func(context.Context) error {
		t.Fatalf("operation must not run on a canceled context")
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
