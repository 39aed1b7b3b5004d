package cierrs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryableClassification(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTimeout, true},
		{KindCancelled, false},
		{KindRequestIDExhausted, true},
		{KindTransportFailure, true},
		{KindMalformedResponse, false},
		{KindPayloadValidation, false},
		{KindDestinationUnresolved, false},
		{KindNotRunning, false},
	}
	for _, c := range cases {
		e := New(c.kind)
		if e.Retryable != c.retryable {
			t.Errorf("New(%v).Retryable = %v, want %v", c.kind, e.Retryable, c.retryable)
		}
	}
}

func TestNAKRetryableOnlyWhenTransient(t *testing.T) {
	transient := New(KindNAK, WithStatus(503))
	if !transient.Retryable {
		t.Error("5xx NAK should be retryable (transient)")
	}

	permanent := New(KindNAK, WithStatus(404))
	if permanent.Retryable {
		t.Error("4xx NAK should not be retryable")
	}
}

func TestIsRetryableUnwraps(t *testing.T) {
	wrapped := errors.New("wrapped: " + New(KindTimeout).Error())
	if IsRetryable(wrapped) {
		t.Error("IsRetryable on a plain error should be false")
	}

	ciErr := New(KindTimeout, WithWrapped(errors.New("deadline")))
	if !IsRetryable(ciErr) {
		t.Error("IsRetryable on KindTimeout should be true")
	}
}

func TestWithRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return New(KindTimeout, WithRetryAfter(time.Millisecond))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 5, func(ctx context.Context) error {
		attempts++
		return New(KindMalformedResponse)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable should stop immediately)", attempts)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		return New(KindTimeout, WithRetryAfter(time.Millisecond))
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}
