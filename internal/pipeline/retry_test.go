package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"econnreset", syscall.ECONNRESET, true},
		{"etimedout", syscall.ETIMEDOUT, true},
		{"econnrefused", syscall.ECONNREFUSED, true},
		{"dns", &fakeDNSError{}, true},
		{"rate limit text", errors.New("429 rate_limit exceeded"), true},
		{"timeout text", fmt.Errorf("call failed: %w", errors.New("i/o timeout")), true},
		{"circuit open", model.Errorf(model.KindCircuitOpen, "open"), false},
		{"validation", model.Errorf(model.KindValidation, "bad input"), false},
		{"ctx canceled", context.Canceled, false},
		{"ctx deadline", context.DeadlineExceeded, false},
		{"plain", errors.New("schema violation"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

// fakeDNSError carries the ENOTFOUND marker without a real lookup.
type fakeDNSError struct{}

func (e *fakeDNSError) Error() string { return "lookup embedder: ENOTFOUND" }

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Base: time.Millisecond, Multiplier: 2}
	calls := 0
	err := WithRetry(context.Background(), cfg, testLogger(), "test", func() error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Base: time.Millisecond, Multiplier: 2}
	calls := 0
	err := WithRetry(context.Background(), cfg, testLogger(), "test", func() error {
		calls++
		return syscall.ETIMEDOUT
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ETIMEDOUT)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()
	calls := 0
	err := WithRetry(context.Background(), cfg, testLogger(), "test", func() error {
		calls++
		return model.Errorf(model.KindValidation, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestWithRetryHonorsContextDuringBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Base: 5 * time.Second, Multiplier: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := WithRetry(ctx, cfg, testLogger(), "test", func() error {
		calls++
		return syscall.ECONNRESET
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.KindDeadlineExceeded, model.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}
