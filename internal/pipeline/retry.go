package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// RetryConfig tunes the per-stage retry loop.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
}

// DefaultRetryConfig matches the documented contract: 3 attempts,
// 1 s base, doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Base: time.Second, Multiplier: 2}
}

// retryableFragments are the transient failure markers recognized in error
// text from dependencies that do not return typed errors.
var retryableFragments = []string{
	"econnreset",
	"etimedout",
	"enotfound",
	"rate_limit",
	"rate limit",
	"timeout",
}

// Retryable reports whether err is transient enough to try again. Breaker
// rejections and caller cancellation are never retryable: the first fails
// fast on purpose, the second means nobody is waiting for the answer.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch model.KindOf(err) {
	case model.KindCircuitOpen, model.KindDeadlineExceeded, model.KindValidation,
		model.KindInvalidCitation, model.KindNoResults:
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Connection refused is retryable too: a restarting local Ollama
	// refuses briefly before it listens again.
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// WithRetry runs fn up to cfg.MaxAttempts times with exponential backoff
// between retryable failures. The request deadline bounds the whole loop:
// a backoff sleep cut short by ctx returns the context error, not the last
// dependency error.
func WithRetry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, op string, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.Base
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		logger.Warn("pipeline: retrying after transient failure",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return model.WrapErr(model.KindDeadlineExceeded, "pipeline: "+op+" retry interrupted", ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
	return err
}
