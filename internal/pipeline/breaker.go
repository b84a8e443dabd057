package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ashita-ai/karte/internal/model"
)

// Dependency names the breakers are keyed by. Every external call goes
// through exactly one of these.
const (
	DepEmbedder      = "embedder"
	DepGenerator     = "generator"
	DepRecordSource  = "record_source"
	DepVectorIndex   = "vector_index"
	DepMetadataStore = "metadata_store"
)

// BreakerConfig tunes every breaker in a registry.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold uint32
	// ResetTimeout is how long an open breaker waits before letting one
	// probe call through.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig matches the documented service contract.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Breakers is the per-dependency circuit breaker registry. Breakers are
// created lazily per name and live for the process; the registry is owned
// by the Core instance, not a package global.
type Breakers struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakers builds an empty registry.
func NewBreakers(cfg BreakerConfig, logger *slog.Logger) *Breakers {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breakers{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ResetTimeout is the configured open-state cooldown, exposed so the HTTP
// layer can fill Retry-After.
func (b *Breakers) ResetTimeout() time.Duration { return b.cfg.ResetTimeout }

func (b *Breakers) breaker(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[name]; ok {
		return cb
	}
	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe decides HALF_OPEN
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Caller cancellation is not a dependency failure; it must not
		// push a healthy dependency toward OPEN.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"dependency", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[name] = cb
	return cb
}

// Do runs fn through the named breaker. An OPEN breaker rejects without
// calling fn and surfaces circuit_open.
func (b *Breakers) Do(name string, fn func() error) error {
	_, err := b.breaker(name).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return model.WrapErr(model.KindCircuitOpen, "pipeline: "+name+" circuit open", err)
	}
	return err
}

// State reports the named breaker's current state, creating it if needed.
func (b *Breakers) State(name string) gobreaker.State {
	return b.breaker(name).State()
}

// States reports every instantiated breaker, for the health endpoint.
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.breakers))
	for name, cb := range b.breakers {
		out[name] = cb.State().String()
	}
	return out
}
