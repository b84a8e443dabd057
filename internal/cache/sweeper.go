package cache

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/karte/internal/telemetry"
)

// Swept is the view the sweeper needs of a cache.
type Swept interface {
	Name() string
	Len() int
	Stats() (hits, misses int64)
}

// Sweeper periodically reports cache occupancy and hit rates. Entry expiry
// itself happens inside the LRU; the sweep is the observation heartbeat.
type Sweeper struct {
	caches   []Swept
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper registers an observable size gauge over the given caches and
// returns a sweeper ticking at interval.
func NewSweeper(interval time.Duration, logger *slog.Logger, caches ...Swept) *Sweeper {
	meter := telemetry.Meter("karte/cache")
	_, _ = meter.Int64ObservableGauge("karte.cache.size",
		metric.WithDescription("Current number of live cache entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, c := range caches {
				o.Observe(int64(c.Len()), metric.WithAttributes(attribute.String("cache", c.Name())))
			}
			return nil
		}),
	)
	return &Sweeper{caches: caches, interval: interval, logger: logger}
}

// Run blocks until ctx is done, logging a sweep line per cache each tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.caches {
				hits, misses := c.Stats()
				s.logger.Debug("cache: sweep",
					"cache", c.Name(),
					"entries", c.Len(),
					"hits", hits,
					"misses", misses,
				)
			}
		}
	}
}
