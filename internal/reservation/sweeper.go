package reservation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically releases reservations whose callers never came back.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

func NewSweeper(registry *Registry, interval time.Duration, batch int, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 1000
	}
	return &Sweeper{registry: registry, interval: interval, batch: batch, logger: logger}
}

// Run sweeps every interval until ctx is cancelled. A full batch is followed
// immediately by another pass.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := s.registry.ExpireDue(ctx, time.Now(), s.batch)
		if err != nil {
			s.logger.Error().Err(err).Msg("reservation sweep failed")
			return
		}
		if n > 0 {
			s.logger.Info().Int("expired", n).Msg("released expired reservations")
		}
		if n < s.batch {
			return
		}
	}
}
