package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep is a periodic housekeeping job run by the Processor
type Sweep struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

type Processor struct {
	sweeps       []Sweep
	processDelay time.Duration // time between sweeps
}

// NewProcessor runs the rail sweep plus any extra sweeps (override and
// reservation expiry) every interval
func NewProcessor(service *Service, interval time.Duration, extra ...Sweep) *Processor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sweeps := append([]Sweep{{Name: "rails", Run: service.SweepRails}}, extra...)
	return &Processor{
		sweeps:       sweeps,
		processDelay: interval,
	}
}

// Start begins the processing loop. It returns when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce runs every sweep once. A failing sweep does not stop the others.
func (p *Processor) RunOnce(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	for _, sweep := range p.sweeps {
		n, err := sweep.Run(ctx)
		if err != nil {
			logger.Error().Err(err).Str("sweep", sweep.Name).Msg("sweep failed")
			continue
		}
		if n > 0 {
			logger.Info().Str("sweep", sweep.Name).Int("count", n).Msg("sweep completed")
		}
	}
}
