package sync

import (
	"context"
	"log/slog"
	"time"
)

// DefaultProbeInterval is how often a Prober checks reachability.
const DefaultProbeInterval = 15 * time.Second

// Prober turns a reachability check into an online/offline stream.
type Prober struct {
	Probe    func(ctx context.Context) error
	Interval time.Duration
	Clock    Clock
	Logger   *slog.Logger
}

// Run probes until ctx is cancelled and calls onChange on every transition,
// including the first result.
func (p *Prober) Run(ctx context.Context, onChange func(online bool)) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	clock := p.Clock
	if clock == nil {
		clock = RealClock()
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		known bool
		last  bool
	)

	for {
		err := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}

		online := err == nil
		if !known || online != last {
			if err != nil {
				logger.Debug("connectivity probe failed", slog.String("error", err.Error()))
			}

			known, last = true, online
			onChange(online)
		}

		select {
		case <-ctx.Done():
			return
		case <-clock.After(interval):
		}
	}
}
