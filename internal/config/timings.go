package config

import (
	"errors"
	"fmt"
	"time"
)

// Timings holds the [sync] section parsed into concrete values.
type Timings struct {
	Interval       time.Duration // negative disables the periodic pass
	RetryDelay     time.Duration
	MaxRetries     int // negative disables retries
	StaleAfter     time.Duration
	AuthTimeout    time.Duration
	ProbeInterval  time.Duration
	PullOverlap    time.Duration
	TrashRetention time.Duration
}

// Timings parses the duration strings of the [sync] section. The values
// have already passed Validate, so errors only surface for hand-built
// configs.
func (s *SyncConfig) Timings() (Timings, error) {
	var (
		t    Timings
		errs []error
	)

	parse := func(field, value string, dst *time.Duration) {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}

		*dst = d
	}

	if s.Interval == disabledInterval {
		t.Interval = -1
	} else {
		parse("interval", s.Interval, &t.Interval)
	}

	parse("retry_delay", s.RetryDelay, &t.RetryDelay)
	parse("stale_after", s.StaleAfter, &t.StaleAfter)
	parse("auth_timeout", s.AuthTimeout, &t.AuthTimeout)
	parse("probe_interval", s.ProbeInterval, &t.ProbeInterval)
	parse("pull_overlap", s.PullOverlap, &t.PullOverlap)
	parse("trash_retention", s.TrashRetention, &t.TrashRetention)

	// max_retries = 0 in the file means "never retry"; the scheduler reads
	// zero as "use the default".
	t.MaxRetries = s.MaxRetries
	if t.MaxRetries == 0 {
		t.MaxRetries = -1
	}

	if err := errors.Join(errs...); err != nil {
		return Timings{}, fmt.Errorf("sync timings: %w", err)
	}

	return t, nil
}
