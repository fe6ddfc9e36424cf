package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
)

// State is the scheduler state.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateBackingOff:
		return "backing_off"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the outbound sync-status event.
type Status struct {
	State        State
	Online       bool
	Attempt      int // retries used by the current triggered pass
	LastSyncedAt time.Time
	LastError    string
}

// Label collapses Status to the three values the UI shows: idle, syncing
// or error.
func (s Status) Label() string {
	switch {
	case s.State == StateSyncing:
		return "syncing"
	case s.LastError != "":
		return "error"
	default:
		return "idle"
	}
}

// TypeResult is the outcome of syncing one entity type within a pass.
type TypeResult struct {
	Type      entity.Type
	Promoted  int
	Pushed    int
	Pulled    int
	Applied   int
	KeptLocal int
	Dropped   int
	Err       error
}

// PassReport summarizes one sync pass.
type PassReport struct {
	ID       string
	Identity identity.Identity
	Reason   string
	Started  time.Time
	Duration time.Duration
	Results  []TypeResult
}

// Failed returns the results that carry an error.
func (r *PassReport) Failed() []TypeResult {
	var out []TypeResult

	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}

	return out
}

// Err joins the per-type errors, or returns nil when every type succeeded.
func (r *PassReport) Err() error {
	var errs []error

	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", res.Type, res.Err))
	}

	return errors.Join(errs...)
}

// Summary is a one-line description for status output.
func (r *PassReport) Summary() string {
	parts := make([]string, 0, len(r.Results))

	for _, res := range r.Results {
		if res.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: failed", res.Type))
			continue
		}

		parts = append(parts, fmt.Sprintf("%s: %d pushed, %d pulled", res.Type, res.Pushed, res.Pulled))
	}

	if len(parts) == 0 {
		return "nothing to sync"
	}

	return strings.Join(parts, "; ")
}
