// Package sync schedules and runs sync passes between the local store and
// the remote store. One scheduler goroutine owns the state machine
// Idle → Syncing → (Idle | BackingOff); at most one pass runs at a time and
// triggers that arrive meanwhile collapse into a single follow-up pass.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
	"github.com/tinylingo/tinysync/internal/localstore"
)

// Defaults match the editor's auto-sync behaviour.
const (
	DefaultInterval   = 30 * time.Second
	DefaultRetryDelay = 5 * time.Second
	DefaultMaxRetries = 3
	DefaultStaleAfter = 5 * time.Minute
)

// ErrPassInFlight is returned by SyncNow when another pass is running.
var ErrPassInFlight = errors.New("sync: a pass is already in flight")

// Remote is the remote adapter surface used by a pass.
type Remote interface {
	Push(ctx context.Context, id identity.Identity, typ entity.Type, recs []entity.Record) error
	Pull(ctx context.Context, id identity.Identity, typ entity.Type, since time.Time) ([]entity.Record, error)
	Purge(ctx context.Context, id identity.Identity, typ entity.Type, keys []string) error
	EnsureUser(ctx context.Context, id identity.Identity) error
	RecordSyncStatus(ctx context.Context, id identity.Identity, typ entity.Type, at time.Time, syncErr error) error
}

// Promoter lifts inline assets to durable storage.
type Promoter interface {
	Promote(ctx context.Context, id identity.Identity, desc entity.Descriptor, rec entity.Record) (entity.Record, bool, error)
}

// IdentitySource resolves the active identity.
type IdentitySource interface {
	Resolve(ctx context.Context) (identity.Identity, error)
}

// Config holds the inputs for creating an Orchestrator.
type Config struct {
	Store    *localstore.Store
	Remote   Remote
	Assets   Promoter // nil disables promotion
	Identity IdentitySource
	Clock    Clock // nil uses the wall clock
	Logger   *slog.Logger

	Interval   time.Duration // periodic tick; zero uses the default, negative disables
	RetryDelay time.Duration
	MaxRetries int // zero uses the default, negative disables retries
	StaleAfter time.Duration
}

// Orchestrator runs sync passes.
type Orchestrator struct {
	store      *localstore.Store
	remote     Remote
	assets     Promoter
	identity   IdentitySource
	clock      Clock
	logger     *slog.Logger
	interval   time.Duration
	retryDelay time.Duration
	maxRetries int
	staleAfter time.Duration

	inFlight atomic.Bool
	online   atomic.Bool
	triggers chan string

	mu     gosync.Mutex
	status Status
	last   *PassReport
	subs   map[int]func(Status)
	nextID int
	pulls  map[entity.Type]bool // remote changes announced since the last pass
}

// NewOrchestrator applies defaults to cfg. The orchestrator starts online.
func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:      cfg.Store,
		remote:     cfg.Remote,
		assets:     cfg.Assets,
		identity:   cfg.Identity,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		staleAfter: cfg.StaleAfter,
		triggers:   make(chan string, 1),
		subs:       make(map[int]func(Status)),
		pulls:      make(map[entity.Type]bool),
	}

	if o.clock == nil {
		o.clock = RealClock()
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.interval == 0 {
		o.interval = DefaultInterval
	}

	if o.retryDelay <= 0 {
		o.retryDelay = DefaultRetryDelay
	}

	if o.maxRetries < 0 {
		o.maxRetries = 0
	} else if cfg.MaxRetries == 0 {
		o.maxRetries = DefaultMaxRetries
	}

	if o.staleAfter <= 0 {
		o.staleAfter = DefaultStaleAfter
	}

	o.online.Store(true)
	o.status.Online = true

	return o
}

// Trigger asks for a pass. It never blocks: a trigger that finds another
// one queued is absorbed by it.
func (o *Orchestrator) Trigger(reason string) {
	select {
	case o.triggers <- reason:
	default:
	}
}

// RequestPull records that typ changed remotely, so the next pass pulls it
// even when its cursor is fresh, and triggers that pass.
func (o *Orchestrator) RequestPull(typ entity.Type) {
	o.mu.Lock()
	o.pulls[typ] = true
	o.mu.Unlock()

	o.Trigger("remote change")
}

func (o *Orchestrator) takePulls() map[entity.Type]bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	pulls := o.pulls
	o.pulls = make(map[entity.Type]bool)

	return pulls
}

// SetOnline records a connectivity transition. Going online triggers a pass;
// while offline, triggers only accumulate.
func (o *Orchestrator) SetOnline(online bool) {
	was := o.online.Swap(online)
	if was == online {
		return
	}

	o.logger.Info("connectivity changed", slog.Bool("online", online))
	o.updateStatus(func(s *Status) { s.Online = online })

	if online {
		o.Trigger("online")
	}
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.status
}

// LastReport returns the report of the most recent pass, or nil.
func (o *Orchestrator) LastReport() *PassReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.last
}

// Subscribe registers fn for status changes. fn runs on the scheduler
// goroutine and must not block.
func (o *Orchestrator) Subscribe(fn func(Status)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	o.subs[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *Orchestrator) updateStatus(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	st := o.status

	fns := make([]func(Status), 0, len(o.subs))
	for _, f := range o.subs {
		fns = append(fns, f)
	}
	o.mu.Unlock()

	for _, f := range fns {
		f(st)
	}
}

// scheduler is the state owned by Run's goroutine.
type scheduler struct {
	done    chan *PassReport // non-nil while Syncing
	retry   <-chan time.Time // non-nil while BackingOff
	failed  map[entity.Type]bool
	stuck   []TypeResult // non-retryable failures carried through retries
	pending bool
	attempt int
}

// Run drives passes until ctx is cancelled. Local mutations (user edits and
// writes by other processes) trigger passes; the engine's own writes do
// not. Run waits for an in-flight pass before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	unsub := o.store.Subscribe(func(ev localstore.Event) {
		if ev.Type != "" && ev.Source != localstore.SourceSync {
			o.Trigger("mutation")
		}
	})
	defer unsub()

	o.logger.Info("sync scheduler started",
		slog.Duration("interval", o.interval),
		slog.Duration("retry_delay", o.retryDelay),
		slog.Int("max_retries", o.maxRetries),
	)

	s := &scheduler{}
	tick := o.tickChan()

	o.Trigger("startup")

	for {
		select {
		case <-ctx.Done():
			if s.done != nil {
				o.finish(s, <-s.done)
			}

			o.logger.Info("sync scheduler stopped")

			return nil

		case reason := <-o.triggers:
			o.onTrigger(ctx, s, reason)

		case <-tick:
			tick = o.tickChan()
			o.onTrigger(ctx, s, "tick")

		case <-s.retry:
			s.retry = nil
			o.onRetry(ctx, s)

		case report := <-s.done:
			s.done = nil
			o.finish(s, report)

			if s.retry == nil && s.pending && o.online.Load() {
				s.pending = false
				o.start(ctx, s, "pending", nil)
			}
		}
	}
}

func (o *Orchestrator) tickChan() <-chan time.Time {
	if o.interval < 0 {
		return nil
	}

	return o.clock.After(o.interval)
}

func (o *Orchestrator) onTrigger(ctx context.Context, s *scheduler, reason string) {
	switch {
	case s.done != nil || s.retry != nil:
		// Syncing or BackingOff: fold into the follow-up.
		s.pending = true
	case !o.online.Load():
		o.logger.Debug("offline, deferring pass", slog.String("reason", reason))
		s.pending = true
	default:
		s.pending = false
		s.attempt = 0
		o.start(ctx, s, reason, nil)
	}
}

// onRetry runs the scheduled retry. Only failed types are retried unless
// new triggers arrived during the delay, which widen it to a full pass.
func (o *Orchestrator) onRetry(ctx context.Context, s *scheduler) {
	if !o.online.Load() {
		o.logger.Info("offline at retry, waiting for connectivity")
		s.pending = true
		s.attempt = 0
		s.failed = nil
		s.stuck = nil
		o.updateStatus(func(st *Status) { st.State = StateIdle; st.Attempt = 0 })

		return
	}

	scope := s.failed
	if s.pending {
		scope = nil
		s.pending = false
	}

	s.failed = nil
	o.start(ctx, s, "retry", scope)
}

func (o *Orchestrator) start(ctx context.Context, s *scheduler, reason string, scope map[entity.Type]bool) {
	if !o.inFlight.CompareAndSwap(false, true) {
		// A SyncNow call holds the guard; the next trigger picks this up.
		s.pending = true
		return
	}

	if scope == nil {
		// A full pass selects every dirty type again.
		s.stuck = nil
	}

	o.updateStatus(func(st *Status) { st.State = StateSyncing; st.Attempt = s.attempt })

	done := make(chan *PassReport, 1)
	s.done = done

	go func() {
		report := o.runPass(ctx, reason, scope)
		o.inFlight.Store(false)
		done <- report
	}()
}

// finish applies the retry policy to a completed pass.
func (o *Orchestrator) finish(s *scheduler, report *PassReport) {
	carryFailures(report, s.stuck)
	s.stuck = nil

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	failed := report.Failed()
	if len(failed) == 0 {
		s.attempt = 0

		o.updateStatus(func(st *Status) {
			st.State = StateIdle
			st.Attempt = 0
			st.LastError = ""
			st.LastSyncedAt = report.Started
		})

		return
	}

	retry := retryableTypes(failed)
	errMsg := report.Err().Error()

	if len(retry) > 0 && s.attempt < o.maxRetries {
		s.attempt++
		s.failed = retry
		s.stuck = permanentFailures(failed)
		s.retry = o.clock.After(o.retryDelay)

		o.logger.Warn("sync pass failed, backing off",
			slog.String("pass", report.ID),
			slog.Int("attempt", s.attempt),
			slog.Int("max_retries", o.maxRetries),
			slog.Duration("delay", o.retryDelay),
			slog.String("error", errMsg),
		)

		o.updateStatus(func(st *Status) {
			st.State = StateBackingOff
			st.Attempt = s.attempt
			st.LastError = errMsg
		})

		return
	}

	o.logger.Error("sync pass failed, giving up until the next trigger",
		slog.String("pass", report.ID),
		slog.Int("attempts", s.attempt+1),
		slog.String("error", errMsg),
	)

	s.attempt = 0
	s.failed = nil

	o.updateStatus(func(st *Status) {
		st.State = StateIdle
		st.Attempt = 0
		st.LastError = errMsg
	})
}

// SyncNow runs one triggered pass synchronously, including its fixed
// retries, and returns the final report. It is the one-shot counterpart of
// Run and must not be used concurrently with it.
func (o *Orchestrator) SyncNow(ctx context.Context) (*PassReport, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPassInFlight
	}
	defer o.inFlight.Store(false)

	var (
		scope  map[entity.Type]bool
		stuck  []TypeResult
		report *PassReport
	)

	for attempt := 0; ; attempt++ {
		o.updateStatus(func(st *Status) { st.State = StateSyncing; st.Attempt = attempt })

		report = o.runPass(ctx, "manual", scope)
		carryFailures(report, stuck)

		failed := report.Failed()
		if len(failed) == 0 {
			o.updateStatus(func(st *Status) {
				st.State = StateIdle
				st.Attempt = 0
				st.LastError = ""
				st.LastSyncedAt = report.Started
			})

			break
		}

		scope = retryableTypes(failed)
		stuck = permanentFailures(failed)

		if len(scope) == 0 || attempt >= o.maxRetries {
			o.updateStatus(func(st *Status) {
				st.State = StateIdle
				st.Attempt = 0
				st.LastError = report.Err().Error()
			})

			break
		}

		o.updateStatus(func(st *Status) { st.State = StateBackingOff; st.LastError = report.Err().Error() })

		select {
		case <-ctx.Done():
			return report, fmt.Errorf("sync: %w", ctx.Err())
		case <-o.clock.After(o.retryDelay):
		}
	}

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	return report, report.Err()
}
