package localstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher timing defaults.
const (
	defaultWatchDebounce = 100 * time.Millisecond
	defaultSafetyPoll    = 30 * time.Second
	watchErrInitBackoff  = time.Second
	watchErrMaxBackoff   = 30 * time.Second
	watchErrBackoffMult  = 2
)

// fsWatcher is the slice of fsnotify.Watcher the loop needs, so tests can
// inject events.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWrapper) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

// externalPoller is implemented by SQLiteKV.
type externalPoller interface {
	PollExternal(ctx context.Context) ([]string, error)
	Path() string
}

// Watcher detects writes made by other processes to the shared database and
// publishes them as external key changes. fsnotify on the database directory
// wakes it up; the database itself decides what changed.
type Watcher struct {
	kv         externalPoller
	logger     *slog.Logger
	debounce   time.Duration
	safetyPoll time.Duration
	newWatcher func() (fsWatcher, error)
}

// NewWatcher creates a watcher for kv.
func NewWatcher(kv *SQLiteKV, logger *slog.Logger) *Watcher {
	return &Watcher{
		kv:         kv,
		logger:     logger,
		debounce:   defaultWatchDebounce,
		safetyPoll: defaultSafetyPoll,
		newWatcher: func() (fsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return fsnotifyWrapper{w: w}, nil
		},
	}
}

// Run watches until ctx is cancelled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := w.newWatcher()
	if err != nil {
		return fmt.Errorf("localstore: creating file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.kv.Path())
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("localstore: watching %s: %w", dir, err)
	}

	base := filepath.Base(w.kv.Path())

	w.logger.Debug("watching local store for external writes", slog.String("dir", dir))

	safety := time.NewTicker(w.safetyPoll)
	defer safety.Stop()

	// A stopped timer with a drained channel; Reset arms it.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}

			// The main file, -wal and -shm all count.
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}

			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}

			debounce.Reset(w.debounce)

			errBackoff = watchErrInitBackoff

		case werr, ok := <-fw.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("file watcher error",
				slog.String("error", werr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := sleepCtx(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-debounce.C:
			w.poll(ctx)

		case <-safety.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	if _, err := w.kv.PollExternal(ctx); err != nil {
		w.logger.Warn("polling external changes failed", slog.String("error", err.Error()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
