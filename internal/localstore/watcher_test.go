package localstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error
	added  []string
}

func newFakeFsWatcher() *fakeFsWatcher {
	return &fakeFsWatcher{events: make(chan fsnotify.Event, 8), errs: make(chan error, 1)}
}

func (f *fakeFsWatcher) Add(name string) error {
	f.added = append(f.added, name)
	return nil
}

func (f *fakeFsWatcher) Close() error                  { return nil }
func (f *fakeFsWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeFsWatcher) Errors() <-chan error          { return f.errs }

type countingPoller struct {
	path  string
	polls atomic.Int32
}

func (p *countingPoller) PollExternal(context.Context) ([]string, error) {
	p.polls.Add(1)
	return nil, nil
}

func (p *countingPoller) Path() string { return p.path }

func TestWatcher_DebouncesDatabaseEvents(t *testing.T) {
	t.Parallel()

	fw := newFakeFsWatcher()
	poller := &countingPoller{path: "/data/state.db"}

	w := &Watcher{
		kv:         poller,
		logger:     testLogger(t),
		debounce:   20 * time.Millisecond,
		safetyPoll: time.Hour,
		newWatcher: func() (fsWatcher, error) { return fw, nil },
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	fw.events <- fsnotify.Event{Name: "/data/other.txt", Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: "/data/state.db-wal", Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: "/data/state.db-wal", Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: "/data/state.db", Op: fsnotify.Chmod}

	require.Eventually(t, func() bool { return poller.polls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// No further events: no further polls.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), poller.polls.Load())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"/data"}, fw.added)
}

func TestWatcher_ErrorsDoNotStopTheLoop(t *testing.T) {
	t.Parallel()

	fw := newFakeFsWatcher()
	poller := &countingPoller{path: "/data/state.db"}

	w := &Watcher{
		kv:         poller,
		logger:     testLogger(t),
		debounce:   time.Millisecond,
		safetyPoll: time.Hour,
		newWatcher: func() (fsWatcher, error) { return fw, nil },
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	fw.errs <- errors.New("overflow")
	fw.events <- fsnotify.Event{Name: "/data/state.db-wal", Op: fsnotify.Write}

	require.Eventually(t, func() bool { return poller.polls.Load() == 1 }, 3*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
