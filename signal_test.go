package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

func TestShutdownContext_FirstSignalCancels(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := shutdownContext(parent, logger)

	// Send SIGINT to ourselves.
	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send SIGINT: %v", err)
	}

	select {
	case <-ctx.Done():
		// Expected: context canceled on first signal.
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of SIGINT")
	}

	// Clean up: cancel parent to stop the goroutine.
	cancel()
}

func TestShutdownContext_ParentCancelStopsGoroutine(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := shutdownContext(parent, logger)

	// Cancel parent: derived context should also cancel.
	cancel()

	select {
	case <-ctx.Done():
		// Expected: context canceled when parent is canceled.
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of parent cancel")
	}
}

func TestReloadOnSIGHUP_CallsReload(t *testing.T) {
	// Not parallel: SIGHUP is process-wide.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reloaded := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		reloadOnSIGHUP(ctx, logger, func() error {
			select {
			case reloaded <- struct{}{}:
			default:
			}

			return nil
		})
	}()

	// Keep a handler installed so an early signal cannot kill the test
	// process, and resend until the reload goroutine has subscribed.
	trap := make(chan os.Signal, 4)
	signal.Notify(trap, syscall.SIGHUP)

	defer signal.Stop(trap)

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for waiting := true; waiting; {
		select {
		case <-reloaded:
			waiting = false
		case <-tick.C:
			if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
				t.Fatalf("failed to send SIGHUP: %v", err)
			}
		case <-deadline:
			t.Fatal("reload not called within 2 seconds of SIGHUP")
		}
	}

	cancel()
	<-done
}
