package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinylingo/tinysync/internal/config"
	"github.com/tinylingo/tinysync/internal/localstore"
	"github.com/tinylingo/tinysync/internal/remote"
	"github.com/tinylingo/tinysync/internal/supabase"
	"github.com/tinylingo/tinysync/internal/sync"
)

// trashSweepInterval is how often watch mode empties expired trash.
const trashSweepInterval = 24 * time.Hour

// runWatch runs the scheduler and its event sources until interrupted. Only
// one watcher may own a data directory; the PID file enforces that.
func runWatch(ctx context.Context, cc *CLIContext, a *app) error {
	cleanup, err := writePIDFile(a.cfg.State.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx = shutdownContext(ctx, cc.Logger)
	holder := config.NewHolder(a.cfg)

	id, err := a.resolveIdentity(ctx)
	if err != nil {
		return err
	}

	unsub := a.orch.Subscribe(newStatusPrinter(cc.Statusf))
	defer unsub()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.orch.Run(gctx) })

	// Picks up edits made by other tinysync processes on the same database.
	g.Go(func() error { return localstore.NewWatcher(a.kv, cc.Logger).Run(gctx) })

	g.Go(func() error {
		p := &sync.Prober{Probe: a.rows.Ping, Interval: a.timings.ProbeInterval, Logger: cc.Logger}
		p.Run(gctx, a.orch.SetOnline)

		return nil
	})

	if a.cfg.Remote.Realtime {
		rt, err := newRealtime(a)
		if err != nil {
			return err
		}

		g.Go(func() error { return rt.Run(gctx, id, a.orch.RequestPull) })
	}

	g.Go(func() error {
		sweepTrash(gctx, cc.Logger, a.orch, holder)
		return nil
	})

	g.Go(func() error {
		reloadOnSIGHUP(gctx, cc.Logger, func() error { return reloadConfig(cc, holder) })
		return nil
	})

	cc.Logger.Info("watch started", slog.String("identity", id.String()))
	cc.Statusf("Watching as %s. Press Ctrl-C to stop.\n", id)

	if err := g.Wait(); err != nil {
		return err
	}

	cc.Statusf("Stopped.\n")

	return nil
}

func newRealtime(a *app) (*remote.Realtime, error) {
	return remote.NewRealtime(remote.RealtimeConfig{
		ProjectURL: a.cfg.Remote.ProjectURL,
		APIKey:     a.cfg.Remote.AnonKey,
		Logger:     a.logger,
		// Guests subscribe with the API key alone.
		Token: func(ctx context.Context) (string, error) {
			tok, err := a.sessions.AccessToken(ctx)
			if errors.Is(err, supabase.ErrSignedOut) {
				return "", nil
			}

			return tok, err
		},
	})
}

// newStatusPrinter reports label transitions through printf. It runs on the
// scheduler goroutine, so it only formats and writes.
func newStatusPrinter(printf func(format string, args ...any)) func(sync.Status) {
	var last string

	return func(st sync.Status) {
		label := st.Label()
		if !st.Online {
			label = "offline"
		}

		if label == last {
			return
		}

		last = label

		switch label {
		case "error":
			printf("sync: error: %s\n", st.LastError)
		case "idle":
			printf("sync: idle (last synced %s)\n", formatTime(st.LastSyncedAt))
		default:
			printf("sync: %s\n", label)
		}
	}
}

// sweepTrash empties expired trash at startup and then daily. The retention
// is read on every sweep so reloads apply.
func sweepTrash(ctx context.Context, logger *slog.Logger, orch *sync.Orchestrator, holder *config.Holder) {
	for {
		retention := sync.DefaultTrashRetention

		timings, err := holder.Config().Sync.Timings()
		if err == nil {
			retention = timings.TrashRetention
		}

		n, err := orch.EmptyTrash(ctx, retention)

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warn("emptying trash failed", slog.String("error", err.Error()))
		case n > 0:
			logger.Info("trash emptied", slog.Int("records", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(trashSweepInterval):
		}
	}
}

// reloadConfig re-resolves configuration from the same sources. The log
// level and trash retention apply immediately; connection settings and
// timings only take effect on restart.
func reloadConfig(cc *CLIContext, holder *config.Holder) error {
	old := holder.Config()

	next, err := holder.Reload(config.ReadEnvOverrides(), cc.CLI)
	if err != nil {
		return err
	}

	cc.applyReload(next)

	if next.Remote != old.Remote || next.State != old.State || next.Storage != old.Storage {
		cc.Logger.Warn("remote, storage or state settings changed; restart sync --watch to apply them")
	}

	if nextT, err := next.Sync.Timings(); err == nil {
		if oldT, err := old.Sync.Timings(); err == nil && !sameSchedule(oldT, nextT) {
			cc.Logger.Warn("sync timings changed; restart sync --watch to apply them")
		}
	}

	return nil
}

func sameSchedule(a, b config.Timings) bool {
	a.TrashRetention, b.TrashRetention = 0, 0
	return a == b
}
