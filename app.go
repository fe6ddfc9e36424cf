package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinylingo/tinysync/internal/assets"
	"github.com/tinylingo/tinysync/internal/config"
	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
	"github.com/tinylingo/tinysync/internal/localstore"
	"github.com/tinylingo/tinysync/internal/remote"
	"github.com/tinylingo/tinysync/internal/supabase"
	"github.com/tinylingo/tinysync/internal/sync"
)

// dataDirPermissions keeps the database and session file private.
const dataDirPermissions = 0o700

var (
	errRemoteNotConfigured = errors.New("no remote configured: set remote.database_url (or TINYSYNC_DATABASE_URL)")
	errAuthNotConfigured   = errors.New("no auth service configured: set remote.project_url and remote.anon_key")
	errSyncFailed          = errors.New("sync failed")
)

// app is the set of services one command invocation works with. Remote
// pieces are nil when the corresponding config is absent, so local-only
// commands work offline and unconfigured.
type app struct {
	cfg     *config.Resolved
	timings config.Timings
	logger  *slog.Logger

	kv      *localstore.SQLiteKV
	store   *localstore.Store
	session *identity.Session

	client   *supabase.Client
	sessions *supabase.Sessions

	rows *remote.PostgresStore
	orch *sync.Orchestrator
}

// tokenFunc adapts a function to supabase.TokenSource.
type tokenFunc func() (string, error)

func (f tokenFunc) Token() (string, error) { return f() }

// openApp wires the services for cc's configuration. The caller must Close
// the result.
func openApp(ctx context.Context, cc *CLIContext) (*app, error) {
	cfg := cc.Cfg

	timings, err := cfg.Sync.Timings()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.State.DataDir, dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	kv, err := localstore.OpenSQLite(ctx, cfg.State.DBPath(), cc.Logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		timings: timings,
		logger:  cc.Logger,
		kv:      kv,
		store:   localstore.NewStore(kv, cc.Logger),
	}

	a.openAuth()

	sessCfg := identity.SessionConfig{
		Persist:     kv,
		AuthTimeout: timings.AuthTimeout,
		Logger:      cc.Logger,
	}

	// A nil *Sessions must not become a non-nil AuthSource.
	if a.sessions != nil {
		sessCfg.Auth = a.sessions
	}

	a.session = identity.NewSession(sessCfg)

	if err := a.openRemote(ctx); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// openAuth builds the HTTP client and session manager when a project is
// configured.
func (a *app) openAuth() {
	if a.cfg.Remote.ProjectURL == "" {
		return
	}

	var sessions *supabase.Sessions

	a.client = supabase.NewClient(supabase.Config{
		ProjectURL: a.cfg.Remote.ProjectURL,
		AnonKey:    a.cfg.Remote.AnonKey,
		Logger:     a.logger,
		MaxRetries: max(a.timings.MaxRetries, 0),
		// Auth endpoints carry explicit bearers, so this never re-enters
		// the session lock.
		Token: tokenFunc(func() (string, error) {
			if sessions == nil {
				return "", nil
			}

			return sessions.Token()
		}),
	})

	sessions = supabase.NewSessions(supabase.NewAuth(a.client), a.cfg.State.TokenPath(), a.logger)
	a.sessions = sessions
}

// openRemote connects the row store lazily and builds the orchestrator.
func (a *app) openRemote(ctx context.Context) error {
	if a.cfg.Remote.DatabaseURL == "" {
		return nil
	}

	rows, err := remote.NewPostgres(ctx, a.cfg.Remote.DatabaseURL, a.logger)
	if err != nil {
		return err
	}

	a.rows = rows

	adapter, err := remote.NewAdapter(remote.Config{
		Rows:        rows,
		Logger:      a.logger,
		PullOverlap: a.timings.PullOverlap,
	})
	if err != nil {
		return err
	}

	orchCfg := sync.Config{
		Store:      a.store,
		Remote:     adapter,
		Identity:   a.session,
		Logger:     a.logger,
		Interval:   a.timings.Interval,
		RetryDelay: a.timings.RetryDelay,
		MaxRetries: a.timings.MaxRetries,
		StaleAfter: a.timings.StaleAfter,
	}

	// Without object storage, inline assets cannot be promoted.
	if a.client != nil {
		orchCfg.Assets = a.pipeline()
	}

	a.orch = sync.NewOrchestrator(orchCfg)

	return nil
}

func (a *app) pipeline() *assets.Pipeline {
	p := assets.NewPipeline(supabase.NewStorage(a.client), nil, a.logger)
	p.SetBuckets(map[entity.Type]string{
		entity.TypeWorlds:      a.cfg.Storage.WorldBucket,
		entity.TypeStickers:    a.cfg.Storage.StickerBucket,
		entity.TypeBackgrounds: a.cfg.Storage.BackgroundBucket,
	})

	return p
}

// requireRemote fails when the command needs the remote row store.
func (a *app) requireRemote() error {
	if a.orch == nil {
		return errRemoteNotConfigured
	}

	return nil
}

func (a *app) requireAuth() error {
	if a.sessions == nil {
		return errAuthNotConfigured
	}

	return nil
}

// resolveIdentity resolves the active identity.
func (a *app) resolveIdentity(ctx context.Context) (identity.Identity, error) {
	return a.session.Resolve(ctx)
}

// Close releases the database handles.
func (a *app) Close() {
	if a.rows != nil {
		a.rows.Close()
	}

	a.store.Close()

	if err := a.kv.Close(); err != nil {
		a.logger.Warn("closing local database", slog.String("error", err.Error()))
	}
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, fn func(*CLIContext, *app) error) error {
	cc := mustCLIContext(ctx)

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cc, a)
}
