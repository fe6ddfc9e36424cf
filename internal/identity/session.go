package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AnonymousIDKey is the persistence key holding the anonymous id.
const AnonymousIDKey = "currentUserId"

// DefaultAuthTimeout bounds the auth subsystem lookup.
const DefaultAuthTimeout = 3 * time.Second

var (
	// ErrAuthTimeout is recorded when the auth subsystem did not answer within
	// the configured timeout. It is never fatal: resolution falls back to the
	// anonymous identity.
	ErrAuthTimeout = errors.New("identity: auth check timed out")

	// ErrNotAuthenticated is returned by Upgrade when no authenticated
	// principal is available.
	ErrNotAuthenticated = errors.New("identity: not authenticated")
)

// AuthSource reports the currently signed-in user. It returns "" and a nil
// error when nobody is signed in.
type AuthSource interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Persister is the slice of the local key-value store used to remember the
// anonymous id across restarts. Get returns nil for a missing key.
type Persister interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Auth        AuthSource // optional; nil means always anonymous
	Persist     Persister
	AuthTimeout time.Duration
	Logger      *slog.Logger
}

// Session resolves and caches the process identity. It is passed explicitly
// to every component that needs the current principal.
type Session struct {
	auth        AuthSource
	persist     Persister
	authTimeout time.Duration
	logger      *slog.Logger
	newID       func() string // injectable for tests

	mu         sync.Mutex
	current    Identity
	resolved   bool
	authFailed error // memoised auth failure
}

// NewSession creates an unresolved session.
func NewSession(cfg SessionConfig) *Session {
	timeout := cfg.AuthTimeout
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		auth:        cfg.Auth,
		persist:     cfg.Persist,
		authTimeout: timeout,
		logger:      logger,
		newID:       func() string { return anonPrefix + uuid.NewString() },
	}
}

// Resolve returns the process identity, resolving it on first use.
// Subsequent calls return the cached value without touching the auth
// subsystem or persistence.
func (s *Session) Resolve(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resolved {
		return s.current, nil
	}

	if user := s.checkAuthLocked(ctx); user != "" {
		if err := s.adoptLocked(ctx, user); err != nil {
			return Identity{}, err
		}

		return s.current, nil
	}

	id, err := s.anonymousLocked(ctx)
	if err != nil {
		return Identity{}, err
	}

	s.current = Anonymous(id)
	s.resolved = true
	s.logger.Info("resolved anonymous identity", slog.String("id", id))

	return s.current, nil
}

// Upgrade performs the explicit anonymous to authenticated transition after
// a login. It ignores any memoised auth failure. An authenticated session
// never downgrades: if the auth subsystem reports nobody, Upgrade fails and
// the current identity is kept.
func (s *Session) Upgrade(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auth == nil {
		return Identity{}, ErrNotAuthenticated
	}

	cctx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	user, err := s.auth.CurrentUser(cctx)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: upgrading session: %w", classifyAuthErr(cctx, err))
	}

	if user == "" {
		return Identity{}, ErrNotAuthenticated
	}

	s.authFailed = nil

	if err := s.adoptLocked(ctx, user); err != nil {
		return Identity{}, err
	}

	return s.current, nil
}

// Current returns the cached identity without resolving.
func (s *Session) Current() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current, s.resolved
}

// AuthFailure returns the memoised auth failure, if any.
func (s *Session) AuthFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.authFailed
}

// checkAuthLocked asks the auth subsystem for a principal unless an earlier
// attempt already failed in this process.
func (s *Session) checkAuthLocked(ctx context.Context) string {
	if s.auth == nil || s.authFailed != nil {
		return ""
	}

	cctx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	user, err := s.auth.CurrentUser(cctx)
	if err != nil {
		s.authFailed = classifyAuthErr(cctx, err)
		s.logger.Warn("auth check failed, continuing anonymously",
			slog.String("error", s.authFailed.Error()),
			slog.Duration("timeout", s.authTimeout),
		)

		return ""
	}

	return user
}

func (s *Session) adoptLocked(ctx context.Context, user string) error {
	id := Authenticated(user)
	if err := id.Validate(); err != nil {
		return err
	}

	// Guest data lives under the guest namespace, not under the anonymous
	// id, so the id itself can go.
	if err := s.persist.Delete(ctx, AnonymousIDKey); err != nil {
		s.logger.Warn("discarding anonymous id failed", slog.String("error", err.Error()))
	}

	s.current = id
	s.resolved = true
	s.logger.Info("resolved authenticated identity", slog.String("id", user))

	return nil
}

func (s *Session) anonymousLocked(ctx context.Context) (string, error) {
	raw, err := s.persist.Get(ctx, AnonymousIDKey)
	if err != nil {
		return "", fmt.Errorf("identity: reading anonymous id: %w", err)
	}

	if len(raw) > 0 {
		return string(raw), nil
	}

	id := s.newID()
	if err := s.persist.Set(ctx, AnonymousIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("identity: persisting anonymous id: %w", err)
	}

	return id, nil
}

func classifyAuthErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAuthTimeout, err)
	}

	return err
}
