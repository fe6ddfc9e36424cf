package supabase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tinylingo/tinysync/internal/tokenfile"
)

// refreshTimeout bounds the refresh performed from Token(), which has no
// caller context.
const refreshTimeout = 10 * time.Second

// expiryDelta refreshes tokens slightly before they expire.
const expiryDelta = 30 * time.Second

// ErrSignedOut is returned by operations that need a session when none is
// stored.
var ErrSignedOut = errors.New("supabase: not signed in")

// User is the principal returned by the auth service.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// authSession is the auth service's token response.
type authSession struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

func (s authSession) toTokenfile(now time.Time) *tokenfile.Session {
	expiry := now.Add(time.Duration(s.ExpiresIn) * time.Second)
	if s.ExpiresAt > 0 {
		expiry = time.Unix(s.ExpiresAt, 0)
	}

	return &tokenfile.Session{
		Token: &oauth2.Token{
			AccessToken:  s.AccessToken,
			TokenType:    s.TokenType,
			RefreshToken: s.RefreshToken,
			Expiry:       expiry,
		},
		UserID: s.User.ID,
		Email:  s.User.Email,
	}
}

// Auth calls the auth service. Token endpoints are called with the anon key
// so they never consult the client's TokenSource.
type Auth struct {
	c       *Client
	nowFunc func() time.Time
}

// NewAuth wraps c.
func NewAuth(c *Client) *Auth {
	return &Auth{c: c, nowFunc: time.Now}
}

// SignInWithPassword exchanges credentials for a session.
func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*tokenfile.Session, error) {
	in := map[string]string{"email": email, "password": password}

	var out authSession
	if err := a.c.DoJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", in, &out, a.c.anonKey); err != nil {
		return nil, fmt.Errorf("supabase: signing in: %w", err)
	}

	return out.toTokenfile(a.nowFunc()), nil
}

// Refresh exchanges a refresh token for a new session.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*tokenfile.Session, error) {
	in := map[string]string{"refresh_token": refreshToken}

	var out authSession
	if err := a.c.DoJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", in, &out, a.c.anonKey); err != nil {
		return nil, fmt.Errorf("supabase: refreshing session: %w", err)
	}

	return out.toTokenfile(a.nowFunc()), nil
}

// User returns the principal behind accessToken.
func (a *Auth) User(ctx context.Context, accessToken string) (User, error) {
	var u User
	if err := a.c.DoJSON(ctx, http.MethodGet, "/auth/v1/user", nil, &u, accessToken); err != nil {
		return User{}, fmt.Errorf("supabase: fetching user: %w", err)
	}

	return u, nil
}

// SignOut revokes the session behind accessToken.
func (a *Auth) SignOut(ctx context.Context, accessToken string) error {
	if err := a.c.DoJSON(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, accessToken); err != nil {
		return fmt.Errorf("supabase: signing out: %w", err)
	}

	return nil
}

// Sessions owns the persisted session: it answers "who is signed in" for
// identity resolution and supplies bearer tokens to the HTTP client,
// refreshing and re-saving the token file as needed.
type Sessions struct {
	auth   *Auth
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current *tokenfile.Session
	loaded  bool
}

// NewSessions creates a session manager backed by the token file at path.
func NewSessions(auth *Auth, path string, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sessions{auth: auth, path: path, logger: logger}
}

// Login signs in and persists the session.
func (s *Sessions) Login(ctx context.Context, email, password string) (User, error) {
	sess, err := s.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return User{}, err
	}

	if err := tokenfile.Save(s.path, sess); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	s.current, s.loaded = sess, true
	s.mu.Unlock()

	s.logger.Info("signed in", slog.String("user_id", sess.UserID))

	return User{ID: sess.UserID, Email: sess.Email}, nil
}

// Logout revokes the session (best effort) and removes the token file.
func (s *Sessions) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadLocked()
	if err != nil {
		return err
	}

	if sess != nil {
		if err := s.auth.SignOut(ctx, sess.Token.AccessToken); err != nil {
			s.logger.Warn("remote sign-out failed", slog.String("error", err.Error()))
		}
	}

	s.current = nil

	return tokenfile.Remove(s.path)
}

// CurrentUser reports the signed-in user id, confirming the session with the
// auth service. It returns "" when nobody is signed in or the stored
// session was rejected.
func (s *Sessions) CurrentUser(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.validLocked(ctx)
	if err != nil || sess == nil {
		return "", err
	}

	u, err := s.auth.User(ctx, sess.Token.AccessToken)
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
		s.logger.Warn("stored session rejected, treating as signed out")
		return "", nil
	}

	if err != nil {
		return "", err
	}

	return u.ID, nil
}

// Stored returns the persisted session without contacting the service.
func (s *Sessions) Stored() (*tokenfile.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked()
}

// Token implements TokenSource. It returns "" when signed out so requests
// fall back to the anon key.
func (s *Sessions) Token() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.validLocked(ctx)
	if err != nil || sess == nil {
		return "", err
	}

	return sess.Token.AccessToken, nil
}

// AccessToken returns a valid access token, or ErrSignedOut.
func (s *Sessions) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.validLocked(ctx)
	if err != nil {
		return "", err
	}

	if sess == nil {
		return "", ErrSignedOut
	}

	return sess.Token.AccessToken, nil
}

// validLocked returns a session whose access token is not about to expire,
// refreshing and persisting it when needed.
func (s *Sessions) validLocked(ctx context.Context) (*tokenfile.Session, error) {
	sess, err := s.loadLocked()
	if err != nil || sess == nil {
		return nil, err
	}

	if sess.Token.Expiry.IsZero() || s.auth.nowFunc().Add(expiryDelta).Before(sess.Token.Expiry) {
		return sess, nil
	}

	refreshed, err := s.auth.Refresh(ctx, sess.Token.RefreshToken)
	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrUnauthorized) {
		s.logger.Warn("session refresh rejected, treating as signed out")
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if refreshed.UserID == "" {
		refreshed.UserID = sess.UserID
		refreshed.Email = sess.Email
	}

	if err := tokenfile.Save(s.path, refreshed); err != nil {
		return nil, err
	}

	s.current = refreshed
	s.logger.Debug("session refreshed", slog.Time("expiry", refreshed.Token.Expiry))

	return refreshed, nil
}

func (s *Sessions) loadLocked() (*tokenfile.Session, error) {
	if s.loaded {
		return s.current, nil
	}

	sess, err := tokenfile.Load(s.path)
	if err != nil {
		return nil, err
	}

	s.current, s.loaded = sess, true

	return sess, nil
}
