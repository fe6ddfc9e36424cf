package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapPersister is an in-memory Persister.
type mapPersister struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMapPersister() *mapPersister {
	return &mapPersister{data: make(map[string][]byte)}
}

func (m *mapPersister) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data[key], nil
}

func (m *mapPersister) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sets++
	m.data[key] = value

	return nil
}

func (m *mapPersister) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)

	return nil
}

// stubAuth answers CurrentUser with a fixed user, error, or a block until the
// context expires.
type stubAuth struct {
	mu    sync.Mutex
	user  string
	err   error
	block bool
	calls int
}

func (a *stubAuth) CurrentUser(ctx context.Context) (string, error) {
	a.mu.Lock()
	a.calls++
	block, user, err := a.block, a.user, a.err
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	return user, err
}

func (a *stubAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

func TestResolve_GeneratesAndPersistsAnonymousID(t *testing.T) {
	t.Parallel()

	p := newMapPersister()
	s := NewSession(SessionConfig{Persist: p})
	s.newID = func() string { return "anon-fixed" }

	id, err := s.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Anonymous("anon-fixed"), id)
	assert.Equal(t, []byte("anon-fixed"), p.data[AnonymousIDKey])

	// A second session over the same persistence reuses the id.
	s2 := NewSession(SessionConfig{Persist: p})
	s2.newID = func() string { return "anon-other" }

	id2, err := s2.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestResolve_AuthenticatedDiscardsAnonymousID(t *testing.T) {
	t.Parallel()

	p := newMapPersister()
	p.data[AnonymousIDKey] = []byte("anon-old")

	s := NewSession(SessionConfig{Persist: p, Auth: &stubAuth{user: "user-1"}})

	id, err := s.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Authenticated("user-1"), id)
	assert.NotContains(t, p.data, AnonymousIDKey)
}

func TestResolve_IsCached(t *testing.T) {
	t.Parallel()

	auth := &stubAuth{user: "user-1"}
	s := NewSession(SessionConfig{Persist: newMapPersister(), Auth: auth})

	for range 3 {
		_, err := s.Resolve(t.Context())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, auth.callCount())
}

func TestResolve_AuthTimeoutDowngradesAndIsMemoised(t *testing.T) {
	t.Parallel()

	auth := &stubAuth{block: true}
	s := NewSession(SessionConfig{
		Persist:     newMapPersister(),
		Auth:        auth,
		AuthTimeout: 10 * time.Millisecond,
	})
	s.newID = func() string { return "anon-x" }

	start := time.Now()
	id, err := s.Resolve(t.Context())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, id.IsAnonymous())
	require.ErrorIs(t, s.AuthFailure(), ErrAuthTimeout)

	// A fresh resolution in the same session must not retry the auth check.
	s.mu.Lock()
	s.resolved = false
	s.mu.Unlock()

	_, err = s.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, auth.callCount())
}

func TestResolve_AuthErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{
		Persist: newMapPersister(),
		Auth:    &stubAuth{err: errors.New("boom")},
	})

	id, err := s.Resolve(t.Context())
	require.NoError(t, err)
	assert.True(t, id.IsAnonymous())
	require.Error(t, s.AuthFailure())
	assert.NotErrorIs(t, s.AuthFailure(), ErrAuthTimeout)
}

func TestUpgrade(t *testing.T) {
	t.Parallel()

	auth := &stubAuth{}
	s := NewSession(SessionConfig{Persist: newMapPersister(), Auth: auth})

	id, err := s.Resolve(t.Context())
	require.NoError(t, err)
	require.True(t, id.IsAnonymous())

	_, err = s.Upgrade(t.Context())
	require.ErrorIs(t, err, ErrNotAuthenticated)

	cur, _ := s.Current()
	assert.Equal(t, id, cur, "failed upgrade keeps the current identity")

	auth.mu.Lock()
	auth.user = "user-2"
	auth.mu.Unlock()

	up, err := s.Upgrade(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Authenticated("user-2"), up)

	cur, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, up, cur)
}

func TestUpgrade_NoAuthSource(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Persist: newMapPersister()})
	_, err := s.Upgrade(t.Context())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestIdentity_NamespaceAndValidate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, GuestSuffix, Anonymous("anon-1").NamespaceSuffix())
	assert.Equal(t, "u1", Authenticated("u1").NamespaceSuffix())

	require.NoError(t, Authenticated("u1").Validate())
	require.ErrorIs(t, Authenticated("guest").Validate(), ErrInvalid)
	require.ErrorIs(t, Authenticated("anon-1").Validate(), ErrInvalid)
	require.ErrorIs(t, Identity{}.Validate(), ErrInvalid)

	assert.Equal(t, "authenticated:u1", Authenticated("u1").String())
	assert.Equal(t, "<none>", Identity{}.String())
}
