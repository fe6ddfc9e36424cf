package supabase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep returns immediately, for fast retry tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a TokenSource returning a fixed token.
type staticToken string

func (t staticToken) Token() (string, error) {
	return string(t), nil
}

type failingToken struct{}

func (failingToken) Token() (string, error) {
	return "", errors.New("token error")
}

func newTestClient(t *testing.T, url string, tok TokenSource) *Client {
	t.Helper()

	c := NewClient(Config{ProjectURL: url + "/", AnonKey: "anon", Token: tok, Logger: slog.Default()})
	c.sleepFunc = noopSleep

	return c
}

func TestDo_SetsHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "/rest/thing", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticToken("user-token"))

	resp, err := c.Do(t.Context(), Request{Method: http.MethodPost, Path: "/rest/thing", Body: []byte("{}"), ContentType: "application/json"})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_FallsBackToAnonKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer anon", r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	for _, tok := range []TokenSource{nil, staticToken("")} {
		resp, err := newTestClient(t, srv.URL, tok).Do(t.Context(), Request{Method: http.MethodGet, Path: "/"})
		require.NoError(t, err)
		resp.Body.Close()
	}
}

func TestDo_RetriesAndReplaysBody(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body), "body must be replayed on every attempt")

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	resp, err := c.Do(t.Context(), Request{Method: http.MethodPost, Path: "/x", Body: []byte("payload")})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Do(t.Context(), Request{Method: http.MethodGet, Path: "/x"})
	require.ErrorIs(t, err, ErrServerError)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(defaultMaxRetries+1), calls.Load())
}

func TestDo_ClassifiesErrorBodies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		code     string
		message  string
	}{
		{"rest policy", http.StatusUnauthorized, `{"code":"PGRST301","message":"JWT expired"}`, ErrUnauthorized, "PGRST301", "JWT expired"},
		{"auth grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`, ErrBadRequest, "invalid_grant", "Invalid login credentials"},
		{"auth error_code", http.StatusUnprocessableEntity, `{"code":422,"error_code":"weak_password","msg":"too short"}`, nil, "weak_password", "too short"},
		{"storage not found", http.StatusBadRequest, `{"statusCode":"404","error":"not_found","message":"Object not found"}`, ErrNotFound, "not_found", "Object not found"},
		{"plain text", http.StatusForbidden, `nope`, ErrForbidden, "", "nope"},
		{"too large", http.StatusRequestEntityTooLarge, `{}`, ErrPayloadTooLarge, "", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("x-request-id", "req-1")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, nil).Do(t.Context(), Request{Method: http.MethodGet, Path: "/"})
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "req-1", apiErr.RequestID)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.message, apiErr.Message)

			if tt.sentinel != nil {
				require.ErrorIs(t, err, tt.sentinel)
			}

			assert.False(t, IsTransient(err))
		})
	}
}

func TestDo_TokenError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, failingToken{})
	c.maxRetries = 0

	_, err := c.Do(t.Context(), Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token error")
}

func TestDo_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := newTestClient(t, srv.URL, nil).Do(ctx, Request{Method: http.MethodGet, Path: "/"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryBackoff_RetryAfter(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://unused", nil)
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"7"}}}
	assert.Equal(t, 7*time.Second, c.retryBackoff(resp, 0))

	for attempt := range 10 {
		b := c.calcBackoff(attempt)
		assert.LessOrEqual(t, b, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
		assert.Positive(t, b)
	}
}
