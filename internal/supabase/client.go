package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 3
	baseBackoff       = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	userAgent         = "tinysync/0.1"
)

// TokenSource provides the bearer token for the signed-in user. It returns
// "" when nobody is signed in; requests then carry the anon key.
type TokenSource interface {
	Token() (string, error)
}

// Config configures a Client.
type Config struct {
	ProjectURL string // e.g. https://abc.supabase.co
	AnonKey    string
	HTTPClient *http.Client
	Token      TokenSource // optional
	Logger     *slog.Logger
	MaxRetries int
}

// Client sends requests to the project's REST endpoints. It handles the
// apikey and Authorization headers, retry with exponential backoff and error
// classification.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	maxRetries int

	// sleepFunc waits between retries. Tests override it to avoid real
	// delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for the project at cfg.ProjectURL.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.ProjectURL, "/"),
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		token:      cfg.Token,
		logger:     logger,
		maxRetries: retries,
		sleepFunc:  timeSleep,
	}
}

// BaseURL returns the project URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Request describes one call. Body is a byte slice so it can be replayed on
// retry.
type Request struct {
	Method      string
	Path        string
	Body        []byte
	ContentType string
	Header      http.Header
	// Bearer overrides the token source, e.g. for auth calls made with a
	// specific session.
	Bearer string
}

// Do executes req with retries. The caller closes the body of a successful
// response.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	var attempt int

	for {
		resp, err := c.doOnce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("supabase: request canceled: %w", ctx.Err())
			}

			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", req.Method),
					slog.String("path", req.Path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("supabase: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("supabase: %s %s failed after %d retries: %w", req.Method, req.Path, c.maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("supabase: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		// HEAD responses have no body; keep the error readable.
		if len(errBody) == 0 {
			errBody = []byte(http.StatusText(resp.StatusCode))
		}

		return nil, newAPIError(resp.StatusCode, resp.Header.Get("x-request-id"), errBody)
	}
}

// DoJSON sends in (when non-nil) as JSON and decodes the response into out
// (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any, bearer string) error {
	req := Request{Method: method, Path: path, Bearer: bearer}

	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("supabase: encoding %s body: %w", path, err)
		}

		req.Body = body
		req.ContentType = "application/json"
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("supabase: decoding %s response: %w", path, err)
	}

	return nil
}

func (c *Client) doOnce(ctx context.Context, r Request) (*http.Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+r.Path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	bearer := r.Bearer
	if bearer == "" && c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("obtaining token: %w", err)
		}

		bearer = tok
	}

	if bearer == "" {
		bearer = c.anonKey
	}

	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("User-Agent", userAgent)

	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}

	return c.httpClient.Do(req)
}

// retryBackoff honours Retry-After on 429, otherwise exponential backoff.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
