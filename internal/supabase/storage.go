package supabase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Storage talks to the object storage service. It implements the blob store
// used by asset promotion.
type Storage struct {
	c *Client
}

// NewStorage wraps c.
func NewStorage(c *Client) *Storage {
	return &Storage{c: c}
}

// Upload stores data at bucket/path, overwriting any existing object, and
// returns the object's public URL.
func (s *Storage) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	resp, err := s.c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/storage/v1/object/" + escapeObject(bucket, path),
		Body:        data,
		ContentType: contentType,
		Header: http.Header{
			"X-Upsert":      []string{"true"},
			"Cache-Control": []string{"max-age=31536000"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("supabase: uploading %s/%s: %w", bucket, path, err)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return s.PublicURL(bucket, path), nil
}

// Exists reports whether an object is present at bucket/path.
func (s *Storage) Exists(ctx context.Context, bucket, path string) (bool, error) {
	resp, err := s.c.Do(ctx, Request{
		Method: http.MethodHead,
		Path:   "/storage/v1/object/authenticated/" + escapeObject(bucket, path),
	})
	// HEAD carries no body, so storage's 400 not_found arrives as a bare 400.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRequest) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("supabase: checking %s/%s: %w", bucket, path, err)
	}

	resp.Body.Close()

	return true, nil
}

// Remove deletes objects from bucket. Missing objects are not an error.
func (s *Storage) Remove(ctx context.Context, bucket string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	body := struct {
		Prefixes []string `json:"prefixes"`
	}{Prefixes: paths}

	if err := s.c.DoJSON(ctx, http.MethodDelete, "/storage/v1/object/"+url.PathEscape(bucket), body, nil, ""); err != nil {
		return fmt.Errorf("supabase: removing %d objects from %s: %w", len(paths), bucket, err)
	}

	return nil
}

// PublicURL returns the durable URL of an object in a public bucket.
func (s *Storage) PublicURL(bucket, path string) string {
	return s.c.BaseURL() + "/storage/v1/object/public/" + escapeObject(bucket, path)
}

// ObjectPath extracts the in-bucket path from a public URL produced by
// PublicURL. It reports false for URLs that do not point into bucket.
func (s *Storage) ObjectPath(bucket, publicURL string) (string, bool) {
	prefix := s.c.BaseURL() + "/storage/v1/object/public/" + url.PathEscape(bucket) + "/"
	if !strings.HasPrefix(publicURL, prefix) {
		return "", false
	}

	p, err := url.PathUnescape(strings.TrimPrefix(publicURL, prefix))
	if err != nil {
		return "", false
	}

	return p, true
}

func escapeObject(bucket, path string) string {
	segs := strings.Split(path, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}

	return url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}
