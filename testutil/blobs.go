package testutil

import (
	"context"
	"sync"
)

// MemoryBlobs is an in-memory blob store.
type MemoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	uploads int
	exists  int

	// Fail, when set, is returned by Upload and Exists.
	Fail error
}

// NewMemoryBlobs returns an empty store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

// Upload stores data and returns its public URL.
func (b *MemoryBlobs) Upload(_ context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Fail != nil {
		return "", b.Fail
	}

	b.uploads++
	b.objects[bucket+"/"+path] = append([]byte(nil), data...)
	b.types[bucket+"/"+path] = contentType

	return b.PublicURL(bucket, path), nil
}

// Exists reports whether an object is stored at bucket/path.
func (b *MemoryBlobs) Exists(_ context.Context, bucket, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Fail != nil {
		return false, b.Fail
	}

	b.exists++
	_, ok := b.objects[bucket+"/"+path]

	return ok, nil
}

// PublicURL returns a fake durable URL.
func (b *MemoryBlobs) PublicURL(bucket, path string) string {
	return "https://blobs.test/" + bucket + "/" + path
}

// Object returns the stored bytes and content type.
func (b *MemoryBlobs) Object(bucket, path string) ([]byte, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[bucket+"/"+path]

	return data, b.types[bucket+"/"+path], ok
}

// Uploads returns the number of successful uploads.
func (b *MemoryBlobs) Uploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.uploads
}

// ExistsCalls returns the number of Exists calls that reached the store.
func (b *MemoryBlobs) ExistsCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.exists
}

// Len returns the number of stored objects.
func (b *MemoryBlobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.objects)
}
