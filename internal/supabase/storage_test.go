package supabase

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage is an in-memory object store speaking the storage REST dialect.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	const objPrefix = "/storage/v1/object/"

	switch {
	case r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		key := r.URL.Path[len(objPrefix):]
		if r.Header.Get("X-Upsert") != "true" {
			if _, ok := f.objects[key]; ok {
				w.WriteHeader(http.StatusConflict)
				return
			}
		}

		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`{"Key":"` + key + `"}`))

	case r.Method == http.MethodHead:
		key := r.URL.Path[len(objPrefix+"authenticated/"):]
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

	case r.Method == http.MethodDelete:
		bucket := r.URL.Path[len(objPrefix):]

		var body struct {
			Prefixes []string `json:"prefixes"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		for _, p := range body.Prefixes {
			delete(f.objects, bucket+"/"+p)
		}

		_, _ = w.Write([]byte(`[]`))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestStorage_UploadExistsRemove(t *testing.T) {
	t.Parallel()

	fake := newFakeStorage()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	st := NewStorage(newTestClient(t, srv.URL, nil))
	ctx := t.Context()

	ok, err := st.Exists(ctx, "sticker-images", "u1/s1_main.png")
	require.NoError(t, err)
	assert.False(t, ok)

	url, err := st.Upload(ctx, "sticker-images", "u1/s1_main.png", []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/sticker-images/u1/s1_main.png", url)
	assert.Equal(t, "image/png", fake.types["sticker-images/u1/s1_main.png"])

	ok, err = st.Exists(ctx, "sticker-images", "u1/s1_main.png")
	require.NoError(t, err)
	assert.True(t, ok)

	// Overwrite is allowed.
	_, err = st.Upload(ctx, "sticker-images", "u1/s1_main.png", []byte("png2"), "image/png")
	require.NoError(t, err)

	path, ok := st.ObjectPath("sticker-images", url)
	require.True(t, ok)
	assert.Equal(t, "u1/s1_main.png", path)

	_, ok = st.ObjectPath("world-thumbnails", url)
	assert.False(t, ok)

	require.NoError(t, st.Remove(ctx, "sticker-images", []string{path}))
	require.NoError(t, st.Remove(ctx, "sticker-images", nil))

	ok, err = st.Exists(ctx, "sticker-images", "u1/s1_main.png")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_EscapesPathSegments(t *testing.T) {
	t.Parallel()

	st := NewStorage(newTestClient(t, "https://proj.example", nil))

	url := st.PublicURL("world-thumbnails", "u 1/w#1_thumbnail.png")
	assert.Equal(t, "https://proj.example/storage/v1/object/public/world-thumbnails/u%201/w%231_thumbnail.png", url)

	path, ok := st.ObjectPath("world-thumbnails", url)
	require.True(t, ok)
	assert.Equal(t, "u 1/w#1_thumbnail.png", path)
}
