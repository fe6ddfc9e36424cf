package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinylingo/tinysync/internal/assets"
	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
	"github.com/tinylingo/tinysync/internal/localstore"
	"github.com/tinylingo/tinysync/internal/remote"
	"github.com/tinylingo/tinysync/testutil"
)

var (
	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user  = identity.Authenticated("user-1")
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fixedIdentity resolves to a settable identity.
type fixedIdentity struct {
	mu  gosync.Mutex
	id  identity.Identity
	err error
}

func (f *fixedIdentity) Resolve(context.Context) (identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.id, f.err
}

func (f *fixedIdentity) set(id identity.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.id = id
}

// harness wires an orchestrator to in-memory collaborators on a manual
// clock.
type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *testutil.ManualClock
	store  *localstore.Store
	rows   *testutil.MemoryRows
	blobs  *testutil.MemoryBlobs
	remote *remote.Adapter
	ident  *fixedIdentity
	orch   *Orchestrator
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()

	logger := testLogger(t)
	clock := testutil.NewManualClock(epoch)

	store := localstore.NewStore(localstore.NewMemoryKV(), logger)
	store.SetNowFunc(clock.Now)
	t.Cleanup(store.Close)

	rows := testutil.NewMemoryRows()
	blobs := testutil.NewMemoryBlobs()

	adapter, err := remote.NewAdapter(remote.Config{Rows: rows, Logger: logger, Now: clock.Now})
	require.NoError(t, err)

	ident := &fixedIdentity{id: user}

	cfg := Config{
		Store:    store,
		Remote:   adapter,
		Assets:   assets.NewPipeline(blobs, nil, logger),
		Identity: ident,
		Clock:    clock,
		Logger:   logger,
		Interval: -1,
	}

	if tweak != nil {
		tweak(&cfg)
	}

	return &harness{
		t:      t,
		ctx:    t.Context(),
		clock:  clock,
		store:  store,
		rows:   rows,
		blobs:  blobs,
		remote: adapter,
		ident:  ident,
		orch:   NewOrchestrator(cfg),
	}
}

// run starts the scheduler and stops it when the test ends.
func (h *harness) run() {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.orch.Run(ctx) }()

	h.t.Cleanup(func() {
		cancel()
		require.NoError(h.t, <-done)
	})
}

func (h *harness) upsert(typ entity.Type, key string, payload map[string]any) entity.Record {
	h.t.Helper()

	rec, err := h.store.Upsert(h.ctx, user, typ, key, payload)
	require.NoError(h.t, err)

	return rec
}

func (h *harness) read(typ entity.Type) map[string]entity.Record {
	h.t.Helper()

	recs, err := h.store.Read(h.ctx, user, typ)
	require.NoError(h.t, err)

	out := make(map[string]entity.Record, len(recs))
	for _, r := range recs {
		out[r.Key] = r
	}

	return out
}

// putRemote writes a row as another device would.
func (h *harness) putRemote(typ entity.Type, rec entity.Record) {
	h.t.Helper()

	spec, err := remote.SpecFor(typ)
	require.NoError(h.t, err)

	h.rows.Put(spec.Table, []string{"user_id", spec.KeyColumn}, spec.ToRow(user.ID, rec))
}

// waitIdle waits until the scheduler is idle with cond satisfied.
func (h *harness) waitIdle(cond func(Status) bool) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		st := h.orch.Status()
		return st.State == StateIdle && cond(st)
	}, 5*time.Second, 5*time.Millisecond)
}

// gatedRemote blocks Pull until release is closed. entered closes once the
// worlds pull is blocked, after that type has read its local records.
type gatedRemote struct {
	Remote
	entered chan struct{}
	release chan struct{}
	once    gosync.Once
}

func newGatedRemote(r Remote) *gatedRemote {
	return &gatedRemote{Remote: r, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRemote) Pull(ctx context.Context, id identity.Identity, typ entity.Type, since time.Time) ([]entity.Record, error) {
	if typ == entity.TypeWorlds {
		g.once.Do(func() { close(g.entered) })
	}

	<-g.release

	return g.Remote.Pull(ctx, id, typ, since)
}
