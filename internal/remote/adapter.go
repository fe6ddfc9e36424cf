// Package remote pushes and pulls entity records to the shared relational
// store. Records are normalized through a declarative per-table column map,
// checked against embedded JSON Schemas, and submitted as one batched upsert
// keyed by (user_id, natural key). Store failures are converted into three
// classes at this boundary: transient, policy and malformed.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
)

// Auxiliary tables outside the entity set.
const (
	usersTable      = "users"
	syncStatusTable = "user_sync_status"
)

// Filter narrows Select and Delete. UserID is always applied.
type Filter struct {
	UserID    string
	Since     time.Time // last_modified >= Since when non-zero
	KeyColumn string
	Keys      []string // natural keys when non-empty
}

// RowStore is the remote relational surface. Implementations must apply
// the caller context set by SetCallerContext to row-level policies.
type RowStore interface {
	SetCallerContext(ctx context.Context, userID string) error
	Upsert(ctx context.Context, table string, rows []Row, conflictKey []string) error
	Select(ctx context.Context, table string, f Filter) ([]Row, error)
	Delete(ctx context.Context, table string, f Filter) error
}

// Config holds the adapter's collaborators.
type Config struct {
	Rows   RowStore
	Logger *slog.Logger

	// PullOverlap widens every incremental pull window to absorb clock skew
	// between writers. Re-pulled rows resolve as no-ops.
	PullOverlap time.Duration

	Now func() time.Time
}

// Adapter translates between local records and remote rows.
type Adapter struct {
	rows        RowStore
	guard       *schemaGuard
	logger      *slog.Logger
	pullOverlap time.Duration
	now         func() time.Time

	mu         sync.Mutex
	contextErr error
}

// NewAdapter creates an adapter. It fails only if the embedded schemas do
// not compile.
func NewAdapter(cfg Config) (*Adapter, error) {
	guard, err := newSchemaGuard()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		rows:        cfg.Rows,
		guard:       guard,
		logger:      logger,
		pullOverlap: cfg.PullOverlap,
		now:         now,
	}, nil
}

// scope establishes the caller context. A failure is recorded and logged
// but never stops the call that follows: the policy layer then decides.
func (a *Adapter) scope(ctx context.Context, id identity.Identity) {
	err := a.rows.SetCallerContext(ctx, id.ID)

	a.mu.Lock()
	a.contextErr = err
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("setting caller context failed, continuing",
			slog.String("identity", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// LastContextError returns the outcome of the most recent caller-context
// call, kept for diagnostics.
func (a *Adapter) LastContextError() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.contextErr
}

// Push upserts recs in one batch. Rows that fail the schema check abort the
// whole batch with ErrMalformedPayload before any network call.
func (a *Adapter) Push(ctx context.Context, id identity.Identity, typ entity.Type, recs []entity.Record) error {
	spec, err := SpecFor(typ)
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		return nil
	}

	rows := make([]Row, 0, len(recs))

	for i := range recs {
		row := spec.ToRow(id.ID, recs[i])
		if err := a.guard.Check(spec.Table, row); err != nil {
			return &Error{Op: "push", Table: spec.Table, Class: ErrMalformedPayload, Err: fmt.Errorf("record %s: %w", recs[i].Key, err)}
		}

		rows = append(rows, row)
	}

	a.scope(ctx, id)

	if err := a.rows.Upsert(ctx, spec.Table, rows, []string{colUserID, spec.KeyColumn}); err != nil {
		return wrap("push", spec.Table, err)
	}

	a.logger.Debug("pushed records",
		slog.String("type", typ.String()),
		slog.Int("count", len(rows)),
	)

	return nil
}

// Pull returns the identity's records modified at or after since, including
// tombstones. A zero since pulls everything. Rows that cannot be decoded
// are logged and skipped.
func (a *Adapter) Pull(ctx context.Context, id identity.Identity, typ entity.Type, since time.Time) ([]entity.Record, error) {
	spec, err := SpecFor(typ)
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		since = since.Add(-a.pullOverlap)
	}

	a.scope(ctx, id)

	rows, err := a.rows.Select(ctx, spec.Table, Filter{UserID: id.ID, Since: since})
	if err != nil {
		return nil, wrap("pull", spec.Table, err)
	}

	recs := make([]entity.Record, 0, len(rows))

	for _, row := range rows {
		rec, err := spec.FromRow(row)
		if err != nil {
			a.logger.Warn("skipping undecodable remote row",
				slog.String("table", spec.Table),
				slog.String("error", err.Error()),
			)

			continue
		}

		recs = append(recs, rec)
	}

	a.logger.Debug("pulled records",
		slog.String("type", typ.String()),
		slog.Int("count", len(recs)),
		slog.Time("since", since),
	)

	return recs, nil
}

// Purge physically removes keys from the remote table.
func (a *Adapter) Purge(ctx context.Context, id identity.Identity, typ entity.Type, keys []string) error {
	spec, err := SpecFor(typ)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	a.scope(ctx, id)

	err = a.rows.Delete(ctx, spec.Table, Filter{UserID: id.ID, KeyColumn: spec.KeyColumn, Keys: keys})

	return wrap("purge", spec.Table, err)
}

// EnsureUser upserts the principal's users row so policies and foreign
// keys find it. Anonymous identities have no users row.
func (a *Adapter) EnsureUser(ctx context.Context, id identity.Identity) error {
	if id.IsAnonymous() {
		return nil
	}

	a.scope(ctx, id)

	row := Row{colUserID: id.ID, "last_login": a.now().UTC()}
	err := a.rows.Upsert(ctx, usersTable, []Row{row}, []string{colUserID})

	return wrap("users", usersTable, err)
}

// RecordSyncStatus upserts the per-type sync status row.
func (a *Adapter) RecordSyncStatus(ctx context.Context, id identity.Identity, typ entity.Type, at time.Time, syncErr error) error {
	var msg any
	if syncErr != nil {
		msg = syncErr.Error()
	}

	row := Row{
		colUserID:      id.ID,
		"data_type":    typ.String(),
		"last_sync_at": at.UTC(),
		"is_syncing":   false,
		"sync_error":   msg,
	}

	a.scope(ctx, id)

	err := a.rows.Upsert(ctx, syncStatusTable, []Row{row}, []string{colUserID, "data_type"})

	return wrap("sync_status", syncStatusTable, err)
}

// IsPolicy reports whether err was a policy rejection.
func IsPolicy(err error) bool {
	return errors.Is(err, ErrPolicyRejected)
}
