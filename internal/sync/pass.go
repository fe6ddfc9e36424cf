package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinylingo/tinysync/internal/assets"
	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
	"github.com/tinylingo/tinysync/internal/localstore"
	"github.com/tinylingo/tinysync/internal/remote"
	"github.com/tinylingo/tinysync/internal/resolve"
)

// runPass syncs every type that needs it, or exactly the types in scope
// when scope is non-nil. Types run concurrently and fail independently.
func (o *Orchestrator) runPass(ctx context.Context, reason string, scope map[entity.Type]bool) *PassReport {
	report := &PassReport{ID: uuid.NewString(), Reason: reason, Started: o.clock.Now()}

	id, err := o.identity.Resolve(ctx)
	if err != nil {
		// Without an identity no namespace can be read; fail every type so
		// the retry policy applies.
		for _, d := range entity.All() {
			report.Results = append(report.Results, TypeResult{Type: d.Type, Err: fmt.Errorf("resolving identity: %w", err)})
		}

		return report
	}

	report.Identity = id

	descs, pushing := o.selectTypes(ctx, id, scope, report.Started)
	if len(descs) == 0 {
		o.logger.Debug("nothing to sync", slog.String("pass", report.ID), slog.String("reason", reason))
		return report
	}

	o.logger.Info("sync pass starting",
		slog.String("pass", report.ID),
		slog.String("reason", reason),
		slog.String("identity", id.String()),
		slog.Int("types", len(descs)),
	)

	if pushing {
		if err := o.remote.EnsureUser(ctx, id); err != nil {
			o.logger.Warn("users row bootstrap failed", slog.String("error", err.Error()))
		}
	}

	results := make([]TypeResult, len(descs))

	var g errgroup.Group

	for i, d := range descs {
		g.Go(func() error {
			results[i] = o.runType(ctx, id, d, report.Started)
			return nil
		})
	}

	_ = g.Wait()

	report.Results = results
	report.Duration = o.clock.Now().Sub(report.Started)

	o.logger.Info("sync pass finished",
		slog.String("pass", report.ID),
		slog.Int("failed_types", len(report.Failed())),
		slog.Duration("duration", report.Duration),
	)

	return report
}

// selectTypes returns the descriptors to sync and whether any of them has
// records to push.
func (o *Orchestrator) selectTypes(
	ctx context.Context, id identity.Identity, scope map[entity.Type]bool, now time.Time,
) ([]entity.Descriptor, bool) {
	var (
		out     []entity.Descriptor
		pushing bool
	)

	// A failed pull leaves an errored cursor, which is stale, so consumed
	// requests never need to be put back.
	requested := o.takePulls()

	for _, d := range entity.All() {
		recs, err := o.store.Read(ctx, id, d.Type)
		if err != nil {
			// Let the type run and fail visibly.
			out = append(out, d)
			continue
		}

		dirty := hasPending(recs)
		pushing = pushing || dirty

		if scope != nil {
			if scope[d.Type] {
				out = append(out, d)
			}

			continue
		}

		cur, err := o.store.Cursor(ctx, id, d.Type)
		if err != nil || dirty || requested[d.Type] || cur.Stale(now, o.staleAfter) {
			out = append(out, d)
		}
	}

	return out, pushing
}

func hasPending(recs []entity.Record) bool {
	for i := range recs {
		if recs[i].Pending() {
			return true
		}
	}

	return false
}

// runType isolates one type: a panic becomes that type's error.
func (o *Orchestrator) runType(ctx context.Context, id identity.Identity, d entity.Descriptor, started time.Time) (res TypeResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic while syncing type",
				slog.String("type", d.Type.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			res = TypeResult{Type: d.Type, Err: fmt.Errorf("panic syncing %s: %v", d.Type, r)}
		}
	}()

	return o.syncType(ctx, id, d, started)
}

// syncType runs dedup → promote → push → pull → resolve → local write for
// one type and updates its cursor.
func (o *Orchestrator) syncType(ctx context.Context, id identity.Identity, d entity.Descriptor, started time.Time) (res TypeResult) {
	res.Type = d.Type
	log := o.logger.With(slog.String("type", d.Type.String()))

	cur, err := o.store.Cursor(ctx, id, d.Type)
	if err != nil {
		res.Err = err
		return res
	}

	since := cur.LastSyncAt
	if cur.Stale(started, o.staleAfter) {
		// Periodic full pulls pick up rows written by devices that were
		// offline, whose timestamps predate our last sync.
		since = time.Time{}
	}

	cur.LastAttemptAt = started
	cur.InFlight = true

	if err := o.store.SaveCursor(ctx, id, d.Type, cur); err != nil {
		res.Err = err
		return res
	}

	defer func() {
		cur.InFlight = false

		if res.Err != nil {
			cur.LastError = res.Err.Error()
		} else {
			cur.LastError = ""
			cur.LastSyncAt = started
		}

		if err := o.store.SaveCursor(ctx, id, d.Type, cur); err != nil {
			log.Warn("saving cursor failed", slog.String("error", err.Error()))
		}

		if err := o.remote.RecordSyncStatus(ctx, id, d.Type, o.clock.Now(), res.Err); err != nil {
			log.Debug("recording remote sync status failed", slog.String("error", err.Error()))
		}
	}()

	collapsed, err := o.store.CollapseDuplicates(ctx, id, d.Type)
	if err != nil {
		res.Err = err
		return res
	}

	recs, err := o.store.Read(ctx, id, d.Type)
	if err != nil {
		res.Err = err
		return res
	}

	var pending []entity.Record

	for i := range recs {
		if recs[i].Pending() {
			pending = append(pending, recs[i].Clone())
		}
	}

	toPush, promoted, promoteErr := o.promote(ctx, id, d, pending)
	res.Promoted = promoted

	var pushed []entity.Record

	if len(toPush) > 0 {
		if err := o.remote.Push(ctx, id, d.Type, toPush); err != nil {
			res.Err = err
			return res
		}

		pushed = toPush
		res.Pushed = len(pushed)
	}

	pulled, pullErr := o.remote.Pull(ctx, id, d.Type, since)
	if pullErr != nil {
		pulled = nil
	}

	res.Pulled = len(pulled)

	// Acknowledge pushes even when the pull failed, so a retry does not
	// resend them.
	stats, err := o.reconcile(ctx, id, d, pushed, pulled)
	if err != nil {
		res.Err = err
		return res
	}

	res.Applied, res.KeptLocal, res.Dropped = stats.Applied, stats.KeptLocal, stats.Dropped+len(collapsed)
	res.Err = errors.Join(promoteErr, pullErr)

	// A pulled edit can give an existing record the content of another one.
	// Those tombstones are dirty and go out with the next pass.
	late, err := o.store.CollapseDuplicates(ctx, id, d.Type)
	if err != nil {
		res.Err = errors.Join(res.Err, err)
	}

	res.Dropped += len(late)

	log.Debug("type synced",
		slog.Int("promoted", res.Promoted),
		slog.Int("pushed", res.Pushed),
		slog.Int("pulled", res.Pulled),
		slog.Int("applied", res.Applied),
		slog.Int("kept_local", res.KeptLocal),
		slog.Int("dropped", res.Dropped),
	)

	return res
}

// promote lifts inline assets of recs. Records whose promotion fails are
// withheld from the push so inline data never reaches the remote store.
func (o *Orchestrator) promote(
	ctx context.Context, id identity.Identity, d entity.Descriptor, recs []entity.Record,
) (ready []entity.Record, promoted int, err error) {
	if o.assets == nil {
		return recs, 0, nil
	}

	var errs []error

	for _, r := range recs {
		out, changed, perr := o.assets.Promote(ctx, id, d, r)
		if perr != nil {
			o.logger.Warn("asset promotion failed, record withheld",
				slog.String("type", d.Type.String()),
				slog.String("key", r.Key),
				slog.String("error", perr.Error()),
			)

			errs = append(errs, perr)

			continue
		}

		if changed {
			promoted++
		}

		ready = append(ready, out)
	}

	return ready, promoted, errors.Join(errs...)
}

// reconcile clears dirty flags of pushed records that were not edited during
// the pass, stores promoted asset URLs, and merges pulled records.
func (o *Orchestrator) reconcile(
	ctx context.Context, id identity.Identity, d entity.Descriptor, pushed, pulled []entity.Record,
) (resolve.Stats, error) {
	if len(pushed) == 0 && len(pulled) == 0 {
		return resolve.Stats{}, nil
	}

	var stats resolve.Stats

	_, err := o.store.Mutate(ctx, id, d.Type, localstore.SourceSync, func(cur []entity.Record) ([]entity.Record, error) {
		idx := entity.Index(cur)
		acked := 0

		for _, p := range pushed {
			i, ok := idx[p.Key]
			if !ok || !cur[i].LastModified.Equal(p.LastModified) {
				// Edited or purged mid-pass: the newer state goes next pass.
				continue
			}

			cur[i].Payload = p.Payload
			cur[i].Dirty = false
			cur[i].NeedsSync = false
			acked++
		}

		if acked == 0 && len(pulled) == 0 {
			return nil, localstore.ErrNoChange
		}

		merged, st := resolve.Merge(d, cur, pulled)
		stats = st

		return merged, nil
	})

	return stats, err
}

// retryableTypes returns the failed types worth retrying. Policy
// rejections, malformed payloads and vanished blob handles will fail the
// same way again.
func retryableTypes(failed []TypeResult) map[entity.Type]bool {
	out := map[entity.Type]bool{}

	for _, r := range failed {
		if isRetryable(r.Err) {
			out[r.Type] = true
		}
	}

	return out
}

// permanentFailures returns the failed types a retry will not cover.
func permanentFailures(failed []TypeResult) []TypeResult {
	var out []TypeResult

	for _, r := range failed {
		if !isRetryable(r.Err) {
			out = append(out, r)
		}
	}

	return out
}

// carryFailures adds earlier failures of types a retry did not cover to its
// report, so a rejection stays reported until a pass covers that type.
func carryFailures(report *PassReport, earlier []TypeResult) {
	if len(earlier) == 0 {
		return
	}

	covered := make(map[entity.Type]bool, len(report.Results))
	for _, r := range report.Results {
		covered[r.Type] = true
	}

	for _, r := range earlier {
		if !covered[r.Type] {
			report.Results = append(report.Results, r)
		}
	}
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, remote.ErrPolicyRejected),
		errors.Is(err, remote.ErrMalformedPayload),
		errors.Is(err, assets.ErrUnresolvedHandle):
		return false
	default:
		return true
	}
}
