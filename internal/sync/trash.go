package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
)

// DefaultTrashRetention is how long tombstones are kept before EmptyTrash
// purges them.
const DefaultTrashRetention = 30 * 24 * time.Hour

// Purge physically removes records of one type, remote rows first so a
// failed remote delete leaves the tombstones in place for another attempt.
func (o *Orchestrator) Purge(ctx context.Context, typ entity.Type, keys []string) (int, error) {
	id, err := o.identity.Resolve(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: purge: %w", err)
	}

	return o.purge(ctx, id, typ, keys)
}

func (o *Orchestrator) purge(ctx context.Context, id identity.Identity, typ entity.Type, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	if err := o.remote.Purge(ctx, id, typ, keys); err != nil {
		return 0, fmt.Errorf("sync: purge %s: %w", typ, err)
	}

	n, err := o.store.Purge(ctx, id, typ, keys)
	if err != nil {
		return 0, fmt.Errorf("sync: purge %s: %w", typ, err)
	}

	o.logger.Info("records purged",
		slog.String("type", typ.String()),
		slog.Int("requested", len(keys)),
		slog.Int("removed", n),
	)

	return n, nil
}

// EmptyTrash purges tombstones deleted more than retention ago. A failure
// on one type does not stop the others.
func (o *Orchestrator) EmptyTrash(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultTrashRetention
	}

	id, err := o.identity.Resolve(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: empty trash: %w", err)
	}

	cutoff := o.clock.Now().Add(-retention)
	total := 0

	var errs []error

	for _, d := range entity.All() {
		keys, err := o.store.ExpiredTombstones(ctx, id, d.Type, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		n, err := o.purge(ctx, id, d.Type, keys)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		total += n
	}

	return total, errors.Join(errs...)
}
