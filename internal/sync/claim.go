package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
	"github.com/tinylingo/tinysync/internal/localstore"
	"github.com/tinylingo/tinysync/internal/resolve"
)

// guest is the identity whose namespace holds data created before sign-in.
var guest = identity.Anonymous(identity.GuestSuffix)

// Claim moves guest data into the namespace of the authenticated identity.
// Key collisions resolve by timestamp, stickers that duplicate existing
// content are skipped, and every claimed record is marked dirty so the next
// pass pushes it. The guest namespace is cleared afterwards. It returns the
// number of records claimed per type.
func (o *Orchestrator) Claim(ctx context.Context) (map[entity.Type]int, error) {
	id, err := o.identity.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: claim: %w", err)
	}

	if id.IsAnonymous() {
		return nil, fmt.Errorf("sync: claim: %w", identity.ErrNotAuthenticated)
	}

	claimed := make(map[entity.Type]int)

	var errs []error

	for _, d := range entity.All() {
		n, err := o.claimType(ctx, id, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Type, err))
			continue
		}

		claimed[d.Type] = n
	}

	if err := errors.Join(errs...); err != nil {
		return claimed, fmt.Errorf("sync: claim: %w", err)
	}

	o.logger.Info("guest data claimed", slog.String("identity", id.String()), slog.Any("records", claimed))
	o.Trigger("claim")

	return claimed, nil
}

func (o *Orchestrator) claimType(ctx context.Context, id identity.Identity, d entity.Descriptor) (int, error) {
	recs, err := o.store.Read(ctx, guest, d.Type)
	if err != nil {
		return 0, err
	}

	if len(recs) == 0 {
		return 0, nil
	}

	n := 0

	_, err = o.store.Mutate(ctx, id, d.Type, localstore.SourceUser, func(cur []entity.Record) ([]entity.Record, error) {
		idx := entity.Index(cur)

		for _, g := range recs {
			g = g.Clone()
			g.Dirty = true

			if i, ok := idx[g.Key]; ok {
				if _, won := resolve.ByTimestamp(cur[i], g); won {
					cur[i] = g
					n++
				}

				continue
			}

			// A tombstone for a record the account never had carries nothing.
			if g.Deleted {
				continue
			}

			if owner, dup := resolve.FindByContent(d, cur, g); dup {
				o.logger.Debug("guest record duplicates account content",
					slog.String("type", d.Type.String()),
					slog.String("key", g.Key),
					slog.String("existing", owner),
				)

				continue
			}

			cur = append(cur, g)
			idx[g.Key] = len(cur) - 1
			n++
		}

		if n == 0 {
			return nil, localstore.ErrNoChange
		}

		return cur, nil
	})
	if err != nil {
		return 0, err
	}

	if err := o.store.Clear(ctx, guest, d.Type); err != nil {
		return n, err
	}

	if err := o.store.ClearCursor(ctx, guest, d.Type); err != nil {
		return n, err
	}

	return n, nil
}
