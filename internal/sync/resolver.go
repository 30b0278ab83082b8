package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"girder/api/internal/entity"
	"girder/api/internal/store"
)

var (
	// ErrConflictNotFound means the conflict does not exist or was already
	// resolved; resolution is terminal.
	ErrConflictNotFound = errors.New("conflict not found or already resolved")
	// ErrInvalidResolution means the requested policy is not one of
	// server/client/merge.
	ErrInvalidResolution = errors.New("invalid resolution")
)

// Resolver finalizes flagged conflicts, producing exactly one authoritative
// entity state per conflict.
type Resolver struct {
	store Store
	sink  Notifier
	now   func() time.Time
}

func NewResolver(st Store, sink Notifier) *Resolver {
	return &Resolver{store: st, sink: sink, now: time.Now}
}

// Resolve applies the chosen policy to a pending conflict:
//
//	server — keep the persisted state, discard the client edit
//	client — overwrite the entity with the client's submitted snapshot
//	merge  — resolvedData verbatim when supplied, else a shallow union with
//	         client fields winning on overlap
//
// The conflict is claimed atomically before the entity is touched, so
// concurrent resolutions of the same conflict produce one winner; the losers
// get ErrConflictNotFound. A failed entity write releases the claim again so
// a retry can finish the resolution instead of losing the client edit.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution store.Resolution, resolvedData map[string]any) (entity.Entity, error) {
	if !resolution.Valid() {
		return entity.Entity{}, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	rec, err := r.store.GetConflict(ctx, conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return entity.Entity{}, ErrConflictNotFound
	}
	if err != nil {
		return entity.Entity{}, err
	}
	if rec.Resolved {
		return entity.Entity{}, ErrConflictNotFound
	}

	finalData := finalStateFor(rec, resolution, resolvedData)

	claimed, err := r.store.MarkConflictResolved(ctx, conflictID, resolution, finalData, r.now())
	if err != nil {
		return entity.Entity{}, err
	}
	if !claimed {
		return entity.Entity{}, ErrConflictNotFound
	}

	final := entity.Entity{
		Kind:      rec.EntityKind,
		ID:        rec.EntityID,
		Payload:   finalData,
		UpdatedAt: r.now(),
	}
	switch {
	case resolution == store.ResolutionServer:
		// Server wins: the persisted state is already authoritative.
		final.UpdatedAt = rec.ServerTimestamp
	case resolution == store.ResolutionClient && rec.OperationKind == string(OpDelete):
		// The client's edit was a delete, so honoring it removes the entity
		// rather than writing an empty snapshot.
		if err := r.store.DeleteEntity(ctx, rec.EntityKind, rec.EntityID); err != nil {
			r.reopen(ctx, conflictID)
			return entity.Entity{}, fmt.Errorf("apply resolution %s: %w", resolution, err)
		}
		final.Payload = nil
	default:
		if err := r.store.PutEntity(ctx, final); err != nil {
			r.reopen(ctx, conflictID)
			return entity.Entity{}, fmt.Errorf("apply resolution %s: %w", resolution, err)
		}
	}

	r.sink.ConflictResolved(conflictID, string(resolution))
	return final, nil
}

// reopen releases the claim after a failed entity write so the client edit
// stays resolvable instead of being dropped with the closed record.
func (r *Resolver) reopen(ctx context.Context, conflictID string) {
	if err := r.store.ReopenConflict(ctx, conflictID); err != nil {
		log.Printf("sync: reopen conflict %s: %v", conflictID, err)
	}
}

func finalStateFor(rec store.ConflictRecord, resolution store.Resolution, resolvedData map[string]any) map[string]any {
	switch resolution {
	case store.ResolutionClient:
		return rec.ClientData
	case store.ResolutionMerge:
		if resolvedData != nil {
			return resolvedData
		}
		return entity.Merge(rec.ServerData, rec.ClientData)
	default:
		return rec.ServerData
	}
}
