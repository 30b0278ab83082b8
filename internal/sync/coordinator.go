package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"girder/api/internal/entity"
	"girder/api/internal/store"
)

// Store is the slice of the persistence collaborator the sync layer needs.
type Store interface {
	GetEntity(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error)
	PutEntity(ctx context.Context, e entity.Entity) error
	DeleteEntity(ctx context.Context, kind entity.Kind, id string) error
	InsertSyncOperation(ctx context.Context, rec store.SyncOperationRecord) error
	InsertConflict(ctx context.Context, rec store.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (store.ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id string, resolution store.Resolution, resolvedData map[string]any, at time.Time) (bool, error)
	ReopenConflict(ctx context.Context, id string) error
}

// Notifier receives fire-and-forget conflict notifications.
type Notifier interface {
	ConflictDetected(entityKind, entityID string)
	ConflictResolved(conflictID, resolution string)
}

// Coordinator replays offline batches against persisted entities. Operations
// within one batch run strictly in order (a single device's causal edit
// order); callers may run batches for different devices concurrently.
type Coordinator struct {
	store Store
	sink  Notifier
	now   func() time.Time
}

func NewCoordinator(st Store, sink Notifier) *Coordinator {
	return &Coordinator{store: st, sink: sink, now: time.Now}
}

// ProcessBatch replays every operation and buckets it into exactly one of
// applied, conflicted, or failed. A failure on one operation never aborts the
// rest of the batch.
func (c *Coordinator) ProcessBatch(ctx context.Context, batch Batch) BatchResult {
	result := BatchResult{
		Applied:   []Applied{},
		Conflicts: []store.ConflictRecord{},
		Failed:    []Failed{},
	}

	for _, op := range batch.Operations {
		if ctx.Err() != nil {
			// The client retains unprocessed operations for a later replay.
			result.Failed = append(result.Failed, Failed{
				OperationID: op.ID,
				Reason:      "batch cancelled",
				Retryable:   true,
			})
			continue
		}
		c.processOne(ctx, batch, op, &result)
	}
	return result
}

func (c *Coordinator) processOne(ctx context.Context, batch Batch, op Operation, result *BatchResult) {
	kind, err := entity.ParseKind(op.EntityKind)
	if err != nil {
		c.fail(ctx, batch, op, "", result, err, false)
		return
	}
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		c.fail(ctx, batch, op, kind, result, fmt.Errorf("unknown operation kind %q", op.Kind), false)
		return
	}

	payload, err := entity.DecodePayload(kind, op.Payload)
	if err != nil && op.Kind != OpDelete {
		c.fail(ctx, batch, op, kind, result, err, false)
		return
	}

	persisted, err := c.store.GetEntity(ctx, kind, op.EntityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Absent entity: no conflict is possible.
		c.apply(ctx, batch, op, kind, payload, result)
		return
	case err != nil:
		// Persistence unreachable: the edit is retained for later replay,
		// never silently dropped.
		c.fail(ctx, batch, op, kind, result, err, true)
		return
	}

	if persisted.ConflictsWith(op.ClientTimestamp) {
		c.conflict(ctx, batch, op, kind, payload, persisted, result)
		return
	}
	c.apply(ctx, batch, op, kind, payload, result)
}

func (c *Coordinator) apply(ctx context.Context, batch Batch, op Operation, kind entity.Kind, payload map[string]any, result *BatchResult) {
	now := c.now()

	var err error
	switch op.Kind {
	case OpDelete:
		// Deleting an absent entity is a no-op success: the end state the
		// client asked for already holds.
		err = c.store.DeleteEntity(ctx, kind, op.EntityID)
	default:
		err = c.store.PutEntity(ctx, entity.Entity{
			Kind:      kind,
			ID:        op.EntityID,
			Payload:   payload,
			UpdatedAt: now,
		})
	}
	if err != nil {
		c.fail(ctx, batch, op, kind, result, err, true)
		return
	}

	result.Applied = append(result.Applied, Applied{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		AppliedAt:   now,
	})
	c.record(ctx, batch, op, kind, payload, store.OutcomeApplied, true)
}

func (c *Coordinator) conflict(ctx context.Context, batch Batch, op Operation, kind entity.Kind, payload map[string]any, persisted entity.Entity, result *BatchResult) {
	rec := store.ConflictRecord{
		ID:              uuid.NewString(),
		EntityKind:      kind,
		EntityID:        op.EntityID,
		OperationKind:   string(op.Kind),
		ServerData:      persisted.Payload,
		ClientData:      payload,
		ClientTimestamp: op.ClientTimestamp,
		ServerTimestamp: persisted.UpdatedAt,
		Resolution:      store.ResolutionServer,
		CreatedAt:       c.now(),
	}
	if err := c.store.InsertConflict(ctx, rec); err != nil {
		// The conflict could not be flagged for resolution, so the operation
		// must stay replayable.
		c.fail(ctx, batch, op, kind, result, err, true)
		return
	}

	result.Conflicts = append(result.Conflicts, rec)
	c.record(ctx, batch, op, kind, payload, store.OutcomeConflicted, true)
	c.sink.ConflictDetected(kind.String(), op.EntityID)
}

func (c *Coordinator) fail(ctx context.Context, batch Batch, op Operation, kind entity.Kind, result *BatchResult, cause error, retryable bool) {
	result.Failed = append(result.Failed, Failed{
		OperationID: op.ID,
		Reason:      cause.Error(),
		Retryable:   retryable,
	})
	// Errored operations stay unresolved so the client replays them.
	c.record(ctx, batch, op, kind, nil, store.OutcomeErrored, false)
}

// record writes the audit row for one operation. Bookkeeping is best-effort:
// it never changes the operation's outcome.
func (c *Coordinator) record(ctx context.Context, batch Batch, op Operation, kind entity.Kind, payload map[string]any, outcome store.SyncOutcome, resolved bool) {
	err := c.store.InsertSyncOperation(ctx, store.SyncOperationRecord{
		ID:              op.ID,
		UserID:          batch.UserID,
		DeviceID:        batch.DeviceID,
		OpKind:          string(op.Kind),
		EntityKind:      kind,
		EntityID:        op.EntityID,
		Payload:         payload,
		ClientTimestamp: op.ClientTimestamp,
		Outcome:         outcome,
		Resolved:        resolved,
		CreatedAt:       c.now(),
	})
	if err != nil {
		log.Printf("sync: record operation %s: %v", op.ID, err)
	}
}
