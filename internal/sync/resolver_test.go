package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"girder/api/internal/entity"
	"girder/api/internal/store"
)

func pendingConflict(st *memStore) store.ConflictRecord {
	rec := store.ConflictRecord{
		ID:              "cf1",
		EntityKind:      entity.KindTask,
		EntityID:        "t1",
		ServerData:      map[string]any{"title": "server title", "status": "open"},
		ClientData:      map[string]any{"title": "client title", "assignee": "dana"},
		ClientTimestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ServerTimestamp: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		Resolution:      store.ResolutionServer,
		CreatedAt:       time.Date(2026, 3, 1, 10, 5, 1, 0, time.UTC),
	}
	st.conflicts[rec.ID] = rec
	st.entities[entityKey(entity.KindTask, "t1")] = entity.Entity{
		Kind:      entity.KindTask,
		ID:        "t1",
		Payload:   rec.ServerData,
		UpdatedAt: rec.ServerTimestamp,
	}
	return rec
}

func TestResolveServerKeepsPersistedState(t *testing.T) {
	st := newMemStore()
	rec := pendingConflict(st)
	sink := &fakeNotifier{}
	resolver := NewResolver(st, sink)

	final, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionServer, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final.Payload["title"] != "server title" {
		t.Errorf("server resolution returns the persisted state, got %v", final.Payload)
	}
	if !final.UpdatedAt.Equal(rec.ServerTimestamp) {
		t.Errorf("server resolution must not advance updatedAt, got %v", final.UpdatedAt)
	}
	stored, _ := st.GetEntity(context.Background(), entity.KindTask, "t1")
	if stored.Payload["title"] != "server title" {
		t.Error("server resolution must leave the entity untouched")
	}
	if got := st.conflicts["cf1"]; !got.Resolved || got.ResolvedAt == nil {
		t.Errorf("conflict record not closed: %+v", got)
	}
	if len(sink.resolved) != 1 || sink.resolved[0] != "cf1/server" {
		t.Errorf("expected resolution notification, got %v", sink.resolved)
	}
}

func TestResolveClientOverwritesEntity(t *testing.T) {
	st := newMemStore()
	pendingConflict(st)
	resolver := NewResolver(st, &fakeNotifier{})

	final, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionClient, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final.Payload["title"] != "client title" || final.Payload["assignee"] != "dana" {
		t.Errorf("client resolution returns the client snapshot, got %v", final.Payload)
	}
	stored, _ := st.GetEntity(context.Background(), entity.KindTask, "t1")
	if stored.Payload["title"] != "client title" {
		t.Errorf("entity must carry the client snapshot, got %v", stored.Payload)
	}
	if _, ok := stored.Payload["status"]; ok {
		t.Error("client resolution replaces the payload whole, not field by field")
	}
}

func TestResolveMergeDefaultsToShallowUnion(t *testing.T) {
	st := newMemStore()
	pendingConflict(st)
	resolver := NewResolver(st, &fakeNotifier{})

	final, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionMerge, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final.Payload["title"] != "client title" {
		t.Error("client fields win on overlap")
	}
	if final.Payload["status"] != "open" || final.Payload["assignee"] != "dana" {
		t.Errorf("merge keeps fields unique to either side, got %v", final.Payload)
	}
	if final.Payload["conflictResolved"] != true {
		t.Error("merged state carries the conflictResolved marker")
	}
}

func TestResolveMergeUsesSuppliedStateVerbatim(t *testing.T) {
	st := newMemStore()
	pendingConflict(st)
	resolver := NewResolver(st, &fakeNotifier{})

	supplied := map[string]any{"title": "negotiated title"}
	final, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionMerge, supplied)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(final.Payload) != 1 || final.Payload["title"] != "negotiated title" {
		t.Errorf("supplied resolvedData applies verbatim, got %v", final.Payload)
	}
	if got := st.conflicts["cf1"]; got.ResolvedData["title"] != "negotiated title" {
		t.Errorf("resolvedData must be recorded, got %+v", got)
	}
}

func TestResolveTwiceReportsNotFound(t *testing.T) {
	st := newMemStore()
	pendingConflict(st)
	resolver := NewResolver(st, &fakeNotifier{})

	if _, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionClient, nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionServer, nil)
	if !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("resolution is terminal, got %v", err)
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	resolver := NewResolver(newMemStore(), &fakeNotifier{})
	_, err := resolver.Resolve(context.Background(), "missing", store.ResolutionServer, nil)
	if !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("expected ErrConflictNotFound, got %v", err)
	}
}

func TestResolveRejectsUnknownPolicy(t *testing.T) {
	resolver := NewResolver(newMemStore(), &fakeNotifier{})
	_, err := resolver.Resolve(context.Background(), "cf1", store.Resolution("newest-wins"), nil)
	if !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
}

func TestResolveRetryAfterEntityWriteFailure(t *testing.T) {
	st := newMemStore()
	pendingConflict(st)
	st.putErrFor["t1"] = errors.New("connection reset")
	sink := &fakeNotifier{}
	resolver := NewResolver(st, sink)

	_, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionClient, nil)
	if err == nil {
		t.Fatal("expected the entity write failure to surface")
	}
	if got := st.conflicts["cf1"]; got.Resolved {
		t.Fatalf("a failed write must release the claim, got %+v", got)
	}
	if len(sink.resolved) != 0 {
		t.Errorf("no notification for a failed resolution, got %v", sink.resolved)
	}

	delete(st.putErrFor, "t1")
	final, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionClient, nil)
	if err != nil {
		t.Fatalf("retry after write failure: %v", err)
	}
	if final.Payload["title"] != "client title" {
		t.Errorf("retry applies the client snapshot, got %v", final.Payload)
	}
	stored, _ := st.GetEntity(context.Background(), entity.KindTask, "t1")
	if stored.Payload["title"] != "client title" {
		t.Errorf("entity must carry the client snapshot after the retry, got %v", stored.Payload)
	}
}

func TestResolveClientDeleteRemovesEntity(t *testing.T) {
	basis := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.entities[entityKey(entity.KindTask, "t1")] = entity.Entity{
		Kind:      entity.KindTask,
		ID:        "t1",
		Payload:   map[string]any{"title": "server title"},
		UpdatedAt: basis.Add(time.Minute),
	}
	coordinator := NewCoordinator(st, &fakeNotifier{})

	result := coordinator.ProcessBatch(context.Background(), Batch{
		UserID:   "u1",
		DeviceID: "d1",
		Operations: []Operation{{
			ID:              "op1",
			Kind:            OpDelete,
			EntityKind:      "task",
			EntityID:        "t1",
			ClientTimestamp: basis,
		}},
	})
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected a conflict for the stale delete, got %+v", result)
	}
	rec := result.Conflicts[0]
	if rec.OperationKind != string(OpDelete) {
		t.Fatalf("conflict must record the delete kind, got %q", rec.OperationKind)
	}

	resolver := NewResolver(st, &fakeNotifier{})
	final, err := resolver.Resolve(context.Background(), rec.ID, store.ResolutionClient, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(final.Payload) != 0 {
		t.Errorf("a resolved delete has no final payload, got %v", final.Payload)
	}
	if _, err := st.GetEntity(context.Background(), entity.KindTask, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("client resolution of a delete must remove the entity, got %v", err)
	}
	if got := st.conflicts[rec.ID]; !got.Resolved {
		t.Errorf("conflict record not closed: %+v", got)
	}
}

func TestResolveLosesClaimRace(t *testing.T) {
	st := newMemStore()
	pendingConflict(st)
	st.claimDenied = true
	sink := &fakeNotifier{}
	resolver := NewResolver(st, sink)

	_, err := resolver.Resolve(context.Background(), "cf1", store.ResolutionClient, nil)
	if !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("losing the claim reports not found, got %v", err)
	}
	stored, _ := st.GetEntity(context.Background(), entity.KindTask, "t1")
	if stored.Payload["title"] != "server title" {
		t.Error("a lost claim must not touch the entity")
	}
	if len(sink.resolved) != 0 {
		t.Errorf("no notification for a lost claim, got %v", sink.resolved)
	}
}
