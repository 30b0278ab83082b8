package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"girder/api/internal/entity"
)

// These tests run only against a real Postgres. Point GIRDER_TEST_DATABASE_URL
// at a throwaway database to enable them.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("GIRDER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("GIRDER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestEntityRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	want := entity.Entity{
		Kind:      entity.KindTask,
		ID:        id,
		Payload:   map[string]any{"title": "pour slab", "status": "open"},
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := st.PutEntity(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.GetEntity(ctx, entity.KindTask, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload["title"] != "pour slab" {
		t.Errorf("unexpected payload: %v", got.Payload)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("updatedAt drift: want %v got %v", want.UpdatedAt, got.UpdatedAt)
	}

	// Upsert replaces the payload whole.
	want.Payload = map[string]any{"title": "pour slab", "status": "done"}
	want.UpdatedAt = want.UpdatedAt.Add(time.Minute)
	if err := st.PutEntity(ctx, want); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, err = st.GetEntity(ctx, entity.KindTask, id)
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.Payload["status"] != "done" {
		t.Errorf("upsert did not replace payload: %v", got.Payload)
	}

	if err := st.DeleteEntity(ctx, entity.KindTask, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetEntity(ctx, entity.KindTask, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestConflictClaimIsExactlyOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	rec := ConflictRecord{
		ID:              id,
		EntityKind:      entity.KindRFI,
		EntityID:        uuid.NewString(),
		ServerData:      map[string]any{"subject": "server"},
		ClientData:      map[string]any{"subject": "client"},
		ClientTimestamp: time.Now().UTC(),
		ServerTimestamp: time.Now().UTC(),
		Resolution:      ResolutionServer,
		CreatedAt:       time.Now().UTC(),
	}
	if err := st.InsertConflict(ctx, rec); err != nil {
		t.Fatalf("insert conflict: %v", err)
	}

	claimed, err := st.MarkConflictResolved(ctx, id, ResolutionClient, rec.ClientData, time.Now().UTC())
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim must win")
	}

	claimed, err = st.MarkConflictResolved(ctx, id, ResolutionServer, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim must lose")
	}

	got, err := st.GetConflict(ctx, id)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if !got.Resolved || got.Resolution != ResolutionClient || got.ResolvedAt == nil {
		t.Errorf("unexpected record after claim: %+v", got)
	}
}

func TestPurgeSyncHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := SyncOperationRecord{
		ID:              uuid.NewString(),
		UserID:          "u1",
		DeviceID:        "d1",
		OpKind:          "update",
		EntityKind:      entity.KindTask,
		EntityID:        uuid.NewString(),
		Payload:         map[string]any{"title": "old"},
		ClientTimestamp: time.Now().UTC().Add(-10 * 24 * time.Hour),
		Outcome:         OutcomeApplied,
		Resolved:        true,
		CreatedAt:       time.Now().UTC().Add(-10 * 24 * time.Hour),
	}
	if err := st.InsertSyncOperation(ctx, old); err != nil {
		t.Fatalf("insert old op: %v", err)
	}
	fresh := old
	fresh.ID = uuid.NewString()
	fresh.CreatedAt = time.Now().UTC()
	if err := st.InsertSyncOperation(ctx, fresh); err != nil {
		t.Fatalf("insert fresh op: %v", err)
	}

	purged, err := st.PurgeSyncHistory(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged < 1 {
		t.Errorf("expected at least one purged row, got %d", purged)
	}
	var kept bool
	if err := st.DB().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sync_operations WHERE id=$1)`, fresh.ID).Scan(&kept); err != nil {
		t.Fatalf("check fresh op: %v", err)
	}
	if !kept {
		t.Error("purge must not touch rows inside the retention window")
	}
}

func TestIsProjectMember(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	if _, err := st.DB().ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, 'editor')
	`, projectID, "u1"); err != nil {
		t.Fatalf("seed membership: %v", err)
	}

	ok, err := st.IsProjectMember(ctx, "u1", projectID)
	if err != nil {
		t.Fatalf("membership check: %v", err)
	}
	if !ok {
		t.Error("expected u1 to be a member")
	}

	ok, err = st.IsProjectMember(ctx, "u2", projectID)
	if err != nil {
		t.Fatalf("membership check: %v", err)
	}
	if ok {
		t.Error("expected u2 to be denied")
	}
}
