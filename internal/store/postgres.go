package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"girder/api/internal/entity"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// PostgresStore is the persistence collaborator behind the sync layer:
// project entities keyed by (kind, id), plus sync-operation and
// conflict-record bookkeeping.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetEntity(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM entities WHERE kind=$1 AND id=$2
	`, kind.String(), id).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, ErrNotFound
	}
	if err != nil {
		return entity.Entity{}, fmt.Errorf("get entity %s/%s: %w", kind, id, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return entity.Entity{}, fmt.Errorf("decode entity %s/%s: %w", kind, id, err)
	}
	return entity.Entity{Kind: kind, ID: id, Payload: payload, UpdatedAt: updatedAt}, nil
}

// PutEntity creates or overwrites one entity in a single statement, so the
// read-modify-write performed by callers stays atomic per entity.
func (s *PostgresStore) PutEntity(ctx context.Context, e entity.Entity) error {
	raw, err := entity.EncodePayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO UPDATE SET payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at
	`, e.Kind.String(), e.ID, raw, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put entity %s/%s: %w", e.Kind, e.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, kind entity.Kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind=$1 AND id=$2`, kind.String(), id)
	if err != nil {
		return fmt.Errorf("delete entity %s/%s: %w", kind, id, err)
	}
	return nil
}

// InsertSyncOperation records the definitive outcome of one replayed
// operation. Re-inserting the same client-assigned ID updates the outcome,
// which keeps client retries idempotent.
func (s *PostgresStore) InsertSyncOperation(ctx context.Context, rec SyncOperationRecord) error {
	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode sync op payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, user_id, device_id, op_kind, entity_kind, entity_id, payload, client_ts, outcome, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET outcome=EXCLUDED.outcome, resolved=EXCLUDED.resolved
	`, rec.ID, rec.UserID, rec.DeviceID, rec.OpKind, rec.EntityKind.String(), rec.EntityID, raw, rec.ClientTimestamp, string(rec.Outcome), rec.Resolved, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync operation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) InsertConflict(ctx context.Context, rec ConflictRecord) error {
	serverData, err := json.Marshal(rec.ServerData)
	if err != nil {
		return fmt.Errorf("encode conflict server data: %w", err)
	}
	clientData, err := json.Marshal(rec.ClientData)
	if err != nil {
		return fmt.Errorf("encode conflict client data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_records (id, entity_kind, entity_id, op_kind, server_data, client_data, client_ts, server_ts, resolution, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
	`, rec.ID, rec.EntityKind.String(), rec.EntityID, rec.OperationKind, serverData, clientData, rec.ClientTimestamp, rec.ServerTimestamp, string(rec.Resolution))
	if err != nil {
		return fmt.Errorf("insert conflict record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (ConflictRecord, error) {
	var (
		rec          ConflictRecord
		kind         string
		serverData   []byte
		clientData   []byte
		resolvedData []byte
		resolution   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_kind, entity_id, op_kind, server_data, client_data, client_ts, server_ts, resolution, resolved, resolved_data, created_at, resolved_at
		FROM conflict_records WHERE id=$1
	`, id).Scan(&rec.ID, &kind, &rec.EntityID, &rec.OperationKind, &serverData, &clientData, &rec.ClientTimestamp, &rec.ServerTimestamp, &resolution, &rec.Resolved, &resolvedData, &rec.CreatedAt, &rec.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, ErrNotFound
	}
	if err != nil {
		return ConflictRecord{}, fmt.Errorf("get conflict %s: %w", id, err)
	}

	rec.EntityKind = entity.Kind(kind)
	rec.Resolution = Resolution(resolution)
	if err := json.Unmarshal(serverData, &rec.ServerData); err != nil {
		return ConflictRecord{}, fmt.Errorf("decode conflict %s server data: %w", id, err)
	}
	if err := json.Unmarshal(clientData, &rec.ClientData); err != nil {
		return ConflictRecord{}, fmt.Errorf("decode conflict %s client data: %w", id, err)
	}
	if len(resolvedData) > 0 {
		if err := json.Unmarshal(resolvedData, &rec.ResolvedData); err != nil {
			return ConflictRecord{}, fmt.Errorf("decode conflict %s resolved data: %w", id, err)
		}
	}
	return rec, nil
}

// MarkConflictResolved atomically claims a pending conflict. It reports false
// when the conflict was already resolved (or never existed), which the
// resolver maps to NotFound.
func (s *PostgresStore) MarkConflictResolved(ctx context.Context, id string, resolution Resolution, resolvedData map[string]any, at time.Time) (bool, error) {
	raw, err := json.Marshal(resolvedData)
	if err != nil {
		return false, fmt.Errorf("encode resolved data: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conflict_records
		SET resolution=$2, resolved=TRUE, resolved_data=$3, resolved_at=$4
		WHERE id=$1 AND resolved=FALSE
	`, id, string(resolution), raw, at)
	if err != nil {
		return false, fmt.Errorf("mark conflict %s resolved: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark conflict %s resolved: %w", id, err)
	}
	return affected == 1, nil
}

// ReopenConflict releases a claimed conflict whose resolution could not be
// applied, so a retry can claim it again.
func (s *PostgresStore) ReopenConflict(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conflict_records
		SET resolution='server', resolved=FALSE, resolved_data=NULL, resolved_at=NULL
		WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("reopen conflict %s: %w", id, err)
	}
	return nil
}

// PurgeSyncHistory drops sync bookkeeping older than the cutoff regardless of
// resolution status. Called only by the GC sweep.
func (s *PostgresStore) PurgeSyncHistory(ctx context.Context, before time.Time) (int64, error) {
	ops, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge sync operations: %w", err)
	}
	conflicts, err := s.db.ExecContext(ctx, `DELETE FROM conflict_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge conflict records: %w", err)
	}
	opCount, _ := ops.RowsAffected()
	conflictCount, _ := conflicts.RowsAffected()
	return opCount + conflictCount, nil
}

// IsProjectMember backs the access provider's join-time gate.
func (s *PostgresStore) IsProjectMember(ctx context.Context, userID, projectID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id=$1 AND user_id=$2)
	`, projectID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}
