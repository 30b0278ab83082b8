// Package sync reconciles batches of edits made by offline clients against
// persisted project entities, and finalizes the conflicts that reconciliation
// flags. Conflicts are detected at whole-entity granularity: any server write
// newer than the client's basis timestamp conflicts, even on disjoint fields.
package sync

import (
	"encoding/json"
	"time"

	"girder/api/internal/store"
)

// OpKind is the kind of offline edit.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one offline-produced edit queued for replay. IDs are assigned
// client-side so retries stay idempotent in the bookkeeping.
type Operation struct {
	ID              string          `json:"id"`
	Kind            OpKind          `json:"kind"`
	EntityKind      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
}

// Batch is the ordered set of operations from one (user, device) pair.
// Operations are replayed strictly in order; batches from different devices
// may be processed concurrently.
type Batch struct {
	UserID     string      `json:"userId"`
	DeviceID   string      `json:"deviceId"`
	Operations []Operation `json:"operations"`
}

// Applied records one successfully replayed operation.
type Applied struct {
	OperationID string    `json:"operationId"`
	EntityID    string    `json:"entityId"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// Failed records one operation that errored. Retryable failures leave the
// operation unresolved so the client retains it for a later replay.
type Failed struct {
	OperationID string `json:"operationId"`
	Reason      string `json:"reason"`
	Retryable   bool   `json:"retryable"`
}

// BatchResult buckets every operation of a batch into exactly one outcome.
type BatchResult struct {
	Applied   []Applied              `json:"applied"`
	Conflicts []store.ConflictRecord `json:"conflicts"`
	Failed    []Failed               `json:"failed"`
}
