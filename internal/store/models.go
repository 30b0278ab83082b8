package store

import (
	"time"

	"girder/api/internal/entity"
)

// SyncOutcome is the definitive result of one replayed sync operation.
type SyncOutcome string

const (
	OutcomeApplied    SyncOutcome = "applied"
	OutcomeConflicted SyncOutcome = "conflicted"
	OutcomeErrored    SyncOutcome = "errored"
)

// Resolution names the policy applied to a flagged conflict.
type Resolution string

const (
	ResolutionServer Resolution = "server"
	ResolutionClient Resolution = "client"
	ResolutionMerge  Resolution = "merge"
)

// Valid reports whether r is a supported resolution policy.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionServer, ResolutionClient, ResolutionMerge:
		return true
	}
	return false
}

// SyncOperationRecord is the bookkeeping row for one replayed operation.
// Rows are retained for audit until the GC retention window expires.
type SyncOperationRecord struct {
	ID              string
	UserID          string
	DeviceID        string
	OpKind          string
	EntityKind      entity.Kind
	EntityID        string
	Payload         map[string]any
	ClientTimestamp time.Time
	Outcome         SyncOutcome
	Resolved        bool
	CreatedAt       time.Time
}

// ConflictRecord is the detected disagreement between a persisted entity and
// a client's offline edit. The server/client snapshots are kept whole so any
// resolution policy can be applied later.
type ConflictRecord struct {
	ID              string         `json:"id"`
	EntityKind      entity.Kind    `json:"entityType"`
	EntityID        string         `json:"entityId"`
	OperationKind   string         `json:"operationKind"`
	ServerData      map[string]any `json:"serverData"`
	ClientData      map[string]any `json:"clientData"`
	ClientTimestamp time.Time      `json:"clientTimestamp"`
	ServerTimestamp time.Time      `json:"serverTimestamp"`
	Resolution      Resolution     `json:"resolution"`
	Resolved        bool           `json:"resolved"`
	ResolvedData    map[string]any `json:"resolvedData,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
}
