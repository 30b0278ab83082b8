// Package notify fans collaboration and sync events out to interested
// listeners. Delivery is fire-and-forget: a slow or absent listener never
// blocks the caller.
package notify

import "time"

// Event is the wire form of a published notification.
type Event struct {
	Type       string    `json:"type"`
	ProjectID  string    `json:"projectId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	EntityKind string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	ConflictID string    `json:"conflictId,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	At         time.Time `json:"at"`
}

const (
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventConflictDetected  = "conflict-detected"
	EventConflictResolved  = "conflict-resolved"
)

// Sink receives session and conflict lifecycle events.
type Sink interface {
	ParticipantJoined(projectID, userID string)
	ParticipantLeft(projectID, userID string)
	ConflictDetected(entityKind, entityID string)
	ConflictResolved(conflictID, resolution string)
}

// NopSink discards every event. Used when no Redis is configured.
type NopSink struct{}

func (NopSink) ParticipantJoined(string, string) {}
func (NopSink) ParticipantLeft(string, string)   {}
func (NopSink) ConflictDetected(string, string)  {}
func (NopSink) ConflictResolved(string, string)  {}
