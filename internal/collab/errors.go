package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied means the access provider rejected the join.
	ErrAccessDenied = errors.New("access denied")
	// ErrSessionNotFound means the connection is not part of any session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownEvent means the inbound event type is not part of the protocol.
	ErrUnknownEvent = errors.New("unknown event type")
)

// VersionConflictError is the optimistic-concurrency rejection for a live
// document mutation. It carries enough state for the submitting client to
// rebase and resubmit; the server never retries on its behalf.
type VersionConflictError struct {
	ServerVersion int64
	CurrentState  map[string]any
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: server is at %d", e.ServerVersion)
}
