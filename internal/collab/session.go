package collab

import (
	"sync"
	"time"
)

// Participant is one connected user inside a session.
type Participant struct {
	UserID       string         `json:"userId"`
	ConnectionID string         `json:"connectionId"`
	DisplayName  string         `json:"displayName"`
	Role         string         `json:"role"`
	Cursor       map[string]any `json:"cursor,omitempty"`
	LastSeen     time.Time      `json:"lastSeen"`
}

// SessionSnapshot is what a joining client receives: current roster, shared
// document state, and the version to base its first mutation on.
type SessionSnapshot struct {
	ProjectID     string         `json:"projectId"`
	Participants  []Participant  `json:"participants"`
	DocumentState map[string]any `json:"documentState"`
	Version       int64          `json:"version"`
}

type member struct {
	Participant
	sender Sender
}

// session is the live collaboration context for one project. All access to
// documentState and version goes through mu; sessions never share locks, so
// distinct projects proceed fully in parallel.
type session struct {
	projectID string

	mu            sync.Mutex
	participants  map[string]*member
	documentState map[string]any
	version       int64
	lastModified  time.Time
}

func newSession(projectID string, now time.Time) *session {
	return &session{
		projectID:     projectID,
		participants:  make(map[string]*member),
		documentState: make(map[string]any),
		version:       1,
		lastModified:  now,
	}
}

// apply runs the optimistic-concurrency check for one document mutation.
// A stale expectedVersion is rejected with the current version and state so
// the caller can rebase; an accepted mutation merges changes last-write-wins
// per key and advances the version by exactly one.
func (s *session) apply(changes map[string]any, expectedVersion int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion != s.version {
		return 0, &VersionConflictError{
			ServerVersion: s.version,
			CurrentState:  copyState(s.documentState),
		}
	}
	for key, value := range changes {
		s.documentState[key] = value
	}
	s.version++
	s.lastModified = now
	return s.version, nil
}

// snapshot returns a copy of the roster and document state.
func (s *session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]Participant, 0, len(s.participants))
	for _, m := range s.participants {
		participants = append(participants, m.Participant)
	}
	return SessionSnapshot{
		ProjectID:     s.projectID,
		Participants:  participants,
		DocumentState: copyState(s.documentState),
		Version:       s.version,
	}
}

// broadcast fans an event out to every participant except the named
// connection. Delivery is fire-and-forget: a full or dead peer is skipped
// without affecting the rest of the room.
func (s *session) broadcast(exceptConnectionID string, ev Outbound) {
	s.mu.Lock()
	senders := make([]Sender, 0, len(s.participants))
	for connectionID, m := range s.participants {
		if connectionID == exceptConnectionID {
			continue
		}
		senders = append(senders, m.sender)
	}
	s.mu.Unlock()

	for _, sender := range senders {
		sender.Send(ev)
	}
}

func copyState(state map[string]any) map[string]any {
	copied := make(map[string]any, len(state))
	for key, value := range state {
		copied[key] = value
	}
	return copied
}
