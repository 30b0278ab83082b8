package collab

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AccessProvider is the external gate consulted at join time. The core treats
// it as an opaque boolean decision.
type AccessProvider interface {
	CheckAccess(ctx context.Context, userID, projectID string) (bool, error)
}

// EventSink receives fire-and-forget lifecycle notifications. Implementations
// must never block or surface errors into the core.
type EventSink interface {
	ParticipantJoined(projectID, userID string)
	ParticipantLeft(projectID, userID string)
}

// Identity describes the user behind one connection, as established by the
// transport layer before the join reaches the registry.
type Identity struct {
	UserID       string
	ConnectionID string
	DisplayName  string
	Role         string
}

// Registry tracks live collaboration sessions and their participants. It is
// constructed once at process start and injected into the transport layer;
// there is no package-level state.
type Registry struct {
	access AccessProvider
	sink   EventSink
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	conns    map[string]string
}

func NewRegistry(access AccessProvider, sink EventSink) *Registry {
	return &Registry{
		access:   access,
		sink:     sink,
		now:      time.Now,
		sessions: make(map[string]*session),
		conns:    make(map[string]string),
	}
}

// Join adds a connection to the project's session, creating the session on
// first join. Re-joining with the same connection ID is idempotent: the
// existing participant entry is kept and only its lastSeen advances.
func (r *Registry) Join(ctx context.Context, projectID string, identity Identity, sender Sender) (SessionSnapshot, error) {
	allowed, err := r.access.CheckAccess(ctx, identity.UserID, projectID)
	if err != nil {
		return SessionSnapshot{}, fmt.Errorf("check access: %w", err)
	}
	if !allowed {
		return SessionSnapshot{}, ErrAccessDenied
	}

	now := r.now()

	r.mu.Lock()
	sess, ok := r.sessions[projectID]
	if !ok {
		sess = newSession(projectID, now)
		r.sessions[projectID] = sess
	}
	r.conns[identity.ConnectionID] = projectID

	sess.mu.Lock()
	existing, rejoin := sess.participants[identity.ConnectionID]
	if rejoin {
		existing.LastSeen = now
		existing.sender = sender
	} else {
		sess.participants[identity.ConnectionID] = &member{
			Participant: Participant{
				UserID:       identity.UserID,
				ConnectionID: identity.ConnectionID,
				DisplayName:  identity.DisplayName,
				Role:         identity.Role,
				LastSeen:     now,
			},
			sender: sender,
		}
	}
	sess.mu.Unlock()
	r.mu.Unlock()

	if !rejoin {
		sess.broadcast(identity.ConnectionID, Outbound{
			Type: "participant-joined",
			Data: map[string]any{
				"userId":    identity.UserID,
				"name":      identity.DisplayName,
				"role":      identity.Role,
				"timestamp": now.UTC().Format(time.RFC3339),
			},
		})
		r.sink.ParticipantJoined(projectID, identity.UserID)
	}

	return sess.snapshot(), nil
}

// Leave removes the connection's participant. When the last participant
// leaves, the session and its in-memory document state are discarded with no
// persistence side effect.
func (r *Registry) Leave(connectionID string) {
	r.mu.Lock()
	projectID, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)

	sess := r.sessions[projectID]
	if sess == nil {
		r.mu.Unlock()
		return
	}

	sess.mu.Lock()
	m, present := sess.participants[connectionID]
	delete(sess.participants, connectionID)
	empty := len(sess.participants) == 0
	sess.mu.Unlock()

	if empty {
		delete(r.sessions, projectID)
	}
	r.mu.Unlock()

	if !present {
		return
	}
	if !empty {
		sess.broadcast(connectionID, Outbound{
			Type: "participant-left",
			Data: map[string]any{
				"userId":    m.UserID,
				"name":      m.DisplayName,
				"timestamp": r.now().UTC().Format(time.RFC3339),
			},
		})
	}
	r.sink.ParticipantLeft(projectID, m.UserID)
}

// Snapshot returns the current state of one project's session.
func (r *Registry) Snapshot(projectID string) (SessionSnapshot, error) {
	r.mu.RLock()
	sess, ok := r.sessions[projectID]
	r.mu.RUnlock()
	if !ok {
		return SessionSnapshot{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// ActiveSessions reports how many sessions currently have participants.
func (r *Registry) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveParticipants reports the total participant count across sessions.
func (r *Registry) ActiveParticipants() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, sess := range r.sessions {
		sess.mu.Lock()
		total += len(sess.participants)
		sess.mu.Unlock()
	}
	return total
}

// lookup resolves a connection to its session. The member value is a copy;
// mutating participant fields goes through session methods.
func (r *Registry) lookup(connectionID string) (*session, Participant, error) {
	r.mu.RLock()
	projectID, ok := r.conns[connectionID]
	if !ok {
		r.mu.RUnlock()
		return nil, Participant{}, ErrSessionNotFound
	}
	sess := r.sessions[projectID]
	r.mu.RUnlock()
	if sess == nil {
		return nil, Participant{}, ErrSessionNotFound
	}

	sess.mu.Lock()
	m, present := sess.participants[connectionID]
	if !present {
		sess.mu.Unlock()
		return nil, Participant{}, ErrSessionNotFound
	}
	p := m.Participant
	sess.mu.Unlock()
	return sess, p, nil
}

// markSeen refreshes the participant's activity clock, optionally recording a
// cursor position.
func (r *Registry) markSeen(sess *session, connectionID string, cursor map[string]any) {
	now := r.now()
	sess.mu.Lock()
	if m, ok := sess.participants[connectionID]; ok {
		m.LastSeen = now
		if cursor != nil {
			m.Cursor = cursor
		}
	}
	sess.mu.Unlock()
}

// sweepIdle removes every participant idle beyond threshold and tears down
// sessions left empty. It returns the number of participants removed.
func (r *Registry) sweepIdle(threshold time.Duration) int {
	now := r.now()
	cutoff := now.Add(-threshold)

	type removal struct {
		sess  *session
		m     Participant
		empty bool
	}
	var removed []removal

	r.mu.Lock()
	for projectID, sess := range r.sessions {
		sess.mu.Lock()
		for connectionID, m := range sess.participants {
			if m.LastSeen.After(cutoff) {
				continue
			}
			delete(sess.participants, connectionID)
			delete(r.conns, connectionID)
			removed = append(removed, removal{sess: sess, m: m.Participant})
		}
		empty := len(sess.participants) == 0
		sess.mu.Unlock()
		if empty {
			delete(r.sessions, projectID)
			for i := range removed {
				if removed[i].sess == sess {
					removed[i].empty = true
				}
			}
		}
	}
	r.mu.Unlock()

	for _, rm := range removed {
		if !rm.empty {
			rm.sess.broadcast(rm.m.ConnectionID, Outbound{
				Type: "participant-left",
				Data: map[string]any{
					"userId":    rm.m.UserID,
					"name":      rm.m.DisplayName,
					"timestamp": now.UTC().Format(time.RFC3339),
					"reason":    "idle",
				},
			})
		}
		r.sink.ParticipantLeft(rm.sess.projectID, rm.m.UserID)
	}
	return len(removed)
}
