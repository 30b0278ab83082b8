// Package app exposes the collaboration and sync cores over HTTP and
// WebSocket.
package app

import (
	"context"
	"time"

	"girder/api/internal/auth"
	"girder/api/internal/collab"
	"girder/api/internal/entity"
	"girder/api/internal/store"
	syncsvc "girder/api/internal/sync"
)

// Session is the authenticated caller extracted from a connection token.
type Session struct {
	UserID      string
	DisplayName string
	Role        string
}

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service ties the collaboration registry, event router, sync coordinator
// and conflict resolver together behind one API surface.
type Service struct {
	registry    *collab.Registry
	router      *collab.Router
	coordinator *syncsvc.Coordinator
	resolver    *syncsvc.Resolver

	db    Pinger
	cache Pinger

	tokenSecret []byte
	tokenTTL    time.Duration
}

func NewService(registry *collab.Registry, router *collab.Router, coordinator *syncsvc.Coordinator, resolver *syncsvc.Resolver, db, cache Pinger, tokenSecret []byte, tokenTTL time.Duration) *Service {
	return &Service{
		registry:    registry,
		router:      router,
		coordinator: coordinator,
		resolver:    resolver,
		db:          db,
		cache:       cache,
		tokenSecret: tokenSecret,
		tokenTTL:    tokenTTL,
	}
}

// IssueToken signs a connection token for a platform-authenticated user.
func (s *Service) IssueToken(userID, displayName, role string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.tokenTTL)
	token, err := auth.IssueToken(s.tokenSecret, userID, displayName, role, s.tokenTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// SessionFromToken verifies a connection token.
func (s *Service) SessionFromToken(raw string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, raw)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}, nil
}

// ProcessSyncBatch replays one device's offline operations.
func (s *Service) ProcessSyncBatch(ctx context.Context, batch syncsvc.Batch) (syncsvc.BatchResult, error) {
	if batch.DeviceID == "" {
		return syncsvc.BatchResult{}, validationError("deviceId is required")
	}
	return s.coordinator.ProcessBatch(ctx, batch), nil
}

// ResolveConflict finalizes one flagged conflict.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, resolution store.Resolution, resolvedData map[string]any) (entity.Entity, error) {
	return s.resolver.Resolve(ctx, conflictID, resolution, resolvedData)
}

// SessionSnapshot returns the live state of one project session.
func (s *Service) SessionSnapshot(projectID string) (collab.SessionSnapshot, error) {
	return s.registry.Snapshot(projectID)
}

// Stats summarizes live collaboration load.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"activeSessions":     s.registry.ActiveSessions(),
		"activeParticipants": s.registry.ActiveParticipants(),
	}
}

// Ping checks database connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// PingCache checks Redis connectivity. Returns nil when no cache is wired.
func (s *Service) PingCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}
