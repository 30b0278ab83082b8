// Package access answers project membership questions for the collaboration
// and sync surfaces.
package access

import (
	"context"
	"fmt"
)

// MembershipStore is the persistence slice access needs.
type MembershipStore interface {
	IsProjectMember(ctx context.Context, userID, projectID string) (bool, error)
}

// Provider decides whether a user may enter a project session.
type Provider interface {
	CheckAccess(ctx context.Context, userID, projectID string) (bool, error)
}

// StoreProvider answers membership questions from the project_members table.
type StoreProvider struct {
	store MembershipStore
}

func NewStoreProvider(store MembershipStore) *StoreProvider {
	return &StoreProvider{store: store}
}

func (p *StoreProvider) CheckAccess(ctx context.Context, userID, projectID string) (bool, error) {
	if userID == "" || projectID == "" {
		return false, nil
	}
	ok, err := p.store.IsProjectMember(ctx, userID, projectID)
	if err != nil {
		return false, fmt.Errorf("check project membership: %w", err)
	}
	return ok, nil
}

// AllowAll grants every user access to every project. Used in tests and
// single-tenant deployments without a membership table.
type AllowAll struct{}

func (AllowAll) CheckAccess(context.Context, string, string) (bool, error) {
	return true, nil
}
