package session

import (
	"context"
	"errors"
	"fmt"

	"taskflow/internal/storage"
	"taskflow/pkg"
)

var (
	// ErrSubscriptionDenied is returned when a principal may not subscribe to a workspace
	ErrSubscriptionDenied = errors.New("subscription denied")
	// ErrHeartbeatTimeout is returned when the peer stays silent past the missed-heartbeat threshold
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Authorizer decides whether a pre-validated principal may watch a workspace
type Authorizer interface {
	Authorize(ctx context.Context, principal, workspaceID string) error
}

// WorkspaceReader is the part of the entity store the authorizer needs
type WorkspaceReader interface {
	GetWorkspace(ctx context.Context, id string) (*pkg.Workspace, error)
}

// StoreAuthorizer grants access to workspace members
type StoreAuthorizer struct {
	store WorkspaceReader
}

func NewStoreAuthorizer(store WorkspaceReader) *StoreAuthorizer {
	return &StoreAuthorizer{store: store}
}

func (a *StoreAuthorizer) Authorize(ctx context.Context, principal, workspaceID string) error {
	if principal == "" || workspaceID == "" {
		return fmt.Errorf("%w: principal and workspace are required", ErrSubscriptionDenied)
	}
	ws, err := a.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: unknown workspace %s", ErrSubscriptionDenied, workspaceID)
		}
		return fmt.Errorf("failed to load workspace: %w", err)
	}
	if !ws.HasMember(principal) {
		return fmt.Errorf("%w: %s is not a member of %s", ErrSubscriptionDenied, principal, workspaceID)
	}
	return nil
}
