// Package confirm holds write operations awaiting human approval.
//
// A pending confirmation is keyed "{conversation_id}:{operation_id}" and
// lives for a bounded TTL. Consumption is atomic and single-use: once
// GetAndDelete returns a record, no later call can return it again — the
// operation id is a one-shot credential. When a durable store is configured
// the records survive process restarts; the in-memory store keeps the feature
// working without infrastructure at the cost of losing pending approvals on
// restart.
package confirm

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// DefaultTTL bounds how long an unanswered confirmation stays claimable.
const DefaultTTL = time.Hour

// NotFoundError reports a missing, expired, or already-consumed confirmation.
// It is recoverable: the user re-issues the original request.
type NotFoundError struct {
	ConversationID string
	OperationID    string
}

func (e *NotFoundError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("no pending confirmation for conversation %s", e.ConversationID)
	}
	return fmt.Sprintf("pending confirmation %s:%s not found (missing, expired, or already used)", e.ConversationID, e.OperationID)
}

// Store parks and releases pending confirmations. All methods are scoped by
// the tenant in uc; a tenant can never see or consume another tenant's
// records.
type Store interface {
	// Put stores a pending record under its conversation/operation key.
	Put(ctx context.Context, uc models.UserContext, rec *models.PendingConfirmation) error

	// GetAndDelete atomically fetches and removes one live record. With an
	// empty operationID it consumes the earliest-created record for the
	// conversation — compatibility behavior for single-operation callers.
	// Returns a NotFoundError when nothing matches.
	GetAndDelete(ctx context.Context, uc models.UserContext, conversationID, operationID string) (*models.PendingConfirmation, error)

	// CleanupConversation removes every pending record for the conversation
	// and returns the count removed. Called on chat cancellation so a stale
	// approval can never execute after the user abandoned the flow.
	CleanupConversation(ctx context.Context, uc models.UserContext, conversationID string) (int, error)

	// List returns the live records for a conversation, oldest first.
	List(ctx context.Context, uc models.UserContext, conversationID string) ([]models.PendingConfirmation, error)

	// HasPending reports whether the conversation has any live record.
	HasPending(ctx context.Context, uc models.UserContext, conversationID string) (bool, error)
}
