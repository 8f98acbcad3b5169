package confirm

import (
	"context"
	"time"

	"github.com/fleetgate/fleetgate/internal/store"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// DurableStore adapts a store.ConfirmationStore (Postgres or SQLite) to the
// confirm.Store interface. Atomicity of GetAndDelete comes from the backend's
// single-statement delete-returning.
type DurableStore struct {
	backend store.ConfirmationStore
	ttl     time.Duration
}

// NewDurableStore wraps a durable confirmation backend. ttl <= 0 uses
// DefaultTTL.
func NewDurableStore(backend store.ConfirmationStore, ttl time.Duration) *DurableStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DurableStore{backend: backend, ttl: ttl}
}

func (s *DurableStore) Put(ctx context.Context, uc models.UserContext, rec *models.PendingConfirmation) error {
	cp := *rec
	if cp.TenantID == "" {
		cp.TenantID = uc.TenantID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	return s.backend.PutConfirmation(ctx, &cp)
}

func (s *DurableStore) GetAndDelete(ctx context.Context, uc models.UserContext, conversationID, operationID string) (*models.PendingConfirmation, error) {
	rec, err := s.backend.TakeConfirmation(ctx, uc.TenantID, conversationID, operationID)
	if store.IsNotFound(err) {
		return nil, &NotFoundError{ConversationID: conversationID, OperationID: operationID}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *DurableStore) CleanupConversation(ctx context.Context, uc models.UserContext, conversationID string) (int, error) {
	return s.backend.DeleteConfirmations(ctx, uc.TenantID, conversationID)
}

func (s *DurableStore) List(ctx context.Context, uc models.UserContext, conversationID string) ([]models.PendingConfirmation, error) {
	return s.backend.ListConfirmations(ctx, uc.TenantID, conversationID)
}

func (s *DurableStore) HasPending(ctx context.Context, uc models.UserContext, conversationID string) (bool, error) {
	recs, err := s.backend.ListConfirmations(ctx, uc.TenantID, conversationID)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}
