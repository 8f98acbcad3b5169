package confirm

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// FallbackStore layers a durable store over an in-memory one. Writes go to
// the durable backend and degrade to memory when it errors, so a flaky
// database never blocks a confirmation from being parked. Reads check the
// durable backend first, then memory; a record is consumed from exactly one
// backend, never both. Enumeration merges both.
type FallbackStore struct {
	durable Store
	memory  Store
}

// NewFallbackStore composes a durable store with an in-memory fallback.
func NewFallbackStore(durable, memory Store) *FallbackStore {
	return &FallbackStore{durable: durable, memory: memory}
}

func (s *FallbackStore) Put(ctx context.Context, uc models.UserContext, rec *models.PendingConfirmation) error {
	if err := s.durable.Put(ctx, uc, rec); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", rec.ConversationID).
			Str("operation_id", rec.OperationID).
			Msg("durable confirmation write failed, falling back to memory")
		return s.memory.Put(ctx, uc, rec)
	}
	return nil
}

func (s *FallbackStore) GetAndDelete(ctx context.Context, uc models.UserContext, conversationID, operationID string) (*models.PendingConfirmation, error) {
	rec, err := s.durable.GetAndDelete(ctx, uc, conversationID, operationID)
	if err == nil {
		s.discard(ctx, s.memory, uc, conversationID, rec.OperationID)
		return rec, nil
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("durable confirmation read failed, trying memory")
	}
	rec, err = s.memory.GetAndDelete(ctx, uc, conversationID, operationID)
	if err != nil {
		return nil, err
	}
	s.discard(ctx, s.durable, uc, conversationID, rec.OperationID)
	return rec, nil
}

// discard removes a leftover copy of a consumed record from the other
// backend. A record written during a durable outage and retried later can
// end up in both; single use must hold across them.
func (s *FallbackStore) discard(ctx context.Context, backend Store, uc models.UserContext, conversationID, operationID string) {
	if _, err := backend.GetAndDelete(ctx, uc, conversationID, operationID); err != nil {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			log.Debug().Err(err).Str("operation_id", operationID).Msg("leftover confirmation copy not discarded")
		}
	}
}

func (s *FallbackStore) CleanupConversation(ctx context.Context, uc models.UserContext, conversationID string) (int, error) {
	total := 0
	n, err := s.durable.CleanupConversation(ctx, uc, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("durable confirmation cleanup failed")
	} else {
		total += n
	}
	n, memErr := s.memory.CleanupConversation(ctx, uc, conversationID)
	if memErr != nil {
		return total, memErr
	}
	total += n
	if err != nil {
		return total, err
	}
	return total, nil
}

func (s *FallbackStore) List(ctx context.Context, uc models.UserContext, conversationID string) ([]models.PendingConfirmation, error) {
	out, err := s.durable.List(ctx, uc, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("durable confirmation list failed")
		out = nil
	}
	seen := make(map[string]struct{}, len(out))
	for _, rec := range out {
		seen[rec.OperationID] = struct{}{}
	}
	mem, err := s.memory.List(ctx, uc, conversationID)
	if err != nil {
		return out, err
	}
	for _, rec := range mem {
		if _, dup := seen[rec.OperationID]; !dup {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *FallbackStore) HasPending(ctx context.Context, uc models.UserContext, conversationID string) (bool, error) {
	recs, err := s.List(ctx, uc, conversationID)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}
