package confirm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// MemoryStore is a mutex-guarded in-process Store keyed first by conversation
// then by operation id. Expired records are dropped on read and by an
// optional janitor.
type MemoryStore struct {
	ttl time.Duration

	mu       sync.Mutex
	byConv   map[string]map[string]*models.PendingConfirmation // conversationID → operationID → record
	stopOnce sync.Once
	stopCh   chan struct{}

	now func() time.Time // test hook
}

// NewMemoryStore creates an in-memory confirmation store. ttl <= 0 uses
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:    ttl,
		byConv: make(map[string]map[string]*models.PendingConfirmation),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// StartJanitor launches a background sweep that drops expired records.
// Stop it with Close.
func (s *MemoryStore) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					log.Debug().Int("expired", n).Msg("confirmation janitor sweep")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Close stops the janitor.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for conv, ops := range s.byConv {
		for id, rec := range ops {
			if rec.Expired(now) {
				delete(ops, id)
				removed++
			}
		}
		if len(ops) == 0 {
			delete(s.byConv, conv)
		}
	}
	return removed
}

func (s *MemoryStore) Put(_ context.Context, uc models.UserContext, rec *models.PendingConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.TenantID == "" {
		cp.TenantID = uc.TenantID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	ops, ok := s.byConv[cp.ConversationID]
	if !ok {
		ops = make(map[string]*models.PendingConfirmation)
		s.byConv[cp.ConversationID] = ops
	}
	ops[cp.OperationID] = &cp
	return nil
}

func (s *MemoryStore) GetAndDelete(_ context.Context, uc models.UserContext, conversationID, operationID string) (*models.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ops := s.byConv[conversationID]

	if operationID != "" {
		rec, ok := ops[operationID]
		if !ok || rec.TenantID != uc.TenantID || rec.Expired(now) {
			return nil, &NotFoundError{ConversationID: conversationID, OperationID: operationID}
		}
		delete(ops, operationID)
		return rec, nil
	}

	// No id supplied: earliest-created pending record wins.
	var earliest *models.PendingConfirmation
	for _, rec := range ops {
		if rec.TenantID != uc.TenantID || rec.Expired(now) {
			continue
		}
		if earliest == nil || rec.CreatedAt.Before(earliest.CreatedAt) {
			earliest = rec
		}
	}
	if earliest == nil {
		return nil, &NotFoundError{ConversationID: conversationID}
	}
	delete(ops, earliest.OperationID)
	return earliest, nil
}

func (s *MemoryStore) CleanupConversation(_ context.Context, uc models.UserContext, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.byConv[conversationID]
	removed := 0
	for id, rec := range ops {
		if rec.TenantID == uc.TenantID {
			delete(ops, id)
			removed++
		}
	}
	if len(ops) == 0 {
		delete(s.byConv, conversationID)
	}
	return removed, nil
}

func (s *MemoryStore) List(_ context.Context, uc models.UserContext, conversationID string) ([]models.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []models.PendingConfirmation
	for _, rec := range s.byConv[conversationID] {
		if rec.TenantID == uc.TenantID && !rec.Expired(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) HasPending(ctx context.Context, uc models.UserContext, conversationID string) (bool, error) {
	recs, err := s.List(ctx, uc, conversationID)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}
