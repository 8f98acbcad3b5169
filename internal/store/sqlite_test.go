package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetgate/fleetgate/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetgate.db")
	s, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckAndIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q, err := s.CheckAndIncrement(ctx, "acme", "2026-08-26", 3, 10)
	if err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if q.OperationsToday != 1 || q.DevicesToday != 3 {
		t.Errorf("first increment: ops=%d devices=%d, want 1/3", q.OperationsToday, q.DevicesToday)
	}

	q, err = s.CheckAndIncrement(ctx, "acme", "2026-08-26", 2, 10)
	if err != nil {
		t.Fatalf("second increment: %v", err)
	}
	if q.OperationsToday != 2 || q.DevicesToday != 5 {
		t.Errorf("second increment: ops=%d devices=%d, want 2/5", q.OperationsToday, q.DevicesToday)
	}
}

func TestCheckAndIncrementAtLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CheckAndIncrement(ctx, "acme", "2026-08-26", 1, 3); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if _, err := s.CheckAndIncrement(ctx, "acme", "2026-08-26", 1, 3); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("over limit: error = %v, want ErrLimitReached", err)
	}

	// The failed attempt must not have mutated anything.
	q, err := s.GetQuota(ctx, "acme", "2026-08-26")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if q.OperationsToday != 3 || q.DevicesToday != 3 {
		t.Errorf("after rejection: ops=%d devices=%d, want 3/3", q.OperationsToday, q.DevicesToday)
	}
}

func TestCheckAndIncrementConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const (
		limit   = 10
		callers = 30
	)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CheckAndIncrement(ctx, "acme", "2026-08-26", 1, limit); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed %d concurrent operations, want exactly %d", allowed, limit)
	}
	q, err := s.GetQuota(ctx, "acme", "2026-08-26")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if q.OperationsToday != limit {
		t.Errorf("operations_today = %d, want %d", q.OperationsToday, limit)
	}
}

func TestQuotaNewDayStartsFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CheckAndIncrement(ctx, "acme", "2026-08-25", 1, 1); err != nil {
		t.Fatalf("day one: %v", err)
	}
	if _, err := s.CheckAndIncrement(ctx, "acme", "2026-08-25", 1, 1); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("day one over limit: %v", err)
	}
	// Next day keys a new row: counters start at zero.
	if _, err := s.CheckAndIncrement(ctx, "acme", "2026-08-26", 1, 1); err != nil {
		t.Fatalf("day two: %v", err)
	}
}

func pending(conv, op string, createdAt time.Time) *models.PendingConfirmation {
	return &models.PendingConfirmation{
		OperationID:    op,
		ConversationID: conv,
		TenantID:       "acme",
		ToolCall:       models.ToolCall{ID: "tc-" + op, Name: "archive_devices", Arguments: map[string]any{"device_ids": []any{"d1"}}},
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(time.Hour),
	}
}

func TestTakeConfirmationSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.PutConfirmation(ctx, pending("conv-1", "op-1", now)); err != nil {
		t.Fatalf("PutConfirmation: %v", err)
	}

	rec, err := s.TakeConfirmation(ctx, "acme", "conv-1", "op-1")
	if err != nil {
		t.Fatalf("first take: %v", err)
	}
	if rec.ToolCall.Name != "archive_devices" {
		t.Errorf("tool call round trip: name = %q", rec.ToolCall.Name)
	}

	if _, err := s.TakeConfirmation(ctx, "acme", "conv-1", "op-1"); !IsNotFound(err) {
		t.Fatalf("second take: error = %v, want ErrNotFound", err)
	}
}

func TestTakeConfirmationEarliestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.PutConfirmation(ctx, pending("conv-1", "op-b", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := s.PutConfirmation(ctx, pending("conv-1", "op-a", now)); err != nil {
		t.Fatal(err)
	}

	rec, err := s.TakeConfirmation(ctx, "acme", "conv-1", "")
	if err != nil {
		t.Fatalf("take earliest: %v", err)
	}
	if rec.OperationID != "op-a" {
		t.Errorf("earliest pending = %q, want op-a", rec.OperationID)
	}
}

func TestTakeConfirmationExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pending("conv-1", "op-1", time.Now().UTC().Add(-2*time.Hour))
	if err := s.PutConfirmation(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TakeConfirmation(ctx, "acme", "conv-1", "op-1"); !IsNotFound(err) {
		t.Fatalf("expired take: error = %v, want ErrNotFound", err)
	}
}

func TestDeleteConfirmationsScopedToConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, op := range []string{"op-1", "op-2"} {
		if err := s.PutConfirmation(ctx, pending("conv-1", op, now)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutConfirmation(ctx, pending("conv-2", "op-3", now)); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteConfirmations(ctx, "acme", "conv-1")
	if err != nil {
		t.Fatalf("DeleteConfirmations: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}

	// conv-2 untouched.
	left, err := s.ListConfirmations(ctx, "acme", "conv-2")
	if err != nil {
		t.Fatalf("ListConfirmations: %v", err)
	}
	if len(left) != 1 || left[0].OperationID != "op-3" {
		t.Errorf("conv-2 pending = %+v, want op-3 only", left)
	}
}

func TestPurgeExpiredConfirmations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.PutConfirmation(ctx, pending("conv-1", "op-old", now.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.PutConfirmation(ctx, pending("conv-1", "op-new", now)); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeExpiredConfirmations(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredConfirmations: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
}

func TestAuditRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &models.AuditEvent{
		Type:      models.AuditOperationStart,
		TenantID:  "acme",
		UserID:    "ops@acme",
		Details:   map[string]any{"operation_id": "op-1", "risk_level": "HIGH"},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PutAuditEvent(ctx, ev); err != nil {
		t.Fatalf("PutAuditEvent: %v", err)
	}
	if ev.ID == "" {
		t.Error("PutAuditEvent did not assign an id")
	}

	events, err := s.ListAuditEvents(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.AuditOperationStart {
		t.Errorf("ListAuditEvents = %+v, want one operation_start", events)
	}
}
