package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetgate/fleetgate/pkg/models"
)

var acme = models.UserContext{TenantID: "acme", UserID: "ops@acme"}

func rec(conv, op string, createdAt time.Time) *models.PendingConfirmation {
	return &models.PendingConfirmation{
		OperationID:    op,
		ConversationID: conv,
		TenantID:       "acme",
		ToolCall:       models.ToolCall{ID: "tc-" + op, Name: "archive_devices"},
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(time.Hour),
	}
}

func TestMemoryStoreSingleUse(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Put(ctx, acme, rec("conv-1", "op-1", now)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.GetAndDelete(ctx, acme, "conv-1", "op-1")
	if err != nil {
		t.Fatalf("first GetAndDelete: %v", err)
	}
	if got.OperationID != "op-1" {
		t.Errorf("got operation %q", got.OperationID)
	}

	_, err = s.GetAndDelete(ctx, acme, "conv-1", "op-1")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("second GetAndDelete: error = %v, want NotFoundError", err)
	}
}

func TestMemoryStoreSingleUseConcurrent(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	if err := s.Put(ctx, acme, rec("conv-1", "op-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetAndDelete(ctx, acme, "conv-1", "op-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d callers consumed the confirmation, want exactly 1", wins)
	}
}

func TestMemoryStoreEarliestPendingWins(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Put(ctx, acme, rec("conv-1", "op-late", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, acme, rec("conv-1", "op-early", now)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAndDelete(ctx, acme, "conv-1", "")
	if err != nil {
		t.Fatalf("GetAndDelete(no id): %v", err)
	}
	if got.OperationID != "op-early" {
		t.Errorf("earliest pending = %q, want op-early", got.OperationID)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }
	if err := s.Put(ctx, acme, rec("conv-1", "op-1", base)); err != nil {
		t.Fatal(err)
	}

	// After the TTL elapses the record is gone.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := s.GetAndDelete(ctx, acme, "conv-1", "op-1"); err == nil {
		t.Fatal("expired confirmation should not be retrievable")
	}
	if n := s.sweep(); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
}

func TestMemoryStoreTenantIsolation(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	if err := s.Put(ctx, acme, rec("conv-1", "op-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	other := models.UserContext{TenantID: "globex"}
	if _, err := s.GetAndDelete(ctx, other, "conv-1", "op-1"); err == nil {
		t.Fatal("another tenant must not consume the confirmation")
	}
}

func TestMemoryStoreCleanupConversation(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, op := range []string{"op-1", "op-2", "op-3"} {
		if err := s.Put(ctx, acme, rec("conv-1", op, now)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put(ctx, acme, rec("conv-2", "op-9", now)); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupConversation(ctx, acme, "conv-1")
	if err != nil {
		t.Fatalf("CleanupConversation: %v", err)
	}
	if n != 3 {
		t.Errorf("removed %d, want 3", n)
	}

	ok, err := s.HasPending(ctx, acme, "conv-2")
	if err != nil || !ok {
		t.Errorf("conv-2 pending = %v (err %v), want true", ok, err)
	}
}

// failingStore errors on every call, standing in for an unreachable database.
type failingStore struct{}

var errDown = errors.New("backend down")

func (f *failingStore) Put(context.Context, models.UserContext, *models.PendingConfirmation) error {
	return errDown
}
func (f *failingStore) GetAndDelete(context.Context, models.UserContext, string, string) (*models.PendingConfirmation, error) {
	return nil, errDown
}
func (f *failingStore) CleanupConversation(context.Context, models.UserContext, string) (int, error) {
	return 0, errDown
}
func (f *failingStore) List(context.Context, models.UserContext, string) ([]models.PendingConfirmation, error) {
	return nil, errDown
}
func (f *failingStore) HasPending(context.Context, models.UserContext, string) (bool, error) {
	return false, errDown
}

func TestFallbackStoreDegradesToMemory(t *testing.T) {
	mem := NewMemoryStore(time.Hour)
	s := NewFallbackStore(&failingStore{}, mem)
	ctx := context.Background()

	if err := s.Put(ctx, acme, rec("conv-1", "op-1", time.Now().UTC())); err != nil {
		t.Fatalf("Put with broken durable backend: %v", err)
	}

	got, err := s.GetAndDelete(ctx, acme, "conv-1", "op-1")
	if err != nil {
		t.Fatalf("GetAndDelete: %v", err)
	}
	if got.OperationID != "op-1" {
		t.Errorf("got %q", got.OperationID)
	}
}

func TestFallbackStoreExclusiveConsumption(t *testing.T) {
	durable := NewMemoryStore(time.Hour)
	mem := NewMemoryStore(time.Hour)
	s := NewFallbackStore(durable, mem)
	ctx := context.Background()
	now := time.Now().UTC()

	// Same operation id present in both backends (e.g. a retried write).
	if err := durable.Put(ctx, acme, rec("conv-1", "op-1", now)); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, acme, rec("conv-1", "op-1", now)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetAndDelete(ctx, acme, "conv-1", "op-1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	// Consuming must remove the leftover copy from the other backend too: a
	// second take cannot deliver a stale duplicate.
	var nf *NotFoundError
	if _, err := s.GetAndDelete(ctx, acme, "conv-1", "op-1"); !errors.As(err, &nf) {
		t.Fatalf("second consume: %v, want NotFoundError", err)
	}
	recs, err := s.List(ctx, acme, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("after exclusive consume: %d records listed, want 0", len(recs))
	}
}

func TestFallbackStoreCleanupMergesCounts(t *testing.T) {
	durable := NewMemoryStore(time.Hour)
	mem := NewMemoryStore(time.Hour)
	s := NewFallbackStore(durable, mem)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := durable.Put(ctx, acme, rec("conv-1", "op-1", now)); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, acme, rec("conv-1", "op-2", now)); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupConversation(ctx, acme, "conv-1")
	if err != nil {
		t.Fatalf("CleanupConversation: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d across both backends, want 2", n)
	}
}
