// Package quota enforces per-tenant daily mutation budgets.
//
// A tenant gets dailyLimit write operations per UTC day; each operation also
// accounts the devices it touched. The check and the increment are one atomic
// step — either the operation fits and both counters move, or it does not and
// nothing moves. Counters reset lazily at UTC midnight.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/internal/store"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// ExceededError reports that a tenant exhausted its daily operation budget.
type ExceededError struct {
	TenantID string
	Current  int
	Limit    int
	ResetsAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("tenant %s has used %d of %d daily operations; quota resets at %s",
		e.TenantID, e.Current, e.Limit, e.ResetsAt.Format(time.RFC3339))
}

// Tracker is the quota check-and-increment primitive the write engine calls
// before every mutation.
type Tracker interface {
	// CheckAndIncrement atomically consumes one operation (and deviceCount
	// devices) from the tenant's daily budget, or returns an ExceededError
	// without mutating anything.
	CheckAndIncrement(ctx context.Context, tenantID string, deviceCount int) error

	// Usage returns the tenant's counters for the current UTC day.
	Usage(ctx context.Context, tenantID string) (*models.TenantQuota, error)
}

// ── In-memory tracker ───────────────────────────────────────

// MemoryTracker keeps counters in a mutex-guarded map. Quota does not survive
// a restart; use the store-backed tracker when that matters.
type MemoryTracker struct {
	dailyLimit int

	mu     sync.Mutex
	quotas map[string]*models.TenantQuota

	now func() time.Time // test hook
}

// NewMemoryTracker creates an in-process tracker with the given daily limit.
func NewMemoryTracker(dailyLimit int) *MemoryTracker {
	return &MemoryTracker{
		dailyLimit: dailyLimit,
		quotas:     make(map[string]*models.TenantQuota),
		now:        time.Now,
	}
}

// get returns the tenant's counters for today, applying the lazy reset.
// Caller holds mu.
func (t *MemoryTracker) get(tenantID string, now time.Time) *models.TenantQuota {
	day := models.QuotaDay(now)
	q, ok := t.quotas[tenantID]
	if !ok || q.ResetDate != day {
		q = &models.TenantQuota{
			TenantID:   tenantID,
			DailyLimit: t.dailyLimit,
			ResetDate:  day,
			ResetsAt:   models.NextUTCMidnight(now),
		}
		t.quotas[tenantID] = q
	}
	return q
}

func (t *MemoryTracker) CheckAndIncrement(_ context.Context, tenantID string, deviceCount int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	q := t.get(tenantID, now)
	if q.OperationsToday >= q.DailyLimit {
		return &ExceededError{
			TenantID: tenantID,
			Current:  q.OperationsToday,
			Limit:    q.DailyLimit,
			ResetsAt: q.ResetsAt,
		}
	}
	q.OperationsToday++
	q.DevicesToday += deviceCount
	return nil
}

func (t *MemoryTracker) Usage(_ context.Context, tenantID string) (*models.TenantQuota, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.get(tenantID, t.now())
	cp := *q
	return &cp, nil
}

// ── Store-backed tracker ────────────────────────────────────

// StoreTracker delegates to a durable QuotaStore so the budget is shared
// across process instances and survives restarts. The atomic semantics live
// in the store's single-statement upsert.
type StoreTracker struct {
	store      store.QuotaStore
	dailyLimit int
	now        func() time.Time
}

// NewStoreTracker creates a tracker over a durable quota store.
func NewStoreTracker(s store.QuotaStore, dailyLimit int) *StoreTracker {
	return &StoreTracker{store: s, dailyLimit: dailyLimit, now: time.Now}
}

func (t *StoreTracker) CheckAndIncrement(ctx context.Context, tenantID string, deviceCount int) error {
	now := t.now()
	_, err := t.store.CheckAndIncrement(ctx, tenantID, models.QuotaDay(now), deviceCount, t.dailyLimit)
	if errors.Is(err, store.ErrLimitReached) {
		return &ExceededError{
			TenantID: tenantID,
			Current:  t.dailyLimit,
			Limit:    t.dailyLimit,
			ResetsAt: models.NextUTCMidnight(now),
		}
	}
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	return nil
}

func (t *StoreTracker) Usage(ctx context.Context, tenantID string) (*models.TenantQuota, error) {
	now := t.now()
	q, err := t.store.GetQuota(ctx, tenantID, models.QuotaDay(now))
	if err != nil {
		return nil, err
	}
	q.DailyLimit = t.dailyLimit
	q.ResetsAt = models.NextUTCMidnight(now)
	return q, nil
}
