// Package store provides the durable storage interface for quota counters,
// pending confirmations, and the audit trail.
//
// Two drivers ship with the core: PostgreSQL (pgx) for shared multi-instance
// deployments and SQLite (modernc, pure Go) for single-node persistence with
// zero infrastructure. Both implement atomic check-and-mutate primitives as
// single server-side statements; callers never do check-then-write as two
// round trips. The quota and confirmation packages wrap this interface —
// nothing above this package branches on which driver is configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// ErrLimitReached is returned by CheckAndIncrement when the tenant's daily
// operation limit would be exceeded. No counters are mutated in that case.
var ErrLimitReached = errors.New("store: daily operation limit reached")

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ── Quota Store ─────────────────────────────────────────────

// QuotaStore persists per-tenant daily counters keyed by (tenant_id, day).
// Lazy UTC-midnight reset falls out of the day key: a new day is a new row.
type QuotaStore interface {
	// CheckAndIncrement atomically bumps the tenant's counters for the given
	// day — operations by 1, devices by deviceCount — if and only if
	// operations_today < dailyLimit. Returns the updated counters, or
	// ErrLimitReached without mutating anything. One statement, no TOCTOU
	// window.
	CheckAndIncrement(ctx context.Context, tenantID, day string, deviceCount, dailyLimit int) (*models.TenantQuota, error)

	// GetQuota returns the counters for a (tenant, day) pair; zero counters
	// if no row exists yet.
	GetQuota(ctx context.Context, tenantID, day string) (*models.TenantQuota, error)
}

// ── Confirmation Store ──────────────────────────────────────

// ConfirmationStore persists pending write-operation confirmations keyed by
// "{conversation_id}:{operation_id}" with a TTL.
type ConfirmationStore interface {
	// PutConfirmation stores a pending record.
	PutConfirmation(ctx context.Context, rec *models.PendingConfirmation) error

	// TakeConfirmation atomically fetches and removes one live (unexpired)
	// record. With an empty operationID it takes the earliest-created record
	// for the conversation. Returns ErrNotFound when nothing matches.
	TakeConfirmation(ctx context.Context, tenantID, conversationID, operationID string) (*models.PendingConfirmation, error)

	// DeleteConfirmations removes every pending record for a conversation
	// and returns the count removed.
	DeleteConfirmations(ctx context.Context, tenantID, conversationID string) (int, error)

	// ListConfirmations returns the live records for a conversation, oldest
	// first.
	ListConfirmations(ctx context.Context, tenantID, conversationID string) ([]models.PendingConfirmation, error)

	// PurgeExpiredConfirmations deletes records whose TTL elapsed before now.
	PurgeExpiredConfirmations(ctx context.Context, now time.Time) (int, error)
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore persists the mutation audit trail.
type AuditStore interface {
	PutAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]models.AuditEvent, error)
}

// ── Composite ───────────────────────────────────────────────

// Store is the full durable storage surface.
type Store interface {
	QuotaStore
	ConfirmationStore
	AuditStore

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}
