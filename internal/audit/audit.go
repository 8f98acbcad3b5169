// Package audit records the mutation audit trail: every event goes to the
// structured log, and to the durable audit store when one is configured.
// Auditing is best effort and never fails the operation that produced it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/internal/store"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// Logger implements the audit sink over zerolog plus an optional store.
type Logger struct {
	backend store.AuditStore // nil means log-only
}

// New creates an audit logger. backend may be nil.
func New(backend store.AuditStore) *Logger {
	return &Logger{backend: backend}
}

func (l *Logger) Log(ctx context.Context, eventType models.AuditEventType, tenantID, userID string, details map[string]any) {
	log.Info().
		Str("audit_event", string(eventType)).
		Str("tenant", tenantID).
		Str("user", userID).
		Interface("details", details).
		Msg("Audit event")

	if l.backend == nil {
		return
	}
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		UserID:    userID,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.backend.PutAuditEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("audit_event", string(eventType)).Msg("Failed to persist audit event")
	}
}
