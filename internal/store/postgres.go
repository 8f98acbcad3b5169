package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// PostgresStore implements Store on a PostgreSQL pool. Quota increments and
// confirmation consumption are single statements, so concurrent requests
// across process instances cannot race past the daily limit or double-consume
// a confirmation token.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and migrates.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS fg_tenant_quotas (
			tenant_id        TEXT NOT NULL,
			day              TEXT NOT NULL,
			operations_today INTEGER NOT NULL DEFAULT 0,
			devices_today    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, day)
		);

		CREATE TABLE IF NOT EXISTS fg_pending_confirmations (
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			operation_id    TEXT NOT NULL,
			record          JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, operation_id)
		);

		CREATE INDEX IF NOT EXISTS idx_fg_confirmations_conv
			ON fg_pending_confirmations (tenant_id, conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_fg_confirmations_expiry
			ON fg_pending_confirmations (expires_at);

		CREATE TABLE IF NOT EXISTS fg_audit_events (
			id         TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			details    JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fg_audit_tenant
			ON fg_audit_events (tenant_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── QuotaStore ──────────────────────────────────────────────

func (s *PostgresStore) CheckAndIncrement(ctx context.Context, tenantID, day string, deviceCount, dailyLimit int) (*models.TenantQuota, error) {
	if dailyLimit <= 0 {
		return nil, ErrLimitReached
	}
	// The WHERE on the conflict arm makes the limit check and the increment
	// one atomic statement; zero rows back means the row exists at the limit.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO fg_tenant_quotas (tenant_id, day, operations_today, devices_today)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (tenant_id, day) DO UPDATE
		   SET operations_today = fg_tenant_quotas.operations_today + 1,
		       devices_today    = fg_tenant_quotas.devices_today + $3
		 WHERE fg_tenant_quotas.operations_today < $4
		RETURNING operations_today, devices_today
	`, tenantID, day, deviceCount, dailyLimit)

	q := &models.TenantQuota{TenantID: tenantID, DailyLimit: dailyLimit, ResetDate: day}
	if err := row.Scan(&q.OperationsToday, &q.DevicesToday); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLimitReached
		}
		return nil, fmt.Errorf("quota check-and-increment: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) GetQuota(ctx context.Context, tenantID, day string) (*models.TenantQuota, error) {
	q := &models.TenantQuota{TenantID: tenantID, ResetDate: day}
	err := s.pool.QueryRow(ctx, `
		SELECT operations_today, devices_today
		  FROM fg_tenant_quotas
		 WHERE tenant_id = $1 AND day = $2
	`, tenantID, day).Scan(&q.OperationsToday, &q.DevicesToday)
	if errors.Is(err, pgx.ErrNoRows) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quota get: %w", err)
	}
	return q, nil
}

// ── ConfirmationStore ───────────────────────────────────────

func (s *PostgresStore) PutConfirmation(ctx context.Context, rec *models.PendingConfirmation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("confirmation marshal: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fg_pending_confirmations
			(tenant_id, conversation_id, operation_id, record, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, operation_id) DO UPDATE
		   SET record = EXCLUDED.record, expires_at = EXCLUDED.expires_at
	`, rec.TenantID, rec.ConversationID, rec.OperationID, payload, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("confirmation put: %w", err)
	}
	return nil
}

func (s *PostgresStore) TakeConfirmation(ctx context.Context, tenantID, conversationID, operationID string) (*models.PendingConfirmation, error) {
	var (
		row pgx.Row
		key = conversationID + ":" + operationID
	)
	if operationID != "" {
		row = s.pool.QueryRow(ctx, `
			DELETE FROM fg_pending_confirmations
			 WHERE tenant_id = $1 AND conversation_id = $2 AND operation_id = $3
			   AND expires_at > $4
			RETURNING record
		`, tenantID, conversationID, operationID, time.Now().UTC())
	} else {
		// Legacy single-operation callers: earliest pending record wins.
		key = conversationID + ":*"
		row = s.pool.QueryRow(ctx, `
			DELETE FROM fg_pending_confirmations
			 WHERE (conversation_id, operation_id) IN (
				SELECT conversation_id, operation_id
				  FROM fg_pending_confirmations
				 WHERE tenant_id = $1 AND conversation_id = $2 AND expires_at > $3
				 ORDER BY created_at
				 LIMIT 1)
			RETURNING record
		`, tenantID, conversationID, time.Now().UTC())
	}

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "pending confirmation", Key: key}
		}
		return nil, fmt.Errorf("confirmation take: %w", err)
	}
	var rec models.PendingConfirmation
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("confirmation unmarshal: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) DeleteConfirmations(ctx context.Context, tenantID, conversationID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM fg_pending_confirmations
		 WHERE tenant_id = $1 AND conversation_id = $2
	`, tenantID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("confirmation cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListConfirmations(ctx context.Context, tenantID, conversationID string) ([]models.PendingConfirmation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record
		  FROM fg_pending_confirmations
		 WHERE tenant_id = $1 AND conversation_id = $2 AND expires_at > $3
		 ORDER BY created_at
	`, tenantID, conversationID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("confirmation list: %w", err)
	}
	defer rows.Close()

	var out []models.PendingConfirmation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("confirmation scan: %w", err)
		}
		var rec models.PendingConfirmation
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("confirmation unmarshal: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeExpiredConfirmations(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM fg_pending_confirmations WHERE expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("confirmation purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── AuditStore ──────────────────────────────────────────────

func (s *PostgresStore) PutAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fg_audit_events (id, event_type, tenant_id, user_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, string(event.Type), event.TenantID, event.UserID, details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit put: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, tenant_id, user_id, details, created_at
		  FROM fg_audit_events
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var (
			ev      models.AuditEvent
			evType  string
			details []byte
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.TenantID, &ev.UserID, &details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		ev.Type = models.AuditEventType(evType)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("audit unmarshal: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
