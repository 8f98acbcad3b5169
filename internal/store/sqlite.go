package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. It gives a
// single-node deployment durable quotas and confirmations with zero extra
// infrastructure. Timestamps are stored RFC3339 UTC.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and migrates.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrency;
	// the atomic statements below then serialize naturally.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info().Str("path", path).Msg("sqlite store initialized")
	return s, nil
}

type migration struct {
	Version int
	UpSQL   string
}

var sqliteMigrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id        TEXT NOT NULL,
	day              TEXT NOT NULL,
	operations_today INTEGER NOT NULL DEFAULT 0,
	devices_today    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, day)
);

CREATE TABLE IF NOT EXISTS pending_confirmations (
	tenant_id       TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	operation_id    TEXT NOT NULL,
	record          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	expires_at      TEXT NOT NULL,
	PRIMARY KEY (conversation_id, operation_id)
);

CREATE INDEX IF NOT EXISTS confirmations_conv_created
ON pending_confirmations (tenant_id, conversation_id, created_at);

CREATE INDEX IF NOT EXISTS confirmations_expires
ON pending_confirmations (expires_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_tenant_created
ON audit_events (tenant_id, created_at DESC);
`,
	},
}

// Migrate applies pending schema versions inside transactions.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range sqliteMigrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// ── QuotaStore ──────────────────────────────────────────────

func (s *SQLiteStore) CheckAndIncrement(ctx context.Context, tenantID, day string, deviceCount, dailyLimit int) (*models.TenantQuota, error) {
	if dailyLimit <= 0 {
		return nil, ErrLimitReached
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tenant_quotas (tenant_id, day, operations_today, devices_today)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (tenant_id, day) DO UPDATE
		   SET operations_today = operations_today + 1,
		       devices_today    = devices_today + excluded.devices_today
		 WHERE operations_today < ?
		RETURNING operations_today, devices_today
	`, tenantID, day, deviceCount, dailyLimit)

	q := &models.TenantQuota{TenantID: tenantID, DailyLimit: dailyLimit, ResetDate: day}
	if err := row.Scan(&q.OperationsToday, &q.DevicesToday); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLimitReached
		}
		return nil, fmt.Errorf("quota check-and-increment: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) GetQuota(ctx context.Context, tenantID, day string) (*models.TenantQuota, error) {
	q := &models.TenantQuota{TenantID: tenantID, ResetDate: day}
	err := s.db.QueryRowContext(ctx, `
		SELECT operations_today, devices_today
		  FROM tenant_quotas
		 WHERE tenant_id = ? AND day = ?
	`, tenantID, day).Scan(&q.OperationsToday, &q.DevicesToday)
	if errors.Is(err, sql.ErrNoRows) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quota get: %w", err)
	}
	return q, nil
}

// ── ConfirmationStore ───────────────────────────────────────

func (s *SQLiteStore) PutConfirmation(ctx context.Context, rec *models.PendingConfirmation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("confirmation marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_confirmations
			(tenant_id, conversation_id, operation_id, record, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, operation_id) DO UPDATE
		   SET record = excluded.record, expires_at = excluded.expires_at
	`, rec.TenantID, rec.ConversationID, rec.OperationID, string(payload),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("confirmation put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TakeConfirmation(ctx context.Context, tenantID, conversationID, operationID string) (*models.PendingConfirmation, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var (
		row *sql.Row
		key = conversationID + ":" + operationID
	)
	if operationID != "" {
		row = s.db.QueryRowContext(ctx, `
			DELETE FROM pending_confirmations
			 WHERE tenant_id = ? AND conversation_id = ? AND operation_id = ?
			   AND expires_at > ?
			RETURNING record
		`, tenantID, conversationID, operationID, now)
	} else {
		key = conversationID + ":*"
		row = s.db.QueryRowContext(ctx, `
			DELETE FROM pending_confirmations
			 WHERE rowid IN (
				SELECT rowid FROM pending_confirmations
				 WHERE tenant_id = ? AND conversation_id = ? AND expires_at > ?
				 ORDER BY created_at
				 LIMIT 1)
			RETURNING record
		`, tenantID, conversationID, now)
	}

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "pending confirmation", Key: key}
		}
		return nil, fmt.Errorf("confirmation take: %w", err)
	}
	var rec models.PendingConfirmation
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("confirmation unmarshal: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteConfirmations(ctx context.Context, tenantID, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_confirmations
		 WHERE tenant_id = ? AND conversation_id = ?
	`, tenantID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("confirmation cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListConfirmations(ctx context.Context, tenantID, conversationID string) ([]models.PendingConfirmation, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT record
		  FROM pending_confirmations
		 WHERE tenant_id = ? AND conversation_id = ? AND expires_at > ?
		 ORDER BY created_at
	`, tenantID, conversationID, now)
	if err != nil {
		return nil, fmt.Errorf("confirmation list: %w", err)
	}
	defer rows.Close()

	var out []models.PendingConfirmation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("confirmation scan: %w", err)
		}
		var rec models.PendingConfirmation
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("confirmation unmarshal: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeExpiredConfirmations(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_confirmations WHERE expires_at <= ?
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("confirmation purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── AuditStore ──────────────────────────────────────────────

func (s *SQLiteStore) PutAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, tenant_id, user_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), event.TenantID, event.UserID, string(details),
		event.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("audit put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, tenant_id, user_id, details, created_at
		  FROM audit_events
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var (
			ev        models.AuditEvent
			evType    string
			details   string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.TenantID, &ev.UserID, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		ev.Type = models.AuditEventType(evType)
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("audit unmarshal: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			ev.CreatedAt = ts
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
