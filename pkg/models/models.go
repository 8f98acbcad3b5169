// Package models defines the shared value types for the Fleetgate agent core:
// conversation messages, tool calls, write operations, risk tiers, tenant
// quotas, and pending confirmations. Handlers, stores, and the orchestrator
// all speak these types; none of them carry behavior beyond small helpers.
package models

import (
	"time"
)

// ── User Context ─────────────────────────────────────────────

// UserContext identifies the tenant/user/session a request runs on behalf of.
// It is created at the transport edge and threaded through every call; the
// core only ever reads it. TenantID must be non-empty.
type UserContext struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Valid reports whether the context carries the required tenant id.
func (c UserContext) Valid() bool { return c.TenantID != "" }

// ── Risk Tiers ───────────────────────────────────────────────

// RiskLevel classifies a mutating operation. It drives whether the operation
// needs human confirmation and how many devices it may touch at once.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// AllRiskLevels lists every tier, lowest first. Lookup tables indexed by
// tier are validated against this at startup.
var AllRiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// riskRank orders tiers for escalation and monotonicity checks.
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the tier's position, lowest first. Unknown tiers rank highest.
func (r RiskLevel) Rank() int {
	if n, ok := riskRank[r]; ok {
		return n
	}
	return len(riskRank)
}

// Escalate returns the next tier up, saturating at CRITICAL.
func (r RiskLevel) Escalate() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RequiresConfirmation reports whether operations at this tier must be
// approved by a human before execution.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskHigh || r == RiskCritical
}

// ── Write Operations ─────────────────────────────────────────

// WriteOperationType names a mutation on the device inventory. Each type maps
// to exactly one DeviceManager method.
type WriteOperationType string

const (
	OpAddDevices           WriteOperationType = "add_devices"
	OpUpdateDeviceTags     WriteOperationType = "update_device_tags"
	OpBatchUpdateTags      WriteOperationType = "batch_update_device_tags"
	OpAssignApplication    WriteOperationType = "assign_application"
	OpUnassignApplication  WriteOperationType = "unassign_application"
	OpArchiveDevices       WriteOperationType = "archive_devices"
	OpUnarchiveDevices     WriteOperationType = "unarchive_devices"
	OpAssignSubscription   WriteOperationType = "assign_subscription"
	OpUnassignSubscription WriteOperationType = "unassign_subscription"
)

// AllWriteOperationTypes lists every mutation the engine can dispatch.
var AllWriteOperationTypes = []WriteOperationType{
	OpAddDevices,
	OpUpdateDeviceTags,
	OpBatchUpdateTags,
	OpAssignApplication,
	OpUnassignApplication,
	OpArchiveDevices,
	OpUnarchiveDevices,
	OpAssignSubscription,
	OpUnassignSubscription,
}

// WriteOperation is one prepared mutation. The ID doubles as the confirmation
// token and the idempotency key: Executed transitions false→true exactly once,
// and a second Execute returns the cached result without touching upstream.
type WriteOperation struct {
	ID                   string             `json:"id"`
	Type                 WriteOperationType `json:"type"`
	Arguments            map[string]any     `json:"arguments"`
	DeviceIDs            []string           `json:"device_ids,omitempty"` // deduplicated, first-seen order
	RiskLevel            RiskLevel          `json:"risk_level"`
	RequiresConfirmation bool               `json:"requires_confirmation"`
	ConfirmationMessage  string             `json:"confirmation_message,omitempty"`
	Confirmed            bool               `json:"confirmed"`
	Executed             bool               `json:"executed"`
	Result               any                `json:"result,omitempty"`
	Error                string             `json:"error,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	ExecutedAt           *time.Time         `json:"executed_at,omitempty"`
}

// DeviceResult is the upstream device manager's answer to a mutation.
type DeviceResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	DryRun    bool           `json:"dry_run,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ── Messages & Tool Calls ────────────────────────────────────

// MessageRole is the speaker of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// Message is one append-only entry in a conversation transcript.
type Message struct {
	ID              string      `json:"id"`
	ConversationID  string      `json:"conversation_id"`
	Role            MessageRole `json:"role"`
	Content         string      `json:"content"`
	ThinkingSummary string      `json:"thinking_summary,omitempty"` // redacted, truncated; never raw chain-of-thought
	ToolCalls       []ToolCall  `json:"tool_calls,omitempty"`
	InputTokens     int         `json:"input_tokens,omitempty"`
	OutputTokens    int         `json:"output_tokens,omitempty"`
	LatencyMs       int64       `json:"latency_ms,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// ToolCall is a structured tool invocation assembled from streaming deltas.
// The ID is provider-assigned and correlates start/delta/end stream events.
// A ToolCall is mutable only while the turn that produced it is assembling;
// once attached to a Message it is never changed.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    *ToolResult    `json:"result,omitempty"`
}

// ToolDefinition is a static catalog entry describing a callable tool.
// Definitions come from two sources — the read-tool executor and the write
// engine — and are merged by the registry at build time.
type ToolDefinition struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Parameters           map[string]any `json:"parameters"` // JSON-schema-shaped
	IsReadOnly           bool           `json:"is_read_only"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
}

// ToolResult is what a dispatched tool call produced. Tool failures are data,
// not errors: a failed call sets IsError so the model can see and react to it
// instead of aborting the turn. A write tool that needs human approval sets
// ConfirmationRequired and the correlating operation fields instead of Content.
type ToolResult struct {
	Content              any       `json:"content,omitempty"`
	IsError              bool      `json:"is_error,omitempty"`
	Recoverable          bool      `json:"recoverable,omitempty"`
	ConfirmationRequired bool      `json:"confirmation_required,omitempty"`
	OperationID          string    `json:"operation_id,omitempty"`
	Message              string    `json:"message,omitempty"`
	RiskLevel            RiskLevel `json:"risk_level,omitempty"`
}

// ── Tenant Quota ─────────────────────────────────────────────

// TenantQuota tracks a tenant's daily mutation budget. Counters reset lazily:
// the first check after UTC midnight zeroes them and advances ResetDate.
type TenantQuota struct {
	TenantID        string    `json:"tenant_id"`
	DailyLimit      int       `json:"daily_limit"`
	OperationsToday int       `json:"operations_today"`
	DevicesToday    int       `json:"devices_today"`
	ResetDate       string    `json:"reset_date"` // YYYY-MM-DD, UTC
	ResetsAt        time.Time `json:"resets_at"`  // next UTC midnight
}

// QuotaDay formats t's UTC date the way quota rows are keyed.
func QuotaDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// NextUTCMidnight returns the instant the daily counters next reset.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// ── Pending Confirmations ────────────────────────────────────

// PendingConfirmation is a write operation parked in the confirmation store,
// waiting for the user to approve or decline. The record carries everything
// needed to reconstruct and execute the tool call after a process restart.
type PendingConfirmation struct {
	OperationID    string         `json:"operation_id"`
	ConversationID string         `json:"conversation_id"`
	TenantID       string         `json:"tenant_id"`
	UserID         string         `json:"user_id,omitempty"`
	ToolCall       ToolCall       `json:"tool_call"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Key returns the storage key, "{conversation_id}:{operation_id}".
func (p *PendingConfirmation) Key() string {
	return p.ConversationID + ":" + p.OperationID
}

// Expired reports whether the record's TTL has elapsed at now.
func (p *PendingConfirmation) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// ── Audit Events ─────────────────────────────────────────────

// AuditEventType tags an audit trail entry.
type AuditEventType string

const (
	AuditOperationStart   AuditEventType = "operation_start"
	AuditOperationSuccess AuditEventType = "operation_success"
	AuditOperationFailed  AuditEventType = "operation_failed"
)

// AuditEvent is one entry in the mutation audit trail.
type AuditEvent struct {
	ID        string         `json:"id"`
	Type      AuditEventType `json:"type"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
