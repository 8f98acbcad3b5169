// Package contracts defines the interfaces Fleetgate's agent core consumes
// from its collaborators: the model provider, the read-only query service,
// the upstream device manager, the audit sink, and the long-term memory
// subsystem.
//
// The core depends only on these interfaces. Concrete implementations
// (vendor LLM drivers, the inventory read service, the real device API
// client) live outside this repository; local development and tests use the
// in-memory implementations in internal/localdev and package-level fakes.
package contracts

import (
	"context"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// ── Model Provider ───────────────────────────────────────────

// ChatRequest is one streaming completion request.
type ChatRequest struct {
	Messages     []models.Message
	Tools        []models.ToolDefinition
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Embedding is the result of embedding a text.
type Embedding struct {
	Vector    []float64
	Model     string
	Dimension int
}

// ModelProvider streams completions from an LLM vendor. Chat returns a
// channel of stream events; the provider closes it after emitting a terminal
// error or done event. Implementations must respect ctx cancellation.
type ModelProvider interface {
	Chat(ctx context.Context, req *ChatRequest) (<-chan models.StreamEvent, error)
	Embed(ctx context.Context, text string) (*Embedding, error)
}

// ── Read Tool Executor ───────────────────────────────────────

// ReadToolExecutor is the separate read-only query service. Its tools never
// mutate inventory and never require confirmation.
type ReadToolExecutor interface {
	// ListTools returns the read-only tool catalog.
	ListTools() []models.ToolDefinition

	// Call executes a read tool. Failures surface in the result, not as a
	// returned error, unless the executor itself is broken.
	Call(ctx context.Context, name string, args map[string]any, uc models.UserContext) (*models.ToolResult, error)
}

// ── Device Manager ───────────────────────────────────────────

// TagBatchEntry is one device's tag changes in a batch tag update.
// A nil tag value means "remove this key".
type TagBatchEntry struct {
	DeviceID string             `json:"device_id"`
	Tags     map[string]*string `json:"tags"`
}

// DeviceManager is the upstream mutation API, one method per write operation
// type. Every method honors dryRun by validating without mutating. Delivery
// is at-most-once per confirmed operation; idempotency is only as good as
// the upstream API's.
type DeviceManager interface {
	AddDevices(ctx context.Context, ids []string, attributes map[string]any, dryRun bool) (*models.DeviceResult, error)
	UpdateTags(ctx context.Context, ids []string, tags map[string]*string, dryRun bool) (*models.DeviceResult, error)
	BatchUpdateTags(ctx context.Context, entries []TagBatchEntry, dryRun bool) (*models.DeviceResult, error)
	AssignApplication(ctx context.Context, ids []string, applicationID string, dryRun bool) (*models.DeviceResult, error)
	UnassignApplication(ctx context.Context, ids []string, applicationID string, dryRun bool) (*models.DeviceResult, error)
	ArchiveDevices(ctx context.Context, ids []string, dryRun bool) (*models.DeviceResult, error)
	UnarchiveDevices(ctx context.Context, ids []string, dryRun bool) (*models.DeviceResult, error)
	AssignSubscription(ctx context.Context, ids []string, subscriptionID string, dryRun bool) (*models.DeviceResult, error)
	UnassignSubscription(ctx context.Context, ids []string, subscriptionID string, dryRun bool) (*models.DeviceResult, error)
}

// ── Audit Log ────────────────────────────────────────────────

// AuditLog records mutation lifecycle events. Implementations must never
// fail the calling operation; best effort is acceptable.
type AuditLog interface {
	Log(ctx context.Context, eventType models.AuditEventType, tenantID, userID string, details map[string]any)
}

// ── Long-term Memory & Pattern Learning ──────────────────────

// MemoryEntry is one retrieved long-term memory.
type MemoryEntry struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// PatternMatch is one historical interaction pattern similar to the current
// request, with its past outcome.
type PatternMatch struct {
	Trigger    string  `json:"trigger"`
	Response   string  `json:"response"`
	Succeeded  bool    `json:"succeeded"`
	Similarity float64 `json:"similarity"`
}

// MemoryService retrieves long-term memories for prompt assembly and extracts
// new facts from completed responses. Extraction runs fire-and-forget; a slow
// or failing MemoryService must never block a chat turn.
type MemoryService interface {
	Retrieve(ctx context.Context, uc models.UserContext, query string, limit int) ([]MemoryEntry, error)
	ExtractFacts(ctx context.Context, uc models.UserContext, conversationID, responseText string) error
}

// PatternService matches historical interaction patterns and records new
// (trigger, response, outcome) tuples. Recording runs fire-and-forget.
type PatternService interface {
	Match(ctx context.Context, uc models.UserContext, query string) ([]PatternMatch, error)
	Record(ctx context.Context, uc models.UserContext, trigger, response string, succeeded bool) error
}
