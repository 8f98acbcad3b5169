// Package writeops prepares, gates, and executes mutations on the device
// inventory. Every write flows through the same pipeline: parse and validate
// arguments, deduplicate device ids, classify risk, enforce the tier device
// ceiling, then either execute immediately (LOW/MEDIUM) or park the
// operation for human confirmation (HIGH/CRITICAL). Execution consumes
// tenant quota atomically and is idempotent per operation id.
package writeops

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetgate/fleetgate/internal/confirm"
	"github.com/fleetgate/fleetgate/internal/quota"
	"github.com/fleetgate/fleetgate/internal/risk"
	"github.com/fleetgate/fleetgate/pkg/contracts"
	"github.com/fleetgate/fleetgate/pkg/models"
)

var tracer = otel.Tracer("fleetgate/writeops")

// opParams is the decoded argument shape shared by all write tools. Each
// operation type reads the subset it needs; requireFor enforces presence.
type opParams struct {
	DeviceIDs      []string                  `json:"device_ids"`
	Tags           map[string]*string        `json:"tags"`
	Entries        []contracts.TagBatchEntry `json:"entries"`
	ApplicationID  string                    `json:"application_id"`
	SubscriptionID string                    `json:"subscription_id"`
	Attributes     map[string]any            `json:"attributes"`
	DryRun         bool                      `json:"dry_run"`
}

// decodeParams converts the model-supplied argument map into typed params
// via a JSON round trip, rejecting unknown shapes instead of guessing.
func decodeParams(args map[string]any) (*opParams, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var p opParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return &p, nil
}

// validate checks the per-type required fields and returns the raw device
// id list the operation targets. Batch tag updates derive ids from entries.
func (p *opParams) validate(opType models.WriteOperationType) ([]string, error) {
	switch opType {
	case models.OpBatchUpdateTags:
		if len(p.Entries) == 0 {
			return nil, fmt.Errorf("entries must not be empty")
		}
		ids := make([]string, 0, len(p.Entries))
		for i, e := range p.Entries {
			if e.DeviceID == "" {
				return nil, fmt.Errorf("entries[%d]: device_id is required", i)
			}
			if len(e.Tags) == 0 {
				return nil, fmt.Errorf("entries[%d]: tags must not be empty", i)
			}
			ids = append(ids, e.DeviceID)
		}
		return ids, nil

	case models.OpUpdateDeviceTags:
		if len(p.Tags) == 0 {
			return nil, fmt.Errorf("tags must not be empty")
		}

	case models.OpAssignApplication, models.OpUnassignApplication:
		if p.ApplicationID == "" {
			return nil, fmt.Errorf("application_id is required")
		}

	case models.OpAssignSubscription, models.OpUnassignSubscription:
		if p.SubscriptionID == "" {
			return nil, fmt.Errorf("subscription_id is required")
		}
	}

	if len(p.DeviceIDs) == 0 {
		return nil, fmt.Errorf("device_ids must not be empty")
	}
	return p.DeviceIDs, nil
}

// pendingOp holds a prepared operation until it executes, expires, or its
// conversation is cancelled. conversationID is set when the operation parks.
type pendingOp struct {
	op             *models.WriteOperation
	conversationID string
	expiresAt      time.Time
}

// Engine runs the write pipeline. Prepared operations live in an in-process
// map keyed by operation id until they execute or their claim window lapses;
// confirmations additionally persist to the confirmation store so an
// approval can be honored after a restart by rebuilding the operation from
// the stored tool call.
type Engine struct {
	devices       contracts.DeviceManager
	quota         quota.Tracker
	confirmations confirm.Store
	audit         contracts.AuditLog
	ttl           time.Duration

	mu  sync.Mutex
	ops map[string]*pendingOp

	now func() time.Time
}

// NewEngine wires the write pipeline. ttl bounds how long a parked
// confirmation stays claimable; zero selects the default.
func NewEngine(devices contracts.DeviceManager, tracker quota.Tracker, confirmations confirm.Store, audit contracts.AuditLog, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = confirm.DefaultTTL
	}
	return &Engine{
		devices:       devices,
		quota:         tracker,
		confirmations: confirmations,
		audit:         audit,
		ttl:           ttl,
		ops:           make(map[string]*pendingOp),
		now:           time.Now,
	}
}

// Prepare validates the arguments, classifies risk, and registers the
// operation. It never touches upstream: a prepared operation has done all
// its checks except quota, which is consumed at execution time.
func (e *Engine) Prepare(ctx context.Context, uc models.UserContext, opType models.WriteOperationType, args map[string]any) (*models.WriteOperation, error) {
	if !uc.Valid() {
		return nil, fmt.Errorf("missing tenant id")
	}
	p, err := decodeParams(args)
	if err != nil {
		return nil, err
	}
	rawIDs, err := p.validate(opType)
	if err != nil {
		return nil, err
	}
	deduped, tier, err := risk.ValidateDeviceIDs(opType, rawIDs)
	if err != nil {
		return nil, err
	}

	op := &models.WriteOperation{
		ID:                   uuid.New().String(),
		Type:                 opType,
		Arguments:            args,
		DeviceIDs:            deduped,
		RiskLevel:            tier,
		RequiresConfirmation: tier.RequiresConfirmation(),
		CreatedAt:            e.now().UTC(),
	}
	if op.RequiresConfirmation {
		op.ConfirmationMessage = renderConfirmation(op, p)
	}

	e.mu.Lock()
	e.purgeExpiredLocked(e.now())
	e.ops[op.ID] = &pendingOp{op: op, expiresAt: e.now().Add(e.ttl)}
	e.mu.Unlock()

	log.Debug().
		Str("operation", op.ID).
		Str("type", string(opType)).
		Str("tenant", uc.TenantID).
		Str("risk", string(tier)).
		Int("devices", len(deduped)).
		Bool("needs_confirmation", op.RequiresConfirmation).
		Msg("Write operation prepared")
	return op, nil
}

// purgeExpiredLocked drops entries whose claim window has lapsed. Must be
// called with e.mu held. Mirrors the confirmation store TTL so an abandoned
// HIGH/CRITICAL operation does not outlive its pending record.
func (e *Engine) purgeExpiredLocked(now time.Time) {
	for id, entry := range e.ops {
		if now.After(entry.expiresAt) {
			delete(e.ops, id)
		}
	}
}

// Operation returns a prepared operation by id, or nil if it is unknown or
// its claim window has lapsed.
func (e *Engine) Operation(id string) *models.WriteOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.ops[id]
	if !ok || e.now().After(entry.expiresAt) {
		return nil
	}
	return entry.op
}

// ReleaseConversation drops the in-process operations parked for a
// conversation and returns how many were dropped. Called on chat
// cancellation alongside confirmation store cleanup.
func (e *Engine) ReleaseConversation(conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, entry := range e.ops {
		if entry.conversationID == conversationID {
			delete(e.ops, id)
			n++
		}
	}
	return n
}

// Execute runs a prepared operation against the device manager. A second
// Execute for the same operation returns the recorded outcome without
// touching upstream or quota. HIGH/CRITICAL operations must be confirmed
// first. Dry runs validate upstream but consume no quota.
func (e *Engine) Execute(ctx context.Context, uc models.UserContext, op *models.WriteOperation) (*models.DeviceResult, error) {
	e.mu.Lock()
	if op.Executed {
		result, _ := op.Result.(*models.DeviceResult)
		errMsg := op.Error
		e.mu.Unlock()
		if errMsg != "" {
			return nil, fmt.Errorf("%s", errMsg)
		}
		if result == nil {
			return nil, fmt.Errorf("operation %s is still executing, result not yet available", op.ID)
		}
		return result, nil
	}
	if op.RequiresConfirmation && !op.Confirmed {
		e.mu.Unlock()
		return nil, fmt.Errorf("operation %s requires confirmation before execution", op.ID)
	}
	// Claim the slot before releasing the lock so concurrent confirms of
	// the same operation cannot both reach upstream.
	op.Executed = true
	e.mu.Unlock()

	result, err := e.execute(ctx, uc, op)

	e.mu.Lock()
	now := e.now().UTC()
	op.ExecutedAt = &now
	if err != nil {
		op.Error = err.Error()
	} else {
		op.Result = result
	}
	delete(e.ops, op.ID)
	e.mu.Unlock()

	return result, err
}

func (e *Engine) execute(ctx context.Context, uc models.UserContext, op *models.WriteOperation) (*models.DeviceResult, error) {
	ctx, span := tracer.Start(ctx, "writeops.execute", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.type", string(op.Type)),
		attribute.String("operation.risk", string(op.RiskLevel)),
		attribute.Int("operation.devices", len(op.DeviceIDs)),
		attribute.String("tenant.id", uc.TenantID),
	))
	defer span.End()

	p, err := decodeParams(op.Arguments)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if !p.DryRun {
		if err := e.quota.CheckAndIncrement(ctx, uc.TenantID, len(op.DeviceIDs)); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	e.audit.Log(ctx, models.AuditOperationStart, uc.TenantID, uc.UserID, map[string]any{
		"operation_id": op.ID,
		"type":         op.Type,
		"risk_level":   op.RiskLevel,
		"device_count": len(op.DeviceIDs),
		"dry_run":      p.DryRun,
	})

	result, err := e.dispatch(ctx, op, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.audit.Log(ctx, models.AuditOperationFailed, uc.TenantID, uc.UserID, map[string]any{
			"operation_id": op.ID,
			"type":         op.Type,
			"error":        err.Error(),
		})
		log.Warn().Err(err).Str("operation", op.ID).Str("type", string(op.Type)).Str("tenant", uc.TenantID).Msg("Write operation failed")
		return nil, err
	}

	e.audit.Log(ctx, models.AuditOperationSuccess, uc.TenantID, uc.UserID, map[string]any{
		"operation_id": op.ID,
		"type":         op.Type,
		"succeeded":    result.Succeeded,
		"failed":       result.Failed,
		"dry_run":      p.DryRun,
	})
	log.Info().
		Str("operation", op.ID).
		Str("type", string(op.Type)).
		Str("tenant", uc.TenantID).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Bool("dry_run", p.DryRun).
		Msg("Write operation executed")
	return result, nil
}

// dispatch maps the operation type to its device manager method.
func (e *Engine) dispatch(ctx context.Context, op *models.WriteOperation, p *opParams) (*models.DeviceResult, error) {
	switch op.Type {
	case models.OpAddDevices:
		return e.devices.AddDevices(ctx, op.DeviceIDs, p.Attributes, p.DryRun)
	case models.OpUpdateDeviceTags:
		return e.devices.UpdateTags(ctx, op.DeviceIDs, p.Tags, p.DryRun)
	case models.OpBatchUpdateTags:
		return e.devices.BatchUpdateTags(ctx, p.Entries, p.DryRun)
	case models.OpAssignApplication:
		return e.devices.AssignApplication(ctx, op.DeviceIDs, p.ApplicationID, p.DryRun)
	case models.OpUnassignApplication:
		return e.devices.UnassignApplication(ctx, op.DeviceIDs, p.ApplicationID, p.DryRun)
	case models.OpArchiveDevices:
		return e.devices.ArchiveDevices(ctx, op.DeviceIDs, p.DryRun)
	case models.OpUnarchiveDevices:
		return e.devices.UnarchiveDevices(ctx, op.DeviceIDs, p.DryRun)
	case models.OpAssignSubscription:
		return e.devices.AssignSubscription(ctx, op.DeviceIDs, p.SubscriptionID, p.DryRun)
	case models.OpUnassignSubscription:
		return e.devices.UnassignSubscription(ctx, op.DeviceIDs, p.SubscriptionID, p.DryRun)
	default:
		return nil, &risk.UnknownOperationError{Operation: op.Type}
	}
}

// Park persists a prepared operation in the confirmation store and returns
// the pending record. The stored tool call carries the full arguments so a
// later Confirm can rebuild the operation even after a restart.
func (e *Engine) Park(ctx context.Context, uc models.UserContext, conversationID string, op *models.WriteOperation, call models.ToolCall) (*models.PendingConfirmation, error) {
	now := e.now().UTC()
	rec := &models.PendingConfirmation{
		OperationID:    op.ID,
		ConversationID: conversationID,
		TenantID:       uc.TenantID,
		UserID:         uc.UserID,
		ToolCall:       call,
		Metadata: map[string]any{
			"type":       string(op.Type),
			"risk_level": string(op.RiskLevel),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	if err := e.confirmations.Put(ctx, uc, rec); err != nil {
		return nil, fmt.Errorf("park confirmation: %w", err)
	}
	e.mu.Lock()
	if entry, ok := e.ops[op.ID]; ok {
		entry.conversationID = conversationID
	}
	e.mu.Unlock()
	return rec, nil
}

// Confirm resolves a parked operation. It atomically consumes the pending
// record (an empty operationID takes the conversation's earliest), then
// executes on approval or discards on decline. Returns the consumed record
// and the tool result to feed back into the conversation.
func (e *Engine) Confirm(ctx context.Context, uc models.UserContext, conversationID, operationID string, approved bool) (*models.PendingConfirmation, *models.ToolResult, error) {
	rec, err := e.confirmations.GetAndDelete(ctx, uc, conversationID, operationID)
	if err != nil {
		return nil, nil, err
	}

	if !approved {
		e.mu.Lock()
		delete(e.ops, rec.OperationID)
		e.mu.Unlock()
		e.audit.Log(ctx, models.AuditOperationFailed, uc.TenantID, uc.UserID, map[string]any{
			"operation_id": rec.OperationID,
			"reason":       "declined",
		})
		log.Info().Str("operation", rec.OperationID).Str("tenant", uc.TenantID).Msg("Write operation declined")
		return rec, &models.ToolResult{
			Content:     "Operation declined by the user. No changes were made.",
			OperationID: rec.OperationID,
		}, nil
	}

	op := e.Operation(rec.OperationID)
	if op == nil {
		// Process restarted since the operation was parked. Rebuild it from
		// the durable record, keeping the original id so audit lines up.
		opType := models.WriteOperationType(fmt.Sprint(rec.Metadata["type"]))
		op, err = e.Prepare(ctx, uc, opType, rec.ToolCall.Arguments)
		if err != nil {
			return rec, nil, fmt.Errorf("rebuild operation %s: %w", rec.OperationID, err)
		}
		e.mu.Lock()
		entry := e.ops[op.ID]
		delete(e.ops, op.ID)
		op.ID = rec.OperationID
		if entry != nil {
			entry.conversationID = conversationID
			e.ops[op.ID] = entry
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	op.Confirmed = true
	e.mu.Unlock()

	result, err := e.Execute(ctx, uc, op)
	if err != nil {
		return rec, &models.ToolResult{
			IsError:     true,
			Recoverable: recoverable(err),
			Content:     err.Error(),
			OperationID: rec.OperationID,
			RiskLevel:   op.RiskLevel,
		}, nil
	}
	return rec, &models.ToolResult{
		Content:     result,
		OperationID: rec.OperationID,
		RiskLevel:   op.RiskLevel,
	}, nil
}
