package writeops

import (
	"context"
	"errors"

	"github.com/fleetgate/fleetgate/internal/confirm"
	"github.com/fleetgate/fleetgate/internal/quota"
	"github.com/fleetgate/fleetgate/internal/risk"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// schema builders keep the tool catalog readable.

func deviceIDsProp() map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Device ids the operation targets. Duplicates are ignored.",
	}
}

func dryRunProp() map[string]any {
	return map[string]any{
		"type":        "boolean",
		"description": "Validate the operation without making changes.",
	}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	props["dry_run"] = dryRunProp()
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// toolCatalog describes every write tool. Confirmation is not static per
// tool: escalation can push a MEDIUM operation to HIGH, so the definitions
// flag only the tools whose base tier already requires it.
var toolCatalog = []struct {
	opType      models.WriteOperationType
	description string
	schema      map[string]any
}{
	{
		opType:      models.OpAddDevices,
		description: "Register new devices in the inventory, optionally with initial attributes.",
		schema: objectSchema([]string{"device_ids"}, map[string]any{
			"device_ids": deviceIDsProp(),
			"attributes": map[string]any{
				"type":        "object",
				"description": "Initial attributes applied to every added device.",
			},
		}),
	},
	{
		opType:      models.OpUpdateDeviceTags,
		description: "Set or remove tags on devices. A null tag value removes the key.",
		schema: objectSchema([]string{"device_ids", "tags"}, map[string]any{
			"device_ids": deviceIDsProp(),
			"tags": map[string]any{
				"type":        "object",
				"description": "Tag changes applied to every device. Null values remove the key.",
			},
		}),
	},
	{
		opType:      models.OpBatchUpdateTags,
		description: "Apply different tag changes per device in one operation.",
		schema: objectSchema([]string{"entries"}, map[string]any{
			"entries": map[string]any{
				"type":        "array",
				"description": "Per-device tag changes.",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"device_id", "tags"},
					"properties": map[string]any{
						"device_id": map[string]any{"type": "string"},
						"tags":      map[string]any{"type": "object"},
					},
				},
			},
		}),
	},
	{
		opType:      models.OpAssignApplication,
		description: "Assign an application to devices.",
		schema: objectSchema([]string{"device_ids", "application_id"}, map[string]any{
			"device_ids":     deviceIDsProp(),
			"application_id": map[string]any{"type": "string"},
		}),
	},
	{
		opType:      models.OpUnassignApplication,
		description: "Remove an application from devices.",
		schema: objectSchema([]string{"device_ids", "application_id"}, map[string]any{
			"device_ids":     deviceIDsProp(),
			"application_id": map[string]any{"type": "string"},
		}),
	},
	{
		opType:      models.OpArchiveDevices,
		description: "Archive devices, removing them from active inventory.",
		schema: objectSchema([]string{"device_ids"}, map[string]any{
			"device_ids": deviceIDsProp(),
		}),
	},
	{
		opType:      models.OpUnarchiveDevices,
		description: "Restore archived devices to active inventory.",
		schema: objectSchema([]string{"device_ids"}, map[string]any{
			"device_ids": deviceIDsProp(),
		}),
	},
	{
		opType:      models.OpAssignSubscription,
		description: "Assign a subscription to devices.",
		schema: objectSchema([]string{"device_ids", "subscription_id"}, map[string]any{
			"device_ids":      deviceIDsProp(),
			"subscription_id": map[string]any{"type": "string"},
		}),
	},
	{
		opType:      models.OpUnassignSubscription,
		description: "Remove a subscription from devices.",
		schema: objectSchema([]string{"device_ids"}, map[string]any{
			"device_ids":      deviceIDsProp(),
			"subscription_id": map[string]any{"type": "string"},
		}),
	},
}

// ToolDefinitions returns the write tool catalog for the registry.
func (e *Engine) ToolDefinitions() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, 0, len(toolCatalog))
	for _, entry := range toolCatalog {
		base, _ := risk.Classify(entry.opType, 1)
		defs = append(defs, models.ToolDefinition{
			Name:                 string(entry.opType),
			Description:          entry.description,
			Parameters:           entry.schema,
			IsReadOnly:           false,
			RequiresConfirmation: base.RequiresConfirmation(),
		})
	}
	return defs
}

// IsWriteTool reports whether name is one of the write tool names.
func IsWriteTool(name string) bool {
	for _, entry := range toolCatalog {
		if string(entry.opType) == name {
			return true
		}
	}
	return false
}

// HandleToolCall runs one write tool invocation end to end. Validation and
// policy rejections come back as recoverable error results the model can
// react to; only infrastructure faults return a Go error. HIGH and CRITICAL
// operations are parked for confirmation instead of executing.
func (e *Engine) HandleToolCall(ctx context.Context, uc models.UserContext, conversationID string, call models.ToolCall) (*models.ToolResult, error) {
	opType := models.WriteOperationType(call.Name)

	op, err := e.Prepare(ctx, uc, opType, call.Arguments)
	if err != nil {
		// Preparation fails only on bad arguments or policy, both of which
		// the model can correct and retry.
		return &models.ToolResult{
			IsError:     true,
			Recoverable: true,
			Content:     err.Error(),
		}, nil
	}

	if op.RequiresConfirmation {
		rec, err := e.Park(ctx, uc, conversationID, op, call)
		if err != nil {
			e.mu.Lock()
			delete(e.ops, op.ID)
			e.mu.Unlock()
			return nil, err
		}
		return &models.ToolResult{
			ConfirmationRequired: true,
			OperationID:          rec.OperationID,
			Message:              op.ConfirmationMessage,
			RiskLevel:            op.RiskLevel,
		}, nil
	}

	result, err := e.Execute(ctx, uc, op)
	if err != nil {
		return &models.ToolResult{
			IsError:     true,
			Recoverable: recoverable(err),
			Content:     err.Error(),
			OperationID: op.ID,
			RiskLevel:   op.RiskLevel,
		}, nil
	}
	return &models.ToolResult{
		Content:     result,
		OperationID: op.ID,
		RiskLevel:   op.RiskLevel,
	}, nil
}

// recoverable reports whether the model can fix the failure by adjusting
// its request: policy rejections and bad arguments are recoverable, an
// upstream fault is not.
func recoverable(err error) bool {
	var limitErr *risk.DeviceLimitError
	var quotaErr *quota.ExceededError
	var unknownErr *risk.UnknownOperationError
	var notFound *confirm.NotFoundError
	switch {
	case errors.As(err, &limitErr),
		errors.As(err, &quotaErr),
		errors.As(err, &unknownErr),
		errors.As(err, &notFound):
		return true
	}
	return false
}
