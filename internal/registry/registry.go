// Package registry merges the read-only tool catalog with the write tool
// catalog and dispatches tool calls by name. The orchestrator only ever
// talks to the registry; it does not know which side a tool lives on.
package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/internal/writeops"
	"github.com/fleetgate/fleetgate/pkg/contracts"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// Registry routes tool calls to the read executor or the write engine.
type Registry struct {
	read  contracts.ReadToolExecutor
	write *writeops.Engine
	defs  []models.ToolDefinition
	names map[string]bool // true = write tool
}

// New builds the merged catalog. Write tools own their names: a read tool
// that collides with a write tool is dropped with a warning so a mutation
// can never be shadowed by a query.
func New(read contracts.ReadToolExecutor, write *writeops.Engine) *Registry {
	r := &Registry{
		read:  read,
		write: write,
		names: make(map[string]bool),
	}
	for _, d := range write.ToolDefinitions() {
		r.names[d.Name] = true
		r.defs = append(r.defs, d)
	}
	if read != nil {
		for _, d := range read.ListTools() {
			if _, taken := r.names[d.Name]; taken {
				log.Warn().Str("tool", d.Name).Msg("Read tool shadows a write tool name, dropped")
				continue
			}
			d.IsReadOnly = true
			r.names[d.Name] = false
			r.defs = append(r.defs, d)
		}
	}
	return r
}

// Definitions returns the merged catalog, write tools first.
func (r *Registry) Definitions() []models.ToolDefinition {
	out := make([]models.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// IsWrite reports whether name is a registered write tool.
func (r *Registry) IsWrite(name string) bool {
	return r.names[name]
}

// Dispatch executes one tool call. Unknown tool names come back as a
// recoverable error result so the model can correct itself and retry; a
// returned Go error means the infrastructure itself failed.
func (r *Registry) Dispatch(ctx context.Context, uc models.UserContext, conversationID string, call models.ToolCall) (*models.ToolResult, error) {
	isWrite, known := r.names[call.Name]
	if !known {
		return &models.ToolResult{
			IsError:     true,
			Recoverable: true,
			Content:     fmt.Sprintf("unknown tool %q; available tools are listed in the catalog", call.Name),
		}, nil
	}
	if isWrite {
		return r.write.HandleToolCall(ctx, uc, conversationID, call)
	}

	res, err := r.read.Call(ctx, call.Name, call.Arguments, uc)
	if err != nil {
		return nil, fmt.Errorf("read tool %s: %w", call.Name, err)
	}
	return res, nil
}
