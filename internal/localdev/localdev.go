// Package localdev provides zero-configuration implementations of the
// collaborator interfaces so the server runs end to end without an LLM
// vendor, an inventory backend, or an upstream device API. Intended for
// local development and demos only.
package localdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetgate/fleetgate/pkg/contracts"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// ── Provider ─────────────────────────────────────────────────

// Provider is a canned model that echoes the last user message. It never
// calls tools; use it to exercise the transport and event plumbing.
type Provider struct{}

func (Provider) Chat(ctx context.Context, req *contracts.ChatRequest) (<-chan models.StreamEvent, error) {
	last := ""
	for _, m := range req.Messages {
		if m.Role == models.RoleUser {
			last = m.Content
		}
	}
	ch := make(chan models.StreamEvent, 2)
	ch <- models.StreamEvent{
		Type: models.StreamTextDelta,
		Text: fmt.Sprintf("Dev mode: no model provider configured. You said: %q", last),
	}
	ch <- models.StreamEvent{Type: models.StreamDone, Usage: &models.TokenUsage{}}
	close(ch)
	return ch, nil
}

func (Provider) Embed(ctx context.Context, text string) (*contracts.Embedding, error) {
	return &contracts.Embedding{Model: "dev", Dimension: 0}, nil
}

// ── Device Manager ───────────────────────────────────────────

// device is one inventory entry in the in-memory fleet.
type device struct {
	Tags          map[string]string
	Applications  map[string]bool
	Subscriptions map[string]bool
	Archived      bool
	Attributes    map[string]any
}

// DeviceManager keeps an in-memory fleet so write operations have visible
// effects during development.
type DeviceManager struct {
	mu      sync.Mutex
	devices map[string]*device
}

func NewDeviceManager() *DeviceManager {
	return &DeviceManager{devices: make(map[string]*device)}
}

func (m *DeviceManager) get(id string) *device {
	d, ok := m.devices[id]
	if !ok {
		d = &device{
			Tags:          make(map[string]string),
			Applications:  make(map[string]bool),
			Subscriptions: make(map[string]bool),
		}
		m.devices[id] = d
	}
	return d
}

// apply runs fn per device under the lock, honoring dryRun.
func (m *DeviceManager) apply(ids []string, dryRun bool, fn func(*device)) (*models.DeviceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !dryRun {
		for _, id := range ids {
			fn(m.get(id))
		}
	}
	return &models.DeviceResult{Succeeded: len(ids), DryRun: dryRun}, nil
}

func (m *DeviceManager) AddDevices(_ context.Context, ids []string, attributes map[string]any, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		d.Attributes = attributes
	})
}

func (m *DeviceManager) UpdateTags(_ context.Context, ids []string, tags map[string]*string, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		applyTags(d, tags)
	})
}

func (m *DeviceManager) BatchUpdateTags(_ context.Context, entries []contracts.TagBatchEntry, dryRun bool) (*models.DeviceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !dryRun {
		for _, e := range entries {
			applyTags(m.get(e.DeviceID), e.Tags)
		}
	}
	return &models.DeviceResult{Succeeded: len(entries), DryRun: dryRun}, nil
}

func (m *DeviceManager) AssignApplication(_ context.Context, ids []string, applicationID string, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		d.Applications[applicationID] = true
	})
}

func (m *DeviceManager) UnassignApplication(_ context.Context, ids []string, applicationID string, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		delete(d.Applications, applicationID)
	})
}

func (m *DeviceManager) ArchiveDevices(_ context.Context, ids []string, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		d.Archived = true
	})
}

func (m *DeviceManager) UnarchiveDevices(_ context.Context, ids []string, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		d.Archived = false
	})
}

func (m *DeviceManager) AssignSubscription(_ context.Context, ids []string, subscriptionID string, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		d.Subscriptions[subscriptionID] = true
	})
}

func (m *DeviceManager) UnassignSubscription(_ context.Context, ids []string, subscriptionID string, dryRun bool) (*models.DeviceResult, error) {
	return m.apply(ids, dryRun, func(d *device) {
		delete(d.Subscriptions, subscriptionID)
	})
}

func applyTags(d *device, tags map[string]*string) {
	for k, v := range tags {
		if v == nil {
			delete(d.Tags, k)
		} else {
			d.Tags[k] = *v
		}
	}
}

// ── Read Executor ────────────────────────────────────────────

// ReadExecutor serves a minimal read-only catalog over the dev fleet.
type ReadExecutor struct {
	Devices *DeviceManager
}

func (e *ReadExecutor) ListTools() []models.ToolDefinition {
	return []models.ToolDefinition{
		{
			Name:        "count_devices",
			Description: "Count devices in the inventory, split by archived state.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			IsReadOnly: true,
		},
	}
}

func (e *ReadExecutor) Call(_ context.Context, name string, _ map[string]any, _ models.UserContext) (*models.ToolResult, error) {
	if name != "count_devices" {
		return &models.ToolResult{
			IsError:     true,
			Recoverable: true,
			Content:     fmt.Sprintf("unknown read tool %q", name),
		}, nil
	}

	e.Devices.mu.Lock()
	defer e.Devices.mu.Unlock()
	active, archived := 0, 0
	for _, d := range e.Devices.devices {
		if d.Archived {
			archived++
		} else {
			active++
		}
	}
	return &models.ToolResult{Content: map[string]int{
		"active":   active,
		"archived": archived,
	}}, nil
}
