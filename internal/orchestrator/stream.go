package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/internal/redact"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// emitter delivers ChatEvents in order with gapless sequence numbers
// starting at 1. Send blocks on the consumer; a cancelled context aborts
// the invocation instead of wedging the producer goroutine.
type emitter struct {
	ctx            context.Context
	ch             chan<- models.ChatEvent
	seq            int
	correlationID  string
	conversationID string
}

// emit stamps and sends one event. Returns false when the caller is gone.
func (e *emitter) emit(ev models.ChatEvent) bool {
	e.seq++
	ev.Seq = e.seq
	ev.CorrelationID = e.correlationID
	ev.ConversationID = e.conversationID
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// pendingCall is a tool call mid-assembly: opened by tool_call_start,
// grown by tool_call_delta fragments, sealed by tool_call_end.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// assembler folds one provider stream into an assistant message: text
// accumulates verbatim, thinking is redacted before it is forwarded or
// retained, tool calls pair start/end by provider id.
type assembler struct {
	em *emitter

	content  strings.Builder
	thinking strings.Builder
	open     map[string]*pendingCall
	calls    []models.ToolCall
	usage    *models.TokenUsage

	streamErr *models.StreamEvent
	aborted   bool
}

func newAssembler(em *emitter) *assembler {
	return &assembler{em: em, open: make(map[string]*pendingCall)}
}

// consume drains the provider stream. It returns once the provider closes
// the channel or emits a terminal error or done event.
func (a *assembler) consume(stream <-chan models.StreamEvent) {
	for ev := range stream {
		switch ev.Type {
		case models.StreamTextDelta:
			a.content.WriteString(ev.Text)
			if !a.em.emit(models.ChatEvent{Type: models.EventTextDelta, Text: ev.Text}) {
				a.aborted = true
				return
			}

		case models.StreamThinkingDelta:
			// Redact each fragment before it crosses any boundary. The
			// accumulated summary is redacted again before persisting to
			// catch secrets split across fragment edges.
			safe := redact.Text(ev.Text)
			a.thinking.WriteString(safe)
			if !a.em.emit(models.ChatEvent{Type: models.EventThinkingDelta, Text: safe}) {
				a.aborted = true
				return
			}

		case models.StreamToolCallStart:
			a.open[ev.ToolCallID] = &pendingCall{id: ev.ToolCallID, name: ev.ToolName}
			if !a.em.emit(models.ChatEvent{
				Type:       models.EventToolCallStart,
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
			}) {
				a.aborted = true
				return
			}

		case models.StreamToolCallDelta:
			if pc, ok := a.open[ev.ToolCallID]; ok {
				pc.args.WriteString(ev.ArgsDelta)
			}

		case models.StreamToolCallEnd:
			pc, ok := a.open[ev.ToolCallID]
			if !ok {
				log.Warn().Str("tool_call", ev.ToolCallID).Msg("Tool call end without matching start, ignored")
				continue
			}
			delete(a.open, ev.ToolCallID)
			a.calls = append(a.calls, models.ToolCall{
				ID:        pc.id,
				Name:      pc.name,
				Arguments: parseArgs(pc.args.String()),
			})
			if !a.em.emit(models.ChatEvent{
				Type:       models.EventToolCallEnd,
				ToolCallID: pc.id,
				ToolName:   pc.name,
			}) {
				a.aborted = true
				return
			}

		case models.StreamError:
			cp := ev
			a.streamErr = &cp
			return

		case models.StreamDone:
			for id, pc := range a.open {
				log.Warn().Str("tool_call", id).Str("tool", pc.name).Msg("Tool call start without matching end, dropped")
			}
			a.usage = ev.Usage
			return
		}
	}
}

// thinkingSummary returns the redacted, truncated summary safe to persist.
func (a *assembler) thinkingSummary(maxRunes int) string {
	if a.thinking.Len() == 0 {
		return ""
	}
	return redact.Summary(redact.Text(a.thinking.String()), maxRunes)
}

// parseArgs decodes accumulated argument JSON. A malformed payload becomes
// an empty map; the tool's own validation reports the real problem back to
// the model.
func parseArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Warn().Err(err).Msg("Malformed tool call arguments")
		return map[string]any{}
	}
	return args
}
