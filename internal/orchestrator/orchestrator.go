// Package orchestrator runs the conversation turn loop: it streams model
// output to the caller as ordered ChatEvents, assembles and dispatches tool
// calls, suspends on confirmation-required writes, and resumes when the
// user answers.
//
// One conversation is strictly serial: a turn, a confirmation resumption,
// or nothing runs at a time. Many conversations run concurrently. The only
// cross-request state is the quota tracker and the confirmation store,
// both behind atomic primitives.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/fleetgate/fleetgate/internal/registry"
	"github.com/fleetgate/fleetgate/internal/tasks"
	"github.com/fleetgate/fleetgate/internal/writeops"
	"github.com/fleetgate/fleetgate/pkg/contracts"
	"github.com/fleetgate/fleetgate/pkg/models"
)

var tracer = otel.Tracer("fleetgate/orchestrator")

// ErrConversationBusy means a turn or resumption is already in flight for
// the conversation. The caller retries after the current one finishes.
var ErrConversationBusy = errors.New("conversation is already processing a request")

// Options tune the turn loop. Zero values select the defaults.
type Options struct {
	MaxTurns            int     // model round trips per Chat call
	MaxToolCallsPerTurn int     // tool calls dispatched per turn
	Temperature         float64 // passed through to the provider
	MaxTokens           int     // passed through to the provider
	MemoryLimit         int     // memories retrieved per prompt
	PatternThreshold    float64 // minimum similarity for a pattern block
	ThinkingSummaryMax  int     // runes of redacted thinking persisted
	EventBuffer         int     // ChatEvent channel capacity
}

func (o *Options) setDefaults() {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 10
	}
	if o.MaxToolCallsPerTurn <= 0 {
		o.MaxToolCallsPerTurn = 8
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = 5
	}
	if o.PatternThreshold <= 0 {
		o.PatternThreshold = 0.7
	}
	if o.ThinkingSummaryMax <= 0 {
		o.ThinkingSummaryMax = 2000
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// Deps are the orchestrator's collaborators. Memory, Patterns, and Pool are
// optional; the loop degrades to no long-term memory and synchronous-free
// side effects when they are absent.
type Deps struct {
	Provider      contracts.ModelProvider
	Tools         *registry.Registry
	Engine        *writeops.Engine
	Confirmations confirm.Store
	Memory        contracts.MemoryService
	Patterns      contracts.PatternService
	Pool          *tasks.Pool
}

// conversation is the in-process transcript plus the serialization flag.
// Messages are only touched by the goroutine that holds busy.
type conversation struct {
	busy     bool
	messages []models.Message
}

// Orchestrator owns the conversation map and runs turns.
type Orchestrator struct {
	provider      contracts.ModelProvider
	tools         *registry.Registry
	engine        *writeops.Engine
	confirmations confirm.Store
	memory        contracts.MemoryService
	patterns      contracts.PatternService
	pool          *tasks.Pool
	cfg           Options

	mu    sync.Mutex
	convs map[string]*conversation
}

// New wires an orchestrator. Required deps: Provider, Tools, Engine,
// Confirmations.
func New(d Deps, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		provider:      d.Provider,
		tools:         d.Tools,
		engine:        d.Engine,
		confirmations: d.Confirmations,
		memory:        d.Memory,
		patterns:      d.Patterns,
		pool:          d.Pool,
		cfg:           opts,
	}
}

// acquire marks the conversation busy, creating it on first use.
func (o *Orchestrator) acquire(conversationID string) (*conversation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.convs == nil {
		o.convs = make(map[string]*conversation)
	}
	conv, ok := o.convs[conversationID]
	if !ok {
		conv = &conversation{}
		o.convs[conversationID] = conv
	}
	if conv.busy {
		return nil, ErrConversationBusy
	}
	conv.busy = true
	return conv, nil
}

func (o *Orchestrator) release(conv *conversation) {
	o.mu.Lock()
	conv.busy = false
	o.mu.Unlock()
}

// Chat starts one invocation of the turn loop. It returns the conversation
// id (generated when empty) and the ordered event stream; the channel is
// closed when the invocation completes, errors, or suspends for
// confirmation.
func (o *Orchestrator) Chat(ctx context.Context, uc models.UserContext, conversationID, userMessage string) (string, <-chan models.ChatEvent, error) {
	if !uc.Valid() {
		return "", nil, fmt.Errorf("missing tenant id")
	}
	if userMessage == "" {
		return "", nil, fmt.Errorf("empty message")
	}
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	conv, err := o.acquire(conversationID)
	if err != nil {
		return "", nil, err
	}

	conv.messages = append(conv.messages, models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        userMessage,
		CreatedAt:      time.Now().UTC(),
	})

	ch := make(chan models.ChatEvent, o.cfg.EventBuffer)
	go o.run(ctx, uc, conversationID, userMessage, conv, ch)
	return conversationID, ch, nil
}

func (o *Orchestrator) run(ctx context.Context, uc models.UserContext, conversationID, userMessage string, conv *conversation, ch chan models.ChatEvent) {
	defer close(ch)
	defer o.release(conv)

	em := &emitter{
		ctx:            ctx,
		ch:             ch,
		correlationID:  uuid.New().String(),
		conversationID: conversationID,
	}

	for turn := 0; turn < o.cfg.MaxTurns; turn++ {
		if !o.runTurn(ctx, em, uc, conversationID, userMessage, conv, turn) {
			return
		}
	}

	em.emit(models.ChatEvent{
		Type: models.EventTextDelta,
		Text: "I reached the maximum number of tool turns for one request. Please continue with a follow-up message.",
	})
	em.emit(models.ChatEvent{Type: models.EventDone})
}

// runTurn executes one model round trip plus its tool calls. Returns true
// when the loop should continue with another turn.
func (o *Orchestrator) runTurn(ctx context.Context, em *emitter, uc models.UserContext, conversationID, userMessage string, conv *conversation, turn int) bool {
	ctx, span := tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("tenant.id", uc.TenantID),
		attribute.Int("turn", turn+1),
	))
	defer span.End()

	stream, err := o.provider.Chat(ctx, &contracts.ChatRequest{
		Messages:     conv.messages,
		Tools:        o.tools.Definitions(),
		SystemPrompt: o.systemPrompt(ctx, uc, userMessage),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("conversation", conversationID).Msg("Provider call failed")
		em.emit(models.ChatEvent{
			Type:      models.EventError,
			ErrorKind: models.StreamErrProvider,
			Error:     err.Error(),
		})
		return false
	}

	start := time.Now()
	asm := newAssembler(em)
	asm.consume(stream)
	if asm.aborted {
		return false
	}
	if asm.streamErr != nil {
		span.SetStatus(codes.Error, asm.streamErr.Error)
		em.emit(models.ChatEvent{
			Type:        models.EventError,
			ErrorKind:   asm.streamErr.ErrorKind,
			Error:       asm.streamErr.Error,
			Recoverable: asm.streamErr.ErrorKind.Retryable(),
		})
		return false
	}

	msg := models.Message{
		ID:              uuid.New().String(),
		ConversationID:  conversationID,
		Role:            models.RoleAssistant,
		Content:         asm.content.String(),
		ThinkingSummary: asm.thinkingSummary(o.cfg.ThinkingSummaryMax),
		ToolCalls:       asm.calls,
		LatencyMs:       time.Since(start).Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
	if asm.usage != nil {
		msg.InputTokens = asm.usage.InputTokens
		msg.OutputTokens = asm.usage.OutputTokens
	}
	conv.messages = append(conv.messages, msg)
	span.SetAttributes(attribute.Int("tool_calls", len(asm.calls)))

	if len(asm.calls) == 0 {
		em.emit(models.ChatEvent{Type: models.EventDone})
		o.extractFacts(uc, conversationID, msg.Content)
		return false
	}

	suspended, ok := o.runTools(ctx, em, uc, conversationID, conv, asm.calls, userMessage)
	if suspended {
		span.SetAttributes(attribute.Bool("suspended", true))
	}
	return !suspended && ok
}

// runTools dispatches the turn's tool calls sequentially in emission order.
// Calls past the per-turn cap come back as recoverable errors so the model
// can continue in the next turn. Returns suspended=true when a call parked
// for confirmation; ok=false when the caller went away.
func (o *Orchestrator) runTools(ctx context.Context, em *emitter, uc models.UserContext, conversationID string, conv *conversation, calls []models.ToolCall, userMessage string) (suspended, ok bool) {
	for i := range calls {
		call := &calls[i]

		var res *models.ToolResult
		if i >= o.cfg.MaxToolCallsPerTurn {
			res = &models.ToolResult{
				IsError:     true,
				Recoverable: true,
				Content:     fmt.Sprintf("per-turn tool call limit of %d reached; issue this call in the next turn", o.cfg.MaxToolCallsPerTurn),
			}
		} else {
			var err error
			res, err = o.tools.Dispatch(ctx, uc, conversationID, *call)
			if err != nil {
				log.Warn().Err(err).Str("tool", call.Name).Str("conversation", conversationID).Msg("Tool dispatch failed")
				res = &models.ToolResult{
					IsError:     true,
					Recoverable: true,
					Content:     fmt.Sprintf("tool %s failed: %v", call.Name, err),
				}
			}
		}
		call.Result = res

		if res.ConfirmationRequired {
			conv.messages = append(conv.messages, toolMessage(conversationID, *call, res))
			em.emit(models.ChatEvent{
				Type:        models.EventConfirmationRequired,
				ToolCallID:  call.ID,
				ToolName:    call.Name,
				OperationID: res.OperationID,
				RiskLevel:   res.RiskLevel,
				Message:     res.Message,
			})
			return true, true
		}

		if !em.emit(models.ChatEvent{
			Type:       models.EventToolResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Result:     res,
		}) {
			return false, false
		}
		conv.messages = append(conv.messages, toolMessage(conversationID, *call, res))

		if o.tools.IsWrite(call.Name) {
			o.learnPattern(uc, userMessage, call.Name, !res.IsError)
		}
	}
	return false, true
}

// ConfirmOperation resumes a suspended conversation with the user's answer.
// An empty operationID resolves the conversation's earliest pending
// operation. The returned stream carries the resumption's events.
func (o *Orchestrator) ConfirmOperation(ctx context.Context, uc models.UserContext, conversationID string, confirmed bool, operationID string) (<-chan models.ChatEvent, error) {
	if !uc.Valid() {
		return nil, fmt.Errorf("missing tenant id")
	}
	if conversationID == "" {
		return nil, fmt.Errorf("missing conversation id")
	}

	conv, err := o.acquire(conversationID)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.ChatEvent, o.cfg.EventBuffer)
	go o.resume(ctx, uc, conversationID, confirmed, operationID, conv, ch)
	return ch, nil
}

func (o *Orchestrator) resume(ctx context.Context, uc models.UserContext, conversationID string, confirmed bool, operationID string, conv *conversation, ch chan models.ChatEvent) {
	defer close(ch)
	defer o.release(conv)

	em := &emitter{
		ctx:            ctx,
		ch:             ch,
		correlationID:  uuid.New().String(),
		conversationID: conversationID,
	}

	rec, result, err := o.engine.Confirm(ctx, uc, conversationID, operationID, confirmed)
	if err != nil {
		var nf *confirm.NotFoundError
		em.emit(models.ChatEvent{
			Type:        models.EventError,
			Error:       err.Error(),
			Recoverable: errors.As(err, &nf),
		})
		return
	}

	answer := confirmed
	em.emit(models.ChatEvent{
		Type:        models.EventConfirmationResponse,
		OperationID: rec.OperationID,
		Confirmed:   &answer,
	})

	call := rec.ToolCall
	call.Result = result
	conv.messages = append(conv.messages, toolMessage(conversationID, call, result))

	if !confirmed {
		em.emit(models.ChatEvent{
			Type: models.EventTextDelta,
			Text: "Understood. The operation was cancelled and no changes were made.",
		})
		em.emit(models.ChatEvent{Type: models.EventDone})
		return
	}

	if !em.emit(models.ChatEvent{
		Type:       models.EventToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     result,
	}) {
		return
	}

	trigger := lastUserMessage(conv)
	if result.IsError {
		em.emit(models.ChatEvent{
			Type:        models.EventError,
			Error:       fmt.Sprint(result.Content),
			Recoverable: result.Recoverable,
		})
		o.learnPattern(uc, trigger, call.Name, false)
		return
	}

	em.emit(models.ChatEvent{
		Type: models.EventTextDelta,
		Text: "Confirmed. The operation completed successfully.",
	})
	em.emit(models.ChatEvent{Type: models.EventDone})
	o.learnPattern(uc, trigger, call.Name, true)
}

// CancelChat abandons a conversation: every pending confirmation is
// removed, along with the engine's parked operations, so a stale approval
// can never execute later. Returns the number of confirmations cleared.
func (o *Orchestrator) CancelChat(ctx context.Context, uc models.UserContext, conversationID string) (int, error) {
	if !uc.Valid() {
		return 0, fmt.Errorf("missing tenant id")
	}
	removed, err := o.confirmations.CleanupConversation(ctx, uc, conversationID)
	if err != nil {
		return 0, fmt.Errorf("cleanup confirmations: %w", err)
	}
	o.engine.ReleaseConversation(conversationID)

	o.mu.Lock()
	delete(o.convs, conversationID)
	o.mu.Unlock()

	log.Info().Str("conversation", conversationID).Str("tenant", uc.TenantID).Int("cleared", removed).Msg("Chat cancelled")
	return removed, nil
}

// Messages returns a copy of the conversation transcript.
func (o *Orchestrator) Messages(conversationID string) []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	conv, ok := o.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// toolMessage renders a tool result as a transcript entry.
func toolMessage(conversationID string, call models.ToolCall, res *models.ToolResult) models.Message {
	content, err := json.Marshal(res)
	if err != nil {
		content = []byte(`{"is_error":true,"content":"unserializable tool result"}`)
	}
	return models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           models.RoleTool,
		Content:        string(content),
		ToolCalls:      []models.ToolCall{call},
		CreatedAt:      time.Now().UTC(),
	}
}

func lastUserMessage(conv *conversation) string {
	for i := len(conv.messages) - 1; i >= 0; i-- {
		if conv.messages[i].Role == models.RoleUser {
			return conv.messages[i].Content
		}
	}
	return ""
}

// extractFacts schedules long-term fact extraction after a completed run.
func (o *Orchestrator) extractFacts(uc models.UserContext, conversationID, responseText string) {
	if o.memory == nil || o.pool == nil || responseText == "" {
		return
	}
	o.pool.Submit("fact_extraction", func(ctx context.Context) {
		if err := o.memory.ExtractFacts(ctx, uc, conversationID, responseText); err != nil {
			log.Warn().Err(err).Str("conversation", conversationID).Msg("Fact extraction failed")
		}
	})
}

// learnPattern schedules a pattern-learning side effect for a write outcome.
func (o *Orchestrator) learnPattern(uc models.UserContext, trigger, response string, succeeded bool) {
	if o.patterns == nil || o.pool == nil || trigger == "" {
		return
	}
	o.pool.Submit("pattern_record", func(ctx context.Context) {
		if err := o.patterns.Record(ctx, uc, trigger, response, succeeded); err != nil {
			log.Warn().Err(err).Msg("Pattern record failed")
		}
	})
}
