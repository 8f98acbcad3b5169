package models

// ── Chat Events (core → caller) ──────────────────────────────

// ChatEventType enumerates the canonical events a chat invocation emits.
type ChatEventType string

const (
	EventTextDelta            ChatEventType = "text_delta"
	EventThinkingDelta        ChatEventType = "thinking_delta"
	EventToolCallStart        ChatEventType = "tool_call_start"
	EventToolCallEnd          ChatEventType = "tool_call_end"
	EventToolResult           ChatEventType = "tool_result"
	EventConfirmationRequired ChatEventType = "confirmation_required"
	EventConfirmationResponse ChatEventType = "confirmation_response"
	EventError                ChatEventType = "error"
	EventDone                 ChatEventType = "done"
)

// ChatEvent is one entry in the ordered event stream a Chat or
// ConfirmOperation call produces. Seq is strictly increasing by 1 starting at
// 1 and resets for every new invocation; events are write-once and delivered
// in sequence order.
type ChatEvent struct {
	Type           ChatEventType `json:"type"`
	Seq            int           `json:"seq"`
	CorrelationID  string        `json:"correlation_id,omitempty"` // one id per invocation
	ConversationID string        `json:"conversation_id,omitempty"`

	// text_delta / thinking_delta payload. Thinking text is already redacted.
	Text string `json:"text,omitempty"`

	// tool_call_* / tool_result payload.
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`

	// confirmation_required / confirmation_response payload.
	OperationID string    `json:"operation_id,omitempty"`
	RiskLevel   RiskLevel `json:"risk_level,omitempty"`
	Message     string    `json:"message,omitempty"`
	Confirmed   *bool     `json:"confirmed,omitempty"`

	// error payload.
	ErrorKind   StreamErrorKind `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
}

// ── Provider Stream Events (LLM → core) ──────────────────────

// StreamEventType enumerates the wire events a model provider emits while
// streaming a completion.
type StreamEventType string

const (
	StreamTextDelta     StreamEventType = "text_delta"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamToolCallStart StreamEventType = "tool_call_start"
	StreamToolCallDelta StreamEventType = "tool_call_delta"
	StreamToolCallEnd   StreamEventType = "tool_call_end"
	StreamError         StreamEventType = "error"
	StreamDone          StreamEventType = "done"
)

// StreamErrorKind distinguishes retryable provider failures from fatal ones
// so callers can decide whether to retry the whole turn.
type StreamErrorKind string

const (
	StreamErrRateLimited StreamErrorKind = "rate_limited"
	StreamErrTimeout     StreamErrorKind = "timeout"
	StreamErrProvider    StreamErrorKind = "provider"
)

// Retryable reports whether a caller may reasonably retry the turn.
func (k StreamErrorKind) Retryable() bool {
	return k == StreamErrRateLimited || k == StreamErrTimeout
}

// StreamEvent is one delta from a provider's completion stream. Tool-call
// events correlate via the provider-assigned ToolCallID; argument JSON arrives
// in fragments on tool_call_delta and is assembled by the orchestrator.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Text       string          `json:"text,omitempty"` // text_delta / thinking_delta
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`  // on tool_call_start
	ArgsDelta  string          `json:"args_delta,omitempty"` // raw JSON fragment on tool_call_delta
	ErrorKind  StreamErrorKind `json:"error_kind,omitempty"` // on error
	Error      string          `json:"error,omitempty"`      // on error
	Usage      *TokenUsage     `json:"usage,omitempty"`      // on done
}

// TokenUsage accounts tokens for one completion.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
