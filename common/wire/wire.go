// Package wire defines the query protocol shared by the relay's agent
// client and the agent's query server: the POST /v1/query request body and
// the NDJSON stream events the agent answers with.
package wire

import (
	"encoding/json"
	"fmt"
)

// Limits enforced on the query surface. The body cap is checked before the
// request is parsed; the prompt cap is checked after and maps to a payload
// too large response rather than a validation error.
const (
	MaxQueryBody   = 256 << 10
	MaxPromptChars = 100_000
)

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	// Prompt is the user turn handed to the LLM runtime.
	Prompt string `json:"prompt"`

	// Tier names the capability tier the relay granted this query. It
	// arrives in wire form (e.g. "READ_ONLY") and is canonicalised with
	// CanonicalTier before use.
	Tier string `json:"tier"`

	// PoolKey groups queries that must not run concurrently; queries
	// sharing a pool key are serialised by the server.
	PoolKey string `json:"poolKey"`

	Cwd          string `json:"cwd,omitempty"`
	EnableSkills bool   `json:"enableSkills,omitempty"`

	// TimeoutMs bounds the whole query. Zero means the server default; the
	// server clamps the final value to its allowed range.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`

	// ResumeSessionID continues a previous runtime session when set.
	ResumeSessionID string `json:"resumeSessionId,omitempty"`

	UserID             string `json:"userId,omitempty"`
	SystemPromptAppend string `json:"systemPromptAppend,omitempty"`

	// SessionToken is a short-lived capability token minted by the relay.
	// The server passes it to the runtime subprocess environment and then
	// wipes it; it must never be logged.
	SessionToken string `json:"sessionToken,omitempty"`
}

// Validate checks the structural invariants of a query request. Prompt
// length is not checked here: oversize prompts are a payload-size condition
// with its own status, handled by the server.
func (r *QueryRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("request must not be nil")
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if r.PoolKey == "" {
		return fmt.Errorf("poolKey must not be empty")
	}
	if _, err := ParseTier(r.Tier); err != nil {
		return err
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	return nil
}

// CanonicalTier returns the canonical form of the request tier.
func (r *QueryRequest) CanonicalTier() (Tier, error) {
	return ParseTier(r.Tier)
}

// Stream event types. A query stream is zero or more text and tool_use
// events terminated by exactly one done event.
const (
	EventText    = "text"
	EventToolUse = "tool_use"
	EventDone    = "done"
)

// Event is one NDJSON line of the query stream.
type Event struct {
	Type string `json:"type"`

	// Content carries the text delta for text events.
	Content string `json:"content,omitempty"`

	// ToolName and Input describe a tool invocation for tool_use events.
	// Input is passed through opaque; the relay never interprets it.
	ToolName string          `json:"toolName,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// Result is set on the final done event only.
	Result *DoneResult `json:"result,omitempty"`
}

// DoneResult summarises a finished query.
type DoneResult struct {
	Response   string  `json:"response"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
	CostUSD    float64 `json:"costUsd"`
	NumTurns   int     `json:"numTurns"`
	DurationMs int64   `json:"durationMs"`

	// SessionID names the runtime session for later resume, when the
	// runtime reported one.
	SessionID string `json:"sessionId,omitempty"`
}

// Validate checks that an Event is structurally sound.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event must not be nil")
	}
	switch e.Type {
	case EventText, EventToolUse:
		return nil
	case EventDone:
		if e.Result == nil {
			return fmt.Errorf("done event must carry a result")
		}
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// ParseEvent decodes one NDJSON stream line and validates it. It is the
// canonical entry point for consuming agent streams.
func ParseEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("stream event parse: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("stream event validate: %w", err)
	}
	return &evt, nil
}
