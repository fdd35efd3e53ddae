package model

import (
	"strings"
)

// Message roles accepted in invoke/v1 message lists.
const (
	MessageRoleSystem    = "system"
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeInput carries either a message list or a bare prompt, never both.
type InvokeInput struct {
	Messages []Message `json:"messages,omitempty"`
	Prompt   *string   `json:"prompt,omitempty"`
}

// InvokeRequest is the invoke/v1 request body.
type InvokeRequest struct {
	Input     InvokeInput    `json:"input"`
	SessionID *string        `json:"sessionId,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Normalize returns the canonical message list. A bare prompt becomes a
// single user message; prompt plus messages, or neither, is rejected.
func (r InvokeRequest) Normalize() ([]Message, error) {
	hasPrompt := r.Input.Prompt != nil
	hasMessages := len(r.Input.Messages) > 0
	switch {
	case hasPrompt && hasMessages:
		return nil, InvalidRequest("input must contain either prompt or messages, not both")
	case hasPrompt:
		if strings.TrimSpace(*r.Input.Prompt) == "" {
			return nil, InvalidRequest("prompt must not be empty")
		}
		return []Message{{Role: MessageRoleUser, Content: *r.Input.Prompt}}, nil
	case hasMessages:
		for _, m := range r.Input.Messages {
			switch m.Role {
			case MessageRoleSystem, MessageRoleUser, MessageRoleAssistant:
			default:
				return nil, InvalidRequest("message role must be system, user, or assistant")
			}
		}
		out := make([]Message, len(r.Input.Messages))
		copy(out, r.Input.Messages)
		return out, nil
	default:
		return nil, InvalidRequest("input must contain prompt or messages")
	}
}

// TraceIDFromMetadata returns metadata["traceId"] when it is a non-empty string.
func (r InvokeRequest) TraceIDFromMetadata() string {
	if v, ok := r.Metadata["traceId"].(string); ok {
		return v
	}
	return ""
}

// Output is the text produced by an agent.
type Output struct {
	Text string `json:"text"`
}

// Usage is the optional per-invocation usage hint.
type Usage struct {
	Tokens    *int64 `json:"tokens,omitempty"`
	ComputeMs *int64 `json:"computeMs,omitempty"`
	ToolCalls *int64 `json:"toolCalls,omitempty"`
}

// InvokeResponse is the invoke/v1 response body.
type InvokeResponse struct {
	Output    Output  `json:"output"`
	SessionID *string `json:"sessionId,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`
	TraceID   string  `json:"traceId"`
}

// Stream event types, emitted in order meta, delta*, usage?, then done or error.
const (
	StreamEventMeta  = "meta"
	StreamEventDelta = "delta"
	StreamEventUsage = "usage"
	StreamEventDone  = "done"
	StreamEventError = "error"
)

// StreamMeta opens a stream.
type StreamMeta struct {
	TraceID      string `json:"traceId"`
	AgentID      string `json:"agentId"`
	DeploymentID string `json:"deploymentId"`
	Version      int    `json:"version"`
}

// StreamDelta carries an output fragment.
type StreamDelta struct {
	Text string `json:"text"`
}

// StreamDone closes a successful stream.
type StreamDone struct {
	SessionID *string `json:"sessionId,omitempty"`
	TraceID   string  `json:"traceId"`
}
