// Package llm defines the chat-backend interfaces the orchestrator speaks
// and ships an Anthropic adapter plus the response-parsing helpers shared
// by the decomposer, quality gate, planner, and reviewer.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage reports token consumption for one call. Cost may be zero when the
// backend does not price calls itself.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Options configures a chat call.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Response is the reply to a plain chat call.
type Response struct {
	Content string
	Usage   Usage
}

// Client is the required chat backend.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (*Response, error)
}

// ToolDef declares a tool for capability probing.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is one tool invocation in a reply.
type ToolCall struct {
	Name  string
	Input json.RawMessage
}

// ToolOptions configures a tool-enabled chat call.
type ToolOptions struct {
	Model      string
	MaxTokens  int64
	Tools      []ToolDef
	ToolChoice string // "", "auto", or a tool name to force
}

// ToolResponse is the reply to a tool-enabled call.
type ToolResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ToolClient is the optional tool-calling extension, used only by the
// model capability probe.
type ToolClient interface {
	ChatWithTools(ctx context.Context, messages []Message, opts ToolOptions) (*ToolResponse, error)
}
