package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient adapts the Anthropic Messages API to Client/ToolClient.
// Create once and share; the underlying SDK client is safe for concurrent
// use.
type AnthropicClient struct {
	client anthropic.Client

	// Pricing maps model -> per-1M-token input/output USD rates, used to
	// attribute cost when the API does not return one. Nil disables cost
	// attribution.
	Pricing map[string]ModelPricing
}

// ModelPricing is the USD cost per million tokens for one model.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing covers the models the default configuration names.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"claude-opus-4-5-20251101":   {InputPer1M: 15.00, OutputPer1M: 75.00},
		"claude-sonnet-4-5-20250929": {InputPer1M: 3.00, OutputPer1M: 15.00},
		"claude-3-5-haiku-20241022":  {InputPer1M: 1.00, OutputPer1M: 5.00},
	}
}

// NewAnthropicClient builds a client from ANTHROPIC_API_KEY.
func NewAnthropicClient() (*AnthropicClient, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(key)),
		Pricing: DefaultPricing(),
	}, nil
}

func toParams(messages []Message) (system string, params []anthropic.MessageParam) {
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, params
}

func (c *AnthropicClient) usage(model string, u anthropic.Usage) Usage {
	out := Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens,
	}
	if p, ok := c.Pricing[model]; ok {
		out.CostUSD = float64(u.InputTokens)/1e6*p.InputPer1M + float64(u.OutputTokens)/1e6*p.OutputPer1M
	}
	return out
}

// Chat implements Client.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	system, params := toParams(messages)

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		MaxTokens: maxTokens,
		Messages:  params,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		req.Temperature = anthropic.Float(opts.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	var content string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}
	return &Response{Content: content, Usage: c.usage(opts.Model, msg.Usage)}, nil
}

// ChatWithTools implements ToolClient.
func (c *AnthropicClient) ChatWithTools(ctx context.Context, messages []Message, opts ToolOptions) (*ToolResponse, error) {
	system, params := toParams(messages)

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		MaxTokens: maxTokens,
		Messages:  params,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, tool := range opts.Tools {
		req.Tools = append(req.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema,
				},
			},
		})
	}
	switch opts.ToolChoice {
	case "", "auto":
		if len(opts.Tools) > 0 {
			req.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	default:
		req.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: opts.ToolChoice},
		}
	}

	msg, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat with tools: %w", err)
	}

	resp := &ToolResponse{Usage: c.usage(opts.Model, msg.Usage)}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(b.Input)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{Name: b.Name, Input: input})
		}
	}
	return resp, nil
}
