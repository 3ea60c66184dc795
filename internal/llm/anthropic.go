package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)

	return &AnthropicClient{client: client}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

func (c *AnthropicClient) params(req *CompletionRequest) (string, anthropic.MessageNewParams) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	turns := alternate(req.Messages)
	messages := make([]anthropic.MessageParam, len(turns))
	for i, msg := range turns {
		messages[i] = anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(msg.Content),
			}),
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.F(model),
		MaxTokens:   anthropic.F(int64(maxTokens)),
		Messages:    anthropic.F(messages),
		Temperature: anthropic.F(req.Temperature),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{anthropic.NewTextBlock(req.System)})
	}
	return model, params
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (out *CompletionResponse, err error) {
	start := time.Now()
	model, params := c.params(req)
	defer func() { observe(model, "batch", start, out, err) }()

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:    content.String(),
		Model:      resp.Model,
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream sends a streaming completion request.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (out *CompletionResponse, err error) {
	start := time.Now()
	model, params := c.params(req)
	defer func() { observe(model, "stream", start, out, err) }()

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	resp := &CompletionResponse{Model: model}
	index := 0

	finish := func(err error) (*CompletionResponse, error) {
		resp.Content = content.String()
		if resp.TokensOut == 0 {
			resp.TokensOut = EstimateTokens(resp.Content)
		}
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp, err
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeMessageStart:
			resp.TokensIn = int(event.Message.Usage.InputTokens)
		case anthropic.MessageStreamEventTypeMessageDelta:
			resp.TokensOut = int(event.Usage.OutputTokens)
		}

		switch delta := event.Delta.(type) {
		case anthropic.ContentBlockDeltaEventDelta:
			if delta.Text == "" {
				continue
			}
			content.WriteString(delta.Text)
			if err := callback(delta.Text, index); err != nil {
				return finish(err)
			}
			index++
		case anthropic.MessageDeltaEventDelta:
			resp.StopReason = string(delta.StopReason)
		}
	}

	if err := stream.Err(); err != nil {
		return finish(err)
	}
	return finish(ctx.Err())
}

// alternate shapes history into the strictly alternating user/assistant
// sequence the Messages API requires: leading assistant turns are dropped and
// consecutive turns of one role are joined.
func alternate(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if len(out) == 0 && m.Role != RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}
