package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient is the OpenAI LLM client.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return &OpenAIClient{client: openai.NewClient(apiKey)}, nil
}

// NewOpenAIClientWithConfig creates a client against a compatible endpoint.
func NewOpenAIClientWithConfig(cfg openai.ClientConfig) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

func (c *OpenAIClient) request(req *CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	}
}

// Complete sends a completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (out *CompletionResponse, err error) {
	start := time.Now()
	r := c.request(req)
	defer func() { observe(r.Model, "batch", start, out, err) }()

	resp, err := c.client.CreateChatCompletion(ctx, r)
	if err != nil {
		return nil, err
	}

	out = &CompletionResponse{
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

// CompleteStream sends a streaming completion request.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (out *CompletionResponse, err error) {
	start := time.Now()
	r := c.request(req)
	r.Stream = true
	r.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	defer func() { observe(r.Model, "stream", start, out, err) }()

	stream, err := c.client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content strings.Builder
	resp := &CompletionResponse{Model: r.Model}
	index := 0

	finish := func(err error) (*CompletionResponse, error) {
		resp.Content = content.String()
		if resp.TokensIn == 0 && resp.TokensOut == 0 {
			// Usage arrives in the final chunk; estimate when it never came.
			prompt := req.System
			for _, m := range req.Messages {
				prompt += m.Content
			}
			resp.TokensIn = EstimateTokens(prompt)
			resp.TokensOut = EstimateTokens(resp.Content)
		}
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp, err
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return finish(err)
		}

		if chunk.Usage != nil {
			resp.TokensIn = chunk.Usage.PromptTokens
			resp.TokensOut = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := callback(delta, index); err != nil {
				return finish(err)
			}
			index++
		}
		if chunk.Choices[0].FinishReason != "" {
			resp.StopReason = string(chunk.Choices[0].FinishReason)
		}
	}

	return finish(nil)
}
