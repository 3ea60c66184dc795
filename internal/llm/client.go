// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"time"

	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// Chat roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// TotalTokens is the billed token count of the call.
func (r *CompletionResponse) TotalTokens() int {
	return r.TokensIn + r.TokensOut
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request. When the stream
	// stops early (callback error, cancellation, transport failure) the
	// returned response carries whatever content was produced alongside the
	// error.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}

func observe(model, mode string, start time.Time, resp *CompletionResponse, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	var in, out int
	if resp != nil {
		in, out = resp.TokensIn, resp.TokensOut
	}
	metrics.RecordLLM(model, mode, status, time.Since(start).Seconds(), in, out)
}

// EstimateTokens approximates a token count as a quarter of the byte length.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
