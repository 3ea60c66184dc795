// Package llmtest provides scripted LLM clients for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
)

// Reply is one scripted completion.
type Reply struct {
	Content   string
	Err       error
	TokensIn  int
	TokensOut int
	// FailAfter, when positive, makes a streaming call fail with Err after
	// that many tokens have been delivered.
	FailAfter int
}

// Client is a scripted llm.Client. Respond decides the reply per request;
// when nil, scripted replies are consumed in order and the last one repeats.
type Client struct {
	Respond func(req *llm.CompletionRequest) Reply

	mu      sync.Mutex
	replies []Reply
	calls   []llm.CompletionRequest
}

// New returns a client that answers with replies in order.
func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Name returns the provider name.
func (c *Client) Name() string { return "llmtest" }

// Calls returns a copy of the requests received so far.
func (c *Client) Calls() []llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.CompletionRequest(nil), c.calls...)
}

func (c *Client) next(req *llm.CompletionRequest) Reply {
	c.mu.Lock()
	c.calls = append(c.calls, *req)
	respond := c.Respond
	var r Reply
	switch {
	case respond != nil:
	case len(c.replies) > 1:
		r, c.replies = c.replies[0], c.replies[1:]
	case len(c.replies) == 1:
		r = c.replies[0]
	}
	c.mu.Unlock()

	if respond != nil {
		r = respond(req)
	}
	return r
}

func response(r Reply, content string) *llm.CompletionResponse {
	in, out := r.TokensIn, r.TokensOut
	if in == 0 && out == 0 {
		in, out = 10, len(strings.Fields(content))
	}
	return &llm.CompletionResponse{Content: content, Model: "test-model", TokensIn: in, TokensOut: out, StopReason: "end_turn"}
}

// Complete returns the next scripted reply.
func (c *Client) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	r := c.next(req)
	if r.Err != nil {
		return nil, r.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return response(r, r.Content), nil
}

// CompleteStream delivers the next scripted reply word by word.
func (c *Client) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	r := c.next(req)
	if r.Err != nil && r.FailAfter <= 0 {
		return nil, r.Err
	}

	var sent strings.Builder
	for i, tok := range tokens(r.Content) {
		if r.FailAfter > 0 && i == r.FailAfter {
			return response(r, sent.String()), r.Err
		}
		if err := ctx.Err(); err != nil {
			return response(r, sent.String()), err
		}
		sent.WriteString(tok)
		if err := callback(tok, i); err != nil {
			return response(r, sent.String()), err
		}
	}
	return response(r, sent.String()), nil
}

func tokens(s string) []string {
	words := strings.SplitAfter(s, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Embedder is a fixed-vector llm.Embedder.
type Embedder struct {
	Vector []float32
	Err    error

	calls atomic.Int64
}

// Embed returns the configured vector or error.
func (e *Embedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	return e.Vector, nil
}

// Calls returns the number of Embed calls.
func (e *Embedder) Calls() int {
	return int(e.calls.Load())
}
