// Package llm defines the provider-facing boundary of the pipeline engine.
// The engine talks to any LLM backend through the Client interface; concrete
// providers live outside the core and are handed in by the embedder.
package llm

import (
	"context"
	"time"
)

// Request carries everything a provider needs for one completion.
type Request struct {
	// Prompt is the fully rendered prompt text.
	Prompt string

	// Model is the resolved model id for this call.
	Model string

	// Context is arbitrary request context that participates in cache
	// keying (conversation history digests, style hints, and so on).
	Context map[string]any

	// Samples asks the provider for this many independent responses.
	// Zero means one.
	Samples int

	// Metadata carries request tracking information (correlation ids).
	Metadata map[string]string
}

// Response is the full result of a non-streaming completion.
type Response struct {
	// Text is the generated response. When Samples > 1, Text is the first
	// sample and Responses holds them all.
	Text string

	// Responses holds every sample when multi-sampling was requested.
	Responses []string

	// Usage is the token accounting for this call; zero-valued when the
	// provider reports no usage data.
	Usage TokenUsage

	// Model is the model that actually served the request.
	Model string

	// RequestID identifies this request for tracing.
	RequestID string

	// Created is when the provider produced the response.
	Created time.Time
}

// StreamChunk is a single piece of a streaming response. The final chunk has
// Final set and carries the concatenated text plus usage; intermediate chunks
// carry only Delta.
type StreamChunk struct {
	// Delta is the text added in this chunk.
	Delta string

	// Final marks the sentinel chunk that closes the stream.
	Final bool

	// Text is the full concatenated response, set only on the final chunk.
	Text string

	// Usage is set on the final chunk; nil before that.
	Usage *TokenUsage

	// Err reports a mid-stream failure. When set, this is the last chunk.
	Err error
}

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add accumulates another call's usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Total += other.Total
}

// Client is the uniform call/stream interface the executor depends on.
//
// Complete blocks until the full response is available and may be served
// from cache by a caching wrapper. Stream yields chunks as they arrive and
// always bypasses the read side of the cache; the caller must consume the
// channel until it closes.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
