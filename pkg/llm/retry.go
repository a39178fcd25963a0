package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/writeit/writeit/pkg/errors"
)

// ErrMaxRetriesExceeded indicates all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = stderrors.New("maximum retry attempts exceeded")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (typically 2.0).
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (0.0-1.0).
	Jitter float64

	// Classify decides whether an error should trigger a retry.
	// Nil uses errors.Retryable.
	Classify func(error) bool
}

// DefaultRetryConfig returns sensible default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// RetryingClient wraps a Client with bounded retries. Retries never change
// the request, so a caching wrapper above it sees identical cache keys on
// every attempt.
type RetryingClient struct {
	client Client
	config RetryConfig
}

// NewRetryingClient wraps a client with retry logic.
func NewRetryingClient(client Client, config RetryConfig) *RetryingClient {
	if config.Classify == nil {
		config.Classify = errors.Retryable
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &RetryingClient{client: client, config: config}
}

// Complete executes a completion request, retrying retryable failures with
// exponential backoff.
func (r *RetryingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !r.config.Classify(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, r.config.MaxRetries+1, lastErr)
}

// Stream opens a streaming request with retry logic. Only the initial open is
// retried; once chunks are flowing a failure surfaces on the channel, since a
// partially delivered stream cannot be replayed.
func (r *RetryingClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		chunks, err := r.client.Stream(ctx, req)
		if err == nil {
			return chunks, nil
		}
		lastErr = err

		if !r.config.Classify(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, r.config.MaxRetries+1, lastErr)
}

// wait sleeps for the backoff delay of the given attempt, or returns early
// when the context is done.
func (r *RetryingClient) wait(ctx context.Context, attempt int) error {
	select {
	case <-time.After(r.Backoff(attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff computes the delay for a given attempt with jitter applied.
func (r *RetryingClient) Backoff(attempt int) time.Duration {
	backoff := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if backoff > float64(r.config.MaxDelay) {
		backoff = float64(r.config.MaxDelay)
	}
	if r.config.Jitter > 0 {
		jitterAmount := backoff * r.config.Jitter
		backoff += (rand.Float64() * 2 * jitterAmount) - jitterAmount
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
