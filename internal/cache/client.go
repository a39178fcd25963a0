// Copyright 2026 The WriteIt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"strings"

	"github.com/writeit/writeit/pkg/llm"
)

// CachingClient wraps an llm.Client with the two-tier cache. Complete is
// served from cache when possible; Stream bypasses the read side and writes
// the concatenated response after the stream completes. Cache failures are
// logged inside the cache and never fail the call.
type CachingClient struct {
	inner llm.Client
	cache *Cache
}

// NewCachingClient wraps a client with the workspace's cache.
func NewCachingClient(inner llm.Client, cache *Cache) *CachingClient {
	return &CachingClient{inner: inner, cache: cache}
}

// Complete serves from the cache on a hit, otherwise calls the inner client
// and caches the response. Multi-sample requests are never cached: each
// sample must be an independent draw.
func (c *CachingClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	cacheable := req.Samples <= 1

	if cacheable {
		if entry, ok, _ := c.cache.Get(ctx, req.Prompt, req.Model, req.Context); ok {
			return &llm.Response{
				Text:      entry.Response,
				Responses: []string{entry.Response},
				Usage:     entry.TokensUsed,
				Model:     entry.Model,
				Created:   entry.CreatedAt,
			}, nil
		}
	}

	resp, err := c.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if _, err := c.cache.Put(ctx, req.Prompt, req.Model, req.Context, resp.Text, resp.Usage); err != nil {
			c.cache.logger.Warn("failed to cache response", "model", req.Model, "error", err)
		}
	}
	return resp, nil
}

// Stream forwards the inner stream untouched and caches the full text once
// the final chunk arrives.
func (c *CachingClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	inner, err := c.inner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var text strings.Builder
		for chunk := range inner {
			if chunk.Delta != "" {
				text.WriteString(chunk.Delta)
			}
			if chunk.Final && chunk.Err == nil {
				full := chunk.Text
				if full == "" {
					full = text.String()
					chunk.Text = full
				}
				usage := llm.TokenUsage{}
				if chunk.Usage != nil {
					usage = *chunk.Usage
				}
				if _, err := c.cache.Put(ctx, req.Prompt, req.Model, req.Context, full, usage); err != nil {
					c.cache.logger.Warn("failed to cache streamed response", "model", req.Model, "error", err)
				}
			}
			out <- chunk
		}
	}()
	return out, nil
}
