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

// Package cache implements the two-tier LLM response cache: an in-memory
// LRU map fronting the persistent llm_cache sub-database. The persistent
// copy is authoritative; the memory tier is advisory and rebuilt on demand.
//
// Entries are content-addressed: the key is the first 16 hex characters of
// SHA-256 over the canonical JSON of {prompt, model, context, workspace}.
// Including the workspace name in the key means entries never cross
// workspace boundaries even if two workspaces shared a physical store.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/writeit/writeit/internal/storage"
	"github.com/writeit/writeit/pkg/errors"
	"github.com/writeit/writeit/pkg/llm"
)

// DefaultMaxEntries is the memory tier's capacity.
const DefaultMaxEntries = 1000

// DefaultTTL applies when Put is called without an explicit TTL.
const DefaultTTL = time.Hour

// Entry is one cached LLM response.
type Entry struct {
	Key           string        `json:"key"`
	Prompt        string        `json:"prompt"`
	Model         string        `json:"model"`
	Response      string        `json:"response"`
	TokensUsed    llm.TokenUsage `json:"tokens_used"`
	CreatedAt     time.Time     `json:"created_at"`
	AccessedAt    time.Time     `json:"accessed_at"`
	AccessCount   int           `json:"access_count"`
	TTLSeconds    float64       `json:"ttl_secs"`
	ContextDigest string        `json:"context_digest,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed. An entry written
// with ttl=0 is expired on its next access.
func (e *Entry) Expired(now time.Time) bool {
	ttl := time.Duration(e.TTLSeconds * float64(time.Second))
	return now.After(e.CreatedAt.Add(ttl))
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is the per-workspace response cache.
type Cache struct {
	kv        *storage.Store
	workspace string
	logger    *slog.Logger

	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element // key -> element; element value is *Entry
	lru     *list.List               // front = most recently used
	hits    uint64
	misses  uint64
	evicted uint64

	metricHits      prometheus.Counter
	metricMisses    prometheus.Counter
	metricEvictions prometheus.Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries sets the memory tier capacity.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithDefaultTTL sets the TTL used when Put receives none.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = d }
}

// WithLogger sets the cache's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRegisterer registers the cache's hit/miss/eviction counters on the
// given registerer. Per-instance registries keep parallel caches (and
// tests) from colliding.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		labels := prometheus.Labels{"workspace": c.workspace}
		c.metricHits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeit_llm_cache_hits_total", Help: "LLM cache hits.", ConstLabels: labels,
		})
		c.metricMisses = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeit_llm_cache_misses_total", Help: "LLM cache misses.", ConstLabels: labels,
		})
		c.metricEvictions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeit_llm_cache_evictions_total", Help: "LLM cache memory-tier evictions.", ConstLabels: labels,
		})
		reg.MustRegister(c.metricHits, c.metricMisses, c.metricEvictions)
	}
}

// New creates a cache over the workspace's KV store.
func New(kv *storage.Store, workspace string, opts ...Option) *Cache {
	c := &Cache{
		kv:         kv,
		workspace:  workspace,
		logger:     slog.Default(),
		maxEntries: DefaultMaxEntries,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache", "workspace", workspace)
	return c
}

// Key computes the content address for a request in this workspace.
// Canonical JSON (sorted keys, no insignificant whitespace) makes the key
// independent of context map insertion order.
func (c *Cache) Key(prompt, model string, reqContext map[string]any) (string, error) {
	canonical, err := json.Marshal(map[string]any{
		"prompt":    strings.TrimSpace(prompt),
		"model":     model,
		"context":   reqContext,
		"workspace": c.workspace,
	})
	if err != nil {
		return "", &errors.CacheError{Op: "key", Cause: err}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

func contextDigest(reqContext map[string]any) string {
	if len(reqContext) == 0 {
		return ""
	}
	data, err := json.Marshal(reqContext)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Get looks up a cached response, memory tier first. A hit refreshes
// accessed_at and access_count in both tiers; an expired entry is removed
// and reported as a miss.
func (c *Cache) Get(ctx context.Context, prompt, model string, reqContext map[string]any) (*Entry, bool, error) {
	key, err := c.Key(prompt, model, reqContext)
	if err != nil {
		return nil, false, err
	}
	now := c.now()

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*Entry)
		if entry.Expired(now) {
			c.lru.Remove(elem)
			delete(c.entries, key)
			c.mu.Unlock()
			c.dropPersistent(ctx, key)
			c.recordMiss()
			return nil, false, nil
		}
		entry.AccessedAt = now
		entry.AccessCount++
		c.lru.MoveToFront(elem)
		snapshot := *entry
		c.mu.Unlock()

		c.writePersistent(ctx, &snapshot)
		c.recordHit()
		return &snapshot, true, nil
	}
	c.mu.Unlock()

	// Fall back to the authoritative persistent tier.
	data, ok, err := c.kv.Get(ctx, storage.SubDBCache, []byte(key))
	if err != nil {
		return nil, false, &errors.CacheError{Op: "get", Cause: err}
	}
	if !ok {
		c.recordMiss()
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.dropPersistent(ctx, key)
		c.recordMiss()
		return nil, false, nil
	}
	if entry.Expired(now) {
		c.dropPersistent(ctx, key)
		c.recordMiss()
		return nil, false, nil
	}

	entry.AccessedAt = now
	entry.AccessCount++
	c.writePersistent(ctx, &entry)
	c.insertMemory(&entry)
	c.recordHit()
	return &entry, true, nil
}

// Put writes a response to both tiers. When the memory tier is full the
// least recently used entry is evicted; the persistent copy stays.
func (c *Cache) Put(ctx context.Context, prompt, model string, reqContext map[string]any, response string, tokens llm.TokenUsage, ttl ...time.Duration) (*Entry, error) {
	key, err := c.Key(prompt, model, reqContext)
	if err != nil {
		return nil, err
	}

	effectiveTTL := c.defaultTTL
	if len(ttl) > 0 {
		effectiveTTL = ttl[0]
	}
	now := c.now()
	entry := &Entry{
		Key:           key,
		Prompt:        strings.TrimSpace(prompt),
		Model:         model,
		Response:      response,
		TokensUsed:    tokens,
		CreatedAt:     now,
		AccessedAt:    now,
		AccessCount:   0,
		TTLSeconds:    effectiveTTL.Seconds(),
		ContextDigest: contextDigest(reqContext),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, &errors.CacheError{Op: "put", Cause: err}
	}
	if err := c.kv.Put(ctx, storage.SubDBCache, []byte(key), data); err != nil {
		return nil, &errors.CacheError{Op: "put", Cause: err}
	}

	c.insertMemory(entry)
	return entry, nil
}

// insertMemory adds or refreshes an entry in the LRU tier, evicting the
// entry with the oldest access when over capacity.
func (c *Cache) insertMemory(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[entry.Key]; ok {
		elem.Value = entry
		c.lru.MoveToFront(elem)
		return
	}

	for c.maxEntries > 0 && c.lru.Len() >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*Entry)
		c.lru.Remove(oldest)
		delete(c.entries, evicted.Key)
		c.evicted++
		if c.metricEvictions != nil {
			c.metricEvictions.Inc()
		}
	}
	c.entries[entry.Key] = c.lru.PushFront(entry)
}

// Invalidate removes an entry from both tiers, reporting whether it existed.
func (c *Cache) Invalidate(ctx context.Context, prompt, model string, reqContext map[string]any) (bool, error) {
	key, err := c.Key(prompt, model, reqContext)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.lru.Remove(elem)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	existed, err := c.kv.Delete(ctx, storage.SubDBCache, []byte(key))
	if err != nil {
		return false, &errors.CacheError{Op: "invalidate", Cause: err}
	}
	return existed, nil
}

// Clear drops every entry in both tiers and returns the count removed from
// the persistent tier.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	keys, err := c.kv.ListKeys(ctx, storage.SubDBCache, nil)
	if err != nil {
		return 0, &errors.CacheError{Op: "clear", Cause: err}
	}
	dropped := 0
	for _, key := range keys {
		ok, err := c.kv.Delete(ctx, storage.SubDBCache, key)
		if err != nil {
			return dropped, &errors.CacheError{Op: "clear", Cause: err}
		}
		if ok {
			dropped++
		}
	}

	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.mu.Unlock()

	c.logger.Info("cache cleared", "entries", dropped)
	return dropped, nil
}

// PurgeExpired sweeps the persistent tier, removing expired entries.
// Complements the lazy expiry done on Get.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	now := c.now()
	var expired []string
	err := c.kv.Scan(ctx, storage.SubDBCache, nil, func(key, value []byte) (bool, error) {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			expired = append(expired, string(key))
			return true, nil
		}
		if entry.Expired(now) {
			expired = append(expired, string(key))
		}
		return true, nil
	})
	if err != nil {
		return 0, &errors.CacheError{Op: "purge", Cause: err}
	}

	for _, key := range expired {
		c.mu.Lock()
		if elem, ok := c.entries[key]; ok {
			c.lru.Remove(elem)
			delete(c.entries, key)
		}
		c.mu.Unlock()
		if _, err := c.kv.Delete(ctx, storage.SubDBCache, []byte(key)); err != nil {
			return 0, &errors.CacheError{Op: "purge", Cause: err}
		}
	}
	if len(expired) > 0 {
		c.logger.Debug("expired cache entries purged", "count", len(expired))
	}
	return len(expired), nil
}

// Stats returns hit/miss accounting and the persistent entry count.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.kv.ListKeys(ctx, storage.SubDBCache, nil)
	if err != nil {
		return Stats{}, &errors.CacheError{Op: "stats", Cause: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evicted,
		Entries:   len(keys),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats, nil
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	if c.metricHits != nil {
		c.metricHits.Inc()
	}
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	if c.metricMisses != nil {
		c.metricMisses.Inc()
	}
}

// writePersistent rewrites an entry's persistent copy; used to refresh
// access accounting. Failures are logged, not surfaced: the cache must
// never fail a run.
func (c *Cache) writePersistent(ctx context.Context, entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("failed to marshal cache entry", "key", entry.Key, "error", err)
		return
	}
	if err := c.kv.Put(ctx, storage.SubDBCache, []byte(entry.Key), data); err != nil {
		c.logger.Warn("failed to refresh cache entry", "key", entry.Key, "error", err)
	}
}

func (c *Cache) dropPersistent(ctx context.Context, key string) {
	if _, err := c.kv.Delete(ctx, storage.SubDBCache, []byte(key)); err != nil {
		c.logger.Warn("failed to drop expired cache entry", "key", key, "error", err)
	}
}
