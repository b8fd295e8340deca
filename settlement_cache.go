package marketplace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SettlementCache makes batch submission idempotent. It caches finished batch
// results by key and tracks batches that are still executing, so a client
// retrying after a timeout receives the original result instead of a second
// execution.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*BatchResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]*BatchResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SettlementKey derives a cache key from a client-supplied idempotency key
// and the request body, so the same key reused with a different batch does
// not return a stale result.
func SettlementKey(idempotencyKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(idempotencyKey))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// SettlementStatus represents the result of checking the cache.
type SettlementStatus int

const (
	// SettlementNotFound means no cached result and no in-flight batch.
	SettlementNotFound SettlementStatus = iota
	// SettlementCached means a cached result was found.
	SettlementCached
	// SettlementInFlight means another request is currently executing this batch.
	SettlementInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
// Returns:
// - SettlementCached + result if a cached result exists
// - SettlementInFlight + wait channel if another request is executing
// - SettlementNotFound + done channel if this request should proceed (now marked in-flight)
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *BatchResult, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if c.now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return SettlementCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return SettlementInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return SettlementNotFound, nil, done
}

// WaitForResult waits for an in-flight batch to finish, respecting context cancellation.
// Returns nil if the in-flight batch failed.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*BatchResult, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get retrieves a cached result if it exists and hasn't expired.
func (c *SettlementCache) Get(key string) *BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if c.now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete caches the result and signals any waiting goroutines.
func (c *SettlementCache) Complete(key string, result *BatchResult, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching a result,
// allowing the batch to be resubmitted.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Len returns the number of cached results, expired entries included
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
