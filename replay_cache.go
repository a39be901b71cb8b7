package autopay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// ReplayCache records which payment proofs have already been consumed so a
// captured proof cannot buy a resource twice. Entries expire at the proof's
// own deadline: once a proof is past its validity window it can no longer
// pass verification anyway, so keeping the entry buys nothing.
//
// The cache also tracks in-flight verifications so two concurrent requests
// carrying the same proof resolve to a single settlement check.
type ReplayCache struct {
	mu       sync.Mutex
	results  map[string]*SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
}

// NewReplayCache creates an empty replay cache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{
		results:  make(map[string]*SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
	}
}

// ProofKey derives the replay key for a proof from its serialized bytes.
// The hash covers the signature and nonce, so distinct payment attempts
// always map to distinct keys.
func ProofKey(proofBytes []byte) string {
	hash := sha256.Sum256(proofBytes)
	return hex.EncodeToString(hash[:])
}

// ReplayStatus is the result of checking the cache for a proof key.
type ReplayStatus int

const (
	// StatusFresh means the proof has not been seen; the caller now holds
	// the in-flight marker and must call Complete or Fail.
	StatusFresh ReplayStatus = iota
	// StatusReplayed means the proof was already consumed inside its
	// validity window.
	StatusReplayed
	// StatusInFlight means another request is verifying this same proof.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and claims the key when fresh.
// Expired entries are evicted on the way in, so a proof seen again after its
// deadline is re-evaluated from scratch rather than reported as a replay.
func (c *ReplayCache) CheckAndMark(key string) (ReplayStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			return StatusReplayed, c.results[key], nil
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusFresh, nil, done
}

// WaitForResult blocks until an in-flight verification of the same proof
// finishes, respecting context cancellation. A nil response means the other
// verification failed and this caller may retry.
func (c *ReplayCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the recorded settlement for a consumed proof, or nil when the
// proof is unknown or its window has passed.
func (c *ReplayCache) Get(key string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete records the proof as consumed until its deadline, releases the
// in-flight marker, and wakes any waiters.
func (c *ReplayCache) Complete(key string, response *SettleResponse, deadline time.Time, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = deadline

	delete(c.inFlight, key)
	close(done)

	c.evictExpiredLocked()
}

// Fail releases the in-flight marker without consuming the proof, so a
// later attempt with the same proof is evaluated again.
func (c *ReplayCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// evictExpiredLocked removes entries past their deadline. Lock must be held.
func (c *ReplayCache) evictExpiredLocked() {
	now := time.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
