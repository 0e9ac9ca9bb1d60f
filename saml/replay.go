package saml

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ReplayCache tracks two kinds of IDs: authentication request IDs that are
// pending an IdP response, and assertion IDs that have already been accepted.
// Both tables enforce at-most-once semantics: a pending request ID is
// consumed exactly once, and an accepted assertion ID is never accepted
// again within its validity window.
//
// The cache is safe for concurrent use. Expired entries are dropped lazily
// on lookup and in bulk by Sweep.
type ReplayCache struct {
	mu       sync.Mutex
	pending  map[string]time.Time // request ID -> expiry
	consumed map[string]time.Time // assertion/request ID -> expiry
}

func NewReplayCache() *ReplayCache {
	return &ReplayCache{
		pending:  map[string]time.Time{},
		consumed: map[string]time.Time{},
	}
}

// Put registers a pending authentication request ID with its expiry.
func (c *ReplayCache) Put(id string, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = expiry
}

// Peek reports whether id is a pending, unexpired request ID without
// consuming it. An expired entry is dropped on sight.
func (c *ReplayCache) Peek(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.pending[id]
	if !ok {
		return false
	}
	if !now.Before(expiry) {
		delete(c.pending, id)
		return false
	}

	return true
}

// Consume atomically removes a pending request ID. It returns true only if
// the ID was present and unexpired; two concurrent calls for the same ID see
// exactly one success. The consumed ID is remembered until its original
// expiry so a later response referencing it is still recognized as a replay.
func (c *ReplayCache) Consume(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	if !now.Before(expiry) {
		return false
	}
	c.consumed[id] = expiry

	return true
}

// RecordAssertion remembers an accepted assertion ID until expiry. It
// returns false if the ID was already recorded and still within its window,
// in which case the caller must treat the assertion as replayed.
func (c *ReplayCache) RecordAssertion(id string, now, expiry time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.consumed[id]; ok && now.Before(prev) {
		return false
	}
	c.consumed[id] = expiry

	return true
}

// commit is the success-path mutation of response validation: it consumes
// the pending request ID (when the assertion referenced one) and records the
// assertion ID, under a single lock so a racing duplicate cannot also
// succeed. Failure is fail-closed: a request ID presented alongside an
// already-consumed assertion stays consumed.
func (c *ReplayCache) commit(requestID, assertionID string, now, recordUntil time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if requestID != "" {
		expiry, ok := c.pending[requestID]
		if !ok || !now.Before(expiry) {
			delete(c.pending, requestID)
			return false
		}
		delete(c.pending, requestID)
		c.consumed[requestID] = expiry
	}

	if assertionID != "" {
		if prev, ok := c.consumed[assertionID]; ok && now.Before(prev) {
			return false
		}
		c.consumed[assertionID] = recordUntil
	}

	return true
}

// Sweep drops every expired entry from both tables.
func (c *ReplayCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, expiry := range c.pending {
		if !now.Before(expiry) {
			delete(c.pending, id)
		}
	}
	for id, expiry := range c.consumed {
		if !now.Before(expiry) {
			delete(c.consumed, id)
		}
	}
}

// Len returns the number of live entries in the pending and consumed tables.
func (c *ReplayCache) Len() (pending, consumed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending), len(c.consumed)
}

// StartSweeping runs Sweep every interval until ctx is canceled. It is meant
// to be started once as a background task next to the HTTP server.
func (c *ReplayCache) StartSweeping(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-clock.After(interval):
				c.Sweep(clock.Now())
			}
		}
	}()
}
