// Package ratelimit provides a per-connection token bucket used as an
// ambient transport-level safety net, not a protocol feature: it drops
// excess client frames rather than delaying or reordering them. Grounded
// on gluk-w-claworc's control-plane terminal handler (internal/handlers/
// terminal.go: tokenBucket/newTokenBucket/allow), carried over with the
// same refill-on-read shape.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a simple token bucket: Allow reports whether a message may
// proceed and, if so, consumes one token. Safe for concurrent use.
type Bucket struct {
	mu sync.Mutex

	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

// New builds a Bucket starting full, allowing maxTokens messages
// immediately before refillRate-per-second throttling kicks in.
func New(maxTokens, refillRate int) *Bucket {
	return &Bucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow refills tokens for elapsed time, then consumes one if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	b.lastRefill = now

	b.tokens += int(elapsed.Seconds() * float64(b.refillRate))
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
