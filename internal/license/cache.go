package license

import (
	"sync"
	"time"
)

// verdictCache holds the last verdict until it goes stale. Every validation
// derives the state key with PBKDF2, so repeated sidecar checks are served
// from here.
type verdictCache struct {
	mutex     sync.RWMutex
	verdict   *Verdict
	expiresAt time.Time
	ttl       time.Duration
	hitCount  int64
	missCount int64
}

func newVerdictCache(ttl time.Duration) *verdictCache {
	return &verdictCache{ttl: ttl}
}

// Get returns the cached verdict if it is still fresh at now
func (c *verdictCache) Get(now time.Time) (*Verdict, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.verdict == nil || !now.Before(c.expiresAt) {
		c.missCount++
		return nil, false
	}
	c.hitCount++
	return c.verdict, true
}

// Set stores v. A verdict never outlives the certificate's expiry or grace
// window, so state transitions are seen on time.
func (c *verdictCache) Set(v *Verdict) {
	if c.ttl <= 0 {
		return
	}

	expires := v.CheckedAt.Add(c.ttl)
	if v.Valid && v.Certificate != nil {
		switch v.Mode {
		case ModeOnline:
			if end := v.Certificate.ExpiresAt.Add(time.Second); end.Before(expires) {
				expires = end
			}
		case ModeOfflineGrace:
			if end := v.CheckedAt.Add(v.GraceRemaining); end.Before(expires) {
				expires = end
			}
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.verdict = v
	c.expiresAt = expires
}

// Invalidate drops the cached verdict
func (c *verdictCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.verdict = nil
}

// Stats returns hit and miss counts
func (c *verdictCache) Stats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}
	return map[string]interface{}{
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   ratio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}
