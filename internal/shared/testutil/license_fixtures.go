package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"
)

// Product keys with valid check characters
const (
	DemoProductKey = "TEST-2024-DEMO-ABC"
	AcmeProductKey = "ACME-2025-X7K2-Q9X"
	BetaProductKey = "BETA-2025-AAAA-BBP"
)

var (
	keyOnce   sync.Once
	keys      [2]*rsa.PrivateKey
	keyGenErr error
)

func generateKeys() {
	for i := range keys {
		keys[i], keyGenErr = rsa.GenerateKey(rand.Reader, 2048)
		if keyGenErr != nil {
			return
		}
	}
}

// SigningKey returns a process-wide 2048-bit RSA key for tests.
func SigningKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(generateKeys)
	if keyGenErr != nil {
		t.Fatalf("generate rsa key: %v", keyGenErr)
	}
	return keys[0]
}

// ForeignKey returns a second key, distinct from SigningKey.
func ForeignKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(generateKeys)
	if keyGenErr != nil {
		t.Fatalf("generate rsa key: %v", keyGenErr)
	}
	return keys[1]
}

// Clock is a manually advanced clock. Pass clock.Now where a
// func() time.Time is expected.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
