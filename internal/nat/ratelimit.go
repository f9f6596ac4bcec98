package nat

import (
	"sync"
	"time"
)

// tokenBucket is a minimal rate limiter for new-connection admission
// (§4.4/§4.8). No example repo in the corpus pulls in golang.org/x/time,
// and the need here is a single Allow() check, so this is intentionally
// hand-rolled rather than adding an otherwise-unused dependency.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	perSec   float64
	lastTick time.Time
}

func newTokenBucket(perSec float64) *tokenBucket {
	if perSec <= 0 {
		perSec = 1
	}
	return &tokenBucket{tokens: perSec, max: perSec + 1, perSec: perSec, lastTick: time.Now()}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastTick).Seconds()
	b.lastTick = now
	b.tokens += elapsed * b.perSec
	if b.tokens > b.max {
		b.tokens = b.max
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
