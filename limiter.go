package surface

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/surfaceui/surface/session"
)

// pruneThreshold is the session count at or above which the limiter prunes
// refilled buckets before admitting a new session.
const pruneThreshold = 1024

// streamLimiter bounds how fast a single browser session may open new
// event streams. It is keyed by session key rather than network address:
// every stream request has already been authenticated, one key means one
// browser, and the key is stable across proxy hops and address changes.
// A reconnect storm (e.g. a tab stuck in an EventSource retry loop) burns
// only its own session's budget.
type streamLimiter struct {
	mu       sync.Mutex
	sessions map[session.Key]*sessionBucket
	rate     rate.Limit
	burst    int

	// idleAfter is how long a bucket takes to refill completely; an idle
	// bucket older than this is indistinguishable from a fresh one and can
	// be dropped without losing state.
	idleAfter time.Duration
}

type sessionBucket struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// newStreamLimiter creates a limiter allowing r new streams per second per
// session with a burst of b.
func newStreamLimiter(r rate.Limit, b int) *streamLimiter {
	idle := time.Duration(float64(b) / float64(r) * float64(time.Second))
	if idle < time.Minute {
		idle = time.Minute
	}
	return &streamLimiter{
		sessions:  make(map[session.Key]*sessionBucket),
		rate:      r,
		burst:     b,
		idleAfter: idle,
	}
}

// allow reports whether the session may open another event stream now.
func (sl *streamLimiter) allow(key session.Key) bool {
	now := time.Now()
	sl.mu.Lock()
	b, ok := sl.sessions[key]
	if !ok {
		if len(sl.sessions) >= pruneThreshold {
			sl.prune(now)
		}
		b = &sessionBucket{limiter: rate.NewLimiter(sl.rate, sl.burst)}
		sl.sessions[key] = b
	}
	b.lastUse = now
	sl.mu.Unlock()
	return b.limiter.Allow()
}

// prune drops buckets idle long enough to have refilled to full burst.
// Callers must hold mu.
func (sl *streamLimiter) prune(now time.Time) {
	for key, b := range sl.sessions {
		if now.Sub(b.lastUse) > sl.idleAfter {
			delete(sl.sessions, key)
		}
	}
}

// size reports the number of tracked sessions.
func (sl *streamLimiter) size() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.sessions)
}
