package credential

import (
	"container/list"
	"sync"
	"time"
)

// rateLimitEntry is the bounded LRU's per-fingerprint record.
type rateLimitEntry struct {
	fingerprint string
	last        time.Time
}

// RateLimiter is the Presented-Credential Rate-Limit Entry store (spec §3,
// §4.4): a bounded LRU from presented fingerprint to last-admission time,
// capacity equal to the max pool size, TTL twice the configured interval.
// Grounded on the teacher's internal/middleware/ratelimit.go ttlLimiterCache
// (TTL map with opportunistic sweeping), adapted to the spec's own
// allow/deny-with-wait-hint contract instead of golang.org/x/time/rate,
// since the spec wants a plain "last admission time" map, not a token
// bucket, and the false-negative tolerance in §5 rules out needing one.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	ttl      time.Duration
	capacity int

	order   *list.List
	entries map[string]*list.Element
}

// NewRateLimiter builds a limiter admitting once every interval per
// fingerprint, evicting the least-recently-used entry once capacity is
// reached.
func NewRateLimiter(interval time.Duration, capacity int) *RateLimiter {
	if capacity <= 0 {
		capacity = 500
	}
	return &RateLimiter{
		interval: interval,
		ttl:      2 * interval,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Check reports whether fingerprint may be admitted now. If denied, wait is
// the remaining seconds until the next admission is allowed (ceiled up).
func (r *RateLimiter) Check(fingerprint string) (allow bool, wait int) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[fingerprint]; ok {
		entry := el.Value.(*rateLimitEntry)
		elapsed := now.Sub(entry.last)
		if elapsed < r.interval {
			remaining := r.interval - elapsed
			secs := int(remaining / time.Second)
			if remaining%time.Second != 0 {
				secs++
			}
			if secs < 1 {
				secs = 1
			}
			return false, secs
		}
		entry.last = now
		r.order.MoveToFront(el)
		return true, 0
	}

	r.evictExpiredLocked(now)
	if r.order.Len() >= r.capacity {
		r.evictOldestLocked()
	}
	el := r.order.PushFront(&rateLimitEntry{fingerprint: fingerprint, last: now})
	r.entries[fingerprint] = el
	return true, 0
}

func (r *RateLimiter) evictOldestLocked() {
	oldest := r.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*rateLimitEntry)
	delete(r.entries, entry.fingerprint)
	r.order.Remove(oldest)
}

func (r *RateLimiter) evictExpiredLocked(now time.Time) {
	for el := r.order.Back(); el != nil; {
		entry := el.Value.(*rateLimitEntry)
		if now.Sub(entry.last) <= r.ttl {
			break
		}
		prev := el.Prev()
		delete(r.entries, entry.fingerprint)
		r.order.Remove(el)
		el = prev
	}
}

// Len reports the current number of tracked fingerprints (for monitoring).
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
