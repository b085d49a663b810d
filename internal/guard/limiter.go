package guard

import (
	"sync"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"golang.org/x/time/rate"
)

// Scope says what a limiter key's subject identifies.
type Scope string

const (
	ScopeConn     Scope = "conn"
	ScopeIdentity Scope = "identity"
	ScopeIP       Scope = "ip"
)

// Key identifies one token bucket.
type Key struct {
	Scope   Scope
	Subject string
	Action  string
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool
	// Drop is set for refused actions whose policy is to discard silently.
	Drop       bool
	RetryAfter time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	policy   string
	lastSeen time.Time
}

// Limiter is a keyed token-bucket limiter. Actions without a rule are
// never throttled.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]config.LimitRule
	buckets map[Key]*bucket
	now     func() time.Time
}

// NewLimiter creates a limiter with one rule per action.
func NewLimiter(rules map[string]config.LimitRule) *Limiter {
	r := make(map[string]config.LimitRule, len(rules))
	for k, v := range rules {
		r[k] = v
	}
	return &Limiter{
		rules:   r,
		buckets: make(map[Key]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from k's bucket.
func (l *Limiter) Allow(k Key) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[k]
	if !ok {
		rule, ok := l.rules[k.Action]
		if !ok {
			return Decision{Allowed: true}
		}
		b = &bucket{
			lim:    rate.NewLimiter(rate.Limit(rule.Rate), rule.Burst),
			policy: rule.Policy,
		}
		l.buckets[k] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Drop: b.policy == config.PolicyDrop}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		// Refused requests must not consume future capacity.
		r.CancelAt(now)
		return Decision{Drop: b.policy == config.PolicyDrop, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// Reset discards every bucket belonging to (scope, subject), restoring a
// full window. Returns the number of buckets removed.
func (l *Limiter) Reset(scope Scope, subject string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.buckets {
		if k.Scope == scope && k.Subject == subject {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Sweep removes buckets idle for longer than idle.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
