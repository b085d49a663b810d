// Package guard throttles and bans abusive connections, identities and IPs.
package guard

import (
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	klog "github.com/Klingon-tech/seafloor/internal/log"
)

// Offense kinds.
const (
	OffenseBadSignature = "bad_signature"
	OffenseTeleport     = "teleport"
	OffenseMalformed    = "malformed"
)

// Guard combines the keyed limiter with offense tracking.
type Guard struct {
	limiter *Limiter
	bans    *BanManager
	rules   config.BanRules
}

// New creates a Guard from the economy's limit and ban rules.
func New(econ *config.Economy, store *BanStore) *Guard {
	return &Guard{
		limiter: NewLimiter(econ.Limits),
		bans:    NewBanManager(econ.Bans, store),
		rules:   econ.Bans,
	}
}

// Limiter exposes the keyed limiter.
func (g *Guard) Limiter() *Limiter { return g.limiter }

// Bans exposes the ban manager.
func (g *Guard) Bans() *BanManager { return g.bans }

// Check refuses banned subjects, then takes a token from k's bucket.
// It returns (false, nil) when the message should be silently dropped and
// a RateLimit error when it must be refused explicitly.
func (g *Guard) Check(k Key) (bool, error) {
	if rec, ok := g.bans.Banned(k.Subject); ok {
		var retry time.Duration
		if rec.ExpiresAt > 0 {
			retry = time.Until(time.Unix(rec.ExpiresAt, 0))
		}
		return false, apperr.RateLimited(apperr.ReasonBanned, retry)
	}

	d := g.limiter.Allow(k)
	if d.Allowed {
		return true, nil
	}
	if d.Drop {
		return false, nil
	}
	klog.Guard.Debug().
		Str("scope", string(k.Scope)).
		Str("subject", k.Subject).
		Str("action", k.Action).
		Dur("retry_after", d.RetryAfter).
		Msg("Rate limited")
	return false, apperr.RateLimited(apperr.ReasonRateLimited, d.RetryAfter)
}

// Offend records an offense for each non-empty subject. It reports whether
// any subject is banned afterwards.
func (g *Guard) Offend(kind string, subjects ...string) bool {
	var penalty int
	switch kind {
	case OffenseBadSignature:
		penalty = g.rules.BadSignaturePenalty
	case OffenseTeleport:
		penalty = g.rules.TeleportPenalty
	case OffenseMalformed:
		penalty = g.rules.MalformedPenalty
	}
	banned := false
	for _, s := range subjects {
		if s == "" {
			continue
		}
		g.bans.RecordOffense(s, penalty, kind)
		if _, ok := g.bans.Banned(s); ok {
			banned = true
		}
	}
	return banned
}

// Release resets every bucket for a closed connection.
func (g *Guard) Release(connID string) {
	g.limiter.Reset(ScopeConn, connID)
}

// Maintain sweeps idle buckets and prunes expired bans.
func (g *Guard) Maintain(idle time.Duration) {
	n := g.limiter.Sweep(idle)
	g.bans.Prune()
	if n > 0 {
		klog.Guard.Debug().Int("buckets", n).Msg("Swept idle limiter buckets")
	}
}
