package guard

import (
	"sync"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	klog "github.com/Klingon-tech/seafloor/internal/log"
)

type offense struct {
	score   int
	updated time.Time
}

// BanManager tracks offense scores per subject and bans subjects that
// cross the threshold.
type BanManager struct {
	mu     sync.RWMutex
	rules  config.BanRules
	scores map[string]*offense
	bans   map[string]*BanRecord
	store  *BanStore // nil disables persistence
	now    func() time.Time
}

// NewBanManager creates a BanManager. store may be nil (useful for tests).
func NewBanManager(rules config.BanRules, store *BanStore) *BanManager {
	return &BanManager{
		rules:  rules,
		scores: make(map[string]*offense),
		bans:   make(map[string]*BanRecord),
		store:  store,
		now:    time.Now,
	}
}

// LoadBans restores persisted bans into the in-memory cache.
func (bm *BanManager) LoadBans() error {
	if bm.store == nil {
		return nil
	}
	now := bm.now()
	if _, err := bm.store.PruneExpired(now); err != nil {
		return err
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.store.ForEach(func(rec *BanRecord) error {
		if !rec.expiredAt(now) {
			bm.bans[rec.Subject] = rec
		}
		return nil
	})
}

// RecordOffense adds penalty to subject's score and bans it once the
// threshold is reached. Scores idle longer than the decay interval restart
// from zero. Returns true if this offense caused a ban.
func (bm *BanManager) RecordOffense(subject string, penalty int, reason string) bool {
	if penalty <= 0 {
		return false
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := bm.now()
	if rec, ok := bm.bans[subject]; ok && !rec.expiredAt(now) {
		return false
	}

	o, ok := bm.scores[subject]
	if !ok || (bm.rules.DecayInterval > 0 && now.Sub(o.updated) > bm.rules.DecayInterval.Std()) {
		o = &offense{}
		bm.scores[subject] = o
	}
	o.score += penalty
	o.updated = now
	if o.score < bm.rules.Threshold {
		return false
	}

	rec := &BanRecord{
		Subject:  subject,
		Reason:   reason,
		Score:    o.score,
		BannedAt: now.Unix(),
	}
	if d := bm.rules.Duration.Std(); d > 0 {
		rec.ExpiresAt = now.Add(d).Unix()
	}
	bm.bans[subject] = rec
	delete(bm.scores, subject)

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.Guard.Error().Err(err).Str("subject", subject).Msg("Failed to persist ban")
		}
	}
	klog.Guard.Warn().
		Str("subject", subject).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Subject banned")
	return true
}

// Banned returns the active ban for subject, if any.
func (bm *BanManager) Banned(subject string) (*BanRecord, bool) {
	bm.mu.RLock()
	rec, ok := bm.bans[subject]
	bm.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if rec.expiredAt(bm.now()) {
		bm.mu.Lock()
		delete(bm.bans, subject)
		bm.mu.Unlock()
		if bm.store != nil {
			bm.store.Delete(subject)
		}
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Score returns subject's current offense score.
func (bm *BanManager) Score(subject string) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	if o, ok := bm.scores[subject]; ok {
		return o.score
	}
	return 0
}

// Unban manually removes a ban and clears the score.
func (bm *BanManager) Unban(subject string) {
	bm.mu.Lock()
	delete(bm.bans, subject)
	delete(bm.scores, subject)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(subject)
	}
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	now := bm.now()
	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.expiredAt(now) {
			list = append(list, *rec)
		}
	}
	return list
}

// Prune drops expired bans and decayed scores.
func (bm *BanManager) Prune() {
	now := bm.now()
	bm.mu.Lock()
	for subject, rec := range bm.bans {
		if rec.expiredAt(now) {
			delete(bm.bans, subject)
		}
	}
	if d := bm.rules.DecayInterval.Std(); d > 0 {
		for subject, o := range bm.scores {
			if now.Sub(o.updated) > d {
				delete(bm.scores, subject)
			}
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		if _, err := bm.store.PruneExpired(now); err != nil {
			klog.Guard.Warn().Err(err).Msg("Ban prune failed")
		}
	}
}
