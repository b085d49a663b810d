// Package player keeps persistent player profiles and submarine tiers.
package player

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

var prefixProfile = []byte("pp/") // pp/<identity(20)> -> Profile JSON

// DefaultTier is the tier of a new submarine.
const DefaultTier = 1

// Profile is the persistent record of one identity.
type Profile struct {
	Identity      types.Address  `json:"identity"`
	Tier          int            `json:"tier"`
	LifetimeMined types.Balances `json:"lifetime_mined"`
	Attempts      uint64         `json:"attempts"`
	Successes     uint64         `json:"successes"`
	FirstSeen     int64          `json:"first_seen"` // unix millis
	LastSeen      int64          `json:"last_seen"`
}

// Store manages profiles.
type Store struct {
	db     storage.DB
	econ   *config.Economy
	ledger *ledger.Ledger
	now    func() time.Time
}

// NewStore creates a profile store. Upgrades spend through l.
func NewStore(db storage.DB, econ *config.Economy, l *ledger.Ledger) *Store {
	return &Store{db: db, econ: econ, ledger: l, now: time.Now}
}

func newProfile(identity types.Address, now int64) *Profile {
	return &Profile{
		Identity:      identity,
		Tier:          DefaultTier,
		LifetimeMined: types.Balances{},
		FirstSeen:     now,
		LastSeen:      now,
	}
}

// Sync creates the profile on first sight and bumps LastSeen otherwise.
func (s *Store) Sync(identity types.Address) (*Profile, error) {
	var p *Profile
	err := s.update(func(txn storage.Txn) error {
		var err error
		p, err = s.SyncTxn(txn, identity)
		return err
	})
	return p, err
}

// SyncTxn is Sync inside a caller's transaction.
func (s *Store) SyncTxn(txn storage.Txn, identity types.Address) (*Profile, error) {
	now := s.now().UnixMilli()
	p, err := readProfile(txn, identity)
	if errors.Is(err, storage.ErrNotFound) {
		p = newProfile(identity, now)
	} else if err != nil {
		return nil, err
	}
	p.LastSeen = now
	if err := writeProfile(txn, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns identity's profile, or a default unsaved profile if the
// identity has never joined.
func (s *Store) Get(identity types.Address) (*Profile, error) {
	p, err := readProfile(s.db, identity)
	if errors.Is(err, storage.ErrNotFound) {
		return newProfile(identity, 0), nil
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return p, nil
}

// Tier returns identity's submarine tier.
func (s *Store) Tier(identity types.Address) (int, error) {
	p, err := s.Get(identity)
	if err != nil {
		return 0, err
	}
	return p.Tier, nil
}

// RecordAttemptTxn updates lifetime counters for one mining attempt.
// mined is nil for failed attempts.
func (s *Store) RecordAttemptTxn(txn storage.Txn, identity types.Address, mined types.Balances) error {
	p, err := readProfile(txn, identity)
	if errors.Is(err, storage.ErrNotFound) {
		p = newProfile(identity, s.now().UnixMilli())
	} else if err != nil {
		return err
	}
	p.Attempts++
	if len(mined) > 0 {
		p.Successes++
		if p.LifetimeMined == nil {
			p.LifetimeMined = types.Balances{}
		}
		for res, amt := range mined {
			p.LifetimeMined[res] += amt
		}
	}
	return writeProfile(txn, p)
}

// UpgradeResult describes a completed upgrade.
type UpgradeResult struct {
	Profile *Profile        `json:"profile"`
	Spent   types.Balances  `json:"spent"`
	Events  []*ledger.Event `json:"events"`
}

// Upgrade raises identity's tier to target. Only the next tier can be
// bought; its cost is debited and the tier written in one transaction.
func (s *Store) Upgrade(identity types.Address, target int) (*UpgradeResult, error) {
	if target > s.econ.MaxTier() {
		return nil, apperr.Invalid(apperr.ReasonMaxTier, "tier %d exceeds the maximum %d", target, s.econ.MaxTier())
	}
	rule, ok := s.econ.Tier(target)
	if !ok {
		return nil, apperr.Invalid(apperr.ReasonInvalidTier, "unknown tier %d", target)
	}

	events, err := s.ledger.DraftSpend(identity, rule.UpgradeCost, ledger.EventTierUpgrade, "tier-"+strconv.Itoa(target))
	if err != nil {
		return nil, err
	}

	var p *Profile
	err = s.update(func(txn storage.Txn) error {
		var err error
		p, err = readProfile(txn, identity)
		if errors.Is(err, storage.ErrNotFound) {
			p = newProfile(identity, s.now().UnixMilli())
		} else if err != nil {
			return err
		}
		if p.Tier >= s.econ.MaxTier() {
			return apperr.Invalid(apperr.ReasonMaxTier, "already at tier %d", p.Tier)
		}
		if target != p.Tier+1 {
			return apperr.Invalid(apperr.ReasonInvalidTier, "tier %d cannot upgrade to %d", p.Tier, target)
		}
		if err := s.ledger.AppendAllTxn(txn, events); err != nil {
			return err
		}
		p.Tier = target
		p.LastSeen = s.now().UnixMilli()
		return writeProfile(txn, p)
	})
	if err != nil {
		return nil, err
	}

	klog.WithIdentity(klog.Session, identity.String()).Info().
		Int("tier", target).
		Msg("Submarine upgraded")
	return &UpgradeResult{Profile: p, Spent: rule.UpgradeCost.Clone(), Events: events}, nil
}

func (s *Store) update(fn func(storage.Txn) error) error {
	err := storage.UpdateRetry(s.db, ledger.TxnAttempts, fn)
	if err == nil || apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Unavailable(err)
}

func profileKey(identity types.Address) []byte {
	key := make([]byte, len(prefixProfile)+types.AddressSize)
	copy(key, prefixProfile)
	copy(key[len(prefixProfile):], identity[:])
	return key
}

func readProfile(r storage.Reader, identity types.Address) (*Profile, error) {
	data, err := r.Get(profileKey(identity))
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func writeProfile(txn storage.Txn, p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return txn.Put(profileKey(p.Identity), data)
}
