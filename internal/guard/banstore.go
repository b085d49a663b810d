package guard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/seafloor/internal/storage"
)

// BanRecord is a persisted ban entry.
type BanRecord struct {
	Subject   string `json:"subject"`    // identity or IP
	Reason    string `json:"reason"`     // Why banned
	Score     int    `json:"score"`      // Accumulated score at ban time
	BannedAt  int64  `json:"banned_at"`  // Unix timestamp
	ExpiresAt int64  `json:"expires_at"` // Unix timestamp (0 = permanent)
}

// expiredAt reports whether the ban has a non-zero expiry at or before now.
func (r *BanRecord) expiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// BanStore persists ban records in a storage.DB namespace.
type BanStore struct {
	db storage.DB
}

// NewBanStore creates a BanStore that keeps its records under "bans/".
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: storage.NewPrefixDB(db, []byte("bans/"))}
}

// Get retrieves a ban record by subject.
func (bs *BanStore) Get(subject string) (*BanRecord, error) {
	data, err := bs.db.Get([]byte(subject))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put([]byte(rec.Subject), data)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(subject string) error {
	return bs.db.Delete([]byte(subject))
}

// ForEach iterates over all ban records. Corrupt records are skipped.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach(nil, func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired removes expired and corrupt records. Returns the number pruned.
func (bs *BanStore) PruneExpired(now time.Time) (int, error) {
	var pruned int
	err := bs.db.Update(func(txn storage.Txn) error {
		var toDelete [][]byte
		err := txn.ForEach(nil, func(key, value []byte) error {
			var rec BanRecord
			if err := json.Unmarshal(value, &rec); err != nil || rec.expiredAt(now) {
				toDelete = append(toDelete, key)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("iterate for prune: %w", err)
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete expired ban: %w", err)
			}
		}
		pruned = len(toDelete)
		return nil
	})
	return pruned, err
}
