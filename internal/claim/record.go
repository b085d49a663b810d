package claim

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/shopspring/decimal"
)

// Key layout:
//
//	cr/<identity(20)><nonce(8)> -> Record JSON
//	ch/<identity(20)>           -> holds version (8)
var (
	prefixRecord = []byte("cr/")
	prefixHolds  = []byte("ch/")
)

// Paths that can mark a nonce as claimed.
const (
	PathConfirm   = "confirm"
	PathWebhook   = "webhook"
	PathReconcile = "reconcile"
)

// Record is the reservation of one (identity, nonce) pair. At most one
// exists per pair and its signature is set at most once.
type Record struct {
	Identity types.Address   `json:"identity"`
	Nonce    uint64          `json:"nonce"`
	Amount   decimal.Decimal `json:"amount"`
	// AmountWei is Amount in the token's base unit, as signed.
	AmountWei string `json:"amount_wei"`
	// Trade is the resources debited when the claim settles.
	Trade     types.Balances `json:"trade"`
	TradeRef  string         `json:"trade_ref"`
	Deadline  int64          `json:"deadline"` // unix seconds
	Signature string         `json:"signature,omitempty"`
	Used      bool           `json:"used"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Path      string         `json:"path,omitempty"`
	CreatedAt int64          `json:"created_at"` // unix millis
	ExpiresAt int64          `json:"expires_at"` // unix millis
	ClaimedAt int64          `json:"claimed_at,omitempty"`
}

// Expired reports whether the record is unused and past its expiry.
func (r *Record) Expired(now time.Time) bool {
	return !r.Used && now.UnixMilli() >= r.ExpiresAt
}

var errReserved = errors.New("nonce already reserved")

func identityPrefix(identity types.Address) []byte {
	k := make([]byte, len(prefixRecord)+types.AddressSize)
	copy(k, prefixRecord)
	copy(k[len(prefixRecord):], identity[:])
	return k
}

func recordKey(identity types.Address, nonce uint64) []byte {
	return binary.BigEndian.AppendUint64(identityPrefix(identity), nonce)
}

func getRecord(r storage.Reader, identity types.Address, nonce uint64) (*Record, error) {
	data, err := r.Get(recordKey(identity, nonce))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode claim record: %w", err)
	}
	return &rec, nil
}

func putRecord(txn storage.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode claim record: %w", err)
	}
	return txn.Put(recordKey(rec.Identity, rec.Nonce), data)
}

func holdsKey(identity types.Address) []byte {
	k := make([]byte, len(prefixHolds)+types.AddressSize)
	copy(k, prefixHolds)
	copy(k[len(prefixHolds):], identity[:])
	return k
}

// bumpHolds records a change to identity's reservations. Every transaction
// that reads holds through heldTxn reads this key, so it conflicts with the
// change instead of missing a record its prefix scan never saw.
func bumpHolds(txn storage.Txn, identity types.Address) error {
	var version uint64
	data, err := txn.Get(holdsKey(identity))
	switch {
	case err == nil && len(data) == 8:
		version = binary.BigEndian.Uint64(data)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	}
	return txn.Put(holdsKey(identity), binary.BigEndian.AppendUint64(nil, version+1))
}

// heldTxn sums the trades of identity's unsettled reservations. Expired
// reservations no longer hold anything; cleanup deletes them later.
func heldTxn(r storage.Reader, identity types.Address, now time.Time) (types.Balances, error) {
	if _, err := r.Get(holdsKey(identity)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	held := types.Balances{}
	err := r.ForEach(identityPrefix(identity), func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode claim record: %w", err)
		}
		if rec.Used || rec.Expired(now) {
			return nil
		}
		for res, n := range rec.Trade {
			held[res] += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

func listRecords(r storage.Reader, prefix []byte, keep func(*Record) bool) ([]*Record, error) {
	var out []*Record
	err := r.ForEach(prefix, func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode claim record: %w", err)
		}
		if keep == nil || keep(&rec) {
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func notFound(identity types.Address, nonce uint64) error {
	return apperr.New(apperr.KindNotFound, "", "no claim for %s at nonce %d", identity, nonce)
}
