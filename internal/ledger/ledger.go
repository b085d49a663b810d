// Package ledger is the append-only store of resource balance changes.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// ErrChainBroken is returned by VerifyChain when an identity's events no
// longer link up.
var ErrChainBroken = errors.New("ledger chain broken")

const (
	eventSequence = "ledger/events"
	// TxnAttempts bounds retries of ledger transactions on conflict.
	TxnAttempts = 8
)

// Ledger appends events and maintains cached balances.
type Ledger struct {
	db    storage.DB
	econ  *config.Economy
	rules config.LedgerRules
	holds HoldFunc
	now   func() time.Time
}

// HoldFunc reports resources of identity that are promised elsewhere and
// may not be spent. It reads through r so holds and balances share one view.
type HoldFunc func(r storage.Reader, identity types.Address) (types.Balances, error)

// SetHolds installs fn as the source of held resources. Call before use.
func (l *Ledger) SetHolds(fn HoldFunc) {
	l.holds = fn
}

// New creates a Ledger over db.
func New(db storage.DB, econ *config.Economy) *Ledger {
	return &Ledger{
		db:    db,
		econ:  econ,
		rules: econ.Ledger,
		now:   time.Now,
	}
}

// BalanceView is a cached balance with its freshness.
type BalanceView struct {
	Balances    types.Balances `json:"balances"`
	RefreshedAt time.Time      `json:"refreshed_at"`
	// Pending counts events appended after the cache was computed.
	Pending uint64 `json:"pending"`
	Stale   bool   `json:"stale"`
}

// Draft validates a new event and assigns its global id. The event is not
// stored until AppendTxn runs inside a committed transaction.
func (l *Ledger) Draft(identity types.Address, res types.ResourceType, amount int64, et EventType, ref string, meta map[string]string) (*Event, error) {
	if identity.IsZero() {
		return nil, apperr.Invalid(apperr.ReasonMalformed, "empty identity")
	}
	if _, ok := l.econ.Resource(res); !ok {
		return nil, apperr.Invalid(apperr.ReasonMalformed, "unknown resource %q", res)
	}
	if !et.Valid() {
		return nil, apperr.Invalid(apperr.ReasonMalformed, "unknown event type %q", et)
	}
	if amount == 0 {
		return nil, apperr.Invalid(apperr.ReasonMalformed, "zero amount")
	}

	id, err := l.db.NextSequence(eventSequence)
	if err != nil {
		return nil, apperr.Unavailable(fmt.Errorf("allocate event id: %w", err))
	}
	return &Event{
		ID:        id,
		Identity:  identity,
		Resource:  res,
		Amount:    amount,
		Type:      et,
		SourceRef: ref,
		Metadata:  meta,
		CreatedAt: l.now().UnixMilli(),
	}, nil
}

// DraftSpend drafts one negative event per non-zero cost, in a stable
// resource order.
func (l *Ledger) DraftSpend(identity types.Address, costs types.Balances, et EventType, ref string) ([]*Event, error) {
	resources := make([]types.ResourceType, 0, len(costs))
	for res, amt := range costs {
		if amt < 0 {
			return nil, apperr.Invalid(apperr.ReasonMalformed, "negative cost for %s", res)
		}
		if amt > 0 {
			resources = append(resources, res)
		}
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })

	events := make([]*Event, 0, len(resources))
	for _, res := range resources {
		ev, err := l.Draft(identity, res, -costs[res], et, ref, nil)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// AppendTxn links ev onto its identity's chain and writes it inside txn.
// A negative event that would take the running balance below zero, or
// below the held amount, fails with an insufficient-balance error and
// writes nothing.
func (l *Ledger) AppendTxn(txn storage.Txn, ev *Event) error {
	head, err := readHead(txn, ev.Identity)
	if err != nil {
		return err
	}

	if ev.Amount < 0 {
		bal, err := sumEvents(txn, ev.Identity)
		if err != nil {
			return err
		}
		have := bal[ev.Resource]
		if l.holds != nil {
			held, err := l.holds(txn, ev.Identity)
			if err != nil {
				return fmt.Errorf("read holds: %w", err)
			}
			have -= held[ev.Resource]
		}
		if have+ev.Amount < 0 {
			return apperr.New(apperr.KindInsufficient, apperr.ReasonInsufficientBalance,
				"%s available %d, need %d", ev.Resource, have, -ev.Amount)
		}
	}

	ev.Height = head.Height + 1
	ev.PrevHash = head.Hash
	ev.Hash, err = ev.ComputeHash()
	if err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := txn.Put(indexKey(ev.Identity, ev.Height), data); err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	if err := txn.Put(eventIDKey(ev.ID), eventRef(ev.Identity, ev.Height)); err != nil {
		return fmt.Errorf("put event id: %w", err)
	}
	if err := putJSON(txn, headKey(ev.Identity), &Head{Height: ev.Height, Hash: ev.Hash}); err != nil {
		return err
	}

	cache, err := readCache(txn, ev.Identity)
	if err != nil {
		return err
	}
	if ev.Height-cache.Height >= uint64(l.rules.CacheEvery) {
		if _, err := l.refreshTxn(txn, ev.Identity); err != nil {
			return err
		}
	}
	return nil
}

// Append records one event in its own transaction.
func (l *Ledger) Append(identity types.Address, res types.ResourceType, amount int64, et EventType, ref string, meta map[string]string) (*Event, error) {
	ev, err := l.Draft(identity, res, amount, et, ref, meta)
	if err != nil {
		return nil, err
	}
	if err := l.update(func(txn storage.Txn) error {
		return l.AppendTxn(txn, ev)
	}); err != nil {
		return nil, err
	}
	return ev, nil
}

// Spend debits amount of res from identity, refusing to overdraw.
func (l *Ledger) Spend(identity types.Address, res types.ResourceType, amount int64, et EventType, ref string) (*Event, error) {
	if amount <= 0 {
		return nil, apperr.Invalid(apperr.ReasonMalformed, "spend amount must be positive")
	}
	events, err := l.SpendMany(identity, types.Balances{res: amount}, et, ref)
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// SpendMany debits every cost atomically: either all debits apply or none.
func (l *Ledger) SpendMany(identity types.Address, costs types.Balances, et EventType, ref string) ([]*Event, error) {
	events, err := l.DraftSpend(identity, costs, et, ref)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperr.Invalid(apperr.ReasonMalformed, "nothing to spend")
	}
	if err := l.update(func(txn storage.Txn) error {
		return l.AppendAllTxn(txn, events)
	}); err != nil {
		return nil, err
	}
	return events, nil
}

// AppendAllTxn appends events in order inside txn.
func (l *Ledger) AppendAllTxn(txn storage.Txn, events []*Event) error {
	for _, ev := range events {
		if err := l.AppendTxn(txn, ev); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the cached aggregate and how fresh it is.
func (l *Ledger) Balance(identity types.Address) (*BalanceView, error) {
	var head Head
	var cache Cache
	err := l.db.View(func(txn storage.Txn) error {
		var err error
		if head, err = readHead(txn, identity); err != nil {
			return err
		}
		cache, err = readCache(txn, identity)
		return err
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}

	view := &BalanceView{
		Balances: cache.Balances,
		Pending:  head.Height - cache.Height,
	}
	if view.Balances == nil {
		view.Balances = types.Balances{}
	}
	if cache.RefreshedAt > 0 {
		view.RefreshedAt = time.UnixMilli(cache.RefreshedAt)
	}
	view.Stale = view.Pending > 0 && l.now().Sub(view.RefreshedAt) > l.rules.StaleAfter.Std()
	return view, nil
}

// LiveBalance recomputes identity's balances from its events.
func (l *Ledger) LiveBalance(identity types.Address) (types.Balances, error) {
	var bal types.Balances
	err := l.db.View(func(txn storage.Txn) error {
		var err error
		bal, err = sumEvents(txn, identity)
		return err
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return bal, nil
}

// LiveBalanceTxn is LiveBalance inside a caller's transaction. The head is
// read as well, so txn conflicts with any append for identity that commits
// before it does.
func (l *Ledger) LiveBalanceTxn(txn storage.Txn, identity types.Address) (types.Balances, error) {
	if _, err := readHead(txn, identity); err != nil {
		return nil, err
	}
	return sumEvents(txn, identity)
}

// RefreshCache recomputes and stores identity's cached aggregate.
func (l *Ledger) RefreshCache(identity types.Address) (*Cache, error) {
	var cache *Cache
	err := l.update(func(txn storage.Txn) error {
		var err error
		cache, err = l.refreshTxn(txn, identity)
		return err
	})
	return cache, err
}

// RefreshStaleCaches refreshes every cache that is behind its chain and
// was last computed more than threshold ago. Returns the number refreshed.
func (l *Ledger) RefreshStaleCaches(threshold time.Duration) (int, error) {
	cutoff := l.now().Add(-threshold).UnixMilli()

	var stale []types.Address
	err := l.db.View(func(txn storage.Txn) error {
		return txn.ForEach(prefixHead, func(key, value []byte) error {
			if len(key) != len(prefixHead)+types.AddressSize {
				return nil
			}
			var head Head
			if err := json.Unmarshal(value, &head); err != nil {
				return nil
			}
			var identity types.Address
			copy(identity[:], key[len(prefixHead):])

			cache, err := readCache(txn, identity)
			if err != nil {
				return err
			}
			if cache.Height < head.Height && cache.RefreshedAt <= cutoff {
				stale = append(stale, identity)
			}
			return nil
		})
	})
	if err != nil {
		return 0, apperr.Unavailable(err)
	}

	refreshed := 0
	for _, identity := range stale {
		if _, err := l.RefreshCache(identity); err != nil {
			klog.Ledger.Warn().Err(err).Str("identity", identity.String()).Msg("Cache refresh failed")
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// History returns up to limit of identity's most recent events, newest first.
func (l *Ledger) History(identity types.Address, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var ring []*Event
	err := l.db.View(func(txn storage.Txn) error {
		return txn.ForEach(identityPrefix(identity), func(_, value []byte) error {
			var ev Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			ring = append(ring, &ev)
			if len(ring) > limit {
				ring = ring[1:]
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
	return ring, nil
}

// Event looks up an event by global id.
func (l *Ledger) Event(id uint64) (*Event, error) {
	var ev Event
	err := l.db.View(func(txn storage.Txn) error {
		ref, err := txn.Get(eventIDKey(id))
		if err != nil {
			return err
		}
		if len(ref) != types.AddressSize+8 {
			return fmt.Errorf("corrupt event reference for %d", id)
		}
		var identity types.Address
		copy(identity[:], ref)
		data, err := txn.Get(indexKey(identity, binary.BigEndian.Uint64(ref[types.AddressSize:])))
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// VerifyChain walks identity's events and checks heights, links and hashes
// against the stored head. Returns the number of events verified.
func (l *Ledger) VerifyChain(identity types.Address) (uint64, error) {
	var n uint64
	err := l.db.View(func(txn storage.Txn) error {
		head, err := readHead(txn, identity)
		if err != nil {
			return err
		}
		var prev types.Hash
		err = txn.ForEach(identityPrefix(identity), func(_, value []byte) error {
			var ev Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return fmt.Errorf("%w: event %d undecodable", ErrChainBroken, n+1)
			}
			if ev.Height != n+1 || ev.Identity != identity {
				return fmt.Errorf("%w: unexpected event at height %d", ErrChainBroken, n+1)
			}
			if ev.PrevHash != prev {
				return fmt.Errorf("%w: height %d does not link to its predecessor", ErrChainBroken, ev.Height)
			}
			h, err := ev.ComputeHash()
			if err != nil {
				return err
			}
			if h != ev.Hash {
				return fmt.Errorf("%w: height %d hash mismatch", ErrChainBroken, ev.Height)
			}
			prev = ev.Hash
			n++
			return nil
		})
		if err != nil {
			return err
		}
		if n != head.Height || prev != head.Hash {
			return fmt.Errorf("%w: head at height %d, chain ends at %d", ErrChainBroken, head.Height, n)
		}
		return nil
	})
	return n, err
}

func (l *Ledger) refreshTxn(txn storage.Txn, identity types.Address) (*Cache, error) {
	head, err := readHead(txn, identity)
	if err != nil {
		return nil, err
	}
	bal, err := sumEvents(txn, identity)
	if err != nil {
		return nil, err
	}
	cache := &Cache{
		Balances:    bal,
		Height:      head.Height,
		RefreshedAt: l.now().UnixMilli(),
	}
	if err := putJSON(txn, cacheKey(identity), cache); err != nil {
		return nil, err
	}
	return cache, nil
}

func (l *Ledger) update(fn func(storage.Txn) error) error {
	err := storage.UpdateRetry(l.db, TxnAttempts, fn)
	if err == nil || apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Unavailable(err)
}

func sumEvents(r storage.Reader, identity types.Address) (types.Balances, error) {
	bal := types.Balances{}
	err := r.ForEach(identityPrefix(identity), func(_, value []byte) error {
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		bal[ev.Resource] += ev.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func readHead(r storage.Reader, identity types.Address) (Head, error) {
	var head Head
	err := getJSON(r, headKey(identity), &head)
	if errors.Is(err, storage.ErrNotFound) {
		return Head{}, nil
	}
	return head, err
}

func readCache(r storage.Reader, identity types.Address) (Cache, error) {
	var cache Cache
	err := getJSON(r, cacheKey(identity), &cache)
	if errors.Is(err, storage.ErrNotFound) {
		return Cache{}, nil
	}
	return cache, err
}

func getJSON(r storage.Reader, key []byte, v any) error {
	data, err := r.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %q: %w", key[:3], err)
	}
	return nil
}

func putJSON(txn storage.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key[:3], err)
	}
	return txn.Put(key, data)
}
