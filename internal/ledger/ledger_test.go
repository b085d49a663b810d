package ledger

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

var (
	alice = types.MustParseAddress("0x00000000000000000000000000000000000a11ce")
	bob   = types.MustParseAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestLedger(t *testing.T, db storage.DB) (*Ledger, *time.Time) {
	t.Helper()
	econ := config.MainnetEconomy()
	econ.Ledger.CacheEvery = 3
	l := New(db, econ)
	now := time.UnixMilli(1_760_000_000_000)
	l.now = func() time.Time { return now }
	return l, &now
}

func mustAppend(t *testing.T, l *Ledger, who types.Address, res types.ResourceType, amount int64) *Event {
	t.Helper()
	ev, err := l.Append(who, res, amount, EventMining, "", nil)
	if err != nil {
		t.Fatalf("Append(%s, %d) error: %v", res, amount, err)
	}
	return ev
}

func TestAppend_Validation(t *testing.T) {
	l, _ := newTestLedger(t, storage.NewMemory())
	tests := []struct {
		name   string
		who    types.Address
		res    types.ResourceType
		amount int64
		et     EventType
	}{
		{"zero identity", types.Address{}, types.ResourceNickel, 1, EventMining},
		{"unknown resource", alice, "gold", 1, EventMining},
		{"unknown event type", alice, types.ResourceNickel, 1, "gift"},
		{"zero amount", alice, types.ResourceNickel, 0, EventMining},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(tt.who, tt.res, tt.amount, tt.et, "", nil)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestAppend_LiveBalance(t *testing.T) {
	l, _ := newTestLedger(t, storage.NewMemory())
	mustAppend(t, l, alice, types.ResourceNickel, 5)
	mustAppend(t, l, alice, types.ResourceNickel, 3)
	mustAppend(t, l, alice, types.ResourceCobalt, 1)
	mustAppend(t, l, bob, types.ResourceNickel, 100)

	bal, err := l.LiveBalance(alice)
	if err != nil {
		t.Fatalf("LiveBalance() error: %v", err)
	}
	if bal[types.ResourceNickel] != 8 || bal[types.ResourceCobalt] != 1 {
		t.Errorf("alice = %v, want nickel 8 cobalt 1", bal)
	}
	if len(bal) != 2 {
		t.Errorf("alice has %d resources, want 2", len(bal))
	}
}

func TestAppend_GlobalIDs(t *testing.T) {
	l, _ := newTestLedger(t, storage.NewMemory())
	a := mustAppend(t, l, alice, types.ResourceNickel, 1)
	b := mustAppend(t, l, bob, types.ResourceNickel, 1)
	if b.ID <= a.ID {
		t.Errorf("ids not increasing: %d then %d", a.ID, b.ID)
	}
	if a.Height != 1 || b.Height != 1 {
		t.Errorf("heights = %d, %d, want 1, 1", a.Height, b.Height)
	}

	got, err := l.Event(b.ID)
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	if got.Hash != b.Hash || got.Identity != bob {
		t.Errorf("Event(%d) = %+v", b.ID, got)
	}
	if _, err := l.Event(9999); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing event error = %v", err)
	}
}

func TestSpend(t *testing.T) {
	l, _ := newTestLedger(t, storage.NewMemory())
	mustAppend(t, l, alice, types.ResourceCopper, 10)

	if _, err := l.Spend(alice, types.ResourceCopper, 4, EventTrade, "t1"); err != nil {
		t.Fatalf("Spend() error: %v", err)
	}
	_, err := l.Spend(alice, types.ResourceCopper, 7, EventTrade, "t2")
	if !errors.Is(err, apperr.ErrInsufficient) || apperr.ReasonOf(err) != apperr.ReasonInsufficientBalance {
		t.Fatalf("overdraw error = %v, want insufficient_balance", err)
	}
	if _, err := l.Spend(alice, types.ResourceCopper, 0, EventTrade, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("zero spend error = %v", err)
	}

	bal, _ := l.LiveBalance(alice)
	if bal[types.ResourceCopper] != 6 {
		t.Errorf("copper = %d, want 6", bal[types.ResourceCopper])
	}
}

func TestSpendMany_Atomic(t *testing.T) {
	l, _ := newTestLedger(t, storage.NewMemory())
	mustAppend(t, l, alice, types.ResourceNickel, 50)
	mustAppend(t, l, alice, types.ResourceCopper, 5)

	_, err := l.SpendMany(alice, types.Balances{
		types.ResourceNickel: 20,
		types.ResourceCopper: 10,
	}, EventTierUpgrade, "tier-2")
	if !errors.Is(err, apperr.ErrInsufficient) {
		t.Fatalf("error = %v, want insufficient", err)
	}
	bal, _ := l.LiveBalance(alice)
	if bal[types.ResourceNickel] != 50 || bal[types.ResourceCopper] != 5 {
		t.Fatalf("partial spend applied: %v", bal)
	}

	events, err := l.SpendMany(alice, types.Balances{
		types.ResourceNickel: 20,
		types.ResourceCopper: 5,
		types.ResourceCobalt: 0,
	}, EventTierUpgrade, "tier-2")
	if err != nil {
		t.Fatalf("SpendMany() error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
	bal, _ = l.LiveBalance(alice)
	if bal[types.ResourceNickel] != 30 || bal[types.ResourceCopper] != 0 {
		t.Errorf("after spend = %v", bal)
	}
}

func TestBalance_Cache(t *testing.T) {
	l, now := newTestLedger(t, storage.NewMemory())

	view, err := l.Balance(alice)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if view.Pending != 0 || view.Stale || len(view.Balances) != 0 {
		t.Errorf("empty identity view = %+v", view)
	}

	mustAppend(t, l, alice, types.ResourceNickel, 1)
	mustAppend(t, l, alice, types.ResourceNickel, 1)
	view, _ = l.Balance(alice)
	if view.Pending != 2 || !view.Stale {
		t.Errorf("before refresh view = %+v, want 2 pending and stale", view)
	}

	// Every third event refreshes the cache.
	mustAppend(t, l, alice, types.ResourceNickel, 1)
	view, _ = l.Balance(alice)
	if view.Pending != 0 || view.Balances[types.ResourceNickel] != 3 {
		t.Errorf("after auto refresh view = %+v", view)
	}

	mustAppend(t, l, alice, types.ResourceNickel, 1)
	view, _ = l.Balance(alice)
	if view.Pending != 1 || view.Stale {
		t.Errorf("fresh cache one behind = %+v, want pending 1, not stale", view)
	}
	*now = now.Add(10 * time.Minute)
	view, _ = l.Balance(alice)
	if !view.Stale {
		t.Error("cache behind for 10 minutes should be stale")
	}

	if _, err := l.RefreshCache(alice); err != nil {
		t.Fatalf("RefreshCache() error: %v", err)
	}
	view, _ = l.Balance(alice)
	if view.Pending != 0 || view.Stale || view.Balances[types.ResourceNickel] != 4 {
		t.Errorf("after RefreshCache view = %+v", view)
	}
}

func TestRefreshStaleCaches(t *testing.T) {
	l, now := newTestLedger(t, storage.NewMemory())
	mustAppend(t, l, alice, types.ResourceNickel, 1)
	mustAppend(t, l, bob, types.ResourceNickel, 1)
	mustAppend(t, l, bob, types.ResourceNickel, 1)
	mustAppend(t, l, bob, types.ResourceNickel, 1) // bob's cache is current

	*now = now.Add(10 * time.Minute)
	n, err := l.RefreshStaleCaches(5 * time.Minute)
	if err != nil {
		t.Fatalf("RefreshStaleCaches() error: %v", err)
	}
	if n != 1 {
		t.Errorf("refreshed %d, want 1", n)
	}
	view, _ := l.Balance(alice)
	if view.Pending != 0 || view.Balances[types.ResourceNickel] != 1 {
		t.Errorf("alice view = %+v", view)
	}
}

func TestHistory(t *testing.T) {
	l, _ := newTestLedger(t, storage.NewMemory())
	for i := int64(1); i <= 5; i++ {
		mustAppend(t, l, alice, types.ResourceNickel, i)
	}
	events, err := l.History(alice, 3)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []int64{5, 4, 3} {
		if events[i].Amount != want {
			t.Errorf("events[%d].Amount = %d, want %d", i, events[i].Amount, want)
		}
	}
	if empty, _ := l.History(bob, 10); len(empty) != 0 {
		t.Errorf("bob history = %d events", len(empty))
	}
}

func TestVerifyChain(t *testing.T) {
	db := storage.NewMemory()
	l, _ := newTestLedger(t, db)
	for i := 0; i < 4; i++ {
		mustAppend(t, l, alice, types.ResourceNickel, 2)
	}
	n, err := l.VerifyChain(alice)
	if err != nil {
		t.Fatalf("VerifyChain() error: %v", err)
	}
	if n != 4 {
		t.Errorf("verified %d, want 4", n)
	}

	// Rewrite the second event's amount in place.
	key := indexKey(alice, 2)
	data, _ := db.Get(key)
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	ev.Amount = 2000
	data, _ = json.Marshal(&ev)
	db.Put(key, data)

	if _, err := l.VerifyChain(alice); !errors.Is(err, ErrChainBroken) {
		t.Errorf("tampered chain error = %v, want ErrChainBroken", err)
	}
}

func TestVerifyChain_DeletedTail(t *testing.T) {
	db := storage.NewMemory()
	l, _ := newTestLedger(t, db)
	mustAppend(t, l, alice, types.ResourceNickel, 1)
	mustAppend(t, l, alice, types.ResourceNickel, 1)
	db.Delete(indexKey(alice, 2))

	if _, err := l.VerifyChain(alice); !errors.Is(err, ErrChainBroken) {
		t.Errorf("truncated chain error = %v, want ErrChainBroken", err)
	}
}

// backends lists the storage implementations the concurrency tests run on.
// Memory serializes every Update; Badger commits optimistically and only
// catches conflicts on keys a transaction read.
var backends = []struct {
	name string
	open func(t *testing.T) storage.DB
}{
	{"memory", func(*testing.T) storage.DB { return storage.NewMemory() }},
	{"badger", func(t *testing.T) storage.DB {
		t.Helper()
		db, err := storage.NewBadger(t.TempDir())
		if err != nil {
			t.Fatalf("NewBadger() error: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}},
}

func TestSpend_ConcurrentNeverNegative(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			l, _ := newTestLedger(t, b.open(t))
			mustAppend(t, l, alice, types.ResourceCobalt, 50)

			var wg sync.WaitGroup
			var mu sync.Mutex
			ok := 0
			for i := 0; i < 12; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Spend(alice, types.ResourceCobalt, 10, EventTrade, ""); err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			bal, err := l.LiveBalance(alice)
			if err != nil {
				t.Fatalf("LiveBalance() error: %v", err)
			}
			// Badger may give up on a spend after repeated conflicts.
			if ok > 5 || (b.name == "memory" && ok != 5) {
				t.Errorf("%d spends succeeded, want 5", ok)
			}
			if bal[types.ResourceCobalt] != 50-int64(ok)*10 {
				t.Errorf("cobalt = %d after %d spends", bal[types.ResourceCobalt], ok)
			}
			if _, err := l.VerifyChain(alice); err != nil {
				t.Errorf("VerifyChain() error: %v", err)
			}
		})
	}
}

func TestSpend_RespectsHolds(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			l, _ := newTestLedger(t, b.open(t))
			l.SetHolds(func(_ storage.Reader, identity types.Address) (types.Balances, error) {
				if identity == alice {
					return types.Balances{types.ResourceNickel: 7}, nil
				}
				return nil, nil
			})
			mustAppend(t, l, alice, types.ResourceNickel, 10)
			mustAppend(t, l, bob, types.ResourceNickel, 10)

			_, err := l.Spend(alice, types.ResourceNickel, 4, EventTierUpgrade, "")
			if apperr.ReasonOf(err) != apperr.ReasonInsufficientBalance {
				t.Fatalf("spend into held amount: reason = %q, want %q", apperr.ReasonOf(err), apperr.ReasonInsufficientBalance)
			}
			if _, err := l.Spend(alice, types.ResourceNickel, 3, EventTierUpgrade, ""); err != nil {
				t.Fatalf("spend of unheld amount: %v", err)
			}
			if _, err := l.Spend(bob, types.ResourceNickel, 10, EventTierUpgrade, ""); err != nil {
				t.Fatalf("spend without holds: %v", err)
			}

			bal, err := l.LiveBalance(alice)
			if err != nil {
				t.Fatalf("LiveBalance: %v", err)
			}
			if bal[types.ResourceNickel] != 7 {
				t.Errorf("alice nickel = %d, want 7", bal[types.ResourceNickel])
			}
		})
	}
}

func TestLiveBalanceTxn_ConflictsWithAppend(t *testing.T) {
	db, err := storage.NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	l, _ := newTestLedger(t, db)
	mustAppend(t, l, alice, types.ResourceCopper, 10)

	// A transaction that read the balance must not commit over an append
	// that landed after it started.
	err = db.Update(func(txn storage.Txn) error {
		if _, err := l.LiveBalanceTxn(txn, alice); err != nil {
			return err
		}
		mustAppend(t, l, alice, types.ResourceCopper, 1)
		return txn.Put([]byte("marker"), []byte{1})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("Update() error = %v, want ErrConflict", err)
	}
}
