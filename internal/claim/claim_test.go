package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	"github.com/Klingon-tech/seafloor/internal/settlement"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

var player = types.MustParseAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

type env struct {
	mgr    *Manager
	ledger *ledger.Ledger
	chain  *settlement.Static
	key    *crypto.PrivateKey
	now    time.Time
}

// backends lists the stores the concurrency tests run on. Memory serializes
// every Update; Badger commits optimistically and only detects conflicts on
// keys a transaction read.
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

func newEnv(t *testing.T, copper int64) *env {
	t.Helper()
	return newEnvOn(t, storage.NewMemory(), copper)
}

func newEnvOn(t *testing.T, db storage.DB, copper int64) *env {
	t.Helper()
	econ := config.MainnetEconomy()
	econ.Claims.RaceWait = config.Duration(5 * time.Millisecond)
	econ.Claims.RaceAttempts = 400

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := ledger.New(db, econ)
	chain := settlement.NewStatic()
	domain := Domain{
		Name:     "Seafloor",
		Version:  "1",
		ChainID:  31337,
		Contract: types.MustParseAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
	e := &env{
		mgr:    New(db, econ, l, chain, key, domain, nil),
		ledger: l,
		chain:  chain,
		key:    key,
		now:    time.Unix(1_700_000_000, 0),
	}
	e.mgr.now = func() time.Time { return e.now }

	if copper > 0 {
		if _, err := l.Append(player, types.ResourceCopper, copper, ledger.EventMining, "seed", nil); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return e
}

func tokens(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestIssue_SignsRecoverableClaim(t *testing.T) {
	e := newEnv(t, 100)

	is, err := e.mgr.Issue(context.Background(), player, Request{Amount: tokens("5")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if is.Nonce != 0 || is.Existing {
		t.Fatalf("issued = %+v", is)
	}
	if is.Trade[types.ResourceCopper] != 20 {
		t.Errorf("trade = %v, want 20 copper", is.Trade)
	}
	if is.AmountWei != "5000000000000000000" {
		t.Errorf("amount wei = %s", is.AmountWei)
	}
	if is.Deadline != e.now.Add(10*time.Minute).Unix() {
		t.Errorf("deadline = %d", is.Deadline)
	}

	sig, err := hexutil.Decode(is.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	wei, _ := ToWei(is.Amount)
	digest := e.mgr.domain.Digest(player, wei, is.Nonce, is.Deadline)
	if !crypto.VerifyAddress(digest[:], sig, e.key.Address()) {
		t.Fatal("signature does not recover to the server key")
	}

	rec, err := e.mgr.CheckUsage(player, 0)
	if err != nil || rec == nil {
		t.Fatalf("CheckUsage = %v, %v", rec, err)
	}
	if rec.Used || rec.Signature != is.Signature {
		t.Fatalf("record = %+v", rec)
	}
}

func TestIssue_OverLimitNeverSigns(t *testing.T) {
	e := newEnv(t, 100) // 25 tokens of copper

	_, err := e.mgr.Issue(context.Background(), player, Request{Amount: tokens("25.25")})
	if apperr.ReasonOf(err) != apperr.ReasonOverLimit {
		t.Fatalf("err = %v, want over_limit", err)
	}
	if !errors.Is(err, apperr.ErrInsufficient) {
		t.Errorf("err kind = %v", apperr.KindOf(err))
	}
	if rec, _ := e.mgr.CheckUsage(player, 0); rec != nil {
		t.Fatalf("over-limit request left a record: %+v", rec)
	}

	if _, err := e.mgr.Issue(context.Background(), player, Request{Amount: tokens("25")}); err != nil {
		t.Fatalf("exact ceiling: %v", err)
	}
}

func TestIssue_Validation(t *testing.T) {
	e := newEnv(t, 100)
	tests := []struct {
		name string
		req  Request
	}{
		{"zero", Request{Amount: decimal.Zero}},
		{"negative", Request{Amount: tokens("-3")}},
		{"below minimum", Request{Amount: tokens("0.5")}},
		{"too precise", Request{Amount: tokens("1.0000000000000000001")}},
		{"unknown resource", Request{Amount: tokens("1"), Trade: types.Balances{"gold": 10}}},
		{"non-positive trade", Request{Amount: tokens("1"), Trade: types.Balances{types.ResourceCopper: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.mgr.Issue(context.Background(), player, tt.req)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestIssue_ExplicitTrade(t *testing.T) {
	e := newEnv(t, 100)

	_, err := e.mgr.Issue(context.Background(), player, Request{
		Amount: tokens("3"),
		Trade:  types.Balances{types.ResourceCopper: 8}, // worth 2
	})
	if apperr.ReasonOf(err) != apperr.ReasonOverLimit {
		t.Fatalf("err = %v, want over_limit", err)
	}
	_, err = e.mgr.Issue(context.Background(), player, Request{
		Amount: tokens("1"),
		Trade:  types.Balances{types.ResourceCopper: 101},
	})
	if apperr.ReasonOf(err) != apperr.ReasonOverLimit {
		t.Fatalf("err = %v, want over_limit", err)
	}

	is, err := e.mgr.Issue(context.Background(), player, Request{
		Amount: tokens("2"),
		Trade:  types.Balances{types.ResourceCopper: 8},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if is.Trade[types.ResourceCopper] != 8 {
		t.Fatalf("trade = %v", is.Trade)
	}
}

func TestIssue_OutstandingClaimReturned(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	first, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("20")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	again, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("1")})
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	if !again.Existing || again.Signature != first.Signature || !again.Amount.Equal(first.Amount) {
		t.Fatalf("second issue = %+v, want the outstanding claim", again)
	}
}

func TestReservationHoldsResources(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			e := newEnvOn(t, b.open(t), 100)
			if _, err := e.mgr.Issue(context.Background(), player, Request{Amount: tokens("20")}); err != nil {
				t.Fatalf("Issue: %v", err)
			}
			// 80 copper are held by the pending claim.
			_, err := e.ledger.Spend(player, types.ResourceCopper, 30, ledger.EventTrade, "shop")
			if apperr.ReasonOf(err) != apperr.ReasonInsufficientBalance {
				t.Fatalf("spend over hold: err = %v", err)
			}
			if _, err := e.ledger.Spend(player, types.ResourceCopper, 20, ledger.EventTrade, "shop"); err != nil {
				t.Fatalf("spend within free balance: %v", err)
			}
		})
	}
}

func TestReservationAndSpendNeverShareResources(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			e := newEnvOn(t, b.open(t), 20)

			// Park the spend inside its transaction, after it has read the
			// balance, until the reservation has had its chance to commit.
			entered := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			e.ledger.SetHolds(func(r storage.Reader, identity types.Address) (types.Balances, error) {
				once.Do(func() {
					close(entered)
					<-release
				})
				return e.mgr.Holds(r, identity)
			})

			spendErr := make(chan error, 1)
			go func() {
				_, err := e.ledger.Spend(player, types.ResourceCopper, 20, ledger.EventTierUpgrade, "upgrade")
				spendErr <- err
			}()
			<-entered

			type reserved struct {
				rec *Record
				err error
			}
			reserveDone := make(chan reserved, 1)
			go func() {
				rec, _, err := e.mgr.Reserve(player, 0, Request{Amount: tokens("5")})
				reserveDone <- reserved{rec, err}
			}()

			// Badger lets the reservation commit while the spend is parked;
			// memory blocks it behind the spend's lock.
			var res reserved
			select {
			case res = <-reserveDone:
				close(release)
			case <-time.After(200 * time.Millisecond):
				close(release)
				res = <-reserveDone
			}
			errSpend := <-spendErr

			reservedOK := res.err == nil
			spentOK := errSpend == nil
			if reservedOK == spentOK {
				t.Fatalf("reserve err = %v, spend err = %v; want exactly one to succeed", res.err, errSpend)
			}
			if !reservedOK && apperr.ReasonOf(res.err) != apperr.ReasonOverLimit {
				t.Errorf("reserve err = %v, want over_limit", res.err)
			}
			if !spentOK && apperr.ReasonOf(errSpend) != apperr.ReasonInsufficientBalance {
				t.Errorf("spend err = %v, want insufficient_balance", errSpend)
			}

			live, err := e.ledger.LiveBalance(player)
			if err != nil {
				t.Fatalf("LiveBalance: %v", err)
			}
			held, err := e.mgr.Held(player)
			if err != nil {
				t.Fatalf("Held: %v", err)
			}
			if live[types.ResourceCopper] < held[types.ResourceCopper] {
				t.Fatalf("live = %v, held = %v: resources promised twice", live, held)
			}

			if reservedOK {
				if _, err := e.mgr.MarkClaimed(player, 0, types.Hash{1}, PathWebhook); err != nil {
					t.Fatalf("MarkClaimed: %v", err)
				}
			}
		})
	}
}

func TestExpiredReservationStopsHolding(t *testing.T) {
	e := newEnv(t, 100)
	if _, err := e.mgr.Issue(context.Background(), player, Request{Amount: tokens("20")}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	held, _ := e.mgr.Held(player)
	if held[types.ResourceCopper] != 80 {
		t.Fatalf("held = %v, want 80 copper", held)
	}

	// Past expiry, before any cleanup pass.
	e.now = e.now.Add(11 * time.Minute)
	held, _ = e.mgr.Held(player)
	if held[types.ResourceCopper] != 0 {
		t.Fatalf("held after expiry = %v, want none", held)
	}
	if _, err := e.ledger.Spend(player, types.ResourceCopper, 100, ledger.EventTierUpgrade, "upgrade"); err != nil {
		t.Fatalf("spend after expiry: %v", err)
	}
}

func TestIssue_RaceConvergesOnOneSignature(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			e := newEnvOn(t, b.open(t), 100)
			const n = 8

			var wg sync.WaitGroup
			results := make([]*Issued, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = e.mgr.Issue(context.Background(), player, Request{Amount: tokens("4")})
				}(i)
			}
			wg.Wait()

			fresh := 0
			for i := 0; i < n; i++ {
				if errs[i] != nil {
					t.Fatalf("caller %d: %v", i, errs[i])
				}
				if results[i].Signature != results[0].Signature {
					t.Fatalf("caller %d got a different signature", i)
				}
				if !results[i].Existing {
					fresh++
				}
			}
			if fresh != 1 {
				t.Fatalf("%d callers signed, want exactly 1", fresh)
			}
		})
	}
}

func TestStoreSignature_AtMostOnce(t *testing.T) {
	e := newEnv(t, 100)
	if _, _, err := e.mgr.Reserve(player, 3, Request{Amount: tokens("1")}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := e.mgr.StoreSignature(player, 3, "0xaa"); err != nil {
		t.Fatalf("StoreSignature: %v", err)
	}
	if err := e.mgr.StoreSignature(player, 3, "0xaa"); err != nil {
		t.Fatalf("same signature again: %v", err)
	}
	if err := e.mgr.StoreSignature(player, 3, "0xbb"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second signature: err = %v, want conflict", err)
	}
	if err := e.mgr.StoreSignature(player, 4, "0xaa"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unreserved nonce: err = %v, want not found", err)
	}
}

func TestConfirm(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	is, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("5")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tx := types.Hash{0x11}

	if _, err := e.mgr.Confirm(ctx, player, is.Nonce, tx); apperr.ReasonOf(err) != apperr.ReasonNotConfirmed {
		t.Fatalf("confirm before redeem: err = %v", err)
	}

	// A successful receipt alone is not enough; the nonce must advance.
	e.chain.SetReceipt(settlement.Receipt{TxHash: tx, Success: true})
	if _, err := e.mgr.Confirm(ctx, player, is.Nonce, tx); apperr.ReasonOf(err) != apperr.ReasonNotConfirmed {
		t.Fatalf("confirm without nonce advance: err = %v", err)
	}

	e.chain.Redeem(player, is.Nonce, tx)
	rec, err := e.mgr.Confirm(ctx, player, is.Nonce, tx)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !rec.Used || rec.Path != PathConfirm || rec.TxHash != tx.Hex() {
		t.Fatalf("record = %+v", rec)
	}

	live, _ := e.ledger.LiveBalance(player)
	if live[types.ResourceCopper] != 80 {
		t.Fatalf("copper = %d, want 80", live[types.ResourceCopper])
	}

	// Confirming twice never debits twice.
	if _, err := e.mgr.Confirm(ctx, player, is.Nonce, tx); err != nil {
		t.Fatalf("second Confirm: %v", err)
	}
	live, _ = e.ledger.LiveBalance(player)
	if live[types.ResourceCopper] != 80 {
		t.Fatalf("copper after replay = %d, want 80", live[types.ResourceCopper])
	}

	pending, _ := e.mgr.Pending(player)
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
	// The next claim uses the next nonce.
	next, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("1")})
	if err != nil {
		t.Fatalf("next Issue: %v", err)
	}
	if next.Nonce != 1 {
		t.Fatalf("next nonce = %d, want 1", next.Nonce)
	}
}

func TestConfirm_Reverted(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	is, _ := e.mgr.Issue(ctx, player, Request{Amount: tokens("5")})
	tx := types.Hash{0x22}
	e.chain.SetReceipt(settlement.Receipt{TxHash: tx, Success: false})
	e.chain.SetNonce(player, 1)
	if _, err := e.mgr.Confirm(ctx, player, is.Nonce, tx); apperr.ReasonOf(err) != apperr.ReasonNotConfirmed {
		t.Fatalf("reverted tx: err = %v", err)
	}
}

func TestWebhook(t *testing.T) {
	e := newEnv(t, 100)
	secret := []byte("0123456789abcdef0123456789abcdef")
	body := []byte(`{"identity":"0x70997970c51812dc3a010c7d01b50e0d17dc79c8","nonce":0}`)

	header := SignWebhook(secret, body)
	if !VerifyWebhook(secret, body, header) {
		t.Fatal("valid header rejected")
	}
	modified := append(append([]byte(nil), body...), ' ')
	if VerifyWebhook(secret, modified, header) {
		t.Fatal("modified body accepted")
	}
	if VerifyWebhook([]byte("another-secret-another-secret-xx"), body, header) {
		t.Fatal("wrong secret accepted")
	}
	if VerifyWebhook(nil, body, header) || VerifyWebhook(secret, body, "") || VerifyWebhook(secret, body, "sha256=zz") {
		t.Fatal("degenerate input accepted")
	}

	is, err := e.mgr.Issue(context.Background(), player, Request{Amount: tokens("5")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec, err := e.mgr.Settle(WebhookEvent{Identity: player, Nonce: is.Nonce, TxHash: types.Hash{0x33}})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !rec.Used || rec.Path != PathWebhook {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := e.mgr.Settle(WebhookEvent{Identity: player, Nonce: 9}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown nonce: err = %v", err)
	}
}

func TestCleanupExpired_FreesNonce(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	first, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("20")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := e.mgr.CleanupExpired(ctx)
	if err != nil || res.Deleted != 0 {
		t.Fatalf("early cleanup = %+v, %v", res, err)
	}

	e.now = e.now.Add(11 * time.Minute)
	res, err = e.mgr.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if res.Deleted != 1 || res.Reconciled != 0 {
		t.Fatalf("cleanup = %+v", res)
	}
	if rec, _ := e.mgr.CheckUsage(player, 0); rec != nil {
		t.Fatalf("expired record survived: %+v", rec)
	}

	// Holds are released and the same nonce can be reserved again.
	second, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("25")})
	if err != nil {
		t.Fatalf("re-Issue: %v", err)
	}
	if second.Nonce != first.Nonce || second.Existing || second.Signature == first.Signature {
		t.Fatalf("second = %+v", second)
	}
}

func TestCleanupExpired_ReconcilesRedeemed(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	if _, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("5")}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	// Redeemed on chain, but no confirmation ever reached the server.
	e.chain.SetNonce(player, 1)
	e.now = e.now.Add(11 * time.Minute)

	res, err := e.mgr.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if res.Reconciled != 1 || res.Deleted != 0 {
		t.Fatalf("cleanup = %+v", res)
	}
	rec, _ := e.mgr.CheckUsage(player, 0)
	if rec == nil || !rec.Used || rec.Path != PathReconcile {
		t.Fatalf("record = %+v", rec)
	}
	live, _ := e.ledger.LiveBalance(player)
	if live[types.ResourceCopper] != 80 {
		t.Fatalf("copper = %d, want 80", live[types.ResourceCopper])
	}
}

func TestIssue_ExpiredReservationReplacedInline(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	first, _ := e.mgr.Issue(ctx, player, Request{Amount: tokens("5")})
	e.now = e.now.Add(time.Hour)

	second, err := e.mgr.Issue(ctx, player, Request{Amount: tokens("6")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if second.Existing || second.TradeRef == first.TradeRef || !second.Amount.Equal(tokens("6")) {
		t.Fatalf("second = %+v", second)
	}
}

func TestChainUnavailable(t *testing.T) {
	e := newEnv(t, 100)
	e.mgr.chain = failingChain{}
	_, err := e.mgr.Issue(context.Background(), player, Request{Amount: tokens("5")})
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

type failingChain struct{}

func (failingChain) Nonce(context.Context, types.Address) (uint64, error) {
	return 0, errors.New("connection refused")
}

func (failingChain) Receipt(context.Context, types.Hash) (*settlement.Receipt, error) {
	return nil, errors.New("connection refused")
}

func TestToWei(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1", "1000000000000000000", true},
		{"1.5", "1500000000000000000", true},
		{"0.000000000000000001", "1", true},
		{"0.0000000000000000001", "", false},
	}
	for _, tt := range tests {
		got, err := ToWei(tokens(tt.in))
		if (err == nil) != tt.ok {
			t.Fatalf("ToWei(%s) err = %v", tt.in, err)
		}
		if tt.ok && got.String() != tt.want {
			t.Errorf("ToWei(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDomainSeparatorDependsOnChain(t *testing.T) {
	a := Domain{Name: "Seafloor", Version: "1", ChainID: 1}
	b := a
	b.ChainID = 2
	if a.Separator() == b.Separator() {
		t.Fatal("separator ignores chain id")
	}
}
