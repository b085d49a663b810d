// Package claim issues server-signed token claims against resource balances.
//
// A claim converts resources into reward tokens. The server reserves the
// player's current on-chain nonce, signs an EIP-712 Claim for it, and debits
// the traded resources only once the chain proves the nonce was consumed.
// Each (identity, nonce) pair is reserved at most once; the uniqueness of
// the reservation record is the only concurrency primitive, so several
// server instances may share one store.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/metrics"
	"github.com/Klingon-tech/seafloor/internal/settlement"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Manager owns claim reservations.
type Manager struct {
	db      storage.DB
	econ    *config.Economy
	rules   config.ClaimRules
	ledger  *ledger.Ledger
	chain   settlement.Reader
	signer  crypto.Signer
	domain  Domain
	metrics *metrics.Metrics

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Manager and installs its reservations as ledger holds, so
// resources promised to a pending claim cannot be spent elsewhere.
func New(db storage.DB, econ *config.Economy, l *ledger.Ledger, chain settlement.Reader, signer crypto.Signer, domain Domain, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		db:      db,
		econ:    econ,
		rules:   econ.Claims,
		ledger:  l,
		chain:   chain,
		signer:  signer,
		domain:  domain,
		metrics: m,
		now:     time.Now,
		sleep:   time.Sleep,
	}
	l.SetHolds(mgr.Holds)
	return mgr
}

// Holds reports the resources reserved by identity's unsettled claims.
func (m *Manager) Holds(r storage.Reader, identity types.Address) (types.Balances, error) {
	return heldTxn(r, identity, m.now())
}

// Held reports what identity's unsettled claims reserve.
func (m *Manager) Held(identity types.Address) (types.Balances, error) {
	var held types.Balances
	err := m.db.View(func(txn storage.Txn) error {
		var err error
		held, err = heldTxn(txn, identity, m.now())
		return err
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return held, nil
}

// Request asks for a claim of Amount whole tokens. Trade optionally names
// the resources to convert; when empty the server picks them.
type Request struct {
	Amount decimal.Decimal `json:"amount"`
	Trade  types.Balances  `json:"trade,omitempty"`
}

// Issued is a signed claim ready to submit on chain.
type Issued struct {
	Identity  types.Address   `json:"identity"`
	Signature string          `json:"signature"`
	Nonce     uint64          `json:"nonce"`
	Deadline  int64           `json:"deadline"`
	Amount    decimal.Decimal `json:"amount"`
	AmountWei string          `json:"amount_wei"`
	Trade     types.Balances  `json:"trade"`
	TradeRef  string          `json:"trade_ref"`
	// Existing is set when a concurrent request had already signed this
	// nonce and its signature is returned instead.
	Existing bool `json:"existing"`
}

func issuedFrom(rec *Record, existing bool) *Issued {
	return &Issued{
		Identity:  rec.Identity,
		Signature: rec.Signature,
		Nonce:     rec.Nonce,
		Deadline:  rec.Deadline,
		Amount:    rec.Amount,
		AmountWei: rec.AmountWei,
		Trade:     rec.Trade,
		TradeRef:  rec.TradeRef,
		Existing:  existing,
	}
}

// CurrentNonce reads identity's next claim nonce from the chain.
func (m *Manager) CurrentNonce(ctx context.Context, identity types.Address) (uint64, error) {
	n, err := m.chain.Nonce(ctx, identity)
	if err != nil {
		return 0, apperr.Unavailable(fmt.Errorf("read chain nonce: %w", err))
	}
	return n, nil
}

// CheckUsage returns the record for (identity, nonce), used or not, or nil
// when the nonce was never reserved.
func (m *Manager) CheckUsage(identity types.Address, nonce uint64) (*Record, error) {
	var rec *Record
	err := m.db.View(func(txn storage.Txn) error {
		var err error
		rec, err = getRecord(txn, identity, nonce)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return rec, nil
}

// Reserve inserts the reservation for (identity, nonce). The amount is
// checked against the durable balance minus other reservations inside the
// same transaction. If another request holds the pair, Reserve waits for
// it to sign and returns that record with existing set.
func (m *Manager) Reserve(identity types.Address, nonce uint64, req Request) (rec *Record, existing bool, err error) {
	wei, err := ToWei(req.Amount)
	if err != nil {
		return nil, false, apperr.Invalid(apperr.ReasonMalformed, "%v", err)
	}
	now := m.now()
	expires := now.Add(m.rules.Expiry.Std())
	rec = &Record{
		Identity:  identity,
		Nonce:     nonce,
		Amount:    req.Amount,
		AmountWei: wei.String(),
		TradeRef:  uuid.NewString(),
		Deadline:  expires.Unix(),
		CreatedAt: now.UnixMilli(),
		ExpiresAt: expires.UnixMilli(),
	}

	attempts := max(m.rules.RaceAttempts, 1)
	for i := 0; i < attempts; i++ {
		err = storage.UpdateRetry(m.db, ledger.TxnAttempts, func(txn storage.Txn) error {
			// Checked before the ceiling so a losing racer converges
			// instead of seeing the winner's hold as over_limit.
			taken, err := txn.Has(recordKey(identity, nonce))
			if err != nil {
				return err
			}
			if taken {
				return errReserved
			}
			trade, err := m.tradeTxn(txn, identity, req)
			if err != nil {
				return err
			}
			rec.Trade = trade
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			return bumpHolds(txn, identity)
		})
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, errReserved) {
			return nil, false, storeErr(err)
		}

		// Lost the race. Converge on the winner's signature.
		other, err := m.CheckUsage(identity, nonce)
		if err != nil {
			return nil, false, err
		}
		if other != nil {
			if other.Used {
				return nil, false, apperr.Conflict(apperr.ReasonNonceUsed, "nonce %d already claimed", nonce)
			}
			if other.Signature != "" {
				return other, true, nil
			}
		}
		if i < attempts-1 {
			m.sleep(m.rules.RaceWait.Std())
		}
	}
	return nil, false, apperr.Conflict(apperr.ReasonNonceReserved, "nonce %d is being signed by another request", nonce)
}

// tradeTxn computes the resources backing req and refuses amounts above
// the ceiling: live balance minus every other reservation, valued at the
// token table.
func (m *Manager) tradeTxn(txn storage.Txn, identity types.Address, req Request) (types.Balances, error) {
	live, err := m.ledger.LiveBalanceTxn(txn, identity)
	if err != nil {
		return nil, err
	}
	held, err := heldTxn(txn, identity, m.now())
	if err != nil {
		return nil, err
	}
	avail := types.Balances{}
	for res, n := range live {
		if free := n - held[res]; free > 0 {
			avail[res] = free
		}
	}

	if len(req.Trade) > 0 {
		value := decimal.Zero
		for res, n := range req.Trade {
			if n > avail[res] {
				return nil, overLimit("trade of %d %s exceeds available %d", n, res, avail[res])
			}
			value = value.Add(m.econ.TokenRates[res].Mul(decimal.NewFromInt(n)))
		}
		if req.Amount.GreaterThan(value) {
			return nil, overLimit("amount %s exceeds trade value %s", req.Amount, value)
		}
		return req.Trade.Clone(), nil
	}

	ceiling := m.econ.TokenValue(avail)
	if req.Amount.GreaterThan(ceiling) {
		return nil, overLimit("amount %s exceeds eligible %s", req.Amount, ceiling)
	}

	// Spend common resources first. The last resource is rounded up to a
	// whole unit.
	trade := types.Balances{}
	remaining := req.Amount
	for _, r := range m.econ.Resources {
		if !remaining.IsPositive() {
			break
		}
		rate := m.econ.TokenRates[r.Type]
		if !rate.IsPositive() || avail[r.Type] == 0 {
			continue
		}
		units := remaining.Div(rate).Ceil().IntPart()
		if units > avail[r.Type] {
			units = avail[r.Type]
		}
		trade[r.Type] = units
		remaining = remaining.Sub(rate.Mul(decimal.NewFromInt(units)))
	}
	return trade, nil
}

// StoreSignature attaches sig to the reservation. A signature is stored at
// most once; storing the same one again is a no-op.
func (m *Manager) StoreSignature(identity types.Address, nonce uint64, sig string) error {
	err := storage.UpdateRetry(m.db, ledger.TxnAttempts, func(txn storage.Txn) error {
		rec, err := getRecord(txn, identity, nonce)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(identity, nonce)
		}
		if err != nil {
			return err
		}
		if rec.Signature != "" {
			if rec.Signature == sig {
				return nil
			}
			return apperr.Conflict(apperr.ReasonNonceReserved, "nonce %d already signed", nonce)
		}
		rec.Signature = sig
		return putRecord(txn, rec)
	})
	return storeErr(err)
}

// MarkClaimed sets the used flag and debits the reserved trade in one
// transaction. It is the only way a record becomes used. Marking an
// already used record returns it unchanged.
func (m *Manager) MarkClaimed(identity types.Address, nonce uint64, txHash types.Hash, path string) (*Record, error) {
	rec, err := m.CheckUsage(identity, nonce)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound(identity, nonce)
	}
	if rec.Used {
		return rec, nil
	}

	events, err := m.ledger.DraftSpend(identity, rec.Trade, ledger.EventClaim, rec.TradeRef)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		ev.Metadata = map[string]string{"nonce": fmt.Sprint(nonce), "tx_hash": txHash.Hex()}
	}

	var already bool
	err = storage.UpdateRetry(m.db, ledger.TxnAttempts, func(txn storage.Txn) error {
		cur, err := getRecord(txn, identity, nonce)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(identity, nonce)
		}
		if err != nil {
			return err
		}
		if cur.Used {
			already = true
			rec = cur
			return nil
		}
		cur.Used = true
		cur.TxHash = txHash.Hex()
		cur.Path = path
		cur.ClaimedAt = m.now().UnixMilli()
		// Written first so this claim's own hold is released before the
		// debit is checked.
		if err := putRecord(txn, cur); err != nil {
			return err
		}
		if err := bumpHolds(txn, identity); err != nil {
			return err
		}
		if err := m.ledger.AppendAllTxn(txn, events); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	if !already {
		m.metrics.ClaimConfirmed(path)
		for range events {
			m.metrics.LedgerEvent(string(ledger.EventClaim))
		}
		klog.Claims.Info().
			Str("identity", identity.String()).
			Uint64("nonce", nonce).
			Str("path", path).
			Str("trade_ref", rec.TradeRef).
			Msg("Claim settled")
	}
	return rec, nil
}

// CleanupResult counts what a cleanup pass did.
type CleanupResult struct {
	Deleted    int
	Reconciled int
}

// CleanupExpired removes expired, unused reservations whose nonce never
// advanced on chain, freeing the nonce for a new reservation. Expired
// records whose nonce did advance were redeemed without a confirmation
// reaching the server; those are marked claimed instead.
func (m *Manager) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	now := m.now()
	var expired []*Record
	err := m.db.View(func(txn storage.Txn) error {
		var err error
		expired, err = listRecords(txn, prefixRecord, func(r *Record) bool { return r.Expired(now) })
		return err
	})
	if err != nil {
		return res, apperr.Unavailable(err)
	}

	var errs []error
	for _, rec := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		deleted, reconciled, err := m.cleanupOne(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			res.Deleted++
		}
		if reconciled {
			res.Reconciled++
		}
	}
	if res.Deleted > 0 || res.Reconciled > 0 {
		klog.Claims.Info().
			Int("deleted", res.Deleted).
			Int("reconciled", res.Reconciled).
			Msg("Claim cleanup")
	}
	return res, errors.Join(errs...)
}

func (m *Manager) cleanupOne(ctx context.Context, rec *Record) (deleted, reconciled bool, err error) {
	chainNonce, err := m.CurrentNonce(ctx, rec.Identity)
	if err != nil {
		return false, false, err
	}
	if chainNonce > rec.Nonce {
		if _, err := m.MarkClaimed(rec.Identity, rec.Nonce, types.Hash{}, PathReconcile); err != nil {
			return false, false, err
		}
		return false, true, nil
	}

	now := m.now()
	err = storage.UpdateRetry(m.db, ledger.TxnAttempts, func(txn storage.Txn) error {
		cur, err := getRecord(txn, rec.Identity, rec.Nonce)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !cur.Expired(now) {
			return nil
		}
		deleted = true
		if err := txn.Delete(recordKey(rec.Identity, rec.Nonce)); err != nil {
			return err
		}
		return bumpHolds(txn, rec.Identity)
	})
	if err != nil {
		return false, false, storeErr(err)
	}
	return deleted, false, nil
}

// Issue reserves identity's current nonce for req and signs the claim.
// Amounts above the eligible ceiling fail with over_limit and are never
// signed.
func (m *Manager) Issue(ctx context.Context, identity types.Address, req Request) (*Issued, error) {
	issued, err := m.issue(ctx, identity, req)
	if err != nil {
		if reason := apperr.ReasonOf(err); reason != "" {
			m.metrics.ClaimRejected(reason)
		}
		return nil, err
	}
	return issued, nil
}

func (m *Manager) issue(ctx context.Context, identity types.Address, req Request) (*Issued, error) {
	if err := m.validate(req); err != nil {
		return nil, err
	}

	nonce, err := m.CurrentNonce(ctx, identity)
	if err != nil {
		return nil, err
	}
	prev, err := m.CheckUsage(identity, nonce)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		switch {
		case prev.Used:
			// Confirmed here but the chain has not caught up.
			return nil, apperr.Conflict(apperr.ReasonNonceUsed, "nonce %d already claimed", nonce)
		case prev.Expired(m.now()):
			if _, _, err := m.cleanupOne(ctx, prev); err != nil {
				return nil, err
			}
		}
	}

	rec, existing, err := m.Reserve(identity, nonce, req)
	if err != nil {
		return nil, err
	}
	if existing {
		return issuedFrom(rec, true), nil
	}

	sig, err := m.sign(rec)
	if err == nil {
		err = m.StoreSignature(identity, nonce, sig)
	}
	if err != nil {
		m.release(rec)
		return nil, err
	}
	rec.Signature = sig

	m.metrics.ClaimIssued()
	klog.Claims.Info().
		Str("identity", identity.String()).
		Uint64("nonce", nonce).
		Str("amount", rec.Amount.String()).
		Str("trade_ref", rec.TradeRef).
		Msg("Claim signed")
	return issuedFrom(rec, false), nil
}

func (m *Manager) validate(req Request) error {
	if !req.Amount.IsPositive() {
		return apperr.Invalid(apperr.ReasonMalformed, "amount must be positive")
	}
	if req.Amount.LessThan(m.rules.MinAmount) {
		return apperr.Invalid(apperr.ReasonMalformed, "amount below minimum %s", m.rules.MinAmount)
	}
	for res, n := range req.Trade {
		if _, ok := m.econ.Resource(res); !ok {
			return apperr.Invalid(apperr.ReasonMalformed, "unknown resource %q", res)
		}
		if n <= 0 {
			return apperr.Invalid(apperr.ReasonMalformed, "trade of %s must be positive", res)
		}
		if !m.econ.TokenRates[res].IsPositive() {
			return apperr.Invalid(apperr.ReasonMalformed, "%s cannot be claimed", res)
		}
	}
	return nil
}

func (m *Manager) sign(rec *Record) (string, error) {
	wei, err := ToWei(rec.Amount)
	if err != nil {
		return "", err
	}
	digest := m.domain.Digest(rec.Identity, wei, rec.Nonce, rec.Deadline)
	sig, err := m.signer.Sign(digest[:])
	if err != nil {
		return "", fmt.Errorf("sign claim: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// release drops a reservation that never got a signature.
func (m *Manager) release(rec *Record) {
	err := storage.UpdateRetry(m.db, ledger.TxnAttempts, func(txn storage.Txn) error {
		cur, err := getRecord(txn, rec.Identity, rec.Nonce)
		if err != nil {
			return err
		}
		if cur.Signature != "" || cur.TradeRef != rec.TradeRef {
			return nil
		}
		if err := txn.Delete(recordKey(rec.Identity, rec.Nonce)); err != nil {
			return err
		}
		return bumpHolds(txn, rec.Identity)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		klog.Claims.Warn().Err(err).Uint64("nonce", rec.Nonce).Msg("Failed to release reservation")
	}
}

// Confirm settles (identity, nonce) after checking on chain that txHash
// succeeded and the nonce advanced past the claimed one.
func (m *Manager) Confirm(ctx context.Context, identity types.Address, nonce uint64, txHash types.Hash) (*Record, error) {
	rec, err := m.CheckUsage(identity, nonce)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound(identity, nonce)
	}
	if rec.Used {
		return rec, nil
	}

	receipt, err := m.chain.Receipt(ctx, txHash)
	if errors.Is(err, settlement.ErrReceiptNotFound) {
		return nil, notConfirmed("transaction %s has no receipt", txHash.Hex())
	}
	if err != nil {
		return nil, apperr.Unavailable(fmt.Errorf("read receipt: %w", err))
	}
	if !receipt.Success {
		return nil, notConfirmed("transaction %s reverted", txHash.Hex())
	}
	if !receipt.To.IsZero() && !m.domain.Contract.IsZero() && receipt.To != m.domain.Contract {
		return nil, notConfirmed("transaction %s did not call the claim contract", txHash.Hex())
	}

	chainNonce, err := m.CurrentNonce(ctx, identity)
	if err != nil {
		return nil, err
	}
	if chainNonce <= nonce {
		return nil, notConfirmed("chain nonce %d has not passed %d", chainNonce, nonce)
	}
	return m.MarkClaimed(identity, nonce, txHash, PathConfirm)
}

// Settle applies a verified webhook notification.
func (m *Manager) Settle(ev WebhookEvent) (*Record, error) {
	if ev.Identity.IsZero() {
		return nil, apperr.Invalid(apperr.ReasonMalformed, "webhook without identity")
	}
	return m.MarkClaimed(ev.Identity, ev.Nonce, ev.TxHash, PathWebhook)
}

// Pending lists identity's unused reservations.
func (m *Manager) Pending(identity types.Address) ([]*Record, error) {
	var out []*Record
	err := m.db.View(func(txn storage.Txn) error {
		var err error
		out, err = listRecords(txn, identityPrefix(identity), func(r *Record) bool { return !r.Used })
		return err
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return out, nil
}

func overLimit(format string, args ...any) error {
	return apperr.New(apperr.KindInsufficient, apperr.ReasonOverLimit, format, args...)
}

func notConfirmed(format string, args ...any) error {
	return apperr.New(apperr.KindConflict, apperr.ReasonNotConfirmed, format, args...)
}

// storeErr passes classified errors through and reports the rest as an
// unavailable store.
func storeErr(err error) error {
	if err == nil || apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Unavailable(err)
}
