// Package mining adjudicates mining attempts server-side.
//
// An attempt moves through received, validated, outcome-determined and
// then committed or rejected. Every attempt is logged, including rejected
// ones.
package mining

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/metrics"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/internal/world"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

const attemptSequence = "mining/attempts"

// Outcome reasons that are not errors.
const (
	OutcomeSuccess    = "success"
	OutcomeRollFailed = "roll_failed"
	OutcomeRejected   = "rejected"
)

// World is the session state mining validates against.
type World interface {
	BeginMine(identity types.Address, conn, nodeID string, want types.ResourceType, reported *types.Position) (*world.MineTicket, *world.MineRejection, error)
	FinishMine(t *world.MineTicket, quantity int64, respawnAfter time.Duration)
}

// Counters updates player lifetime counters inside the commit.
type Counters interface {
	RecordAttemptTxn(txn storage.Txn, identity types.Address, mined types.Balances) error
}

// Request is one mining attempt as received.
type Request struct {
	Identity  types.Address
	Conn      string
	NodeID    string
	Resource  types.ResourceType // optional, must match the node
	Position  *types.Position    // optional reported position
	RequestID string             // optional client idempotency token
	IP        string
	UserAgent string
}

// Outcome is the result returned to the miner.
type Outcome struct {
	AttemptID string             `json:"attempt_id"`
	Success   bool               `json:"success"`
	Reason    string             `json:"reason,omitempty"`
	SessionID string             `json:"session_id"`
	NodeID    string             `json:"node_id"`
	Resource  types.ResourceType `json:"resource,omitempty"`
	Quantity  int64              `json:"quantity,omitempty"`
	EventID   uint64             `json:"event_id,omitempty"`
	Distance  float64            `json:"distance"`
	At        int64              `json:"at"`
}

// Result carries the outcome and its exact encoding.
type Result struct {
	Outcome *Outcome
	Raw     json.RawMessage
	// Replayed is set when the idempotency key was seen before and Raw is
	// the previously recorded outcome.
	Replayed bool
}

// Authority decides and commits mining outcomes.
type Authority struct {
	db       storage.DB
	econ     *config.Economy
	world    World
	ledger   *ledger.Ledger
	counters Counters
	roller   Roller
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates an Authority.
func New(db storage.DB, econ *config.Economy, w World, l *ledger.Ledger, c Counters, m *metrics.Metrics) *Authority {
	return &Authority{
		db:       db,
		econ:     econ,
		world:    w,
		ledger:   l,
		counters: c,
		roller:   CryptoRoller{},
		metrics:  m,
		now:      time.Now,
	}
}

// IdempotencyKey derives the attempt key. With a client token the key is
// stable across retries; without one it is unique per call.
func IdempotencyKey(identity types.Address, nodeID, requestID string, now time.Time) types.Hash {
	if requestID != "" {
		return crypto.Hash([]byte(fmt.Sprintf("%s\x00%s\x00%s", identity, nodeID, requestID)))
	}
	var salt [16]byte
	rand.Read(salt[:])
	return crypto.Hash([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%x", identity, nodeID, now.UnixNano(), salt)))
}

// Mine adjudicates one attempt. Gate failures are returned as errors after
// being logged; a failed roll is a normal outcome, not an error.
func (a *Authority) Mine(ctx context.Context, req Request) (*Result, error) {
	start := a.now()
	key := IdempotencyKey(req.Identity, req.NodeID, req.RequestID, start)

	// Gate 1: a repeated key returns the recorded outcome unchanged.
	prior, err := getAttempt(a.db, key)
	switch {
	case err == nil:
		return a.replay(prior)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, apperr.Unavailable(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Gates 2-4 run under the session lock.
	ticket, rej, err := a.world.BeginMine(req.Identity, req.Conn, req.NodeID, req.Resource, req.Position)
	if err != nil {
		a.logRejected(req, rej, err, start)
		return nil, err
	}

	rule, ok := a.econ.Resource(ticket.Node.Type)
	if !ok {
		return nil, fmt.Errorf("node %s has unknown resource %q", ticket.Node.ID, ticket.Node.Type)
	}
	tierMult := 1.0
	if t, ok := a.econ.Tier(ticket.Tier); ok {
		tierMult = t.MiningMultiplier
	}

	out := &Outcome{
		AttemptID: key.String(),
		SessionID: ticket.SessionID,
		NodeID:    ticket.Node.ID,
		Resource:  ticket.Node.Type,
		Distance:  ticket.Distance,
		At:        start.UnixMilli(),
	}
	p := Chance(rule.BaseDropRate, rule.RarityMultiplier, tierMult, a.econ.Mining.CertaintyCap)
	if a.roller.Float64() < p {
		out.Success = true
		out.Quantity = Quantity(a.roller, rule.MinQuantity, rule.MaxQuantity, tierMult, ticket.Node.Amount)
	} else {
		out.Reason = OutcomeRollFailed
	}

	res, err := a.commit(req, ticket, key, out, start)
	if err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonAlreadyClaimed {
			a.logRejected(req, &world.MineRejection{SessionID: ticket.SessionID, Resource: ticket.Node.Type, Position: &ticket.Position, Distance: ticket.Distance}, err, start)
		}
		return nil, err
	}
	if res.Replayed {
		return res, nil
	}

	if out.Success {
		a.world.FinishMine(ticket, out.Quantity, rule.RespawnAfter.Std())
		a.metrics.Mining(OutcomeSuccess, a.now().Sub(start))
		a.metrics.LedgerEvent(string(ledger.EventMining))
	} else {
		a.metrics.Mining(OutcomeRollFailed, a.now().Sub(start))
	}
	klog.WithIdentity(klog.Mining, req.Identity.String()).Debug().
		Str("node", ticket.Node.ID).
		Bool("success", out.Success).
		Int64("quantity", out.Quantity).
		Float64("chance", p).
		Msg("Mining attempt")
	return res, nil
}

// commit writes the node claim, ledger event, attempt record and profile
// counters in one transaction.
func (a *Authority) commit(req Request, t *world.MineTicket, key types.Hash, out *Outcome, start time.Time) (*Result, error) {
	var ev *ledger.Event
	if out.Success {
		var err error
		ev, err = a.ledger.Draft(req.Identity, out.Resource, out.Quantity, ledger.EventMining, key.String(),
			map[string]string{"session": t.SessionID, "node": t.Node.ID})
		if err != nil {
			return nil, err
		}
		out.EventID = ev.ID
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	seq, err := a.db.NextSequence(attemptSequence)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}

	pos := t.Position
	rec := &Attempt{
		Key:       key,
		Identity:  req.Identity,
		SessionID: t.SessionID,
		NodeID:    t.Node.ID,
		Position:  &pos,
		Distance:  t.Distance,
		Success:   out.Success,
		Reason:    out.Reason,
		Resource:  out.Resource,
		Quantity:  out.Quantity,
		EventID:   out.EventID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		LatencyUS: a.now().Sub(start).Microseconds(),
		CreatedAt: start.UnixMilli(),
		Outcome:   raw,
	}

	err = storage.UpdateRetry(a.db, ledger.TxnAttempts, func(txn storage.Txn) error {
		if out.Success {
			ck := claimKey(t.SessionID, t.Node.ID, t.Node.Generation)
			claimed, err := txn.Has(ck)
			if err != nil {
				return err
			}
			if claimed {
				return apperr.Conflict(apperr.ReasonAlreadyClaimed, "node already claimed")
			}
			if err := txn.Put(ck, key[:]); err != nil {
				return err
			}
			if err := a.ledger.AppendTxn(txn, ev); err != nil {
				return err
			}
		}
		if err := putAttempt(txn, rec, seq); err != nil {
			return err
		}
		var mined types.Balances
		if out.Success {
			mined = types.Balances{out.Resource: out.Quantity}
		}
		return a.counters.RecordAttemptTxn(txn, req.Identity, mined)
	})

	switch {
	case err == nil:
		return &Result{Outcome: out, Raw: raw}, nil
	case errors.Is(err, errDuplicate):
		// A concurrent retry with the same key committed first.
		prior, gerr := getAttempt(a.db, key)
		if gerr != nil {
			return nil, apperr.Unavailable(gerr)
		}
		return a.replay(prior)
	case apperr.KindOf(err) == apperr.KindInternal:
		return nil, apperr.Unavailable(err)
	default:
		return nil, err
	}
}

func (a *Authority) replay(prior *Attempt) (*Result, error) {
	if len(prior.Outcome) == 0 {
		return nil, apperr.Conflict(apperr.ReasonMalformed, "request id already used by a rejected attempt")
	}
	var out Outcome
	if err := json.Unmarshal(prior.Outcome, &out); err != nil {
		return nil, fmt.Errorf("decode recorded outcome: %w", err)
	}
	return &Result{Outcome: &out, Raw: prior.Outcome, Replayed: true}, nil
}

// logRejected appends an audit record for an attempt refused at a gate.
// Rejected attempts get their own random key so a retry is re-evaluated.
func (a *Authority) logRejected(req Request, rej *world.MineRejection, cause error, start time.Time) {
	reason := apperr.ReasonOf(cause)
	a.metrics.Mining(OutcomeRejected, a.now().Sub(start))

	seq, err := a.db.NextSequence(attemptSequence)
	if err != nil {
		klog.Mining.Warn().Err(err).Msg("Rejected attempt not logged")
		return
	}
	rec := &Attempt{
		Key:       IdempotencyKey(req.Identity, req.NodeID, "", start),
		Identity:  req.Identity,
		NodeID:    req.NodeID,
		Reason:    reason,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		LatencyUS: a.now().Sub(start).Microseconds(),
		CreatedAt: start.UnixMilli(),
	}
	if rej != nil {
		rec.SessionID = rej.SessionID
		rec.Resource = rej.Resource
		rec.Position = rej.Position
		rec.Distance = rej.Distance
	}
	err = storage.UpdateRetry(a.db, ledger.TxnAttempts, func(txn storage.Txn) error {
		if err := putAttempt(txn, rec, seq); err != nil {
			return err
		}
		return a.counters.RecordAttemptTxn(txn, req.Identity, nil)
	})
	if err != nil {
		klog.Mining.Warn().Err(err).Str("reason", reason).Msg("Rejected attempt not logged")
	}
}

// Attempts returns up to limit of identity's most recent attempts, newest
// first, for fraud review.
func (a *Authority) Attempts(identity types.Address, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var keys []types.Hash
	err := a.db.ForEach(identityAttemptPrefix(identity), func(_, value []byte) error {
		var k types.Hash
		copy(k[:], value)
		keys = append(keys, k)
		if len(keys) > limit {
			keys = keys[1:]
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}

	out := make([]*Attempt, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		at, err := getAttempt(a.db, keys[i])
		if err != nil {
			return nil, apperr.Unavailable(err)
		}
		out = append(out, at)
	}
	return out, nil
}
