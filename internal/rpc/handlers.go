package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/auth"
	"github.com/Klingon-tech/seafloor/internal/claim"
	"github.com/Klingon-tech/seafloor/internal/guard"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/world"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/shopspring/decimal"
)

const maxHistory = 500

// ── Authentication ──────────────────────────────────────────────────────

// authenticate verifies p for action. Mutating calls pass once so a proof
// cannot be submitted twice.
func (s *Server) authenticate(c *call, p auth.Proof, action string, once bool) (types.Address, *Error) {
	var (
		msg *auth.Message
		err error
	)
	if once {
		msg, err = s.svc.Verifier.VerifyOnce(p, action)
	} else {
		msg, err = s.svc.Verifier.VerifyProof(p, action)
	}
	if err != nil {
		switch apperr.ReasonOf(err) {
		case apperr.ReasonBadSignature, apperr.ReasonIdentityMismatch:
			s.svc.Guard.Offend(guard.OffenseBadSignature, c.ip)
		case apperr.ReasonMalformed:
			s.svc.Guard.Offend(guard.OffenseMalformed, c.ip)
		}
		return types.Address{}, toRPCError(err)
	}
	return msg.Address, nil
}

// throttle takes a token from identity's bucket for action.
func (s *Server) throttle(identity types.Address, action string) *Error {
	ok, err := s.svc.Guard.Check(guard.Key{Scope: guard.ScopeIdentity, Subject: identity.String(), Action: action})
	if ok {
		return nil
	}
	s.svc.Metrics.RateLimited(action)
	if err == nil {
		err = apperr.RateLimited(apperr.ReasonRateLimited, 0)
	}
	return toRPCError(err)
}

// ── Economy endpoints ───────────────────────────────────────────────────

func (s *Server) handleEconomyGetBalance(c *call) (interface{}, *Error) {
	var params ProofParam
	if err := parseParams(c.req, &params); err != nil {
		return nil, err
	}
	id, rpcErr := s.authenticate(c, params.Proof, auth.ActionBalance, false)
	if rpcErr != nil {
		return nil, rpcErr
	}

	view, err := s.svc.Ledger.Balance(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	live, err := s.svc.Ledger.LiveBalance(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	held, err := s.svc.Claims.Held(id)
	if err != nil {
		return nil, toRPCError(err)
	}

	free := types.Balances{}
	for res, n := range live {
		if f := n - held[res]; f > 0 {
			free[res] = f
		}
	}

	return &BalanceResult{
		Identity:    id.String(),
		Cached:      view.Balances,
		Live:        live,
		Held:        held,
		Eligible:    s.svc.Economy.TokenValue(free).String(),
		RefreshedAt: view.RefreshedAt,
		Pending:     view.Pending,
		Stale:       view.Stale,
	}, nil
}

func (s *Server) handleEconomyGetHistory(c *call) (interface{}, *Error) {
	var params HistoryParam
	if err := parseParams(c.req, &params); err != nil {
		return nil, err
	}
	if params.Limit < 0 || params.Limit > maxHistory {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("limit must be between 0 and %d", maxHistory)}
	}
	id, rpcErr := s.authenticate(c, params.Proof, auth.ActionBalance, false)
	if rpcErr != nil {
		return nil, rpcErr
	}

	events, err := s.svc.Ledger.History(id, params.Limit)
	if err != nil {
		return nil, toRPCError(err)
	}
	if events == nil {
		events = []*ledger.Event{}
	}
	return &HistoryResult{Identity: id.String(), Events: events}, nil
}

// ── Submarine endpoints ─────────────────────────────────────────────────

func (s *Server) tierResult(identity types.Address, tier int) *TierResult {
	res := &TierResult{
		Identity: identity.String(),
		Tier:     tier,
		MaxTier:  s.svc.Economy.MaxTier(),
	}
	if rule, ok := s.svc.Economy.Tier(tier); ok {
		res.MiningMultiplier = rule.MiningMultiplier
		res.SpeedMultiplier = rule.SpeedMultiplier
	}
	if next, ok := s.svc.Economy.Tier(tier + 1); ok {
		res.NextCost = next.UpgradeCost
	}
	return res
}

func (s *Server) handleSubmarineGetTier(c *call) (interface{}, *Error) {
	var params ProofParam
	if err := parseParams(c.req, &params); err != nil {
		return nil, err
	}
	id, rpcErr := s.authenticate(c, params.Proof, auth.ActionTier, false)
	if rpcErr != nil {
		return nil, rpcErr
	}

	p, err := s.svc.Players.Get(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return s.tierResult(id, p.Tier), nil
}

func (s *Server) handleSubmarineUpgrade(c *call) (interface{}, *Error) {
	var params UpgradeParam
	if err := parseParams(c.req, &params); err != nil {
		return nil, err
	}
	if params.Tier <= 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "tier is required"}
	}
	id, rpcErr := s.authenticate(c, params.Proof, auth.ActionUpgrade, true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := s.throttle(id, config.ActionUpgrade); rpcErr != nil {
		return nil, rpcErr
	}

	up, err := s.svc.Players.Upgrade(id, params.Tier)
	if err != nil {
		return nil, toRPCError(err)
	}
	for range up.Events {
		s.svc.Metrics.LedgerEvent(string(ledger.EventTierUpgrade))
	}
	s.svc.World.SetTier(id, up.Profile.Tier)

	res := s.tierResult(id, up.Profile.Tier)
	res.Spent = up.Spent
	return res, nil
}

// ── Claim endpoints ─────────────────────────────────────────────────────

func (s *Server) handleClaimRequestSignature(c *call) (interface{}, *Error) {
	var params ClaimParam
	if err := parseParams(c.req, &params); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(params.Amount)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "amount must be a decimal string"}
	}
	id, rpcErr := s.authenticate(c, params.Proof, auth.ActionClaim, true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := s.throttle(id, config.ActionClaim); rpcErr != nil {
		return nil, rpcErr
	}

	issued, err := s.svc.Claims.Issue(c.ctx, id, claim.Request{Amount: amount, Trade: params.Trade})
	if err != nil {
		return nil, toRPCError(err)
	}
	return issued, nil
}

func (s *Server) handleClaimConfirm(c *call) (interface{}, *Error) {
	var params ConfirmParam
	if err := parseParams(c.req, &params); err != nil {
		return nil, err
	}
	txHash, err := types.ParseHash(params.TxHash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid tx_hash: must be 32-byte hex"}
	}
	id, rpcErr := s.authenticate(c, params.Proof, auth.ActionConfirm, true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := s.throttle(id, config.ActionClaim); rpcErr != nil {
		return nil, rpcErr
	}

	rec, err := s.svc.Claims.Confirm(c.ctx, id, params.Nonce, txHash)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &ConfirmResult{
		Identity: id.String(),
		Nonce:    rec.Nonce,
		Claimed:  rec.Used,
		TxHash:   rec.TxHash,
		TradeRef: rec.TradeRef,
	}, nil
}

// ── Session endpoints ───────────────────────────────────────────────────

func (s *Server) handleSessionList(_ *call) (interface{}, *Error) {
	list := s.svc.World.ListSessions()
	if list == nil {
		list = []world.Summary{}
	}
	return list, nil
}

// ── Plain HTTP endpoints ────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, players := s.svc.World.Stats()
	writeHTTPJSON(w, http.StatusOK, &HealthResult{
		Status:   "ok",
		Network:  s.svc.Network,
		Sessions: sessions,
		Players:  players,
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.socket == nil {
		http.NotFound(w, r)
		return
	}
	s.socket.ServeHTTP(w, r)
}

// handleWebhook marks a claim settled on behalf of the chain indexer. The
// raw body must carry a valid HMAC before anything in it is read.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(s.secret) == 0 {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil || len(body) > maxBodySize {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	ip := guard.ClientIP(r, s.trustProxy)
	if !claim.VerifyWebhook(s.secret, body, r.Header.Get(claim.WebhookHeader)) {
		s.svc.Guard.Offend(guard.OffenseBadSignature, ip)
		klog.RPC.Warn().Str("ip", ip).Msg("Webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev claim.WebhookEvent
	if err := decodeStrict(body, &ev); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	rec, err := s.svc.Claims.Settle(ev)
	if err != nil {
		writeHTTPJSON(w, httpStatus(err), toRPCError(err))
		return
	}
	writeHTTPJSON(w, http.StatusOK, &ConfirmResult{
		Identity: rec.Identity.String(),
		Nonce:    rec.Nonce,
		Claimed:  rec.Used,
		TxHash:   rec.TxHash,
		TradeRef: rec.TradeRef,
	})
}

func writeHTTPJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeStrict decodes exactly one JSON value, refusing unknown fields.
func decodeStrict(data []byte, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
