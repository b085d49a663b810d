package rpc

import (
	"time"

	"github.com/Klingon-tech/seafloor/internal/auth"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnauthorized   = -32001
	CodeConflict       = -32002
	CodeRateLimited    = -32003
	CodeInsufficient   = -32004
	CodeUnavailable    = -32005
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the machine-readable failure reason.
type ErrorData struct {
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// ProofParam is used by endpoints that only need an authenticated caller.
type ProofParam struct {
	Proof auth.Proof `json:"proof"`
}

// HistoryParam is used by economy_getHistory.
type HistoryParam struct {
	Proof auth.Proof `json:"proof"`
	Limit int        `json:"limit,omitempty"`
}

// UpgradeParam is used by submarine_upgrade.
type UpgradeParam struct {
	Proof auth.Proof `json:"proof"`
	Tier  int        `json:"tier"`
}

// ClaimParam is used by claim_requestSignature. Amount is a decimal string
// in whole tokens.
type ClaimParam struct {
	Proof  auth.Proof     `json:"proof"`
	Amount string         `json:"amount"`
	Trade  types.Balances `json:"trade,omitempty"`
}

// ConfirmParam is used by claim_confirm.
type ConfirmParam struct {
	Proof  auth.Proof `json:"proof"`
	Nonce  uint64     `json:"nonce"`
	TxHash string     `json:"tx_hash"`
}

// ── Result types ────────────────────────────────────────────────────────

// BalanceResult is returned by economy_getBalance.
type BalanceResult struct {
	Identity string         `json:"identity"`
	Cached   types.Balances `json:"cached"`
	Live     types.Balances `json:"live"`
	// Held is reserved by unsettled claims.
	Held        types.Balances `json:"held"`
	Eligible    string         `json:"eligible_tokens"`
	RefreshedAt time.Time      `json:"refreshed_at"`
	Pending     uint64         `json:"pending_events"`
	Stale       bool           `json:"stale"`
}

// HistoryResult is returned by economy_getHistory.
type HistoryResult struct {
	Identity string          `json:"identity"`
	Events   []*ledger.Event `json:"events"`
}

// TierResult is returned by submarine_getTier and submarine_upgrade.
type TierResult struct {
	Identity         string         `json:"identity"`
	Tier             int            `json:"tier"`
	MaxTier          int            `json:"max_tier"`
	MiningMultiplier float64        `json:"mining_multiplier"`
	SpeedMultiplier  float64        `json:"speed_multiplier"`
	NextCost         types.Balances `json:"next_cost,omitempty"`
	Spent            types.Balances `json:"spent,omitempty"`
}

// ConfirmResult is returned by claim_confirm.
type ConfirmResult struct {
	Identity string `json:"identity"`
	Nonce    uint64 `json:"nonce"`
	Claimed  bool   `json:"claimed"`
	TxHash   string `json:"tx_hash"`
	TradeRef string `json:"trade_ref"`
}

// HealthResult is returned by GET /health.
type HealthResult struct {
	Status   string `json:"status"`
	Network  string `json:"network"`
	Sessions int    `json:"sessions"`
	Players  int    `json:"players"`
	Uptime   string `json:"uptime"`
}
