package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/auth"
	"github.com/Klingon-tech/seafloor/internal/claim"
	"github.com/Klingon-tech/seafloor/internal/guard"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/metrics"
	"github.com/Klingon-tech/seafloor/internal/player"
	"github.com/Klingon-tech/seafloor/internal/settlement"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/internal/world"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type nopPublisher struct{}

func (nopPublisher) Send(string, world.Event) error { return nil }

// testEnv holds all components for an RPC test.
type testEnv struct {
	server  *Server
	econ    *config.Economy
	ledger  *ledger.Ledger
	players *player.Store
	world   *world.Manager
	chain   *settlement.Static
	key     *crypto.PrivateKey
	addr    types.Address
	url     string
	clock   time.Time
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	econ := config.MainnetEconomy()
	econ.Limits[config.ActionClaim] = config.LimitRule{Rate: 100, Burst: 100, Policy: config.PolicyReject}
	econ.Limits[config.ActionUpgrade] = config.LimitRule{Rate: 100, Burst: 100, Policy: config.PolicyReject}

	db := storage.NewMemory()
	l := ledger.New(db, econ)
	players := player.NewStore(db, econ, l)
	w := world.NewManager(econ, world.NewMemoryArena(), players, nopPublisher{})

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	chain := settlement.NewStatic()
	claims := claim.New(db, econ, l, chain, signer, claim.Domain{Name: "Seafloor", Version: "1", ChainID: 31337}, nil)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate player key: %v", err)
	}

	srv := New("127.0.0.1:0", Services{
		Network:  "testnet",
		Economy:  econ,
		Verifier: auth.NewVerifier(econ.Auth),
		Guard:    guard.New(econ, guard.NewBanStore(db)),
		Ledger:   l,
		Players:  players,
		World:    w,
		Claims:   claims,
		Metrics:  metrics.New(),
	}, config.ServerConfig{}, testSecret)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:  srv,
		econ:    econ,
		ledger:  l,
		players: players,
		world:   w,
		chain:   chain,
		key:     key,
		addr:    key.Address(),
		url:     fmt.Sprintf("http://%s/", srv.Addr()),
		clock:   time.Now(),
	}
}

// proof signs a fresh proof. Each call advances the timestamp so no two
// proofs share a signature.
func (e *testEnv) proof(t *testing.T, action string) auth.Proof {
	t.Helper()
	e.clock = e.clock.Add(time.Millisecond)
	p, err := auth.Sign(e.key, auth.Message{Action: action, Timestamp: e.clock})
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	return p
}

func (e *testEnv) fund(t *testing.T, res types.ResourceType, n int64) {
	t.Helper()
	if _, err := e.ledger.Append(e.addr, res, n, ledger.EventMining, "test", nil); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

func decodeResult(t *testing.T, resp Response, target interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func wantError(t *testing.T, resp Response, code int, reason string) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected error %d, got result %v", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("code = %d (%s), want %d", resp.Error.Code, resp.Error.Message, code)
	}
	if reason != "" && (resp.Error.Data == nil || resp.Error.Data.Reason != reason) {
		t.Fatalf("data = %+v, want reason %q", resp.Error.Data, reason)
	}
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRPC_SessionList(t *testing.T) {
	env := setupTestEnv(t)

	var list []world.Summary
	decodeResult(t, rpcCall(t, env.url, "session_list", nil), &list)
	if len(list) != 0 {
		t.Fatalf("sessions = %d, want 0", len(list))
	}

	if _, err := env.world.Join(context.Background(), env.addr, "c1", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	decodeResult(t, rpcCall(t, env.url, "session_list", nil), &list)
	if len(list) != 1 || list[0].Players != 1 || list[0].Capacity != 20 {
		t.Fatalf("sessions = %+v", list)
	}
}

func TestRPC_EconomyGetBalance(t *testing.T) {
	env := setupTestEnv(t)
	env.fund(t, types.ResourceCopper, 100)

	var result BalanceResult
	decodeResult(t, rpcCall(t, env.url, "economy_getBalance", ProofParam{Proof: env.proof(t, auth.ActionBalance)}), &result)

	if result.Identity != env.addr.String() {
		t.Errorf("identity = %s", result.Identity)
	}
	if result.Live[types.ResourceCopper] != 100 {
		t.Errorf("live = %v", result.Live)
	}
	if result.Eligible != "25" {
		t.Errorf("eligible = %s, want 25", result.Eligible)
	}
}

func TestRPC_EconomyGetHistory(t *testing.T) {
	env := setupTestEnv(t)
	env.fund(t, types.ResourceCopper, 3)
	env.fund(t, types.ResourceNickel, 4)

	var result HistoryResult
	decodeResult(t, rpcCall(t, env.url, "economy_getHistory", HistoryParam{Proof: env.proof(t, auth.ActionBalance), Limit: 10}), &result)
	if len(result.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(result.Events))
	}
	if result.Events[0].Resource != types.ResourceNickel {
		t.Errorf("newest event = %s, want nickel", result.Events[0].Resource)
	}

	resp := rpcCall(t, env.url, "economy_getHistory", HistoryParam{Proof: env.proof(t, auth.ActionBalance), Limit: maxHistory + 1})
	wantError(t, resp, CodeInvalidParams, "")
}

func TestRPC_AuthFailures(t *testing.T) {
	env := setupTestEnv(t)

	// Proof for another action.
	resp := rpcCall(t, env.url, "economy_getBalance", ProofParam{Proof: env.proof(t, auth.ActionTier)})
	wantError(t, resp, CodeUnauthorized, apperr.ReasonActionMismatch)

	// Proof claiming someone else's address.
	p := env.proof(t, auth.ActionBalance)
	p.Address = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	resp = rpcCall(t, env.url, "economy_getBalance", ProofParam{Proof: p})
	wantError(t, resp, CodeUnauthorized, apperr.ReasonIdentityMismatch)

	// Stale proof.
	old, _ := auth.Sign(env.key, auth.Message{Action: auth.ActionBalance, Timestamp: time.Now().Add(-time.Hour)})
	resp = rpcCall(t, env.url, "economy_getBalance", ProofParam{Proof: old})
	wantError(t, resp, CodeUnauthorized, apperr.ReasonStale)

	// Unknown params are refused before authentication.
	resp = rpcCall(t, env.url, "economy_getBalance", map[string]interface{}{
		"proof": env.proof(t, auth.ActionBalance),
		"max":   "1000",
	})
	wantError(t, resp, CodeInvalidParams, "")
}

func TestRPC_SubmarineTierAndUpgrade(t *testing.T) {
	env := setupTestEnv(t)

	var tier TierResult
	decodeResult(t, rpcCall(t, env.url, "submarine_getTier", ProofParam{Proof: env.proof(t, auth.ActionTier)}), &tier)
	if tier.Tier != 1 || tier.MaxTier != 5 {
		t.Fatalf("tier = %+v", tier)
	}
	if tier.NextCost[types.ResourceNickel] != 50 || tier.NextCost[types.ResourceCopper] != 20 {
		t.Fatalf("next cost = %v", tier.NextCost)
	}

	resp := rpcCall(t, env.url, "submarine_upgrade", UpgradeParam{Proof: env.proof(t, auth.ActionUpgrade), Tier: 2})
	wantError(t, resp, CodeInsufficient, apperr.ReasonInsufficientBalance)

	env.fund(t, types.ResourceNickel, 60)
	env.fund(t, types.ResourceCopper, 20)

	resp = rpcCall(t, env.url, "submarine_upgrade", UpgradeParam{Proof: env.proof(t, auth.ActionUpgrade), Tier: 3})
	wantError(t, resp, CodeInvalidParams, apperr.ReasonInvalidTier)

	p := env.proof(t, auth.ActionUpgrade)
	decodeResult(t, rpcCall(t, env.url, "submarine_upgrade", UpgradeParam{Proof: p, Tier: 2}), &tier)
	if tier.Tier != 2 || tier.Spent[types.ResourceNickel] != 50 {
		t.Fatalf("upgrade = %+v", tier)
	}

	// The same proof cannot be submitted twice.
	resp = rpcCall(t, env.url, "submarine_upgrade", UpgradeParam{Proof: p, Tier: 3})
	wantError(t, resp, CodeUnauthorized, apperr.ReasonReplayed)

	live, _ := env.ledger.LiveBalance(env.addr)
	if live[types.ResourceNickel] != 10 || live[types.ResourceCopper] != 0 {
		t.Fatalf("balance after upgrade = %v", live)
	}
}

func TestRPC_ClaimFlow(t *testing.T) {
	env := setupTestEnv(t)
	env.fund(t, types.ResourceCopper, 100)

	resp := rpcCall(t, env.url, "claim_requestSignature", ClaimParam{Proof: env.proof(t, auth.ActionClaim), Amount: "1000"})
	wantError(t, resp, CodeInsufficient, apperr.ReasonOverLimit)

	resp = rpcCall(t, env.url, "claim_requestSignature", ClaimParam{Proof: env.proof(t, auth.ActionClaim), Amount: "lots"})
	wantError(t, resp, CodeInvalidParams, "")

	var issued claim.Issued
	decodeResult(t, rpcCall(t, env.url, "claim_requestSignature", ClaimParam{Proof: env.proof(t, auth.ActionClaim), Amount: "5"}), &issued)
	if issued.Signature == "" || issued.Nonce != 0 || issued.TradeRef == "" {
		t.Fatalf("issued = %+v", issued)
	}

	tx := types.Hash{0x99}
	resp = rpcCall(t, env.url, "claim_confirm", ConfirmParam{Proof: env.proof(t, auth.ActionConfirm), Nonce: 0, TxHash: tx.Hex()})
	wantError(t, resp, CodeConflict, apperr.ReasonNotConfirmed)

	env.chain.Redeem(env.addr, 0, tx)
	var confirmed ConfirmResult
	decodeResult(t, rpcCall(t, env.url, "claim_confirm", ConfirmParam{Proof: env.proof(t, auth.ActionConfirm), Nonce: 0, TxHash: tx.Hex()}), &confirmed)
	if !confirmed.Claimed || confirmed.TradeRef != issued.TradeRef {
		t.Fatalf("confirmed = %+v", confirmed)
	}

	live, _ := env.ledger.LiveBalance(env.addr)
	if live[types.ResourceCopper] != 80 {
		t.Fatalf("copper = %d, want 80", live[types.ResourceCopper])
	}
}

func TestRPC_Webhook(t *testing.T) {
	env := setupTestEnv(t)
	env.fund(t, types.ResourceCopper, 100)

	var issued claim.Issued
	decodeResult(t, rpcCall(t, env.url, "claim_requestSignature", ClaimParam{Proof: env.proof(t, auth.ActionClaim), Amount: "2"}), &issued)

	hookURL := env.url + "webhook/settlement"
	body := []byte(fmt.Sprintf(`{"identity":%q,"nonce":0,"tx_hash":%q}`, env.addr.String(), types.Hash{0x55}.Hex()))

	post := func(body []byte, sig string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, hookURL, bytes.NewReader(body))
		if sig != "" {
			req.Header.Set(claim.WebhookHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post webhook: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := post(body, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned: status = %d", resp.StatusCode)
	}
	if resp := post(body, claim.SignWebhook([]byte("wrong-secret-wrong-secret-wrong!"), body)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d", resp.StatusCode)
	}
	resp := post(body, claim.SignWebhook([]byte(testSecret), body))
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("signed: status = %d: %s", resp.StatusCode, data)
	}
	var result ConfirmResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Claimed || result.TradeRef != issued.TradeRef {
		t.Fatalf("result = %+v", result)
	}

	unknown := []byte(fmt.Sprintf(`{"identity":%q,"nonce":7,"tx_hash":%q}`, env.addr.String(), types.Hash{0x56}.Hex()))
	if resp := post(unknown, claim.SignWebhook([]byte(testSecret), unknown)); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown nonce: status = %d", resp.StatusCode)
	}
	extra := []byte(`{"identity":"0x70997970c51812dc3a010c7d01b50e0d17dc79c8","nonce":0,"bonus":1}`)
	if resp := post(extra, claim.SignWebhook([]byte(testSecret), extra)); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d", resp.StatusCode)
	}
}

func TestRPC_HealthAndMetrics(t *testing.T) {
	env := setupTestEnv(t)
	base := strings.TrimSuffix(env.url, "/")

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	var health HealthResult
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Network != "testnet" {
		t.Fatalf("health = %+v", health)
	}

	mresp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer mresp.Body.Close()
	data, _ := io.ReadAll(mresp.Body)
	if mresp.StatusCode != http.StatusOK || !strings.Contains(string(data), "seafloor_") {
		t.Fatalf("metrics status %d", mresp.StatusCode)
	}

	// No socket handler mounted.
	wsResp, err := http.Get(base + "/ws")
	if err != nil {
		t.Fatalf("get ws: %v", err)
	}
	wsResp.Body.Close()
	if wsResp.StatusCode != http.StatusNotFound {
		t.Fatalf("ws status = %d, want 404", wsResp.StatusCode)
	}
}

func TestRPC_Protocol(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "chain_getInfo", nil)
	wantError(t, resp, CodeMethodNotFound, "")

	get, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer get.Body.Close()
	var r Response
	json.NewDecoder(get.Body).Decode(&r)
	if r.Error == nil || r.Error.Code != CodeInvalidRequest {
		t.Fatalf("GET error = %+v", r.Error)
	}

	bad, err := http.Post(env.url, "application/json", strings.NewReader(`{"jsonrpc":"1.0","method":"session_list","id":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer bad.Body.Close()
	json.NewDecoder(bad.Body).Decode(&r)
	if r.Error == nil || r.Error.Code != CodeInvalidRequest {
		t.Fatalf("version error = %+v", r.Error)
	}
}

func TestRPC_IPFilterAndCORS(t *testing.T) {
	econ := config.MainnetEconomy()
	db := storage.NewMemory()
	srv := New("127.0.0.1:0", Services{
		Economy: econ,
		Guard:   guard.New(econ, guard.NewBanStore(db)),
		World:   world.NewManager(econ, world.NewMemoryArena(), nil, nopPublisher{}),
	}, config.ServerConfig{
		AllowedIPs:  []string{"10.0.0.0/8"},
		CORSOrigins: []string{"https://game.example"},
	}, "")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outside allow-list: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	req.Header.Set("Origin", "https://game.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://game.example" {
		t.Fatalf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/settlement", strings.NewReader(`{}`))
	req.RemoteAddr = "10.1.2.3:4000"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled webhook: status = %d", rec.Code)
	}
}

func TestRPC_HTTPRateLimit(t *testing.T) {
	env := setupTestEnv(t)
	burst := env.econ.Limits[config.ActionHTTP].Burst

	var last Response
	for i := 0; i <= burst; i++ {
		last = rpcCall(t, env.url, "session_list", nil)
	}
	wantError(t, last, CodeRateLimited, apperr.ReasonRateLimited)
	if last.Error.Data.RetryAfterMS <= 0 {
		t.Fatalf("retry hint = %d", last.Error.Data.RetryAfterMS)
	}
}
