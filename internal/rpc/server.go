// Package rpc implements the JSON-RPC 2.0 API server and the plain HTTP
// endpoints mounted beside it.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
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
	"github.com/Klingon-tech/seafloor/internal/world"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Sessions is the part of the session manager the HTTP API reads.
type Sessions interface {
	SetTier(identity types.Address, tier int)
	ListSessions() []world.Summary
	Stats() (sessions, players int)
}

// Services are the components behind the API.
type Services struct {
	Network  string
	Economy  *config.Economy
	Verifier *auth.Verifier
	Guard    *guard.Guard
	Ledger   *ledger.Ledger
	Players  *player.Store
	World    Sessions
	Claims   *claim.Manager
	Metrics  *metrics.Metrics
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr    string
	svc     Services
	socket  http.Handler // GET /ws (nil = disabled)
	secret  []byte       // webhook HMAC key (empty = disabled)
	started time.Time

	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
	trustProxy  bool
}

// New creates a new RPC server. A zero-value ServerConfig allows all IPs
// and disables CORS. An empty webhookSecret disables the settlement webhook.
func New(addr string, svc Services, cfg config.ServerConfig, webhookSecret string) *Server {
	s := &Server{
		addr:        addr,
		svc:         svc,
		secret:      []byte(webhookSecret),
		started:     time.Now(),
		logger:      klog.WithComponent("rpc"),
		allowedNets: guard.ParseAllowedIPs(cfg.AllowedIPs),
		corsOrigins: cfg.CORSOrigins,
		trustProxy:  cfg.TrustProxy,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", svc.Metrics.Handler())
	mux.HandleFunc("/webhook/settlement", s.handleWebhook)
	mux.HandleFunc("/ws", s.handleSocket)

	s.server = &http.Server{
		Handler:           s.filter(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// SetSocketHandler mounts the real-time gateway at /ws.
func (s *Server) SetSocketHandler(h http.Handler) {
	s.socket = h
}

// Handler returns the root handler, including IP filtering.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server. Hijacked socket connections are
// not tracked by the HTTP server; the gateway closes them itself.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// filter applies the IP allow-list to every route.
func (s *Server) filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !guard.IPAllowed(s.allowedNets, guard.ClientIP(r, s.trustProxy)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	// CORS headers.
	s.setCORSHeaders(w, r)

	// Handle CORS preflight.
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	ip := guard.ClientIP(r, s.trustProxy)
	if _, err := s.svc.Guard.Check(guard.Key{Scope: guard.ScopeIP, Subject: ip, Action: config.ActionHTTP}); err != nil {
		s.svc.Metrics.RateLimited(config.ActionHTTP)
		writeJSON(w, Response{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	call := &call{ctx: r.Context(), req: &req, ip: ip}
	result, rpcErr := s.dispatch(call)
	if rpcErr != nil {
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr,
			ID:      req.ID,
		})
		return
	}

	writeJSON(w, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// call is one JSON-RPC invocation with its transport context.
type call struct {
	ctx context.Context
	req *Request
	ip  string
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(c *call) (interface{}, *Error) {
	switch c.req.Method {
	case "economy_getBalance":
		return s.handleEconomyGetBalance(c)
	case "economy_getHistory":
		return s.handleEconomyGetHistory(c)
	case "submarine_getTier":
		return s.handleSubmarineGetTier(c)
	case "submarine_upgrade":
		return s.handleSubmarineUpgrade(c)
	case "claim_requestSignature":
		return s.handleClaimRequestSignature(c)
	case "claim_confirm":
		return s.handleClaimConfirm(c)
	case "session_list":
		return s.handleSessionList(c)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", c.req.Method)}
	}
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	// Check if origin is allowed.
	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			allowed = true
			break
		}
	}

	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// parseParams unmarshals the request params into the given target.
// Unknown fields are refused.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}

	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}

	if err := decodeStrict(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// toRPCError maps a classified error onto a JSON-RPC error.
func toRPCError(err error) *Error {
	code := CodeInternalError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		code = CodeInvalidParams
	case apperr.KindAuthentication:
		code = CodeUnauthorized
	case apperr.KindConflict:
		code = CodeConflict
	case apperr.KindRateLimit:
		code = CodeRateLimited
	case apperr.KindInsufficient:
		code = CodeInsufficient
	case apperr.KindUnavailable:
		code = CodeUnavailable
	case apperr.KindNotFound:
		code = CodeNotFound
	default:
		klog.RPC.Error().Err(err).Msg("Internal error")
		return &Error{Code: code, Message: "internal error"}
	}

	e := &Error{Code: code, Message: err.Error()}
	reason := apperr.ReasonOf(err)
	retry := apperr.RetryAfterOf(err)
	if reason != "" || retry > 0 {
		e.Data = &ErrorData{Reason: reason, RetryAfterMS: retry.Milliseconds()}
	}
	return e
}

// httpStatus maps a classified error onto an HTTP status.
func httpStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimit:
		return http.StatusTooManyRequests
	case apperr.KindInsufficient:
		return http.StatusPaymentRequired
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
