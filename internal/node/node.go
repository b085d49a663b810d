// Package node wires the economy authority together so it can be embedded
// in the daemon or in tests.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/auth"
	"github.com/Klingon-tech/seafloor/internal/claim"
	"github.com/Klingon-tech/seafloor/internal/guard"
	"github.com/Klingon-tech/seafloor/internal/ledger"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/metrics"
	"github.com/Klingon-tech/seafloor/internal/mining"
	"github.com/Klingon-tech/seafloor/internal/player"
	"github.com/Klingon-tech/seafloor/internal/rpc"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/internal/world"
	"github.com/Klingon-tech/seafloor/internal/ws"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/rs/zerolog"
)

const (
	guardInterval = time.Minute
	guardIdle     = 10 * time.Minute
)

// Node is a fully-initialized economy server.
type Node struct {
	cfg    *config.Config
	econ   *config.Economy
	logger zerolog.Logger

	// Core
	db      storage.DB
	ledger  *ledger.Ledger
	players *player.Store
	world   *world.Manager
	claims  *claim.Manager
	guard   *guard.Guard
	metrics *metrics.Metrics
	signer  *crypto.PrivateKey

	// Network
	rpcServer *rpc.Server
	gateway   *ws.Gateway

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a Node. It performs all setup steps (logger,
// economy, storage, signer, components, HTTP server) but does NOT start
// listening or background loops. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" && cfg.DataDir != "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/seafloor.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Economy ──────────────────────────────────────────────────
	econ, err := loadEconomy(cfg)
	if err != nil {
		return nil, err
	}
	econHash, err := econ.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash economy: %w", err)
	}
	logger.Info().
		Str("network", string(cfg.Network)).
		Str("economy", econ.Name).
		Str("economy_hash", econHash.String()[:16]+"...").
		Msg("Starting Seafloor economy server")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	// ── 4. Claim signer ─────────────────────────────────────────────
	signer, err := loadSigner(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load claim signer: %w", err)
	}
	logger.Info().Str("address", signer.Address().Checksum()).Msg("Claim signer loaded")

	// ── 5. Settlement reader ────────────────────────────────────────
	chain, contract, err := settlementReader(cfg)
	if err != nil {
		signer.Zero()
		db.Close()
		return nil, err
	}

	// ── 6. Economy components ───────────────────────────────────────
	m := metrics.New()
	l := ledger.New(db, econ)
	players := player.NewStore(db, econ, l)
	claims := claim.New(db, econ, l, chain, signer, claim.Domain{
		Name:     claim.DomainName,
		Version:  claim.DomainVersion,
		ChainID:  cfg.Settlement.ChainID,
		Contract: contract,
	}, m)

	g := guard.New(econ, guard.NewBanStore(db))
	if err := g.Bans().LoadBans(); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore bans")
	}

	// ── 7. Sessions, mining and the socket gateway ──────────────────
	hub := ws.NewHub(cfg.Server.OutboundSize)
	w := world.NewManager(econ, world.NewMemoryArena(), players, hub)
	verifier := auth.NewVerifier(econ.Auth)
	gateway := ws.New(hub, ws.Services{
		Verifier: verifier,
		Guard:    g,
		World:    w,
		Miner:    mining.New(db, econ, w, l, players, m),
		Metrics:  m,
	}, cfg.Server)

	// ── 8. HTTP server ──────────────────────────────────────────────
	addr := net.JoinHostPort(cfg.Server.Addr, strconv.Itoa(cfg.Server.Port))
	rpcServer := rpc.New(addr, rpc.Services{
		Network:  string(cfg.Network),
		Economy:  econ,
		Verifier: verifier,
		Guard:    g,
		Ledger:   l,
		Players:  players,
		World:    w,
		Claims:   claims,
		Metrics:  m,
	}, cfg.Server, cfg.Settlement.WebhookSecret)
	rpcServer.SetSocketHandler(gateway)
	if cfg.Settlement.WebhookSecret == "" {
		logger.Warn().Msg("Settlement webhook disabled (no webhook secret)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:       cfg,
		econ:      econ,
		logger:    logger,
		db:        db,
		ledger:    l,
		players:   players,
		world:     w,
		claims:    claims,
		guard:     g,
		metrics:   m,
		signer:    signer,
		rpcServer: rpcServer,
		gateway:   gateway,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start binds the HTTP listener and launches the background loops.
func (n *Node) Start() error {
	if err := n.rpcServer.Start(); err != nil {
		return fmt.Errorf("start rpc: %w", err)
	}
	n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("HTTP and socket server listening")

	n.loop("session sweep", n.econ.Session.SweepInterval.Std(), n.sweepSessions)
	n.loop("cache refresh", n.econ.Ledger.RefreshInterval.Std(), n.refreshCaches)
	n.loop("claim cleanup", n.econ.Claims.CleanupInterval.Std(), n.cleanupClaims)
	n.loop("guard maintenance", guardInterval, func() { n.guard.Maintain(guardIdle) })

	n.logger.Info().
		Bool("settlement", n.cfg.Settlement.Enabled).
		Str("storage", n.cfg.Storage.Backend).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.gateway != nil {
		n.gateway.Close()
	}
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.signer != nil {
		n.signer.Zero()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the HTTP server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// loop runs fn every interval until Stop. A non-positive interval disables it.
func (n *Node) loop(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		n.logger.Warn().Str("loop", name).Msg("Background loop disabled")
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (n *Node) sweepSessions() {
	res := n.world.Sweep(time.Now())
	sessions, players := n.world.Stats()
	n.metrics.World(sessions, players)
	if res.Removed > 0 || res.Respawned > 0 {
		n.logger.Debug().
			Int("removed", res.Removed).
			Int("respawned", res.Respawned).
			Int("sessions", sessions).
			Msg("Session sweep")
	}
}

func (n *Node) refreshCaches() {
	refreshed, err := n.ledger.RefreshStaleCaches(n.econ.Ledger.StaleAfter.Std())
	if err != nil {
		n.logger.Warn().Err(err).Msg("Balance cache refresh failed")
		return
	}
	if refreshed > 0 {
		n.logger.Debug().Int("refreshed", refreshed).Msg("Balance caches refreshed")
	}
}

func (n *Node) cleanupClaims() {
	res, err := n.claims.CleanupExpired(n.ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Claim cleanup failed")
		return
	}
	if res.Deleted > 0 || res.Reconciled > 0 {
		n.logger.Info().
			Int("deleted", res.Deleted).
			Int("reconciled", res.Reconciled).
			Msg("Expired claim reservations cleaned up")
	}
}
