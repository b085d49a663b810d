// Package ws is the real-time socket gateway. Each connection has one read
// loop that validates every frame before it reaches the session or mining
// code, and one writer goroutine draining a bounded outbound queue.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/internal/auth"
	"github.com/Klingon-tech/seafloor/internal/guard"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/metrics"
	"github.com/Klingon-tech/seafloor/internal/mining"
	"github.com/Klingon-tech/seafloor/internal/movement"
	"github.com/Klingon-tech/seafloor/internal/world"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// World is the session manager as seen by the gateway.
type World interface {
	Join(ctx context.Context, identity types.Address, conn, requested string) (*world.JoinResult, error)
	Leave(identity types.Address, conn string) bool
	Move(identity types.Address, conn string, pos types.Position) (movement.Verdict, error)
}

// Miner adjudicates mining attempts.
type Miner interface {
	Mine(ctx context.Context, req mining.Request) (*mining.Result, error)
}

// Services are the components behind the gateway.
type Services struct {
	Verifier *auth.Verifier
	Guard    *guard.Guard
	World    World
	Miner    Miner
	Metrics  *metrics.Metrics
}

// Gateway upgrades HTTP requests to sockets and serves them.
type Gateway struct {
	hub        *Hub
	svc        Services
	upgrader   websocket.Upgrader
	origins    []string
	maxMsg     int64
	trustProxy bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway delivering through hub. An empty origin list
// accepts any origin.
func New(hub *Hub, svc Services, cfg config.ServerConfig) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		hub:        hub,
		svc:        svc,
		origins:    cfg.WSOrigins,
		maxMsg:     int64(cfg.MaxMsgBytes),
		trustProxy: cfg.TrustProxy,
		ctx:        ctx,
		cancel:     cancel,
	}
	if g.maxMsg <= 0 {
		g.maxMsg = 16 * 1024
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Close stops in-flight work and closes every connection.
func (g *Gateway) Close() {
	g.cancel()
	g.hub.CloseAll()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection's read loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := guard.ClientIP(r, g.trustProxy)
	if _, err := g.svc.Guard.Check(guard.Key{Scope: guard.ScopeIP, Subject: ip, Action: config.ActionConnect}); err != nil {
		g.svc.Metrics.RateLimited(config.ActionConnect)
		klog.WS.Debug().Str("ip", ip).Err(err).Msg("Connection refused")
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.WS.Debug().Str("ip", ip).Err(err).Msg("Upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, ip, r.UserAgent(), g.hub.queueSize)
	g.hub.add(c)
	g.svc.Metrics.ConnOpened()
	klog.WS.Debug().Str("conn", c.id).Str("ip", ip).Msg("Connection opened")

	go c.writeLoop()
	g.readLoop(c)
}

func (g *Gateway) readLoop(c *client) {
	defer g.teardown(c)

	c.ws.SetReadLimit(g.maxMsg)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				klog.WS.Debug().Str("conn", c.id).Err(err).Msg("Read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			g.malformed(c, 0, "binary frames are not accepted")
			continue
		}

		msg, err := ParseMessage(data)
		if err != nil {
			g.malformed(c, 0, err.Error())
			continue
		}
		g.dispatch(c, msg)
		if c.closed() {
			return
		}
	}
}

// teardown runs on every exit path of the read loop.
func (g *Gateway) teardown(c *client) {
	c.shutdown(websocket.CloseNormalClosure, "")
	g.hub.remove(c.id)
	if c.joined {
		g.svc.World.Leave(c.identity, c.id)
	}
	g.svc.Guard.Release(c.id)
	g.svc.Metrics.ConnClosed()
	klog.WS.Debug().Str("conn", c.id).Msg("Connection closed")
}

func (g *Gateway) dispatch(c *client, msg *Message) {
	switch msg.Type {
	case TypeJoin:
		g.handleJoin(c, msg.Seq, msg.Join)
	case TypeMove:
		g.handleMove(c, msg.Seq, msg.Move)
	case TypeMine:
		g.handleMine(c, msg.Seq, msg.Mine)
	case TypePing:
		c.reply(Reply{Type: TypePong, Seq: msg.Seq, Payload: Pong{
			ServerTime: time.Now().UnixMilli(),
			ClientTime: msg.Ping.ClientTime,
		}})
	}
}

func (g *Gateway) handleJoin(c *client, seq uint64, p *JoinPayload) {
	if ok := g.throttle(c, seq, guard.Key{Scope: guard.ScopeConn, Subject: c.id, Action: config.ActionJoin}); !ok {
		return
	}

	m, err := g.svc.Verifier.VerifyOnce(p.Proof, auth.ActionJoin)
	if err != nil {
		switch apperr.ReasonOf(err) {
		case apperr.ReasonBadSignature, apperr.ReasonIdentityMismatch:
			g.offend(c, guard.OffenseBadSignature, c.ip)
		case apperr.ReasonMalformed:
			g.offend(c, guard.OffenseMalformed, c.ip)
		}
		g.fail(c, seq, err)
		return
	}
	requested := m.Session
	if requested == auth.SessionAuto {
		requested = ""
	}
	if p.Session != "" && p.Session != requested {
		g.fail(c, seq, apperr.Invalid(apperr.ReasonMalformed, "session %q does not match the signed session", p.Session))
		return
	}
	if c.joined && c.identity != m.Address {
		g.fail(c, seq, apperr.Auth(apperr.ReasonIdentityMismatch, "connection already joined as %s", c.identity))
		return
	}
	if rec, banned := g.svc.Guard.Bans().Banned(m.Address.String()); banned {
		var retry time.Duration
		if rec.ExpiresAt > 0 {
			retry = time.Until(time.Unix(rec.ExpiresAt, 0))
		}
		g.fail(c, seq, apperr.RateLimited(apperr.ReasonBanned, retry))
		c.shutdown(websocket.ClosePolicyViolation, apperr.ReasonBanned)
		return
	}

	res, err := g.svc.World.Join(g.ctx, m.Address, c.id, requested)
	if err != nil {
		g.fail(c, seq, err)
		return
	}
	c.identity = m.Address
	c.joined = true
	if res.Superseded != "" && res.Superseded != c.id {
		g.hub.Close(res.Superseded, "superseded")
	}

	klog.WithIdentity(klog.WS, m.Address.String()).Info().
		Str("conn", c.id).
		Str("session", res.Snapshot.SessionID).
		Bool("reconnected", res.Reconnected).
		Msg("Player joined")
	c.reply(Reply{Type: TypeJoined, Seq: seq, Payload: Joined{
		SessionID:   res.Snapshot.SessionID,
		Identity:    m.Address.String(),
		Created:     res.Created,
		Reconnected: res.Reconnected,
	}})
}

func (g *Gateway) handleMove(c *client, seq uint64, p *MovePayload) {
	if !c.joined {
		g.fail(c, seq, apperr.Conflict(apperr.ReasonNotInSession, "join before moving"))
		return
	}
	if ok := g.throttle(c, seq, guard.Key{Scope: guard.ScopeConn, Subject: c.id, Action: config.ActionMove}); !ok {
		return
	}

	v, err := g.svc.World.Move(c.identity, c.id, p.Position())
	if err != nil {
		g.fail(c, seq, err)
		return
	}
	if !v.Accepted {
		if v.Reason == movement.ReasonTooFast {
			g.offend(c, guard.OffenseTeleport, c.identity.String(), c.ip)
		}
		c.reply(Reply{Type: TypeMoveRejected, Seq: seq, Payload: MoveRejected{Reason: v.Reason, Position: v.Position}})
		return
	}
	if seq > 0 {
		c.reply(Reply{Type: TypeAck, Seq: seq})
	}
}

func (g *Gateway) handleMine(c *client, seq uint64, p *MinePayload) {
	if !c.joined {
		g.fail(c, seq, apperr.Conflict(apperr.ReasonNotInSession, "join before mining"))
		return
	}
	if ok := g.throttle(c, seq, guard.Key{Scope: guard.ScopeIdentity, Subject: c.identity.String(), Action: config.ActionMine}); !ok {
		return
	}

	res, err := g.svc.Miner.Mine(g.ctx, mining.Request{
		Identity:  c.identity,
		Conn:      c.id,
		NodeID:    p.NodeID,
		Resource:  p.Resource,
		Position:  p.Position,
		RequestID: p.RequestID,
		IP:        c.ip,
		UserAgent: c.ua,
	})
	if err != nil {
		g.fail(c, seq, err)
		return
	}
	c.reply(Reply{Type: TypeMineResult, Seq: seq, Payload: res.Raw})
}

// throttle applies k's limit. Refused messages get an error reply unless
// the action's policy is to drop them silently.
func (g *Gateway) throttle(c *client, seq uint64, k guard.Key) bool {
	ok, err := g.svc.Guard.Check(k)
	if ok {
		return true
	}
	g.svc.Metrics.RateLimited(k.Action)
	if err != nil {
		g.fail(c, seq, err)
	}
	return false
}

func (g *Gateway) malformed(c *client, seq uint64, detail string) {
	klog.WS.Debug().Str("conn", c.id).Str("ip", c.ip).Str("detail", detail).Msg("Malformed message")
	g.offend(c, guard.OffenseMalformed, c.ip)
	g.fail(c, seq, apperr.Invalid(apperr.ReasonMalformed, "%s", detail))
}

// offend records an offense and drops the connection once a subject is
// banned.
func (g *Gateway) offend(c *client, kind string, subjects ...string) {
	if g.svc.Guard.Offend(kind, subjects...) {
		c.shutdown(websocket.ClosePolicyViolation, apperr.ReasonBanned)
	}
}

// fail sends err to the client as an error frame.
func (g *Gateway) fail(c *client, seq uint64, err error) {
	p := ErrorPayload{
		Reason:       apperr.ReasonOf(err),
		Message:      err.Error(),
		RetryAfterMS: apperr.RetryAfterOf(err).Milliseconds(),
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		klog.WS.Error().Err(err).Str("conn", c.id).Msg("Internal error")
		p.Reason = "internal"
		p.Message = "internal error"
		p.RetryAfterMS = 0
	}
	c.reply(Reply{Type: TypeError, Seq: seq, Payload: p})
}
