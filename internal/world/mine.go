package world

import (
	"time"

	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// MineTicket is the world state a mining attempt was validated against.
type MineTicket struct {
	SessionID  string
	Identity   types.Address
	Conn       string
	Tier       int
	Node       Node // copy at validation time
	Position   types.Position
	Distance   float64
	ValidateAt time.Time
}

// MineRejection carries the context of a gate failure for the audit log.
type MineRejection struct {
	SessionID string
	Resource  types.ResourceType
	Position  *types.Position
	Distance  float64
}

// BeginMine runs the world gates for a mining attempt in order: cooldown,
// node existence, expected resource, node state, then range. want, when
// set, must be the node's resource. reported, when non-nil, is the position
// the client claims; otherwise the last accepted position is used. Only a
// passing attempt starts the identity's cooldown window.
func (m *Manager) BeginMine(identity types.Address, conn, nodeID string, want types.ResourceType, reported *types.Position) (*MineTicket, *MineRejection, error) {
	s, err := m.sessionOf(identity)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, _ := s.player(identity)
	if p == nil || p.Conn != conn {
		return nil, nil, notInSession()
	}
	rej := &MineRejection{SessionID: s.ID}
	now := m.now()

	cooldown := m.econ.Mining.Cooldown.Std()
	if !p.LastMine.IsZero() && now.Sub(p.LastMine) < cooldown {
		wait := cooldown - now.Sub(p.LastMine)
		return nil, rej, apperr.RateLimited(apperr.ReasonCooldown, wait)
	}

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, rej, apperr.New(apperr.KindNotFound, apperr.ReasonNodeNotFound, "no node %q in session", nodeID)
	}
	rej.Resource = n.Type
	if want != "" && want != n.Type {
		return nil, rej, apperr.Invalid(apperr.ReasonResourceMismatch, "node holds %s, not %s", n.Type, want)
	}
	if n.Depleted {
		if n.RespawnAt.IsZero() || now.Before(n.RespawnAt) {
			return nil, rej, apperr.Conflict(apperr.ReasonAlreadyClaimed, "node already claimed")
		}
		// Due, waiting for the next sweep.
		return nil, rej, apperr.Conflict(apperr.ReasonNodeRespawning, "node is respawning")
	}

	var pos types.Position
	switch {
	case reported != nil && reported.Finite():
		pos = *reported
	case reported != nil:
		return nil, rej, apperr.Invalid(apperr.ReasonMalformed, "position must be finite")
	case p.Last != nil:
		pos = p.Last.Position
	default:
		return nil, rej, apperr.Invalid(apperr.ReasonOutOfRange, "position unknown, move before mining")
	}
	rej.Position = &pos
	dist := pos.Distance(n.Position)
	rej.Distance = dist
	if dist > m.econ.Mining.Range+n.Size {
		return nil, rej, apperr.Invalid(apperr.ReasonOutOfRange, "node is %.1f away, range %.1f", dist, m.econ.Mining.Range)
	}

	p.LastMine = now
	return &MineTicket{
		SessionID:  s.ID,
		Identity:   identity,
		Conn:       conn,
		Tier:       p.Tier,
		Node:       *n,
		Position:   pos,
		Distance:   dist,
		ValidateAt: now,
	}, nil, nil
}

// FinishMine applies a committed successful attempt: the node is marked
// claimed until its respawn time and the other members are told.
func (m *Manager) FinishMine(t *MineTicket, quantity int64, respawnAfter time.Duration) {
	s, ok := m.arena.Get(t.SessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[t.Node.ID]
	if !ok || n.Generation != t.Node.Generation {
		return
	}
	n.Amount -= quantity
	if n.Amount < 0 {
		n.Amount = 0
	}
	n.Depleted = true
	n.RespawnAt = m.now().Add(respawnAfter)

	m.broadcast(s.others(t.Identity), Event{Type: EventNodeClaimed, Payload: NodeClaimed{
		NodeID:   n.ID,
		By:       t.Identity.String(),
		Resource: n.Type,
		Quantity: quantity,
		Node:     nodeView(n),
	}})
}
