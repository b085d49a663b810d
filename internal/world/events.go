package world

import (
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// Event types pushed to connections.
const (
	EventSnapshot      = "session_snapshot"
	EventPlayerJoined  = "player_joined"
	EventPlayerLeft    = "player_left"
	EventPlayerMoved   = "player_moved"
	EventNodeClaimed   = "node_claimed"
	EventNodeRespawned = "node_respawned"
)

// Event is one message for a connection.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publisher delivers events to connections. Send must not block: it
// enqueues onto the connection's outbound queue and fails if it cannot.
type Publisher interface {
	Send(conn string, ev Event) error
}

// PlayerView is the public state of a player.
type PlayerView struct {
	Identity string          `json:"identity"`
	Tier     int             `json:"tier"`
	Position *types.Position `json:"position,omitempty"`
}

// NodeView is the public state of a node.
type NodeView struct {
	ID        string             `json:"id"`
	Type      types.ResourceType `json:"type"`
	Position  types.Position     `json:"position"`
	Amount    int64              `json:"amount"`
	MaxAmount int64              `json:"max_amount"`
	Size      float64            `json:"size"`
	Depleted  bool               `json:"depleted"`
	RespawnAt int64              `json:"respawn_at,omitempty"` // unix millis
}

// Snapshot is the full session state sent to a joining player.
type Snapshot struct {
	SessionID string       `json:"session_id"`
	Capacity  int          `json:"capacity"`
	You       string       `json:"you"`
	Players   []PlayerView `json:"players"`
	Nodes     []NodeView   `json:"nodes"`
}

// PlayerLeft is the payload of EventPlayerLeft.
type PlayerLeft struct {
	Identity string `json:"identity"`
}

// NodeClaimed is the payload of EventNodeClaimed.
type NodeClaimed struct {
	NodeID   string             `json:"node_id"`
	By       string             `json:"by"`
	Resource types.ResourceType `json:"resource"`
	Quantity int64              `json:"quantity"`
	Node     NodeView           `json:"node"`
}

func playerView(p *Player) PlayerView {
	v := PlayerView{Identity: p.Identity.String(), Tier: p.Tier}
	if p.Last != nil {
		pos := p.Last.Position
		v.Position = &pos
	}
	return v
}

func nodeView(n *Node) NodeView {
	v := NodeView{
		ID:        n.ID,
		Type:      n.Type,
		Position:  n.Position,
		Amount:    n.Amount,
		MaxAmount: n.MaxAmount,
		Size:      n.Size,
		Depleted:  n.Depleted,
	}
	if !n.RespawnAt.IsZero() {
		v.RespawnAt = n.RespawnAt.UnixMilli()
	}
	return v
}
