package world

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/movement"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/google/uuid"
)

// Player is a member of a session. Fields are guarded by the session lock.
type Player struct {
	Identity types.Address
	Conn     string
	Tier     int
	JoinedAt time.Time

	// Last accepted position; nil until the first move.
	Last     *movement.Sample
	LastMine time.Time
}

// Node is an extractable resource deposit.
type Node struct {
	ID        string
	Type      types.ResourceType
	Position  types.Position
	Amount    int64
	MaxAmount int64
	Size      float64
	Depleted  bool
	RespawnAt time.Time // zero when not scheduled
	// Generation increments on every respawn so a node can be claimed
	// once per generation.
	Generation uint64
}

// Available reports whether n can be mined.
func (n *Node) Available() bool {
	return !n.Depleted && n.Amount > 0
}

// Session is one instance of the shared world.
type Session struct {
	ID         string
	CreatedAt  time.Time
	Capacity   int
	EmptySince time.Time // zero while occupied

	mu        sync.Mutex
	players   []*Player // join order
	nodes     map[string]*Node
	nodeOrder []string
}

// newSession creates a session with a freshly generated node field.
func newSession(econ *config.Economy, now time.Time) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		Capacity:   econ.Session.Capacity,
		EmptySince: now,
		nodes:      make(map[string]*Node, econ.Session.NodesPerSession),
	}
	for i := 0; i < econ.Session.NodesPerSession; i++ {
		n := generateNode(econ)
		s.nodes[n.ID] = n
		s.nodeOrder = append(s.nodeOrder, n.ID)
	}
	return s
}

// generateNode draws a resource type by weight and places it uniformly
// inside the world bounds.
func generateNode(econ *config.Economy) *Node {
	rule := pickResource(econ.Resources, rand.IntN)
	b := econ.Session.World
	return &Node{
		ID:   uuid.NewString(),
		Type: rule.Type,
		Position: types.Position{
			X: b.MinX + rand.Float64()*(b.MaxX-b.MinX),
			Y: b.MinY + rand.Float64()*(b.MaxY-b.MinY),
			Z: b.MinZ + rand.Float64()*(b.MaxZ-b.MinZ),
		},
		Amount:    rule.NodeAmount,
		MaxAmount: rule.NodeAmount,
		Size:      rule.NodeSize,
	}
}

// pickResource returns a rule with probability proportional to its weight.
func pickResource(rules []config.ResourceRule, intN func(int) int) config.ResourceRule {
	total := 0
	for _, r := range rules {
		total += r.Weight
	}
	x := intN(total)
	for _, r := range rules {
		if x < r.Weight {
			return r
		}
		x -= r.Weight
	}
	return rules[len(rules)-1]
}

// The methods below require s.mu.

func (s *Session) player(identity types.Address) (*Player, int) {
	for i, p := range s.players {
		if p.Identity == identity {
			return p, i
		}
	}
	return nil, -1
}

func (s *Session) full() bool { return len(s.players) >= s.Capacity }

func (s *Session) others(identity types.Address) []string {
	conns := make([]string, 0, len(s.players))
	for _, p := range s.players {
		if p.Identity != identity {
			conns = append(conns, p.Conn)
		}
	}
	return conns
}

func (s *Session) snapshot(you types.Address) Snapshot {
	snap := Snapshot{
		SessionID: s.ID,
		Capacity:  s.Capacity,
		You:       you.String(),
		Players:   make([]PlayerView, 0, len(s.players)),
		Nodes:     make([]NodeView, 0, len(s.nodes)),
	}
	for _, p := range s.players {
		snap.Players = append(snap.Players, playerView(p))
	}
	for _, id := range s.nodeOrder {
		snap.Nodes = append(snap.Nodes, nodeView(s.nodes[id]))
	}
	return snap
}

// respawn restores depleted nodes whose respawn time has passed.
func (s *Session) respawn(now time.Time) []*Node {
	var out []*Node
	for _, id := range s.nodeOrder {
		n := s.nodes[id]
		if n.Depleted && !n.RespawnAt.IsZero() && !now.Before(n.RespawnAt) {
			n.Depleted = false
			n.Amount = n.MaxAmount
			n.RespawnAt = time.Time{}
			n.Generation++
			out = append(out, n)
		}
	}
	return out
}

// Summary describes a session for listings.
type Summary struct {
	ID             string    `json:"id"`
	Players        int       `json:"players"`
	Capacity       int       `json:"capacity"`
	AvailableNodes int       `json:"available_nodes"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Session) summary() Summary {
	avail := 0
	for _, n := range s.nodes {
		if n.Available() {
			avail++
		}
	}
	return Summary{
		ID:             s.ID,
		Players:        len(s.players),
		Capacity:       s.Capacity,
		AvailableNodes: avail,
		CreatedAt:      s.CreatedAt,
	}
}

func sortSummaries(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
