// Package world owns the shared game state: sessions, their players and
// resource nodes.
package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/movement"
	"github.com/Klingon-tech/seafloor/internal/player"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// Profiles loads or creates persistent profiles on join.
type Profiles interface {
	Sync(identity types.Address) (*player.Profile, error)
}

// Manager places players into sessions and applies their moves.
//
// Lock order: Manager.mu before Session.mu. Nothing blocks while holding
// either lock; broadcasts only enqueue.
type Manager struct {
	econ     *config.Economy
	arena    Arena
	profiles Profiles
	pub      Publisher

	mu      sync.RWMutex
	members map[types.Address]string // identity -> session id

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(econ *config.Economy, arena Arena, profiles Profiles, pub Publisher) *Manager {
	return &Manager{
		econ:     econ,
		arena:    arena,
		profiles: profiles,
		pub:      pub,
		members:  make(map[types.Address]string),
		now:      time.Now,
	}
}

// JoinResult describes a completed join.
type JoinResult struct {
	Snapshot Snapshot
	Created  bool // a new session was created for this join
	// Reconnected is set when the identity was already a member. If the
	// join came from a different connection, Superseded names the old one.
	Reconnected bool
	Superseded  string
}

// Join places identity into a session and pushes the session snapshot to
// conn. requested may name a preferred session; "" or "auto" lets the
// server choose.
func (m *Manager) Join(ctx context.Context, identity types.Address, conn, requested string) (*JoinResult, error) {
	// Profile I/O happens before any lock is taken.
	profile, err := m.profiles.Sync(identity)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if id, ok := m.members[identity]; ok {
		if s, ok := m.arena.Get(id); ok {
			return m.rejoin(s, identity, conn, profile.Tier)
		}
		delete(m.members, identity)
	}

	s, created := m.place(requested, now)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Player{
		Identity: identity,
		Conn:     conn,
		Tier:     profile.Tier,
		JoinedAt: now,
	}
	s.players = append(s.players, p)
	s.EmptySince = time.Time{}
	m.members[identity] = s.ID

	snap := s.snapshot(identity)
	if err := m.pub.Send(conn, Event{Type: EventSnapshot, Payload: snap}); err != nil {
		klog.WS.Debug().Err(err).Str("conn", conn).Msg("Snapshot not delivered")
	}
	m.broadcast(s.others(identity), Event{Type: EventPlayerJoined, Payload: playerView(p)})

	klog.WithIdentity(klog.Session, identity.String()).Info().
		Str("session", s.ID).
		Int("players", len(s.players)).
		Bool("created", created).
		Msg("Player joined")
	return &JoinResult{Snapshot: snap, Created: created}, nil
}

// rejoin resends the snapshot to an existing member and rebinds its
// connection. Requires m.mu.
func (m *Manager) rejoin(s *Session, identity types.Address, conn string, tier int) (*JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, _ := s.player(identity)
	if p == nil {
		return nil, fmt.Errorf("membership index out of sync for %s", identity)
	}
	res := &JoinResult{Reconnected: true}
	if p.Conn != conn {
		res.Superseded = p.Conn
		p.Conn = conn
	}
	p.Tier = tier
	res.Snapshot = s.snapshot(identity)
	if err := m.pub.Send(conn, Event{Type: EventSnapshot, Payload: res.Snapshot}); err != nil {
		klog.WS.Debug().Err(err).Str("conn", conn).Msg("Snapshot not delivered")
	}

	klog.WithIdentity(klog.Session, identity.String()).Debug().
		Str("session", s.ID).
		Str("superseded", res.Superseded).
		Msg("Player rejoined")
	return res, nil
}

// place picks the session for a new member, creating one if needed.
// Requires m.mu.
func (m *Manager) place(requested string, now time.Time) (*Session, bool) {
	if requested != "" && requested != "auto" {
		if s, ok := m.arena.Get(requested); ok {
			s.mu.Lock()
			full := s.full()
			s.mu.Unlock()
			if !full {
				return s, false
			}
		}
	}

	var best *Session
	bestCount := -1
	for _, s := range m.arena.List() {
		s.mu.Lock()
		n, full := len(s.players), s.full()
		s.mu.Unlock()
		if !full && n > bestCount {
			best, bestCount = s, n
		}
	}
	if best != nil {
		return best, false
	}

	s := newSession(m.econ, now)
	m.arena.Put(s)
	klog.Session.Info().Str("session", s.ID).Int("nodes", len(s.nodes)).Msg("Session created")
	return s, true
}

// Leave removes identity from its session if conn is still its connection.
// Returns false when there was nothing to remove.
func (m *Manager) Leave(identity types.Address, conn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.members[identity]
	if !ok {
		return false
	}
	s, ok := m.arena.Get(id)
	if !ok {
		delete(m.members, identity)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, i := s.player(identity)
	if p == nil || p.Conn != conn {
		return false
	}
	s.players = append(s.players[:i], s.players[i+1:]...)
	delete(m.members, identity)
	if len(s.players) == 0 {
		s.EmptySince = m.now()
	}
	m.broadcast(s.others(identity), Event{Type: EventPlayerLeft, Payload: PlayerLeft{Identity: identity.String()}})

	klog.WithIdentity(klog.Session, identity.String()).Info().
		Str("session", s.ID).
		Int("players", len(s.players)).
		Msg("Player left")
	return true
}

// Move validates and applies a position update. The verdict is returned
// for both accepted and rejected moves; only accepted moves are broadcast.
func (m *Manager) Move(identity types.Address, conn string, pos types.Position) (movement.Verdict, error) {
	s, err := m.sessionOf(identity)
	if err != nil {
		return movement.Verdict{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, _ := s.player(identity)
	if p == nil || p.Conn != conn {
		return movement.Verdict{}, notInSession()
	}

	now := m.now()
	v := movement.Validate(p.Last, pos, now, movement.LimitsFor(m.econ, p.Tier))
	if !v.Accepted {
		return v, nil
	}
	p.Last = &movement.Sample{Position: v.Position, At: now}
	m.broadcast(s.others(identity), Event{Type: EventPlayerMoved, Payload: playerView(p)})
	return v, nil
}

// SetTier updates a member's in-session tier after an upgrade.
func (m *Manager) SetTier(identity types.Address, tier int) {
	s, err := m.sessionOf(identity)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, _ := s.player(identity); p != nil {
		p.Tier = tier
	}
}

// SessionOf returns the id of identity's session.
func (m *Manager) SessionOf(identity types.Address) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.members[identity]
	return id, ok
}

// ListSessions summarizes every live session, oldest first.
func (m *Manager) ListSessions() []Summary {
	list := m.arena.List()
	out := make([]Summary, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, s.summary())
		s.mu.Unlock()
	}
	sortSummaries(out)
	return out
}

// Stats returns the number of sessions and players.
func (m *Manager) Stats() (sessions, players int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.arena.Len(), len(m.members)
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Removed   int
	Respawned int
}

// Sweep deletes sessions that have been empty longer than the grace
// period and respawns nodes whose respawn time has passed.
func (m *Manager) Sweep(now time.Time) SweepResult {
	grace := m.econ.Session.EmptyGrace.Std()
	var res SweepResult

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.arena.List() {
		s.mu.Lock()
		if len(s.players) == 0 && !s.EmptySince.IsZero() && now.Sub(s.EmptySince) > grace {
			s.mu.Unlock()
			m.arena.Delete(s.ID)
			res.Removed++
			klog.Session.Info().Str("session", s.ID).Msg("Empty session removed")
			continue
		}
		for _, n := range s.respawn(now) {
			res.Respawned++
			m.broadcast(s.others(types.Address{}), Event{Type: EventNodeRespawned, Payload: nodeView(n)})
		}
		s.mu.Unlock()
	}
	return res
}

func (m *Manager) sessionOf(identity types.Address) (*Session, error) {
	m.mu.RLock()
	id, ok := m.members[identity]
	m.mu.RUnlock()
	if !ok {
		return nil, notInSession()
	}
	s, ok := m.arena.Get(id)
	if !ok {
		return nil, notInSession()
	}
	return s, nil
}

// broadcast sends ev to every conn. Delivery failures are logged; a
// connection that cannot keep up is closed by its gateway.
func (m *Manager) broadcast(conns []string, ev Event) error {
	var errs []error
	for _, c := range conns {
		if err := m.pub.Send(c, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		klog.WS.Debug().Err(err).Str("event", ev.Type).Msg("Broadcast partially failed")
	}
	return err
}

func notInSession() error {
	return apperr.New(apperr.KindValidation, apperr.ReasonNotInSession, "not in a session")
}
