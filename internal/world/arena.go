package world

import (
	"sort"
	"sync"
)

// Arena is a goroutine-safe repository of sessions keyed by id.
type Arena interface {
	Get(id string) (*Session, bool)
	Put(s *Session)
	Delete(id string)
	// List returns every session, oldest first.
	List() []*Session
	Len() int
}

// MemoryArena keeps sessions in process memory.
type MemoryArena struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryArena creates an empty arena.
func NewMemoryArena() *MemoryArena {
	return &MemoryArena{sessions: make(map[string]*Session)}
}

func (a *MemoryArena) Get(id string) (*Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	return s, ok
}

func (a *MemoryArena) Put(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.ID] = s
}

func (a *MemoryArena) Delete(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
}

func (a *MemoryArena) List() []*Session {
	a.mu.RLock()
	list := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		list = append(list, s)
	}
	a.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (a *MemoryArena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}
