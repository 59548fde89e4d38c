package session

import (
	"sync"
)

// Store holds the sessions of a fake upstream, keyed by name. Reads return
// copies.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionV2
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*SessionV2),
	}
}

func (s *Store) Get(name string) (SessionV2, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[name]
	if !ok {
		return SessionV2{}, false
	}
	return st.Clone(), true
}

// GetAll returns every session sorted by name.
func (s *Store) GetAll() []SessionV2 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]SessionV2, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	return SortByName(result)
}

func (s *Store) Update(state SessionV2) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := state.Clone()
	s.sessions[state.Name] = &c
}

func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
}

// ActiveCount returns how many sessions are not in a terminal state.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if !st.Status.State.IsTerminal() {
			count++
		}
	}
	return count
}

// Servers renders the store in the legacy listing shape.
func (s *Store) Servers() Servers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Servers{Servers: make(map[string]Server, len(s.sessions))}
	for name, st := range s.sessions {
		c := st.Clone()
		out.Servers[name] = Server{
			Name:        c.Name,
			Annotations: map[string]string{"projectId": c.ProjectID},
			Image:       c.Image,
			URL:         c.URL,
			Started:     c.Started,
			Status:      c.Status,
			Resources:   c.Resources,
		}
	}
	return out
}
