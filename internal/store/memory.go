package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a volatile store kept in process maps. It is safe for
// concurrent use; every value crossing the boundary is cloned so callers
// cannot mutate stored state.
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[string]Agent
	sessions      map[string]Session
	participants  map[string][]*Participant
	conflicts     map[string]*Conflict
	conflictOrder []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]Agent),
		sessions:     make(map[string]Session),
		participants: make(map[string][]*Participant),
		conflicts:    make(map[string]*Conflict),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) UpsertAgent(_ context.Context, agent Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) ResolveAgent(_ context.Context, agentID string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return agent, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return fmt.Errorf("session %s: %w", session.SessionID, ErrAlreadyExists)
	}
	session.CompletedAt = cloneTime(session.CompletedAt)
	s.sessions[session.SessionID] = session
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	session.CompletedAt = cloneTime(session.CompletedAt)
	return session, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.participants, sessionID)
	return nil
}

func (s *MemoryStore) CompleteSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.Status != StatusActive {
		return fmt.Errorf("session %s already completed: %w", sessionID, ErrStale)
	}
	session.Status = StatusCompleted
	session.CompletedAt = &at
	s.sessions[sessionID] = session

	for _, participant := range s.participants[sessionID] {
		if participant.Status != StatusActive {
			continue
		}
		participant.Status = StatusCompleted
		participant.HeldLocks = []string{}
		if participant.LeftAt == nil {
			left := at
			participant.LeftAt = &left
		}
	}
	return nil
}

func (s *MemoryStore) InsertParticipant(_ context.Context, participant Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[participant.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", participant.SessionID, ErrNotFound)
	}
	for _, existing := range s.participants[participant.SessionID] {
		if existing.AgentID == participant.AgentID {
			return fmt.Errorf("participant %s: %w", participant.AgentID, ErrAlreadyExists)
		}
	}
	stored := participant.Clone()
	s.participants[participant.SessionID] = append(s.participants[participant.SessionID], &stored)
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, sessionID, agentID string) (Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	participant := s.findParticipantLocked(sessionID, agentID)
	if participant == nil {
		return Participant{}, ErrNotFound
	}
	return participant.Clone(), nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, sessionID string) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.participants[sessionID]
	participants := make([]Participant, 0, len(stored))
	for _, participant := range stored {
		participants = append(participants, participant.Clone())
	}
	return participants, nil
}

// UpdateParticipant applies fn to a copy of the participant under the write
// lock and stores the result only when fn succeeds.
func (s *MemoryStore) UpdateParticipant(_ context.Context, sessionID, agentID string, fn func(*Participant) error) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	participant := s.findParticipantLocked(sessionID, agentID)
	if participant == nil {
		return Participant{}, ErrNotFound
	}
	working := participant.Clone()
	if err := fn(&working); err != nil {
		return Participant{}, err
	}
	*participant = working.Clone()
	return working, nil
}

func (s *MemoryStore) InsertConflict(_ context.Context, conflict Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[conflict.ID]; ok {
		return fmt.Errorf("conflict %s: %w", conflict.ID, ErrAlreadyExists)
	}
	stored := conflict
	stored.ResolvedAt = cloneTime(conflict.ResolvedAt)
	s.conflicts[conflict.ID] = &stored
	s.conflictOrder = append(s.conflictOrder, conflict.ID)
	return nil
}

func (s *MemoryStore) ResolveConflict(_ context.Context, conflictID string, resolution ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return ErrNotFound
	}
	if conflict.Resolution != ResolutionPending {
		return fmt.Errorf("conflict %s already resolved: %w", conflictID, ErrStale)
	}
	resolvedAt := resolution.ResolvedAt
	conflict.Resolution = resolution.Resolution
	conflict.ResolvedBy = resolution.ResolvedBy
	conflict.ResolvedAction = resolution.ResolvedAction
	conflict.ResolvedAt = &resolvedAt
	return nil
}

func (s *MemoryStore) GetConflict(_ context.Context, conflictID string) (Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	copied := *conflict
	copied.ResolvedAt = cloneTime(conflict.ResolvedAt)
	return copied, nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, sessionID string) ([]Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conflicts := make([]Conflict, 0)
	for _, id := range s.conflictOrder {
		conflict := s.conflicts[id]
		if conflict.SessionID != sessionID {
			continue
		}
		copied := *conflict
		copied.ResolvedAt = cloneTime(conflict.ResolvedAt)
		conflicts = append(conflicts, copied)
	}
	return conflicts, nil
}

func (s *MemoryStore) CountConflicts(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, conflict := range s.conflicts {
		if conflict.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) findParticipantLocked(sessionID, agentID string) *Participant {
	for _, participant := range s.participants[sessionID] {
		if participant.AgentID == agentID {
			return participant
		}
	}
	return nil
}
