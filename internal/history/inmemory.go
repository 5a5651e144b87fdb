package history

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore backs local development and tests with the identical Store
// interface as PostgresStore, so pipeline code never branches on which
// binding is active.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	turns    map[string]Turn
	byUser   map[string][]string // turn IDs, insertion order
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]Session),
		turns:    make(map[string]Turn),
		byUser:   make(map[string][]string),
	}
}

func (s *InMemoryStore) BeginSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if _, exists := s.sessions[session.ID]; !exists {
		s.sessions[session.ID] = session
	}
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	ended := endedAt
	sess.EndedAt = &ended
	s.sessions[sessionID] = sess
	return nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.turns[turn.ID]; !exists {
		s.byUser[turn.UserID] = append(s.byUser[turn.UserID], turn.ID)
	}
	s.turns[turn.ID] = turn
	return nil
}

func (s *InMemoryStore) GetHistory(_ context.Context, userID string, limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, id := range s.byUser[userID] {
		counts[s.turns[id].SessionID]++
	}

	var out []SessionSummary
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		out = append(out, SessionSummary{Session: sess, TurnCount: counts[sess.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetTurn(_ context.Context, turnID string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[turnID]
	if !ok {
		return Turn{}, ErrTurnNotFound
	}
	return t, nil
}

func (s *InMemoryStore) SearchByText(_ context.Context, userID, query string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)

	var out []Turn
	for _, id := range s.byUser[userID] {
		t := s.turns[id]
		if strings.Contains(strings.ToLower(t.UserText), q) || strings.Contains(strings.ToLower(t.AIText), q) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for userID, ids := range s.byUser {
		kept := ids[:0]
		for _, id := range ids {
			if s.turns[id].CreatedAt.Before(olderThan) {
				delete(s.turns, id)
				pruned++
				continue
			}
			kept = append(kept, id)
		}
		s.byUser[userID] = kept
	}
	for id, sess := range s.sessions {
		if sess.EndedAt != nil && sess.StartedAt.Before(olderThan) {
			delete(s.sessions, id)
		}
	}
	return pruned, nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]Turn, 0, limit)
	for i := len(ids) - limit; i < len(ids); i++ {
		out = append(out, s.turns[ids[i]])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
