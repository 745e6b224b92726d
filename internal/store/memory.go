package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/stockguessr/match-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	scenarios map[string]*model.Scenario
	matches   map[string]*model.MatchRecord
	results   map[string]*model.MatchResult
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scenarios: make(map[string]*model.Scenario),
		matches:   make(map[string]*model.MatchRecord),
		results:   make(map[string]*model.MatchResult),
	}
}

func (s *MemoryStore) CreateScenario(_ context.Context, sc *model.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scenarios[sc.ID]; ok {
		return fmt.Errorf("scenario %s: %w", sc.ID, ErrDuplicate)
	}
	s.scenarios[sc.ID] = cloneScenario(sc)
	return nil
}

func (s *MemoryStore) GetScenario(_ context.Context, id string) (*model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	return cloneScenario(sc), nil
}

func (s *MemoryStore) CreateMatch(_ context.Context, m *model.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[m.ID]; ok {
		return fmt.Errorf("match %s: %w", m.ID, ErrDuplicate)
	}
	if _, ok := s.scenarios[m.ScenarioID]; !ok {
		return fmt.Errorf("scenario %s: %w", m.ScenarioID, ErrNotFound)
	}
	copy := *m
	if copy.Status == "" {
		copy.Status = StatusInProgress
	}
	s.matches[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*model.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ScenarioForMatch(ctx context.Context, matchID string) (*model.Scenario, error) {
	m, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return s.GetScenario(ctx, m.ScenarioID)
}

func (s *MemoryStore) SaveMatchResult(_ context.Context, r *model.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[r.MatchID]; ok {
		return fmt.Errorf("match %s: %w", r.MatchID, ErrResultExists)
	}
	s.results[r.MatchID] = cloneResult(r)
	if m, ok := s.matches[r.MatchID]; ok {
		m.Status = StatusCompleted
	}
	return nil
}

func (s *MemoryStore) GetMatchResult(_ context.Context, matchID string) (*model.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[matchID]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", matchID, ErrNotFound)
	}
	return cloneResult(r), nil
}

func (s *MemoryStore) ListResultsByPlayer(_ context.Context, playerID string) ([]model.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.MatchResult{}
	for _, r := range s.results {
		if r.Involves(playerID) {
			out = append(out, *cloneResult(r))
		}
	}
	slices.SortFunc(out, func(a, b model.MatchResult) int {
		return b.CompletedAt.Compare(a.CompletedAt)
	})
	return out, nil
}

func cloneScenario(sc *model.Scenario) *model.Scenario {
	c := *sc
	c.ContextCandles = slices.Clone(sc.ContextCandles)
	c.GameCandles = slices.Clone(sc.GameCandles)
	c.News = slices.Clone(sc.News)
	return &c
}

func cloneResult(r *model.MatchResult) *model.MatchResult {
	c := *r
	c.Player1.Trades = slices.Clone(r.Player1.Trades)
	c.Player2.Trades = slices.Clone(r.Player2.Trades)
	return &c
}
