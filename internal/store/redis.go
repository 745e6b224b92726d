package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockguessr/match-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Scenarios and results are immutable once written, which is what makes
// them safe to cache. Match records change status and are not cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	if err := s.primary.CreateScenario(ctx, sc); err != nil {
		return err
	}
	s.cache(ctx, scenarioKey(sc.ID), sc)
	return nil
}

func (s *CachedStore) CreateMatch(ctx context.Context, m *model.MatchRecord) error {
	if err := s.primary.CreateMatch(ctx, m); err != nil {
		return err
	}
	// Remember which scenario the match uses; it never changes.
	s.rdb.Set(ctx, matchScenarioKey(m.ID), m.ScenarioID, s.ttl)
	return nil
}

func (s *CachedStore) SaveMatchResult(ctx context.Context, r *model.MatchResult) error {
	if err := s.primary.SaveMatchResult(ctx, r); err != nil {
		return err
	}
	// Invalidate both players' history; next read will re-populate.
	s.rdb.Del(ctx, playerResultsKey(r.Player1.PlayerID), playerResultsKey(r.Player2.PlayerID))
	s.cache(ctx, resultKey(r.MatchID), r)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, scenarioKey(id)).Bytes()
	if err == nil {
		var sc model.Scenario
		if json.Unmarshal(data, &sc) == nil {
			return &sc, nil
		}
	}

	// Cache miss: read from primary.
	sc, err := s.primary.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, scenarioKey(id), sc)
	return sc, nil
}

func (s *CachedStore) ScenarioForMatch(ctx context.Context, matchID string) (*model.Scenario, error) {
	// Try cache via match→scenarioID mapping.
	scenarioID, err := s.rdb.Get(ctx, matchScenarioKey(matchID)).Result()
	if err == nil {
		return s.GetScenario(ctx, scenarioID)
	}

	// Cache miss.
	m, err := s.primary.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, matchScenarioKey(matchID), m.ScenarioID, s.ttl)
	return s.GetScenario(ctx, m.ScenarioID)
}

func (s *CachedStore) GetMatchResult(ctx context.Context, matchID string) (*model.MatchResult, error) {
	data, err := s.rdb.Get(ctx, resultKey(matchID)).Bytes()
	if err == nil {
		var r model.MatchResult
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetMatchResult(ctx, matchID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, resultKey(matchID), r)
	return r, nil
}

func (s *CachedStore) ListResultsByPlayer(ctx context.Context, playerID string) ([]model.MatchResult, error) {
	data, err := s.rdb.Get(ctx, playerResultsKey(playerID)).Bytes()
	if err == nil {
		var results []model.MatchResult
		if json.Unmarshal(data, &results) == nil {
			return results, nil
		}
	}

	results, err := s.primary.ListResultsByPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, playerResultsKey(playerID), results)
	return results, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetMatch(ctx context.Context, id string) (*model.MatchRecord, error) {
	return s.primary.GetMatch(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func scenarioKey(id string) string       { return fmt.Sprintf("scenario:%s", id) }
func matchScenarioKey(id string) string  { return fmt.Sprintf("match:%s:scenario", id) }
func resultKey(matchID string) string    { return fmt.Sprintf("result:%s", matchID) }
func playerResultsKey(pid string) string { return fmt.Sprintf("player:%s:results", pid) }

