// Package store defines the persistence interface for the match engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/stockguessr/match-engine/internal/model"
)

var (
	// ErrNotFound is returned when a scenario, match, or result is missing.
	ErrNotFound = errors.New("store: not found")

	// ErrResultExists is returned when a match result has already been saved.
	ErrResultExists = errors.New("store: match result already saved")

	// ErrDuplicate is returned when creating a scenario or match whose ID
	// is taken.
	ErrDuplicate = errors.New("store: duplicate id")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Scenarios ---

	// CreateScenario persists a new scenario.
	CreateScenario(ctx context.Context, s *model.Scenario) error

	// GetScenario retrieves a scenario by its ID.
	GetScenario(ctx context.Context, id string) (*model.Scenario, error)

	// --- Matches ---

	// CreateMatch records a match and the scenario it will be played on.
	CreateMatch(ctx context.Context, m *model.MatchRecord) error

	// GetMatch retrieves a match record by its ID.
	GetMatch(ctx context.Context, id string) (*model.MatchRecord, error)

	// ScenarioForMatch resolves the scenario assigned to a match.
	ScenarioForMatch(ctx context.Context, matchID string) (*model.Scenario, error)

	// --- Results ---

	// SaveMatchResult persists a completed match and marks it COMPLETED.
	// A second save for the same match returns ErrResultExists.
	SaveMatchResult(ctx context.Context, r *model.MatchResult) error

	// GetMatchResult retrieves the result of a completed match.
	GetMatchResult(ctx context.Context, matchID string) (*model.MatchResult, error)

	// ListResultsByPlayer returns a player's results, newest first.
	ListResultsByPlayer(ctx context.Context, playerID string) ([]model.MatchResult, error)
}

// Match status values.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
