package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockguessr/match-engine/internal/model"
	"github.com/stockguessr/match-engine/internal/scenario/scenariotest"
)

var ctx = context.Background()

func result(matchID, p1, p2, winner string, pnl1, pnl2 int64, at time.Time) *model.MatchResult {
	start := decimal.NewFromInt(100000)
	return &model.MatchResult{
		MatchID:    matchID,
		ScenarioID: "s1",
		Player1: model.PlayerResult{
			PlayerID:    p1,
			FinalEquity: start.Add(decimal.NewFromInt(pnl1)),
			FinalPnL:    decimal.NewFromInt(pnl1),
			Trades:      []model.Trade{{ID: "t1", Action: model.ActionHold, Kind: model.KindTimeout}},
		},
		Player2: model.PlayerResult{
			PlayerID:    p2,
			FinalEquity: start.Add(decimal.NewFromInt(pnl2)),
			FinalPnL:    decimal.NewFromInt(pnl2),
		},
		WinnerID:    winner,
		CompletedAt: at,
	}
}

func seeded(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.CreateScenario(ctx, scenariotest.Weekly("s1", 10, 11, 12, 13)))
	require.NoError(t, s.CreateMatch(ctx, &model.MatchRecord{ID: "m1", ScenarioID: "s1", CreatedAt: time.Now()}))
	return s
}

func TestMemoryStore_Scenario(t *testing.T) {
	s := seeded(t)

	got, err := s.GetScenario(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ACME", got.Ticker)
	assert.Len(t, got.GameCandles, 20)

	// Returned copies do not alias stored data.
	got.GameCandles[0].Close = decimal.Zero
	again, _ := s.GetScenario(ctx, "s1")
	assert.True(t, again.GameCandles[0].Close.Equal(decimal.NewFromInt(10)))

	err = s.CreateScenario(ctx, scenariotest.Weekly("s1", 1, 1, 1, 1))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.GetScenario(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_MatchAndScenarioForMatch(t *testing.T) {
	s := seeded(t)

	m, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, m.Status)

	sc, err := s.ScenarioForMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sc.ID)

	_, err = s.ScenarioForMatch(ctx, "m404")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CreateMatch(ctx, &model.MatchRecord{ID: "m2", ScenarioID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CreateMatch(ctx, &model.MatchRecord{ID: "m1", ScenarioID: "s1"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_SaveMatchResultOnce(t *testing.T) {
	s := seeded(t)
	r := result("m1", "alice", "bob", "alice", 2000, 0, time.Now())

	require.NoError(t, s.SaveMatchResult(ctx, r))
	assert.ErrorIs(t, s.SaveMatchResult(ctx, r), ErrResultExists)

	m, _ := s.GetMatch(ctx, "m1")
	assert.Equal(t, StatusCompleted, m.Status)

	got, err := s.GetMatchResult(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.WinnerID)
	assert.True(t, got.Player1.FinalEquity.Equal(decimal.NewFromInt(102000)))
	require.Len(t, got.Player1.Trades, 1)

	_, err = s.GetMatchResult(ctx, "m404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListResultsByPlayer(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	require.NoError(t, s.SaveMatchResult(ctx, result("a", "alice", "bob", "alice", 500, -500, now.Add(-2*time.Hour))))
	require.NoError(t, s.SaveMatchResult(ctx, result("b", "carol", "alice", "carol", 100, -300, now.Add(-time.Hour))))
	require.NoError(t, s.SaveMatchResult(ctx, result("c", "bob", "carol", "", 0, 0, now)))

	got, err := s.ListResultsByPlayer(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].MatchID, "newest first")
	assert.Equal(t, "a", got[1].MatchID)

	none, err := s.ListResultsByPlayer(ctx, "dave")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	results := []model.MatchResult{
		*result("a", "alice", "bob", "alice", 500, -500, now),
		*result("b", "carol", "alice", "carol", 100, -300, now),
		*result("c", "alice", "carol", "", 0, 0, now),
		*result("d", "bob", "carol", "bob", 10, 0, now),
	}

	st := Summarize("alice", results)
	assert.Equal(t, 3, st.TotalMatches)
	assert.Equal(t, 1, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.Equal(t, 1, st.Ties)
	assert.True(t, st.TotalPnL.Equal(decimal.NewFromInt(200)), "total %s", st.TotalPnL)
	assert.Equal(t, "66.67", st.AvgPnL.StringFixed(2))

	empty := Summarize("zed", results)
	assert.Zero(t, empty.TotalMatches)
	assert.True(t, empty.AvgPnL.IsZero())
}
