package store

import (
	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/model"
)

// PlayerStats aggregates a player's completed matches.
type PlayerStats struct {
	PlayerID     string          `json:"player_id"`
	TotalMatches int             `json:"total_matches"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	Ties         int             `json:"ties"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	AvgPnL       decimal.Decimal `json:"avg_pnl"`
}

// Summarize computes stats for playerID over results. Results the player
// did not take part in are skipped.
func Summarize(playerID string, results []model.MatchResult) PlayerStats {
	st := PlayerStats{PlayerID: playerID}
	for i := range results {
		r := &results[i]
		var side model.PlayerResult
		switch playerID {
		case r.Player1.PlayerID:
			side = r.Player1
		case r.Player2.PlayerID:
			side = r.Player2
		default:
			continue
		}

		st.TotalMatches++
		st.TotalPnL = st.TotalPnL.Add(side.FinalPnL)
		switch r.WinnerID {
		case "":
			st.Ties++
		case playerID:
			st.Wins++
		default:
			st.Losses++
		}
	}
	if st.TotalMatches > 0 {
		st.AvgPnL = st.TotalPnL.Div(decimal.NewFromInt(int64(st.TotalMatches)))
	}
	return st
}
