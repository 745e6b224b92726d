// Package model defines the core domain types shared across the match engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a player's decision for one round.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Valid reports whether a is one of the three known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// Phase is the lifecycle stage of a match round.
type Phase string

const (
	PhaseCountdown    Phase = "countdown"
	PhaseReveal       Phase = "reveal"
	PhaseDecision     Phase = "decision"
	PhaseWaitingRound Phase = "waiting_for_next_round"
	PhaseCompleted    Phase = "completed"

	// PhaseError is broadcast when match setup aborts before a scheduler exists.
	PhaseError Phase = "error"
)

// TradeKind records how a trade came to be settled.
type TradeKind string

const (
	KindPlayer      TradeKind = "player"      // explicit player intent
	KindTimeout     TradeKind = "timeout"     // forced HOLD at the decision deadline
	KindLiquidation TradeKind = "liquidation" // end-of-match close
)

// Candle is one trading day of OHLCV data.
type Candle struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// NewsItem is a headline attached to one game week. Week is 1-based.
type NewsItem struct {
	Week     int       `json:"week"`
	Headline string    `json:"headline"`
	Date     time.Time `json:"date"`
}

// Scenario is the hidden historical chart a match is played on.
type Scenario struct {
	ID             string     `json:"id" db:"id"`
	Ticker         string     `json:"ticker" db:"ticker"`
	StartDate      time.Time  `json:"start_date" db:"start_date"`
	EndDate        time.Time  `json:"end_date" db:"end_date"`
	ContextCandles []Candle   `json:"context_candles" db:"context_candles"`
	GameCandles    []Candle   `json:"game_candles" db:"game_candles"`
	News           []NewsItem `json:"news" db:"news"`
	Description    string     `json:"description" db:"description"`
	Difficulty     string     `json:"difficulty" db:"difficulty"` // EASY, MEDIUM, HARD
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Position is an open leveraged stake. Shares is signed: +long, -short,
// and never zero while the position exists.
type Position struct {
	Shares     int64           `json:"shares"`
	EntryPrice decimal.Decimal `json:"entry_price"` // volume-weighted average
	EntryWeek  int             `json:"entry_week"`
	Leverage   int             `json:"leverage"` // locked at open
}

// IsLong reports whether the position is a long.
func (p *Position) IsLong() bool { return p.Shares > 0 }

// AbsShares returns |Shares|.
func (p *Position) AbsShares() int64 {
	if p.Shares < 0 {
		return -p.Shares
	}
	return p.Shares
}

// Trade is an immutable record of one settled action.
// Once appended to a player's log it is never modified or deleted.
type Trade struct {
	ID        string           `json:"id"`
	Week      int              `json:"week"`
	Action    Action           `json:"action"`
	Kind      TradeKind        `json:"kind"`
	Price     decimal.Decimal  `json:"price"`
	Shares    *int64           `json:"shares,omitempty"`
	PnL       *decimal.Decimal `json:"pnl,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// PlayerState is one player's account for the duration of one match.
type PlayerState struct {
	PlayerID string          `json:"player_id"`
	Cash     decimal.Decimal `json:"cash"`
	Position *Position       `json:"position,omitempty"`
	Trades   []Trade         `json:"trades"`
}

// NewPlayerState returns a flat account holding only cash.
func NewPlayerState(playerID string, cash decimal.Decimal) PlayerState {
	return PlayerState{PlayerID: playerID, Cash: cash, Trades: []Trade{}}
}

// HasTradedWeek reports whether a player-originated or timeout trade has
// already been settled for week. Liquidation trades do not count.
func (s *PlayerState) HasTradedWeek(week int) bool {
	for _, t := range s.Trades {
		if t.Week == week && t.Kind != KindLiquidation {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate freely.
func (s PlayerState) Clone() PlayerState {
	out := s
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	out.Trades = make([]Trade, len(s.Trades))
	copy(out.Trades, s.Trades)
	return out
}

// RoundState is the shared, server-owned round clock broadcast to both
// players. EndTime is an absolute deadline, not a remaining duration.
type RoundState struct {
	MatchID     string    `json:"match_id"`
	CurrentWeek int       `json:"current_week"`
	Phase       Phase     `json:"phase"`
	EndTime     time.Time `json:"end_time"`
}

// MatchRecord links a match to the scenario it will be played on.
type MatchRecord struct {
	ID         string    `json:"id" db:"id"`
	ScenarioID string    `json:"scenario_id" db:"scenario_id"`
	Status     string    `json:"status" db:"status"` // "IN_PROGRESS", "COMPLETED"
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// PlayerResult is one side of a finished match.
type PlayerResult struct {
	PlayerID    string          `json:"player_id"`
	FinalEquity decimal.Decimal `json:"final_equity"`
	FinalPnL    decimal.Decimal `json:"final_pnl"` // FinalEquity - starting cash
	Trades      []Trade         `json:"trades"`
}

// MatchResult is emitted once per match at completion.
// WinnerID is empty on a tie.
type MatchResult struct {
	MatchID     string       `json:"match_id"`
	ScenarioID  string       `json:"scenario_id"`
	Player1     PlayerResult `json:"player1"`
	Player2     PlayerResult `json:"player2"`
	WinnerID    string       `json:"winner_id,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Involves reports whether playerID took part in the match.
func (r *MatchResult) Involves(playerID string) bool {
	return r.Player1.PlayerID == playerID || r.Player2.PlayerID == playerID
}
