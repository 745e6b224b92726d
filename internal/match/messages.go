package match

import (
	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/ledger"
	"github.com/stockguessr/match-engine/internal/model"
)

// Outbound message types.
const (
	MsgMatchState    = "match_state"
	MsgPlayerJoined  = "player_joined"
	MsgMatchReady    = "match_ready"
	MsgWeekReveal    = "week_reveal"
	MsgOpponentTrade = "opponent_trade"
	MsgTradeResult   = "trade_result"
	MsgMatchResult   = "match_result"
	MsgMatchError    = "match_error"
)

// Message is one outbound event. State messages are full snapshots, so
// redelivery is harmless.
type Message struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster carries messages out to a match's connections.
type Broadcaster interface {
	// Broadcast sends to every participant of the match.
	Broadcast(matchID string, msg Message)
	// SendTo sends to one participant only.
	SendTo(matchID, playerID string, msg Message)
	// SendExcept sends to every participant but playerID.
	SendExcept(matchID, playerID string, msg Message)
}

// PlayerJoinedPayload announces a join.
type PlayerJoinedPayload struct {
	PlayerID    string `json:"player_id"`
	PlayerCount int    `json:"player_count"`
}

// MatchReadyPayload is sent once both players are seated and the
// scenario has loaded.
type MatchReadyPayload struct {
	PlayerIDs      []string       `json:"player_ids"`
	StartingCash   string         `json:"starting_cash"`
	Weeks          int            `json:"weeks"`
	Leverage       []int          `json:"leverage_options"`
	ContextCandles []model.Candle `json:"context_candles"`
}

// WeekRevealPayload carries the candles and news of one revealed week.
type WeekRevealPayload struct {
	Week    int              `json:"week"`
	Candles []model.Candle   `json:"candles"`
	News    []model.NewsItem `json:"news"`
}

// OpponentTradePayload is the public summary of a settled trade.
type OpponentTradePayload struct {
	PlayerID string  `json:"player_id"`
	Action   string  `json:"action"`
	Kind     string  `json:"kind"`
	Price    string  `json:"price"`
	Week     int     `json:"week"`
	PnL      *string `json:"pnl,omitempty"`
	Shares   *int64  `json:"shares,omitempty"`
	Equity   string  `json:"equity"`
}

// TradeResultPayload tells the acting player how an intent settled.
type TradeResultPayload struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Trade    *model.Trade    `json:"trade,omitempty"`
	Cash     string          `json:"cash,omitempty"`
	Equity   string          `json:"equity,omitempty"`
	Position *model.Position `json:"position,omitempty"`
}

// MatchResultPayload carries final equities and trade logs.
type MatchResultPayload struct {
	Player1ID     string        `json:"player1_id"`
	Player2ID     string        `json:"player2_id"`
	Player1Equity string        `json:"player1_equity"`
	Player2Equity string        `json:"player2_equity"`
	Player1Trades []model.Trade `json:"player1_trades"`
	Player2Trades []model.Trade `json:"player2_trades"`
	WinnerID      string        `json:"winner_id,omitempty"`
	Ticker        string        `json:"ticker"`
}

// MatchErrorPayload reports why a match could not continue.
type MatchErrorPayload struct {
	Reason string `json:"reason"`
}

func opponentTrade(playerID string, t model.Trade, equity decimal.Decimal) OpponentTradePayload {
	p := OpponentTradePayload{
		PlayerID: playerID,
		Action:   string(t.Action),
		Kind:     string(t.Kind),
		Price:    ledger.Display(t.Price),
		Week:     t.Week,
		Shares:   t.Shares,
		Equity:   ledger.Display(equity),
	}
	if t.PnL != nil {
		pnl := ledger.Display(*t.PnL)
		p.PnL = &pnl
	}
	return p
}

// matchResult also discloses the ticker, hidden until the match ends.
func matchResult(r *model.MatchResult, ticker string) MatchResultPayload {
	return MatchResultPayload{
		Player1ID:     r.Player1.PlayerID,
		Player2ID:     r.Player2.PlayerID,
		Player1Equity: ledger.Display(r.Player1.FinalEquity),
		Player2Equity: ledger.Display(r.Player2.FinalEquity),
		Player1Trades: r.Player1.Trades,
		Player2Trades: r.Player2.Trades,
		WinnerID:      r.WinnerID,
		Ticker:        ticker,
	}
}

// Discard is a Broadcaster that drops everything.
type Discard struct{}

func (Discard) Broadcast(string, Message)          {}
func (Discard) SendTo(string, string, Message)     {}
func (Discard) SendExcept(string, string, Message) {}
