// Package scenario handles the hidden historical chart a match is played
// on: validation of supplied data, per-week reveal slicing, trade prices,
// and difficulty classification.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/stockguessr/match-engine/internal/model"
)

// Difficulty labels.
const (
	DifficultyEasy   = "EASY"
	DifficultyMedium = "MEDIUM"
	DifficultyHard   = "HARD"
)

// tickerRegex matches exchange symbols such as AAPL, BRK.B or RDS-A.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var (
	ErrInvalidTicker      = errors.New("scenario: invalid ticker format")
	ErrScenarioIncomplete = errors.New("scenario: incomplete game data")
	ErrWeekOutOfRange     = errors.New("scenario: week out of range")
)

// Provider supplies the scenario for a match at match start.
type Provider interface {
	ScenarioForMatch(ctx context.Context, matchID string) (*model.Scenario, error)
}

// Layout describes how game candles divide into weeks.
type Layout struct {
	Weeks       int
	DaysPerWeek int
}

// DefaultLayout is four weeks of five trading days.
var DefaultLayout = Layout{Weeks: 4, DaysPerWeek: 5}

// Days returns the number of game candles a scenario must carry.
func (l Layout) Days() int { return l.Weeks * l.DaysPerWeek }

// ParseTicker validates a ticker symbol.
func ParseTicker(ticker string) error {
	if !tickerRegex.MatchString(ticker) {
		return fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return nil
}

// Validate checks that s can drive a full match under layout l.
func Validate(s *model.Scenario, l Layout) error {
	if s == nil {
		return fmt.Errorf("%w: no scenario", ErrScenarioIncomplete)
	}
	if err := ParseTicker(s.Ticker); err != nil {
		return err
	}
	if len(s.GameCandles) != l.Days() {
		return fmt.Errorf("%w: expected %d game candles, got %d",
			ErrScenarioIncomplete, l.Days(), len(s.GameCandles))
	}
	for i, c := range s.GameCandles {
		if !c.Close.IsPositive() {
			return fmt.Errorf("%w: candle %d has non-positive close %s",
				ErrScenarioIncomplete, i, c.Close)
		}
	}
	return nil
}

// WeekCandles returns the candles revealed for week (0-based).
func WeekCandles(s *model.Scenario, l Layout, week int) ([]model.Candle, error) {
	if week < 0 || week >= l.Weeks {
		return nil, fmt.Errorf("%w: %d", ErrWeekOutOfRange, week)
	}
	start := week * l.DaysPerWeek
	end := start + l.DaysPerWeek
	if end > len(s.GameCandles) {
		return nil, fmt.Errorf("%w: week %d needs candles up to %d", ErrScenarioIncomplete, week, end)
	}
	out := make([]model.Candle, l.DaysPerWeek)
	copy(out, s.GameCandles[start:end])
	return out, nil
}

// NewsForWeek returns the headlines for week (0-based). Stored news uses
// 1-based week numbers.
func NewsForWeek(s *model.Scenario, week int) []model.NewsItem {
	out := []model.NewsItem{}
	for _, n := range s.News {
		if n.Week == week+1 {
			out = append(out, n)
		}
	}
	return out
}

// TradePrice is the price trades settle at during week: the close of the
// week's last revealed candle.
func TradePrice(s *model.Scenario, l Layout, week int) (decimal.Decimal, error) {
	candles, err := WeekCandles(s, l, week)
	if err != nil {
		return decimal.Zero, err
	}
	return candles[len(candles)-1].Close, nil
}

// FinalPrice is the last available close, used for end-of-match liquidation.
func FinalPrice(s *model.Scenario, l Layout) (decimal.Decimal, error) {
	return TradePrice(s, l, l.Weeks-1)
}

// ClassifyDifficulty labels a chart by its mean absolute daily move
// |close-open|/open: above 3% is HARD, below 1.5% is EASY.
func ClassifyDifficulty(candles []model.Candle) string {
	if len(candles) < 10 {
		return DifficultyMedium
	}
	moves := make([]float64, 0, len(candles))
	for _, c := range candles {
		if !c.Open.IsPositive() {
			continue
		}
		move, _ := c.Close.Sub(c.Open).Abs().Div(c.Open).Float64()
		moves = append(moves, move)
	}
	if len(moves) == 0 {
		return DifficultyMedium
	}
	avg := stat.Mean(moves, nil)
	switch {
	case avg > 0.03:
		return DifficultyHard
	case avg < 0.015:
		return DifficultyEasy
	}
	return DifficultyMedium
}
