// Package scenariotest builds scenarios for tests.
package scenariotest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/model"
)

// Start is the first game day of every built scenario.
var Start = time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC)

// WithCloses returns a scenario whose game candles close at the given
// prices, one candle per trading day. Opens equal the previous close.
func WithCloses(id string, closes ...float64) *model.Scenario {
	candles := make([]model.Candle, len(closes))
	prev := closes[0]
	for i, c := range closes {
		open := decimal.NewFromFloat(prev)
		cl := decimal.NewFromFloat(c)
		candles[i] = model.Candle{
			Date:   Start.AddDate(0, 0, i),
			Open:   open,
			High:   decimal.Max(open, cl),
			Low:    decimal.Min(open, cl),
			Close:  cl,
			Volume: 1_000_000,
		}
		prev = c
	}
	return &model.Scenario{
		ID:          id,
		Ticker:      "ACME",
		StartDate:   Start,
		EndDate:     Start.AddDate(0, 0, len(closes)),
		GameCandles: candles,
		News: []model.NewsItem{
			{Week: 1, Headline: "ACME beats estimates", Date: Start},
			{Week: 3, Headline: "ACME guidance cut", Date: Start.AddDate(0, 0, 14)},
		},
		Difficulty: "MEDIUM",
	}
}

// Weekly returns a 4x5 scenario where every day of week i closes at
// weekCloses[i].
func Weekly(id string, weekCloses ...float64) *model.Scenario {
	closes := make([]float64, 0, len(weekCloses)*5)
	for _, c := range weekCloses {
		for range 5 {
			closes = append(closes, c)
		}
	}
	return WithCloses(id, closes...)
}
