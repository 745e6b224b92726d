// Package risk validates player trade intents before they reach the ledger.
//
// The ledger enforces solvency (margin must be covered). This package
// enforces the product's own limits: which leverage settings a player may
// choose and how many shares a single intent may carry. Forced timeout
// HOLDs never pass through here.
package risk

import (
	"errors"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/model"
)

var (
	// ErrLeverageNotAllowed is returned when the requested leverage is not
	// one of the configured options.
	ErrLeverageNotAllowed = errors.New("risk: leverage setting not allowed")

	// ErrShareLimitExceeded is returned when one intent asks for more
	// shares than MaxSharesPerTrade.
	ErrShareLimitExceeded = errors.New("risk: share limit per trade exceeded")

	// ErrNegativeShares is returned for a negative share count.
	ErrNegativeShares = errors.New("risk: share count cannot be negative")
)

// DefaultLeverage lists the leverage settings offered to players.
var DefaultLeverage = []int{1, 2, 3, 5, 10}

// Policy enforces per-intent limits.
type Policy struct {
	// AllowedLeverage holds the leverage settings a player may select.
	AllowedLeverage []int

	// MaxSharesPerTrade caps a single intent's size. Zero disables the cap.
	MaxSharesPerTrade int64
}

// NewPolicy creates a policy. An empty leverage list falls back to
// DefaultLeverage.
func NewPolicy(allowed []int, maxShares int64) *Policy {
	if len(allowed) == 0 {
		allowed = DefaultLeverage
	}
	opts := slices.Clone(allowed)
	slices.Sort(opts)
	return &Policy{
		AllowedLeverage:   slices.Compact(opts),
		MaxSharesPerTrade: maxShares,
	}
}

// CheckIntent validates one player intent. HOLD always passes.
//
// Leverage is checked on every BUY/SELL even when the intent only adds to
// or closes a position: the value still reaches the ledger, which uses it
// for any flip remainder.
func (p *Policy) CheckIntent(action model.Action, shares int64, leverage int) error {
	if action == model.ActionHold {
		return nil
	}
	if shares < 0 {
		return ErrNegativeShares
	}
	if p.MaxSharesPerTrade > 0 && shares > p.MaxSharesPerTrade {
		return ErrShareLimitExceeded
	}
	if !slices.Contains(p.AllowedLeverage, leverage) {
		return ErrLeverageNotAllowed
	}
	return nil
}

// MaxLeverage returns the highest allowed setting.
func (p *Policy) MaxLeverage() int {
	if len(p.AllowedLeverage) == 0 {
		return 1
	}
	return p.AllowedLeverage[len(p.AllowedLeverage)-1]
}

// MaxShares returns the largest whole share count free cash can margin at
// the given price and leverage: floor(cash * leverage / price).
func MaxShares(cash, price decimal.Decimal, leverage int) int64 {
	if !price.IsPositive() || leverage < 1 || !cash.IsPositive() {
		return 0
	}
	return cash.Mul(decimal.NewFromInt(int64(leverage))).Div(price).Floor().IntPart()
}
