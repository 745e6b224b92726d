// Package ledger implements the margin-aware position ledger for one
// player's account: leveraged long/short positions, shares-weighted
// averaging, partial closes, flips, and realized/unrealized PnL.
//
// The ledger is stateless. Every call receives the current PlayerState
// and returns a new one; the input is never mutated, so a rejected intent
// leaves the caller's state exactly as it was. At-most-once settlement per
// round is the caller's job, not the ledger's.
//
// All monetary values use shopspring/decimal, never float64.
// Computation keeps full precision; rounding to DisplayScale happens only
// when values leave the engine.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/model"
)

var (
	// ErrInsufficientMargin is returned when free cash cannot cover the
	// margin an opening or adding leg requires.
	ErrInsufficientMargin = errors.New("ledger: insufficient cash for required margin")

	// ErrInvalidPrice is returned when price <= 0.
	ErrInvalidPrice = errors.New("ledger: price must be positive")

	// ErrInvalidShares is returned for negative share counts, or a zero
	// count where there is nothing to close.
	ErrInvalidShares = errors.New("ledger: share count must be positive")

	// ErrInvalidLeverage is returned when a new position would open with
	// leverage below 1.
	ErrInvalidLeverage = errors.New("ledger: leverage must be at least 1")

	// ErrUnknownAction is returned for anything other than BUY, SELL, HOLD.
	ErrUnknownAction = errors.New("ledger: unknown action")
)

// DisplayScale is the number of decimal places used for presentation.
const DisplayScale int32 = 2

// Intent is one trade request against a player's account.
type Intent struct {
	Action model.Action
	// Shares is the requested size. Zero on BUY/SELL closes the whole
	// opposite-side position, if there is one.
	Shares int64
	// Leverage is the caller's current setting. It only applies to legs
	// that open a new position; additions use the stored leverage.
	Leverage int
	Price    decimal.Decimal
	Week     int
	Kind     model.TradeKind
}

// Apply settles an intent and returns the new state plus the Trade that
// was appended to it. On error the returned state is the unchanged input.
func Apply(state model.PlayerState, in Intent, now time.Time) (model.PlayerState, model.Trade, error) {
	if !in.Action.Valid() {
		return state, model.Trade{}, ErrUnknownAction
	}
	if !in.Price.IsPositive() {
		return state, model.Trade{}, ErrInvalidPrice
	}
	if in.Shares < 0 {
		return state, model.Trade{}, ErrInvalidShares
	}

	kind := in.Kind
	if kind == "" {
		kind = model.KindPlayer
	}
	trade := model.Trade{
		Week:      in.Week,
		Action:    in.Action,
		Kind:      kind,
		Price:     in.Price,
		Timestamp: now.UTC(),
	}

	next := state.Clone()
	if in.Action == model.ActionHold {
		next.Trades = append(next.Trades, trade)
		return next, trade, nil
	}

	dir := direction(in.Action)
	pos := next.Position
	var filled int64

	if pos == nil || sign(pos.Shares) == dir {
		if in.Shares == 0 {
			return state, model.Trade{}, ErrInvalidShares
		}
		if err := openOrAdd(&next, dir, in); err != nil {
			return state, model.Trade{}, err
		}
		filled = in.Shares
	} else {
		wanted := in.Shares
		if wanted == 0 {
			wanted = pos.AbsShares()
		}
		pnl, err := closeAndFlip(&next, dir, wanted, in)
		if err != nil {
			return state, model.Trade{}, err
		}
		trade.PnL = &pnl
		filled = wanted
	}

	trade.Shares = &filled
	next.Trades = append(next.Trades, trade)
	return next, trade, nil
}

// openOrAdd posts margin for a new position or an addition to a
// same-direction one. Additions keep the stored leverage so an open
// position cannot be re-levered after the fact.
func openOrAdd(st *model.PlayerState, dir int64, in Intent) error {
	pos := st.Position
	lev := in.Leverage
	if pos != nil {
		lev = pos.Leverage
	}
	if lev < 1 {
		return ErrInvalidLeverage
	}

	margin := marginFor(in.Shares, in.Price, lev)
	if st.Cash.LessThan(margin) {
		return ErrInsufficientMargin
	}
	st.Cash = st.Cash.Sub(margin)

	if pos == nil {
		st.Position = &model.Position{
			Shares:     dir * in.Shares,
			EntryPrice: in.Price,
			EntryWeek:  in.Week,
			Leverage:   lev,
		}
		return nil
	}

	// entry' = (old*entry + added*price) / (old+added)
	old := pos.AbsShares()
	total := old + in.Shares
	cost := notional(old, pos.EntryPrice).Add(notional(in.Shares, in.Price))
	pos.EntryPrice = cost.Div(decimal.NewFromInt(total))
	pos.Shares += dir * in.Shares
	return nil
}

// closeAndFlip reduces the opposite-side position by up to wanted shares,
// crediting released margin plus realized PnL. Any remainder beyond a full
// offset opens a new position in the intent's direction at the caller's
// leverage. Returns the realized PnL of the closing leg.
func closeAndFlip(st *model.PlayerState, dir, wanted int64, in Intent) (decimal.Decimal, error) {
	pos := st.Position
	closed := min(wanted, pos.AbsShares())

	pnl := signedPnL(pos, in.Price, closed)
	released := marginFor(closed, pos.EntryPrice, pos.Leverage)

	// An account cannot be driven below zero: a loss larger than the posted
	// collateral plus free cash is capped at what the account holds.
	settled := st.Cash.Add(released).Add(pnl)
	if settled.IsNegative() {
		pnl = pnl.Sub(settled)
		settled = decimal.Zero
	}
	st.Cash = settled

	pos.Shares += dir * closed
	if pos.Shares == 0 {
		st.Position = nil
	}

	remainder := wanted - closed
	if remainder == 0 {
		return pnl, nil
	}

	if in.Leverage < 1 {
		return decimal.Zero, ErrInvalidLeverage
	}
	margin := marginFor(remainder, in.Price, in.Leverage)
	if st.Cash.LessThan(margin) {
		return decimal.Zero, ErrInsufficientMargin
	}
	st.Cash = st.Cash.Sub(margin)
	st.Position = &model.Position{
		Shares:     dir * remainder,
		EntryPrice: in.Price,
		EntryWeek:  in.Week,
		Leverage:   in.Leverage,
	}
	return pnl, nil
}

// Liquidate closes any open position at price with one synthesized
// liquidation trade: SELL for a long, BUY to cover a short. The position's
// own stored leverage is used. Returns a nil trade if the account is flat.
func Liquidate(state model.PlayerState, price decimal.Decimal, week int, now time.Time) (model.PlayerState, *model.Trade, error) {
	if state.Position == nil {
		return state, nil, nil
	}
	action := model.ActionSell
	if !state.Position.IsLong() {
		action = model.ActionBuy
	}
	next, trade, err := Apply(state, Intent{
		Action:   action,
		Shares:   state.Position.AbsShares(),
		Leverage: state.Position.Leverage,
		Price:    price,
		Week:     week,
		Kind:     model.KindLiquidation,
	}, now)
	if err != nil {
		return state, nil, err
	}
	return next, &trade, nil
}

// MarginHeld returns the collateral locked in pos: |shares| * entry / leverage.
func MarginHeld(pos *model.Position) decimal.Decimal {
	if pos == nil {
		return decimal.Zero
	}
	return marginFor(pos.AbsShares(), pos.EntryPrice, pos.Leverage)
}

// UnrealizedPnL marks pos against the live price.
func UnrealizedPnL(pos *model.Position, price decimal.Decimal) decimal.Decimal {
	if pos == nil {
		return decimal.Zero
	}
	return signedPnL(pos, price, pos.AbsShares())
}

// Equity is cash + margin held + unrealized PnL, floored at zero.
func Equity(state model.PlayerState, price decimal.Decimal) decimal.Decimal {
	eq := state.Cash.Add(MarginHeld(state.Position)).Add(UnrealizedPnL(state.Position, price))
	if eq.IsNegative() {
		return decimal.Zero
	}
	return eq
}

// Display rounds v to DisplayScale for presentation.
func Display(v decimal.Decimal) string {
	return v.StringFixed(DisplayScale)
}

// signedPnL is (price-entry)*shares for a long, (entry-price)*shares for a short.
func signedPnL(pos *model.Position, price decimal.Decimal, shares int64) decimal.Decimal {
	diff := price.Sub(pos.EntryPrice)
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(shares))
}

func marginFor(shares int64, price decimal.Decimal, leverage int) decimal.Decimal {
	return notional(shares, price).Div(decimal.NewFromInt(int64(leverage)))
}

func notional(shares int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(shares))
}

func direction(a model.Action) int64 {
	if a == model.ActionSell {
		return -1
	}
	return 1
}

func sign(n int64) int64 {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
