package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckIntent_WithinLimits(t *testing.T) {
	p := NewPolicy(nil, 10000)

	for _, lev := range []int{1, 2, 3, 5, 10} {
		if err := p.CheckIntent(model.ActionBuy, 100, lev); err != nil {
			t.Errorf("lev=%d: expected no error, got %v", lev, err)
		}
	}
}

func TestCheckIntent_LeverageNotOffered(t *testing.T) {
	p := NewPolicy(nil, 0)

	err := p.CheckIntent(model.ActionSell, 100, 4)
	if err != ErrLeverageNotAllowed {
		t.Errorf("expected ErrLeverageNotAllowed, got %v", err)
	}
}

func TestCheckIntent_ShareLimit(t *testing.T) {
	p := NewPolicy([]int{1}, 500)

	if err := p.CheckIntent(model.ActionBuy, 500, 1); err != nil {
		t.Errorf("at the limit should pass, got %v", err)
	}
	if err := p.CheckIntent(model.ActionBuy, 501, 1); err != ErrShareLimitExceeded {
		t.Errorf("expected ErrShareLimitExceeded, got %v", err)
	}
}

func TestCheckIntent_NoShareLimitWhenZero(t *testing.T) {
	p := NewPolicy([]int{1}, 0)

	if err := p.CheckIntent(model.ActionBuy, 1_000_000, 1); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckIntent_NegativeShares(t *testing.T) {
	p := NewPolicy(nil, 0)

	if err := p.CheckIntent(model.ActionBuy, -1, 1); err != ErrNegativeShares {
		t.Errorf("expected ErrNegativeShares, got %v", err)
	}
}

func TestCheckIntent_HoldAlwaysPasses(t *testing.T) {
	p := NewPolicy([]int{2}, 1)

	if err := p.CheckIntent(model.ActionHold, 99, 0); err != nil {
		t.Errorf("HOLD should pass, got %v", err)
	}
}

func TestNewPolicy_SortsAndDedupes(t *testing.T) {
	p := NewPolicy([]int{5, 1, 5, 2}, 0)

	want := []int{1, 2, 5}
	if len(p.AllowedLeverage) != len(want) {
		t.Fatalf("expected %v, got %v", want, p.AllowedLeverage)
	}
	for i := range want {
		if p.AllowedLeverage[i] != want[i] {
			t.Errorf("expected %v, got %v", want, p.AllowedLeverage)
		}
	}
	if p.MaxLeverage() != 5 {
		t.Errorf("expected max leverage 5, got %d", p.MaxLeverage())
	}
}

func TestMaxShares(t *testing.T) {
	tests := []struct {
		cash, price float64
		leverage    int
		want        int64
	}{
		{100000, 50, 1, 2000},
		{100000, 33, 1, 3030},
		{100000, 20, 5, 25000},
		{99.99, 10, 1, 9},
		{0, 10, 1, 0},
		{1000, 0, 1, 0},
		{1000, 10, 0, 0},
	}
	for _, tc := range tests {
		if got := MaxShares(d(tc.cash), d(tc.price), tc.leverage); got != tc.want {
			t.Errorf("MaxShares(%v, %v, %d) = %d, want %d", tc.cash, tc.price, tc.leverage, got, tc.want)
		}
	}
}
