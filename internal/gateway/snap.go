package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// filters are one symbol's venue order constraints.
type filters struct {
	Tick        decimal.Decimal // price increment
	Lot         decimal.Decimal // amount increment
	MinNotional decimal.Decimal // minimum |price*amount|
}

func mustDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func staticFilters(tick, lot, minNotional string) filters {
	return filters{
		Tick:        decimal.RequireFromString(tick),
		Lot:         decimal.RequireFromString(lot),
		MinNotional: decimal.RequireFromString(minNotional),
	}
}

// snapOrder fits a signed amount and a price to the venue constraints.
// Rounding always grows the economic size: the amount magnitude rounds up
// to the next lot step, buy prices round down to the tick and sell prices
// round up, so an order is never silently shrunk below the venue minimum.
// Snapping an already-snapped pair returns it unchanged.
func snapOrder(amount, price float64, f filters) (float64, float64, error) {
	a := decimal.NewFromFloat(amount)
	p := decimal.NewFromFloat(price)
	if p.Sign() <= 0 {
		return 0, 0, fmt.Errorf("non-positive price %v", price)
	}
	if a.Sign() == 0 {
		return 0, 0, fmt.Errorf("zero amount")
	}

	if rem := mod(p, f.Tick); !rem.IsZero() {
		if a.Sign() > 0 {
			p = p.Sub(rem)
		} else {
			p = p.Add(f.Tick.Sub(rem))
		}
	}
	if p.Sign() <= 0 {
		return 0, 0, fmt.Errorf("price %v below tick %v", price, f.Tick)
	}

	mag := a.Abs()
	if rem := mod(mag, f.Lot); !rem.IsZero() {
		mag = mag.Add(f.Lot.Sub(rem))
	}
	if mag.LessThan(f.Lot) {
		mag = f.Lot
	}

	if p.Mul(mag).LessThanOrEqual(f.MinNotional) {
		return 0, 0, fmt.Errorf("notional %v below venue minimum %v", p.Mul(mag), f.MinNotional)
	}

	if a.Sign() < 0 {
		mag = mag.Neg()
	}
	return mag.InexactFloat64(), p.InexactFloat64(), nil
}

// mod is Mod that treats a zero step as "no constraint".
func mod(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return decimal.Zero
	}
	return v.Mod(step)
}
