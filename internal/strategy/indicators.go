package strategy

import (
	"math"

	"github.com/okvist/kratt/internal/market"
)

// IndicatorDim is the fixed width of the indicator vector: three groups
// of three. Strategy weight vectors must match it exactly; a mismatch is
// a programming error, not a runtime condition.
const IndicatorDim = 9

// SymbolData is one cycle's complete raw snapshot for a symbol. Symbols
// missing any part are dropped for the cycle before extraction.
type SymbolData struct {
	OHLCV   market.OHLCV
	History []market.Trade
	Book    market.OrderBook
	Ticker  market.Ticker
}

// Indicators distills a snapshot into the scoring vector. Every entry is
// log-damped so no single wild reading dominates the dot product.
//
// Layout: [0..2] 24h candle (amplitude, variation, volatility),
// [3..5] trade history (volume trend, trade frequency, dispersion),
// [6..8] order book (buy pressure, spread, depth at the touch).
func Indicators(d SymbolData) [IndicatorDim]float64 {
	var v [IndicatorDim]float64
	o := d.OHLCV
	if o.Valid() {
		v[0] = market.Smooth(100 * (o.High/o.Low - 1))
		v[1] = market.Smooth(100 * (o.Close/o.Open - 1))
		v[2] = market.Smooth(100 * (o.High - o.Low) / o.Close)
	}
	v[3] = market.Smooth(volumeTrend(d.History))
	v[4] = market.Smooth(tradeFrequency(d.History))
	v[5] = market.Smooth(priceDispersion(d.History))
	v[6] = market.Smooth(d.Ticker.BuyPressure)
	v[7] = market.Smooth(d.Ticker.SpreadPct)
	v[8] = market.Smooth(float64(d.Ticker.AskDepth + d.Ticker.BidDepth))
	return v
}

// volumeTrend compares traded notional in the newer half of the window
// against the older half, in percent.
func volumeTrend(trades []market.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	mid := len(trades) / 2
	older, newer := 0.0, 0.0
	for i, t := range trades {
		notional := math.Abs(t.Amount) * t.Price
		if i < mid {
			older += notional
		} else {
			newer += notional
		}
	}
	if older == 0 {
		return 0
	}
	return 100 * (newer/older - 1)
}

// tradeFrequency is trades per minute across the observed window.
func tradeFrequency(trades []market.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	window := trades[len(trades)-1].Time.Sub(trades[0].Time).Minutes()
	if window < 1 {
		window = 1
	}
	return float64(len(trades)) / window
}

// priceDispersion is the coefficient of variation of trade prices, in
// percent.
func priceDispersion(trades []market.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	mean := 0.0
	for _, t := range trades {
		mean += t.Price
	}
	mean /= float64(len(trades))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, t := range trades {
		d := t.Price - mean
		variance += d * d
	}
	variance /= float64(len(trades))
	return 100 * math.Sqrt(variance) / mean
}
