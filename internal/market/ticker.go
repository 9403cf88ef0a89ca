package market

import (
	"fmt"
	"math"
)

// Ticker condenses an order book snapshot into the numbers the trader and
// the strategy engine act on: touch prices, depth at the touch expressed
// in quota multiples, buy pressure and spread.
type Ticker struct {
	Ask         float64 // lowest ask
	Bid         float64 // highest bid
	AskDepth    int     // quota multiples offered at the lowest ask
	BidDepth    int     // quota multiples wanted at the highest bid
	BuyPressure float64 // percent the bid-side notional exceeds the ask side
	SpreadPct   float64
}

// NewTicker derives a Ticker from a merged book. quota is the notional
// trade size used to scale depth. Fails when either side is empty.
func NewTicker(book OrderBook, quota float64) (Ticker, error) {
	ask, okA := book.BestAsk()
	bid, okB := book.BestBid()
	if !okA || !okB {
		return Ticker{}, fmt.Errorf("one-sided book: asks=%v bids=%v", okA, okB)
	}
	if quota <= 0 {
		return Ticker{}, fmt.Errorf("non-positive quota %v", quota)
	}

	asks, bids := 0.0, 0.0
	for price, amount := range book {
		if amount > 0 {
			asks += price * amount
		} else {
			bids += price * amount
		}
	}
	if asks <= 0 {
		return Ticker{}, fmt.Errorf("zero ask-side notional")
	}

	return Ticker{
		Ask:         ask,
		Bid:         bid,
		AskDepth:    int(math.Abs(ask * book[ask] / quota)),
		BidDepth:    int(math.Abs(bid * book[bid] / quota)),
		BuyPressure: 100 * (math.Abs(bids)/asks - 1),
		SpreadPct:   100 * (ask/bid - 1),
	}, nil
}

// Smooth tames wild magnitudes into a signed log scale, rounded to 8
// decimals. Zero and non-finite inputs collapse to zero.
func Smooth(wild float64) float64 {
	if wild == 0 || math.IsNaN(wild) || math.IsInf(wild, 0) {
		return 0
	}
	mod := math.Abs(wild)
	side := wild / mod
	coef := math.Abs(math.Log(mod))
	return round8(side * coef)
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
