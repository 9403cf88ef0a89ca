package market

import (
	"fmt"
	"strings"
	"time"
)

// Symbol is a tradable (base, quote) asset pair, lowercase, e.g. {eth btc}.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func NewSymbol(base, quote string) Symbol {
	return Symbol{Base: strings.ToLower(base), Quote: strings.ToLower(quote)}
}

func (s Symbol) String() string { return s.Base + "-" + s.Quote }

// ParseSymbol inverts Symbol.String.
func ParseSymbol(v string) (Symbol, error) {
	base, quote, ok := strings.Cut(v, "-")
	if !ok || base == "" || quote == "" {
		return Symbol{}, fmt.Errorf("bad symbol %q", v)
	}
	return NewSymbol(base, quote), nil
}

// OrderBook maps price to signed size: positive sizes are asks, negative
// sizes are bids. At most one entry per price.
type OrderBook map[float64]float64

// BestAsk returns the lowest ask price, or false when no asks present.
func (b OrderBook) BestAsk() (float64, bool) {
	best, found := 0.0, false
	for p, a := range b {
		if a > 0 && (!found || p < best) {
			best, found = p, true
		}
	}
	return best, found
}

// BestBid returns the highest bid price, or false when no bids present.
func (b OrderBook) BestBid() (float64, bool) {
	best, found := 0.0, false
	for p, a := range b {
		if a < 0 && (!found || p > best) {
			best, found = p, true
		}
	}
	return best, found
}

// MergeBook combines raw ask and bid ladders into one OrderBook restricted
// to prices within marginPct of the best price on each side. Returns nil
// when either side is empty, since a one-sided book has no usable ticker.
func MergeBook(asks, bids map[float64]float64, marginPct float64) OrderBook {
	if len(asks) == 0 || len(bids) == 0 {
		return nil
	}
	lowAsk, highBid := 0.0, 0.0
	for p := range asks {
		if lowAsk == 0 || p < lowAsk {
			lowAsk = p
		}
	}
	for p := range bids {
		if p > highBid {
			highBid = p
		}
	}
	askCeil := (1 + marginPct/100) * lowAsk
	bidFloor := (1 - marginPct/100) * highBid

	book := OrderBook{}
	for p, a := range asks {
		if p <= askCeil && a > 0 {
			book[p] = a
		}
	}
	for p, a := range bids {
		if p >= bidFloor && a > 0 {
			book[p] = -a
		}
	}
	return book
}

// Trade is one executed exchange trade. Amount is signed: negative means
// the taker sold into the bids.
type Trade struct {
	Time   time.Time `json:"time"`
	Amount float64   `json:"amount"`
	Price  float64   `json:"price"`
}

// Funds is one asset's balance entry.
type Funds struct {
	Available float64 `json:"available"`
	OnOrders  float64 `json:"on_orders"`
}

// Balance maps asset name to funds. The quote currency always has an
// entry, zero-valued when unfunded.
type Balance map[string]Funds

// Order is an open order as reported by a venue. Amount is signed:
// positive buys, negative sells.
type Order struct {
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
	Symbol Symbol  `json:"symbol"`
}

// OHLCV is a 24h candle summary for one symbol.
type OHLCV struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Valid reports whether all prices are positive, i.e. the candle is usable.
func (o OHLCV) Valid() bool {
	return o.Open > 0 && o.High > 0 && o.Low > 0 && o.Close > 0
}
