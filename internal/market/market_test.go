package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolRoundTrip(t *testing.T) {
	s := NewSymbol("ETH", "BTC")
	assert.Equal(t, "eth-btc", s.String())

	parsed, err := ParseSymbol("eth-btc")
	require.NoError(t, err)
	assert.Equal(t, s, parsed)

	for _, bad := range []string{"", "eth", "-btc", "eth-"} {
		_, err := ParseSymbol(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestMergeBook(t *testing.T) {
	asks := map[float64]float64{
		0.050: 10,
		0.051: 5,
		0.060: 100, // outside the 3% band
	}
	bids := map[float64]float64{
		0.049: 8,
		0.048: 4,
		0.040: 200, // outside the band
	}

	book := MergeBook(asks, bids, 3)
	require.NotNil(t, book)

	assert.Positive(t, book[0.050])
	assert.Positive(t, book[0.051])
	assert.Negative(t, book[0.049])
	assert.Negative(t, book[0.048])
	assert.NotContains(t, book, 0.060)
	assert.NotContains(t, book, 0.040)

	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 0.050, ask)
	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, 0.049, bid)
}

func TestMergeBook_OneSided(t *testing.T) {
	assert.Nil(t, MergeBook(map[float64]float64{0.05: 1}, nil, 3))
	assert.Nil(t, MergeBook(nil, map[float64]float64{0.04: 1}, 3))
}

func TestNewTicker(t *testing.T) {
	quota := 11e-4
	book := OrderBook{
		0.050: 0.1,   // ask notional 0.005
		0.049: -0.2,  // bid notional 0.0098
		0.048: -0.05, // bid notional 0.0024
	}

	tk, err := NewTicker(book, quota)
	require.NoError(t, err)

	assert.Equal(t, 0.050, tk.Ask)
	assert.Equal(t, 0.049, tk.Bid)
	assert.Equal(t, int(0.050*0.1/quota), tk.AskDepth)
	assert.Equal(t, int(0.049*0.2/quota), tk.BidDepth)
	assert.InDelta(t, 100*((0.049*0.2+0.048*0.05)/(0.050*0.1)-1), tk.BuyPressure, 1e-9)
	assert.InDelta(t, 100*(0.050/0.049-1), tk.SpreadPct, 1e-9)
}

func TestNewTicker_OneSidedFails(t *testing.T) {
	_, err := NewTicker(OrderBook{0.05: 1}, 11e-4)
	assert.Error(t, err)
	_, err = NewTicker(OrderBook{0.05: -1}, 11e-4)
	assert.Error(t, err)
	_, err = NewTicker(OrderBook{0.05: 1, 0.04: -1}, 0)
	assert.Error(t, err)
}

func TestSmooth(t *testing.T) {
	assert.Zero(t, Smooth(0))
	assert.Zero(t, Smooth(math.NaN()))
	assert.Zero(t, Smooth(math.Inf(1)))

	// sign survives, magnitudes compress to log scale
	assert.InDelta(t, math.Log(250), Smooth(250), 1e-8)
	assert.InDelta(t, -math.Log(250), Smooth(-250), 1e-8)

	// magnitudes below one also map to a positive log magnitude
	assert.InDelta(t, math.Abs(math.Log(0.02)), Smooth(0.02), 1e-8)
	assert.InDelta(t, -math.Abs(math.Log(0.02)), Smooth(-0.02), 1e-8)
}

func TestOHLCVValid(t *testing.T) {
	assert.True(t, OHLCV{Open: 1, High: 2, Low: 0.5, Close: 1.5}.Valid())
	assert.False(t, OHLCV{High: 2, Low: 0.5, Close: 1.5}.Valid())
	assert.False(t, OHLCV{Open: 1, High: 2, Low: -1, Close: 1.5}.Valid())
}
