package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okvist/kratt/internal/market"
)

const binanceExchangeInfoBody = `{
	"symbols": [
		{
			"status": "TRADING", "baseAsset": "ETH", "quoteAsset": "BTC",
			"filters": [
				{"filterType": "PRICE_FILTER", "tickSize": "0.000001"},
				{"filterType": "LOT_SIZE", "stepSize": "0.001"},
				{"filterType": "MIN_NOTIONAL", "minNotional": "0.0001"}
			]
		},
		{"status": "TRADING", "baseAsset": "BNB", "quoteAsset": "BTC", "filters": []},
		{"status": "BREAK", "baseAsset": "LTC", "quoteAsset": "BTC", "filters": []},
		{"status": "TRADING", "baseAsset": "ETH", "quoteAsset": "USDT", "filters": []}
	]
}`

func testBinance(t *testing.T, handler http.Handler) (*Binance, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewBinance("test-key", "test-secret", "btc", ExecutorConfig{
		BaseURL:   srv.URL,
		Pace:      time.Millisecond,
		MaxTries:  1,
		RetryWait: time.Millisecond,
	})
	return b, srv
}

func TestBinanceSymbols(t *testing.T) {
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		w.Write([]byte(binanceExchangeInfoBody))
	}))

	symbols, err := b.Symbols(context.Background())
	require.NoError(t, err)

	assert.True(t, symbols[market.NewSymbol("eth", "btc")])
	assert.NotContains(t, symbols, market.NewSymbol("bnb", "btc"), "the fee asset is never traded")
	assert.NotContains(t, symbols, market.NewSymbol("ltc", "btc"), "halted markets are excluded")
	assert.NotContains(t, symbols, market.NewSymbol("eth", "usdt"), "foreign quote excluded")

	f := b.filters[market.NewSymbol("eth", "btc")]
	assert.Equal(t, "0.000001", f.Tick.String())
	assert.Equal(t, "0.001", f.Lot.String())
}

func TestBinanceSignRequest(t *testing.T) {
	var got *http.Request
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Write([]byte(`{"balances": []}`))
	}))

	_, err := b.Balance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "test-key", got.Header.Get("X-MBX-APIKEY"))

	q := got.URL.Query()
	assert.NotEmpty(t, q.Get("timestamp"))
	sig := q.Get("signature")
	require.NotEmpty(t, sig)

	// The signature covers the sorted query without the signature field.
	raw := got.URL.RawQuery
	payload := raw[:len(raw)-len("&signature=")-len(sig)]
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestBinanceBook(t *testing.T) {
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHBTC", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{
			"asks": [["0.050", "2"], ["0.060", "9"]],
			"bids": [["0.049", "3"], ["0.040", "9"]]
		}`))
	}))

	book, err := b.Book(context.Background(), market.NewSymbol("eth", "btc"), 3)
	require.NoError(t, err)

	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 0.050, ask)
	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, 0.049, bid)
	assert.NotContains(t, book, 0.060, "levels outside the margin dropped")
	assert.NotContains(t, book, 0.040)
}

func TestBinanceHistoryWindowAndSign(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := `[
			{"time": ` + millis(old) + `, "qty": "9", "price": "0.05", "isBuyerMaker": false},
			{"time": ` + millis(now.Add(-5*time.Minute)) + `, "qty": "2", "price": "0.051", "isBuyerMaker": false},
			{"time": ` + millis(now.Add(-3*time.Minute)) + `, "qty": "1", "price": "0.052", "isBuyerMaker": true}
		]`
		w.Write([]byte(body))
	}))

	trades, err := b.History(context.Background(), market.NewSymbol("eth", "btc"), now)
	require.NoError(t, err)

	require.Len(t, trades, 2, "trades outside the trailing window dropped")
	assert.Equal(t, 2.0, trades[0].Amount)
	assert.Equal(t, -1.0, trades[1].Amount, "buyer-maker trades are taker sells")
	assert.True(t, trades[0].Time.Before(trades[1].Time), "oldest first")
}

func TestBinanceFireSnapsAndTracks(t *testing.T) {
	var placed map[string]string
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			w.Write([]byte(binanceExchangeInfoBody))
		case "/api/v3/order":
			placed = map[string]string{}
			for k, vs := range r.URL.Query() {
				placed[k] = vs[0]
			}
			w.Write([]byte(`{"orderId": 42}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	id, err := b.Fire(context.Background(), 0.0123, 0.0511115, market.NewSymbol("eth", "btc"))
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	require.NotNil(t, placed)
	assert.Equal(t, "BUY", placed["side"])
	assert.Equal(t, "ETHBTC", placed["symbol"])
	assert.Equal(t, "0.01300000", placed["quantity"], "amount rounds up to the lot")
	assert.Equal(t, "0.05111100", placed["price"], "buy price rounds down to the tick")
	assert.Equal(t, "LIMIT", placed["type"])
	assert.Equal(t, "GTC", placed["timeInForce"])

	// The id is now known to Cancel.
	assert.Contains(t, b.engaged, "42")
}

func TestBinanceOrdersPrunesSettled(t *testing.T) {
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			w.Write([]byte(binanceExchangeInfoBody))
		case "/api/v3/order":
			w.Write([]byte(`{"orderId": 42}`))
		case "/api/v3/openOrders":
			w.Write([]byte(`[{
				"orderId": 43, "symbol": "ETHBTC", "side": "SELL",
				"price": "0.052", "origQty": "0.5", "executedQty": "0.1"
			}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	_, err := b.Fire(context.Background(), 0.0123, 0.0511115, market.NewSymbol("eth", "btc"))
	require.NoError(t, err)
	require.Contains(t, b.engaged, "42")

	// The fired order has since filled: it is absent from the open list,
	// so its id must stop being tracked.
	open, err := b.Orders(context.Background())
	require.NoError(t, err)
	require.Contains(t, open, "43")
	assert.Equal(t, -0.4, open["43"].Amount)

	assert.NotContains(t, b.engaged, "42", "settled ids are pruned")
	assert.Contains(t, b.engaged, "43", "open ids stay cancellable")

	_, err = b.Cancel(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestBinanceCancelUnknownOrder(t *testing.T) {
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no venue call expected for an unknown id")
	}))

	_, err := b.Cancel(context.Background(), "777")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
