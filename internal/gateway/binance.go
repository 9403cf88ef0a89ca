package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okvist/kratt/internal/market"
)

const binanceBaseURL = "https://api.binance.com"

// Binance signs the sorted query plus a millisecond timestamp with
// HMAC-SHA256 and sends the key in the X-MBX-APIKEY header.
type Binance struct {
	key    string
	secret []byte
	quote  string
	exec   *executor

	mu      sync.Mutex
	filters map[market.Symbol]filters
	symbols map[string]market.Symbol // wire name -> symbol, for decoding
	engaged map[string]market.Symbol // order id -> symbol, cancel needs it
}

func NewBinance(key, secret, quote string, cfg ExecutorConfig) *Binance {
	cfg.applyDefaults(binanceBaseURL)
	b := &Binance{
		key:     key,
		secret:  []byte(secret),
		quote:   quote,
		filters: map[market.Symbol]filters{},
		symbols: map[string]market.Symbol{},
		engaged: map[string]market.Symbol{},
	}
	b.exec = newExecutor("binance", cfg, b.signRequest)
	return b
}

func (b *Binance) Name() string { return "binance" }
func (b *Binance) Fee() float64 { return 0.1 }

func (b *Binance) signRequest(ctx context.Context, base string, c call) (*http.Request, error) {
	params := url.Values{}
	for k, vs := range c.params {
		params[k] = vs
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	query := params.Encode() // sorted by key
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, c.method, base+c.path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.key)
	return req, nil
}

func (b *Binance) wireName(s market.Symbol) string {
	return strings.ToUpper(s.Base + s.Quote)
}

type binanceFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Status     string          `json:"status"`
		BaseAsset  string          `json:"baseAsset"`
		QuoteAsset string          `json:"quoteAsset"`
		Filters    []binanceFilter `json:"filters"`
	} `json:"symbols"`
}

func (b *Binance) Symbols(ctx context.Context) (map[market.Symbol]bool, error) {
	var info binanceExchangeInfo
	if err := b.exec.public(ctx, "symbols", "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	out := map[market.Symbol]bool{}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sd := range info.Symbols {
		s := market.NewSymbol(sd.BaseAsset, sd.QuoteAsset)
		f := filters{}
		for _, fd := range sd.Filters {
			switch fd.FilterType {
			case "PRICE_FILTER":
				f.Tick = mustDecimal(fd.TickSize)
			case "LOT_SIZE":
				f.Lot = mustDecimal(fd.StepSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				f.MinNotional = mustDecimal(fd.MinNotional)
			}
		}
		b.filters[s] = f
		b.symbols[b.wireName(s)] = s
		// bnb pays the fees; trading it away would starve the fee balance
		if sd.Status == "TRADING" && s.Quote == b.quote && s.Base != "bnb" {
			out[s] = true
		}
	}
	return out, nil
}

func (b *Binance) OHLCV(ctx context.Context, s market.Symbol) (market.OHLCV, error) {
	var resp struct {
		OpenPrice   string `json:"openPrice"`
		HighPrice   string `json:"highPrice"`
		LowPrice    string `json:"lowPrice"`
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
	}
	params := url.Values{"symbol": {b.wireName(s)}}
	if err := b.exec.public(ctx, "ohlcv", "/api/v3/ticker/24hr", params, &resp); err != nil {
		return market.OHLCV{}, err
	}
	o := market.OHLCV{
		Open:   parseFloat(resp.OpenPrice),
		High:   parseFloat(resp.HighPrice),
		Low:    parseFloat(resp.LowPrice),
		Close:  parseFloat(resp.LastPrice),
		Volume: parseFloat(resp.QuoteVolume),
	}
	if !o.Valid() {
		return market.OHLCV{}, newValidationError("binance", "ohlcv", fmt.Errorf("empty candle for %s", s))
	}
	return o, nil
}

func (b *Binance) Book(ctx context.Context, s market.Symbol, marginPct float64) (market.OrderBook, error) {
	var resp struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	}
	params := url.Values{"symbol": {b.wireName(s)}, "limit": {"100"}}
	if err := b.exec.public(ctx, "book", "/api/v3/depth", params, &resp); err != nil {
		return nil, err
	}
	asks, bids := map[float64]float64{}, map[float64]float64{}
	for _, lvl := range resp.Asks {
		if len(lvl) >= 2 {
			asks[parseFloat(lvl[0])] = parseFloat(lvl[1])
		}
	}
	for _, lvl := range resp.Bids {
		if len(lvl) >= 2 {
			bids[parseFloat(lvl[0])] = parseFloat(lvl[1])
		}
	}
	book := market.MergeBook(asks, bids, marginPct)
	if book == nil {
		return nil, newValidationError("binance", "book", fmt.Errorf("one-sided book for %s", s))
	}
	return book, nil
}

func (b *Binance) History(ctx context.Context, s market.Symbol, cutoff time.Time) ([]market.Trade, error) {
	var resp []struct {
		Time         int64  `json:"time"`
		Qty          string `json:"qty"`
		Price        string `json:"price"`
		IsBuyerMaker bool   `json:"isBuyerMaker"`
	}
	params := url.Values{"symbol": {b.wireName(s)}, "limit": {"100"}}
	if err := b.exec.public(ctx, "history", "/api/v3/trades", params, &resp); err != nil {
		return nil, err
	}

	var start, end time.Time
	if !cutoff.IsZero() {
		end = cutoff.Truncate(time.Minute)
		start = end.Add(-30 * time.Minute)
	}
	out := make([]market.Trade, 0, len(resp))
	for _, d := range resp {
		ts := time.UnixMilli(d.Time)
		if !cutoff.IsZero() && (ts.Before(start) || ts.After(end)) {
			continue
		}
		amount := parseFloat(d.Qty)
		if d.IsBuyerMaker { // taker sold into the bids
			amount = -amount
		}
		out = append(out, market.Trade{Time: ts, Amount: amount, Price: parseFloat(d.Price)})
	}
	return out, nil
}

func (b *Binance) Balance(ctx context.Context) (market.Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := b.exec.private(ctx, "balance", http.MethodGet, "/api/v3/account", nil, &resp); err != nil {
		return nil, err
	}
	out := market.Balance{b.quote: {}}
	for _, d := range resp.Balances {
		available, onOrders := parseFloat(d.Free), parseFloat(d.Locked)
		if available+onOrders > 0 {
			out[strings.ToLower(d.Asset)] = market.Funds{Available: available, OnOrders: onOrders}
		}
	}
	return out, nil
}

func (b *Binance) Fire(ctx context.Context, amount, price float64, s market.Symbol) (string, error) {
	f, err := b.symbolFilters(ctx, s)
	if err != nil {
		return "", err
	}
	amount, price, err = snapOrder(amount, price, f)
	if err != nil {
		return "", newValidationError("binance", "fire", err)
	}

	params := url.Values{
		"symbol":      {b.wireName(s)},
		"type":        {"LIMIT"},
		"timeInForce": {"GTC"},
		"price":       {fmt.Sprintf("%.8f", price)},
	}
	if amount > 0 {
		params.Set("side", "BUY")
		params.Set("quantity", fmt.Sprintf("%.8f", amount))
	} else {
		params.Set("side", "SELL")
		params.Set("quantity", fmt.Sprintf("%.8f", -amount))
	}

	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := b.exec.private(ctx, "fire", http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return "", err
	}
	id := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.engaged[id] = s
	b.mu.Unlock()
	return id, nil
}

func (b *Binance) Orders(ctx context.Context) (map[string]market.Order, error) {
	var resp []struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Price       string `json:"price"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := b.exec.private(ctx, "orders", http.MethodGet, "/api/v3/openOrders", nil, &resp); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]market.Order{}
	// The venue's open-order list is authoritative: rebuild the engaged
	// set from it so filled and expired ids stop pinning their symbols.
	engaged := make(map[string]market.Symbol, len(resp))
	for _, d := range resp {
		s, ok := b.symbols[d.Symbol]
		if !ok {
			continue
		}
		remaining := parseFloat(d.OrigQty) - parseFloat(d.ExecutedQty)
		if d.Side != "BUY" {
			remaining = -remaining
		}
		id := strconv.FormatInt(d.OrderID, 10)
		out[id] = market.Order{Amount: remaining, Price: parseFloat(d.Price), Symbol: s}
		engaged[id] = s
	}
	b.engaged = engaged
	return out, nil
}

func (b *Binance) Cancel(ctx context.Context, id string) (string, error) {
	b.mu.Lock()
	s, ok := b.engaged[id]
	b.mu.Unlock()
	if !ok {
		return "", newValidationError("binance", "cancel", fmt.Errorf("unknown order %s", id))
	}

	params := url.Values{"symbol": {b.wireName(s)}, "orderId": {id}}
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := b.exec.private(ctx, "cancel", http.MethodDelete, "/api/v3/order", params, &resp); err != nil {
		return "", err
	}
	b.mu.Lock()
	delete(b.engaged, id)
	b.mu.Unlock()
	return "-" + id, nil
}

// symbolFilters returns the cached constraints for s, fetching the
// exchange info once when the cache is cold.
func (b *Binance) symbolFilters(ctx context.Context, s market.Symbol) (filters, error) {
	b.mu.Lock()
	f, ok := b.filters[s]
	b.mu.Unlock()
	if ok {
		return f, nil
	}
	if _, err := b.Symbols(ctx); err != nil {
		return filters{}, err
	}
	b.mu.Lock()
	f, ok = b.filters[s]
	b.mu.Unlock()
	if !ok {
		return filters{}, newValidationError("binance", "fire", fmt.Errorf("no filters for %s", s))
	}
	return f, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
