package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/okvist/kratt/internal/market"
)

const (
	bittrexBaseURL    = "https://bittrex.com/api/v1.1"
	bittrexTimeLayout = "2006-01-02T15:04:05"
)

// Bittrex signs the complete request URI with HMAC-SHA512 and sends the
// digest in the apisign header; key and nonce travel as query parameters.
// Every response is wrapped in a success/message/result envelope.
type Bittrex struct {
	key    string
	secret []byte
	quote  string
	exec   *executor
	flt    filters
}

func NewBittrex(key, secret, quote string, cfg ExecutorConfig) *Bittrex {
	cfg.applyDefaults(bittrexBaseURL)
	b := &Bittrex{
		key:    key,
		secret: []byte(secret),
		quote:  quote,
		flt:    staticFilters("0.00000001", "0.00000001", "0.0005"),
	}
	b.exec = newExecutor("bittrex", cfg, b.signRequest)
	return b
}

func (b *Bittrex) Name() string { return "bittrex" }
func (b *Bittrex) Fee() float64 { return 0.25 }

func (b *Bittrex) signRequest(ctx context.Context, base string, c call) (*http.Request, error) {
	params := url.Values{}
	for k, vs := range c.params {
		params[k] = vs
	}
	params.Set("apikey", b.key)
	params.Set("nonce", strconv.FormatInt(time.Now().UnixMilli(), 10))

	uri := base + c.path + "?" + params.Encode()
	mac := hmac.New(sha512.New, b.secret)
	mac.Write([]byte(uri))

	req, err := http.NewRequestWithContext(ctx, c.method, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apisign", hex.EncodeToString(mac.Sum(nil)))
	return req, nil
}

// bittrexEnvelope is the uniform wrapper around every v1.1 response.
type bittrexEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (b *Bittrex) unwrap(op string, env bittrexEnvelope, out any) error {
	if !env.Success {
		return newValidationError("bittrex", op, fmt.Errorf("venue refused: %s", env.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return newValidationError("bittrex", op, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func (b *Bittrex) wireName(s market.Symbol) string {
	return strings.ToUpper(s.Quote) + "-" + strings.ToUpper(s.Base)
}

func (b *Bittrex) parseWireName(v string) (market.Symbol, bool) {
	quote, base, ok := strings.Cut(v, "-")
	if !ok {
		return market.Symbol{}, false
	}
	return market.NewSymbol(base, quote), true
}

func (b *Bittrex) Symbols(ctx context.Context) (map[market.Symbol]bool, error) {
	var env bittrexEnvelope
	if err := b.exec.public(ctx, "symbols", "/public/getmarkets", nil, &env); err != nil {
		return nil, err
	}
	var result []struct {
		MarketName string `json:"MarketName"`
		IsActive   bool   `json:"IsActive"`
	}
	if err := b.unwrap("symbols", env, &result); err != nil {
		return nil, err
	}
	out := map[market.Symbol]bool{}
	for _, d := range result {
		s, ok := b.parseWireName(d.MarketName)
		if ok && d.IsActive && s.Quote == b.quote {
			out[s] = true
		}
	}
	return out, nil
}

func (b *Bittrex) OHLCV(ctx context.Context, s market.Symbol) (market.OHLCV, error) {
	var env bittrexEnvelope
	params := url.Values{"market": {b.wireName(s)}}
	if err := b.exec.public(ctx, "ohlcv", "/public/getmarketsummary", params, &env); err != nil {
		return market.OHLCV{}, err
	}
	var result []struct {
		High       float64 `json:"High"`
		Low        float64 `json:"Low"`
		Last       float64 `json:"Last"`
		PrevDay    float64 `json:"PrevDay"`
		BaseVolume float64 `json:"BaseVolume"`
	}
	if err := b.unwrap("ohlcv", env, &result); err != nil {
		return market.OHLCV{}, err
	}
	if len(result) == 0 {
		return market.OHLCV{}, newValidationError("bittrex", "ohlcv", fmt.Errorf("no summary for %s", s))
	}
	d := result[0]
	o := market.OHLCV{Open: d.PrevDay, High: d.High, Low: d.Low, Close: d.Last, Volume: d.BaseVolume}
	if !o.Valid() {
		return market.OHLCV{}, newValidationError("bittrex", "ohlcv", fmt.Errorf("empty candle for %s", s))
	}
	return o, nil
}

func (b *Bittrex) Book(ctx context.Context, s market.Symbol, marginPct float64) (market.OrderBook, error) {
	var env bittrexEnvelope
	params := url.Values{"market": {b.wireName(s)}, "type": {"both"}}
	if err := b.exec.public(ctx, "book", "/public/getorderbook", params, &env); err != nil {
		return nil, err
	}
	var result struct {
		Buy []struct {
			Quantity float64 `json:"Quantity"`
			Rate     float64 `json:"Rate"`
		} `json:"buy"`
		Sell []struct {
			Quantity float64 `json:"Quantity"`
			Rate     float64 `json:"Rate"`
		} `json:"sell"`
	}
	if err := b.unwrap("book", env, &result); err != nil {
		return nil, err
	}
	asks, bids := map[float64]float64{}, map[float64]float64{}
	for _, lvl := range result.Sell {
		asks[lvl.Rate] = lvl.Quantity
	}
	for _, lvl := range result.Buy {
		bids[lvl.Rate] = lvl.Quantity
	}
	book := market.MergeBook(asks, bids, marginPct)
	if book == nil {
		return nil, newValidationError("bittrex", "book", fmt.Errorf("one-sided book for %s", s))
	}
	return book, nil
}

func (b *Bittrex) History(ctx context.Context, s market.Symbol, cutoff time.Time) ([]market.Trade, error) {
	var env bittrexEnvelope
	params := url.Values{"market": {b.wireName(s)}}
	if err := b.exec.public(ctx, "history", "/public/getmarkethistory", params, &env); err != nil {
		return nil, err
	}
	var result []struct {
		TimeStamp string  `json:"TimeStamp"`
		OrderType string  `json:"OrderType"`
		Quantity  float64 `json:"Quantity"`
		Price     float64 `json:"Price"`
	}
	if err := b.unwrap("history", env, &result); err != nil {
		return nil, err
	}

	var start, end time.Time
	if !cutoff.IsZero() {
		end = cutoff.Truncate(time.Minute)
		start = end.Add(-20 * time.Minute)
	}
	out := make([]market.Trade, 0, len(result))
	// venue reports newest first; walk backwards for oldest-first output
	for i := len(result) - 1; i >= 0; i-- {
		d := result[i]
		ts, err := time.Parse(bittrexTimeLayout, d.TimeStamp[:min(len(d.TimeStamp), 19)])
		if err != nil {
			continue
		}
		if !cutoff.IsZero() && (ts.Before(start) || ts.After(end)) {
			continue
		}
		amount := d.Quantity
		if d.OrderType != "BUY" {
			amount = -amount
		}
		out = append(out, market.Trade{Time: ts, Amount: amount, Price: d.Price})
	}
	return out, nil
}

func (b *Bittrex) Balance(ctx context.Context) (market.Balance, error) {
	var env bittrexEnvelope
	if err := b.exec.private(ctx, "balance", http.MethodGet, "/account/getbalances", nil, &env); err != nil {
		return nil, err
	}
	var result []struct {
		Currency  string  `json:"Currency"`
		Balance   float64 `json:"Balance"`
		Available float64 `json:"Available"`
	}
	if err := b.unwrap("balance", env, &result); err != nil {
		return nil, err
	}
	out := market.Balance{b.quote: {}}
	for _, d := range result {
		if d.Balance > 0 {
			out[strings.ToLower(d.Currency)] = market.Funds{
				Available: d.Available,
				OnOrders:  d.Balance - d.Available,
			}
		}
	}
	return out, nil
}

func (b *Bittrex) Fire(ctx context.Context, amount, price float64, s market.Symbol) (string, error) {
	amount, price, err := snapOrder(amount, price, b.flt)
	if err != nil {
		return "", newValidationError("bittrex", "fire", err)
	}

	path := "/market/buylimit"
	quantity := amount
	if amount < 0 {
		path = "/market/selllimit"
		quantity = -amount
	}
	params := url.Values{
		"market":   {b.wireName(s)},
		"quantity": {fmt.Sprintf("%.8f", quantity)},
		"rate":     {fmt.Sprintf("%.8f", price)},
	}
	var env bittrexEnvelope
	if err := b.exec.private(ctx, "fire", http.MethodGet, path, params, &env); err != nil {
		return "", err
	}
	var result struct {
		UUID string `json:"uuid"`
	}
	if err := b.unwrap("fire", env, &result); err != nil {
		return "", err
	}
	return result.UUID, nil
}

func (b *Bittrex) Orders(ctx context.Context) (map[string]market.Order, error) {
	var env bittrexEnvelope
	if err := b.exec.private(ctx, "orders", http.MethodGet, "/market/getopenorders", nil, &env); err != nil {
		return nil, err
	}
	var result []struct {
		OrderUuid         string  `json:"OrderUuid"`
		Exchange          string  `json:"Exchange"`
		OrderType         string  `json:"OrderType"`
		QuantityRemaining float64 `json:"QuantityRemaining"`
		Limit             float64 `json:"Limit"`
	}
	if err := b.unwrap("orders", env, &result); err != nil {
		return nil, err
	}
	out := map[string]market.Order{}
	for _, d := range result {
		s, ok := b.parseWireName(d.Exchange)
		if !ok {
			continue
		}
		remaining := d.QuantityRemaining
		if d.OrderType != "LIMIT_BUY" {
			remaining = -remaining
		}
		out[d.OrderUuid] = market.Order{Amount: remaining, Price: d.Limit, Symbol: s}
	}
	return out, nil
}

func (b *Bittrex) Cancel(ctx context.Context, id string) (string, error) {
	var env bittrexEnvelope
	params := url.Values{"uuid": {id}}
	if err := b.exec.private(ctx, "cancel", http.MethodGet, "/market/cancel", params, &env); err != nil {
		return "", err
	}
	if err := b.unwrap("cancel", env, nil); err != nil {
		return "", err
	}
	return "-" + id, nil
}
