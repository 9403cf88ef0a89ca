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
	poloniexBaseURL      = "https://poloniex.com"
	poloniexTimeLayout   = "2006-01-02 15:04:05"
	poloniexCandlePeriod = "7200"
)

// Poloniex signs the urlencoded POST body with HMAC-SHA512 and sends key
// and digest in the Key/Sign headers. Public data rides on GET /public
// with a command parameter.
type Poloniex struct {
	key    string
	secret []byte
	quote  string
	exec   *executor
	flt    filters
}

func NewPoloniex(key, secret, quote string, cfg ExecutorConfig) *Poloniex {
	cfg.applyDefaults(poloniexBaseURL)
	p := &Poloniex{
		key:    key,
		secret: []byte(secret),
		quote:  quote,
		flt:    staticFilters("0.00000001", "0.000001", "0.0001"),
	}
	p.exec = newExecutor("poloniex", cfg, p.signRequest)
	return p
}

func (p *Poloniex) Name() string { return "poloniex" }
func (p *Poloniex) Fee() float64 { return 0.25 }

func (p *Poloniex) signRequest(ctx context.Context, base string, c call) (*http.Request, error) {
	params := url.Values{}
	for k, vs := range c.params {
		params[k] = vs
	}
	params.Set("nonce", strconv.FormatInt(time.Now().UnixMilli(), 10))
	body := params.Encode()

	mac := hmac.New(sha512.New, p.secret)
	mac.Write([]byte(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+c.path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Key", p.key)
	req.Header.Set("Sign", hex.EncodeToString(mac.Sum(nil)))
	return req, nil
}

func (p *Poloniex) public(ctx context.Context, op, command string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("command", command)
	return p.exec.public(ctx, op, "/public", params, out)
}

func (p *Poloniex) private(ctx context.Context, op, command string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("command", command)
	return p.exec.private(ctx, op, http.MethodPost, "/tradingApi", params, out)
}

func (p *Poloniex) wireName(s market.Symbol) string {
	return strings.ToUpper(s.Quote) + "_" + strings.ToUpper(s.Base)
}

func (p *Poloniex) parseWireName(v string) (market.Symbol, bool) {
	quote, base, ok := strings.Cut(v, "_")
	if !ok {
		return market.Symbol{}, false
	}
	return market.NewSymbol(base, quote), true
}

func (p *Poloniex) Symbols(ctx context.Context) (map[market.Symbol]bool, error) {
	var resp map[string]struct {
		IsFrozen string `json:"isFrozen"`
	}
	if err := p.public(ctx, "symbols", "returnTicker", nil, &resp); err != nil {
		return nil, err
	}
	out := map[market.Symbol]bool{}
	for name, d := range resp {
		s, ok := p.parseWireName(name)
		if ok && d.IsFrozen == "0" && s.Quote == p.quote {
			out[s] = true
		}
	}
	return out, nil
}

func (p *Poloniex) OHLCV(ctx context.Context, s market.Symbol) (market.OHLCV, error) {
	now := time.Now()
	end := now.Truncate(time.Minute)
	start := end.Add(-24 * time.Hour)
	params := url.Values{
		"currencyPair": {p.wireName(s)},
		"start":        {strconv.FormatInt(start.Unix(), 10)},
		"end":          {strconv.FormatInt(end.Unix(), 10)},
		"period":       {poloniexCandlePeriod},
	}
	var resp []struct {
		Open        float64 `json:"open"`
		High        float64 `json:"high"`
		Low         float64 `json:"low"`
		Close       float64 `json:"close"`
		QuoteVolume float64 `json:"quoteVolume"`
	}
	if err := p.public(ctx, "ohlcv", "returnChartData", params, &resp); err != nil {
		return market.OHLCV{}, err
	}
	if len(resp) == 0 {
		return market.OHLCV{}, newValidationError("poloniex", "ohlcv", fmt.Errorf("no candles for %s", s))
	}

	o := market.OHLCV{Open: resp[0].Open, Close: resp[len(resp)-1].Close}
	for _, c := range resp {
		if c.High > o.High {
			o.High = c.High
		}
		if o.Low == 0 || (c.Low > 0 && c.Low < o.Low) {
			o.Low = c.Low
		}
		o.Volume += c.QuoteVolume
	}
	if !o.Valid() {
		return market.OHLCV{}, newValidationError("poloniex", "ohlcv", fmt.Errorf("empty candle for %s", s))
	}
	return o, nil
}

func (p *Poloniex) Book(ctx context.Context, s market.Symbol, marginPct float64) (market.OrderBook, error) {
	params := url.Values{"currencyPair": {p.wireName(s)}, "depth": {"99"}}
	var resp struct {
		Asks [][]any `json:"asks"`
		Bids [][]any `json:"bids"`
	}
	if err := p.public(ctx, "book", "returnOrderBook", params, &resp); err != nil {
		return nil, err
	}
	asks, bids := map[float64]float64{}, map[float64]float64{}
	for _, lvl := range resp.Asks {
		if price, amount, ok := parseLevel(lvl); ok {
			asks[price] = amount
		}
	}
	for _, lvl := range resp.Bids {
		if price, amount, ok := parseLevel(lvl); ok {
			bids[price] = amount
		}
	}
	book := market.MergeBook(asks, bids, marginPct)
	if book == nil {
		return nil, newValidationError("poloniex", "book", fmt.Errorf("one-sided book for %s", s))
	}
	return book, nil
}

// parseLevel decodes one [price, amount] ladder entry; the venue encodes
// prices as strings and amounts as numbers.
func parseLevel(lvl []any) (price, amount float64, ok bool) {
	if len(lvl) < 2 {
		return 0, 0, false
	}
	price, okP := toFloat(lvl[0])
	amount, okA := toFloat(lvl[1])
	return price, amount, okP && okA
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (p *Poloniex) History(ctx context.Context, s market.Symbol, cutoff time.Time) ([]market.Trade, error) {
	if cutoff.IsZero() {
		cutoff = time.Now()
	}
	end := cutoff.Truncate(time.Minute)
	start := end.Add(-30 * time.Minute)
	params := url.Values{
		"currencyPair": {p.wireName(s)},
		"start":        {strconv.FormatInt(start.Unix(), 10)},
		"end":          {strconv.FormatInt(end.Unix(), 10)},
	}
	var resp []struct {
		Date   string `json:"date"`
		Type   string `json:"type"`
		Amount string `json:"amount"`
		Rate   string `json:"rate"`
	}
	if err := p.public(ctx, "history", "returnTradeHistory", params, &resp); err != nil {
		return nil, err
	}

	out := make([]market.Trade, 0, len(resp))
	// venue reports newest first; walk backwards for oldest-first output
	for i := len(resp) - 1; i >= 0; i-- {
		d := resp[i]
		ts, err := time.Parse(poloniexTimeLayout, d.Date)
		if err != nil {
			continue
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		amount := parseFloat(d.Amount)
		if d.Type != "buy" {
			amount = -amount
		}
		out = append(out, market.Trade{Time: ts, Amount: amount, Price: parseFloat(d.Rate)})
	}
	return out, nil
}

func (p *Poloniex) Balance(ctx context.Context) (market.Balance, error) {
	var resp map[string]struct {
		Available string `json:"available"`
		OnOrders  string `json:"onOrders"`
	}
	if err := p.private(ctx, "balance", "returnCompleteBalances", nil, &resp); err != nil {
		return nil, err
	}
	out := market.Balance{p.quote: {}}
	for asset, d := range resp {
		available, onOrders := parseFloat(d.Available), parseFloat(d.OnOrders)
		if available+onOrders > 0 {
			out[strings.ToLower(asset)] = market.Funds{Available: available, OnOrders: onOrders}
		}
	}
	return out, nil
}

func (p *Poloniex) Fire(ctx context.Context, amount, price float64, s market.Symbol) (string, error) {
	amount, price, err := snapOrder(amount, price, p.flt)
	if err != nil {
		return "", newValidationError("poloniex", "fire", err)
	}

	command := "buy"
	quantity := amount
	if amount < 0 {
		command = "sell"
		quantity = -amount
	}
	params := url.Values{
		"currencyPair": {p.wireName(s)},
		"rate":         {fmt.Sprintf("%.8f", price)},
		"amount":       {fmt.Sprintf("%.8f", quantity)},
	}
	var resp struct {
		OrderNumber string `json:"orderNumber"`
		Error       string `json:"error"`
	}
	if err := p.private(ctx, "fire", command, params, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", newValidationError("poloniex", "fire", fmt.Errorf("venue refused: %s", resp.Error))
	}
	if resp.OrderNumber == "" {
		return "", newValidationError("poloniex", "fire", fmt.Errorf("no order number returned"))
	}
	return resp.OrderNumber, nil
}

func (p *Poloniex) Orders(ctx context.Context) (map[string]market.Order, error) {
	params := url.Values{"currencyPair": {"all"}}
	var resp map[string][]struct {
		OrderNumber string `json:"orderNumber"`
		Type        string `json:"type"`
		Rate        string `json:"rate"`
		Amount      string `json:"amount"`
	}
	if err := p.private(ctx, "orders", "returnOpenOrders", params, &resp); err != nil {
		return nil, err
	}
	out := map[string]market.Order{}
	for name, orders := range resp {
		s, ok := p.parseWireName(name)
		if !ok {
			continue
		}
		for _, d := range orders {
			amount := parseFloat(d.Amount)
			if d.Type != "buy" {
				amount = -amount
			}
			out[d.OrderNumber] = market.Order{Amount: amount, Price: parseFloat(d.Rate), Symbol: s}
		}
	}
	return out, nil
}

func (p *Poloniex) Cancel(ctx context.Context, id string) (string, error) {
	params := url.Values{"orderNumber": {id}}
	var resp struct {
		Success int    `json:"success"`
		Error   string `json:"error"`
	}
	if err := p.private(ctx, "cancel", "cancelOrder", params, &resp); err != nil {
		return "", err
	}
	if resp.Success != 1 {
		return "", newValidationError("poloniex", "cancel", fmt.Errorf("venue refused: %s", resp.Error))
	}
	return "-" + id, nil
}
