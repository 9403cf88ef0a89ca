// Package gateway abstracts heterogeneous trading venues behind one
// capability contract. Every venue client funnels its wire calls through
// the resilient request executor, which owns pacing, signing, retry and
// failure classification.
package gateway

import (
	"context"
	"time"

	"github.com/okvist/kratt/internal/config"
	"github.com/okvist/kratt/internal/market"
	"github.com/okvist/kratt/internal/observ"
)

// Client is the uniform venue contract. The strategy engine and the
// trader depend only on this interface, never on a concrete venue.
//
// All methods block until the venue answers or the executor's retry
// budget runs out; a classified *VenueError means "no data this cycle".
type Client interface {
	// Name is the lowercase venue identifier, e.g. "binance".
	Name() string
	// Fee is the taker fee in percent.
	Fee() float64

	// Symbols returns active tradable pairs quoted in the quote currency.
	Symbols(ctx context.Context) (map[market.Symbol]bool, error)
	// OHLCV returns the trailing 24h candle for one symbol.
	OHLCV(ctx context.Context, s market.Symbol) (market.OHLCV, error)
	// Book returns a top-of-book snapshot restricted to prices within
	// marginPct of the best bid/ask.
	Book(ctx context.Context, s market.Symbol, marginPct float64) (market.OrderBook, error)
	// History returns trades oldest-first. A non-zero cutoff restricts to
	// a trailing window ending at cutoff; a zero cutoff returns the
	// venue's recent-trades default.
	History(ctx context.Context, s market.Symbol, cutoff time.Time) ([]market.Trade, error)
	// Balance always includes an entry for the quote currency, zero when
	// unfunded.
	Balance(ctx context.Context) (market.Balance, error)
	// Fire places a limit order. The sign of amount selects the side
	// (positive buys); price and amount are snapped to the venue's
	// tick/lot/notional constraints before sending, rounding toward the
	// larger economic size.
	Fire(ctx context.Context, amount, price float64, s market.Symbol) (string, error)
	// Orders lists open orders keyed by order id.
	Orders(ctx context.Context) (map[string]market.Order, error)
	// Cancel cancels an open order and returns the negated-id token.
	Cancel(ctx context.Context, id string) (string, error)
}

// Registry holds the explicitly constructed venue clients. Venue choice
// is configuration, not reflection: a venue is enabled by being listed in
// the authorized set and having credentials in the environment.
type Registry struct {
	clients map[string]Client
}

// BuildRegistry constructs one client per authorized venue. Venues with
// missing credentials are skipped with a log line rather than failing the
// whole process.
func BuildRegistry(cfg config.Root) *Registry {
	ecfg := ExecutorConfig{
		Pace:      time.Duration(cfg.Executor.PaceMs) * time.Millisecond,
		Timeout:   time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		MaxTries:  cfg.Executor.MaxTries,
		RetryWait: time.Duration(cfg.Executor.RetryDelaySecs) * time.Second,
		Cooldown:  time.Duration(cfg.Executor.CooldownMinutes) * time.Minute,
	}

	r := &Registry{clients: map[string]Client{}}
	for _, venue := range cfg.Authorized {
		key, secret, err := config.Credentials(venue)
		if err != nil {
			observ.Warn("venue_skipped", map[string]any{"venue": venue, "reason": err.Error()})
			continue
		}
		var c Client
		switch venue {
		case "binance":
			c = NewBinance(key, secret, cfg.QuoteCurrency, ecfg)
		case "bittrex":
			c = NewBittrex(key, secret, cfg.QuoteCurrency, ecfg)
		case "poloniex":
			c = NewPoloniex(key, secret, cfg.QuoteCurrency, ecfg)
		default:
			observ.Warn("venue_skipped", map[string]any{"venue": venue, "reason": "unknown venue"})
			continue
		}
		r.clients[venue] = c
		observ.Log("venue_enabled", map[string]any{"venue": venue})
	}
	return r
}

func (r *Registry) Client(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

func (r *Registry) All() []Client {
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
