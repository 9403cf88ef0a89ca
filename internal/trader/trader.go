// Package trader turns strategy candidates into venue orders and keeps
// the account tidy between attempts: idle holdings are cleared, stale
// orders flushed and every placement is persisted so a restart can pick
// up where the previous run stopped.
package trader

import (
	"context"
	"errors"
	"time"

	"github.com/okvist/kratt/internal/config"
	"github.com/okvist/kratt/internal/gateway"
	"github.com/okvist/kratt/internal/halt"
	"github.com/okvist/kratt/internal/market"
	"github.com/okvist/kratt/internal/observ"
	"github.com/okvist/kratt/internal/store"
	"github.com/okvist/kratt/internal/strategy"
)

const trackedKey = "tracked_orders"

const bookMargin = 3 // percent band kept around the midpoint

// TrackedOrder is one order this process placed and still cares about.
type TrackedOrder struct {
	ID     string        `json:"id"`
	Symbol market.Symbol `json:"symbol"`
	Amount float64       `json:"amount"`
	Price  float64       `json:"price"`
	Placed time.Time     `json:"placed"`
}

type Trader struct {
	venue  gateway.Client
	engine *strategy.Engine
	db     *store.Store
	halter *halt.Coordinator
	cfg    config.Trader

	quote string
	fiat  string
	quota float64
	orbit time.Duration
	live  bool

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) bool

	tracked map[string]TrackedOrder
}

func New(venue gateway.Client, engine *strategy.Engine, db *store.Store, halter *halt.Coordinator, root config.Root) *Trader {
	t := &Trader{
		venue:   venue,
		engine:  engine,
		db:      db,
		halter:  halter,
		cfg:     root.Trader,
		quote:   root.QuoteCurrency,
		fiat:    root.FiatBridge,
		quota:   root.QuotaBTC,
		orbit:   time.Duration(root.OrbitMinutes * float64(time.Minute)),
		live:    root.LiveMode,
		now:     time.Now,
		tracked: map[string]TrackedOrder{},
	}
	t.wait = t.halter.Wait
	var saved map[string]TrackedOrder
	switch err := db.Load(trackedKey, &saved); {
	case err == nil:
		t.tracked = saved
		observ.Log("orders_restored", map[string]any{"venue": venue.Name(), "count": len(saved)})
	case !errors.Is(err, store.ErrNotFound):
		observ.Warn("orders_restore_failed", map[string]any{"venue": venue.Name(), "error": err.Error()})
	}
	return t
}

// Run executes trading cycles until the context is cancelled or a halt is
// signalled. Each cycle's processing time counts against the orbit: the
// inter-cycle sleep is only the remainder, so the cadence stays one
// orbit regardless of how slow the venue was. Call failures are absorbed
// per cycle; a panic propagates and terminates the unit.
func (t *Trader) Run(ctx context.Context) {
	for ctx.Err() == nil && !t.halter.Halted() {
		started := t.now()
		t.cycle(ctx)
		if !t.wait(ctx, orbitRemainder(t.orbit, t.now().Sub(started))) {
			break
		}
	}
	observ.Log("trader_stopped", map[string]any{"venue": t.venue.Name()})
}

// orbitRemainder is the sleep that fills a cycle out to one orbit,
// floored so an overlong cycle still yields before the next one.
func orbitRemainder(orbit, elapsed time.Duration) time.Duration {
	if remaining := orbit - elapsed; remaining > time.Second {
		return remaining
	}
	return time.Second
}

func (t *Trader) cycle(ctx context.Context) {
	candidates, err := t.engine.Cycle(ctx)
	if err != nil {
		observ.Warn("engine_cycle_failed", map[string]any{
			"venue": t.venue.Name(), "error": err.Error(),
		})
		return
	}

	open, err := t.venue.Orders(ctx)
	if err != nil {
		observ.Warn("orders_fetch_failed", map[string]any{
			"venue": t.venue.Name(), "error": err.Error(),
		})
		return
	}
	balance, err := t.venue.Balance(ctx)
	if err != nil {
		observ.Warn("balance_fetch_failed", map[string]any{
			"venue": t.venue.Name(), "error": err.Error(),
		})
		return
	}

	t.clear(ctx, balance, open)
	t.flush(ctx, open)
	t.report(ctx, balance)

	if pick, ok := t.forecast(candidates); ok {
		t.chase(ctx, pick, balance, open)
	}
}

// clear sells idle holdings worth more than half a quota back into the
// quote currency at a small markup over the current ask. Symbols with an
// open order are left alone.
func (t *Trader) clear(ctx context.Context, balance market.Balance, open map[string]market.Order) {
	engaged := map[market.Symbol]bool{}
	for _, o := range open {
		engaged[o.Symbol] = true
	}
	for asset, funds := range balance {
		if asset == t.quote || asset == t.fiat || funds.Available <= 0 {
			continue
		}
		s := market.NewSymbol(asset, t.quote)
		if engaged[s] {
			continue
		}
		ticker, ok := t.ticker(ctx, s)
		if !ok || funds.Available*ticker.Ask <= t.quota/2 {
			continue
		}
		price := ticker.Ask * (1 + t.cfg.ClearMarkupPct/100)
		if id, ok := t.fire(ctx, "clear", -funds.Available, price, s); ok {
			t.track(TrackedOrder{ID: id, Symbol: s, Amount: -funds.Available, Price: price, Placed: time.Now()})
		}
	}
}

// flush reprices tracked sell orders that sat unfilled past the stale
// threshold, and drops anything the venue no longer lists as open.
func (t *Trader) flush(ctx context.Context, open map[string]market.Order) {
	for id, ord := range t.tracked {
		live, stillOpen := open[id]
		if !stillOpen {
			observ.Log("order_settled", map[string]any{
				"venue": t.venue.Name(), "id": id, "symbol": ord.Symbol.String(),
			})
			t.untrack(id)
			continue
		}
		if time.Since(ord.Placed) < time.Duration(t.cfg.StaleOrderMinutes)*time.Minute {
			continue
		}
		if _, ok := t.cancel(ctx, "flush", id); !ok {
			continue
		}
		t.untrack(id)
		if live.Amount >= 0 {
			continue // a stale buy is simply abandoned
		}
		ticker, ok := t.ticker(ctx, ord.Symbol)
		if !ok {
			continue
		}
		price := ticker.Bid * (1 - t.cfg.FlushDiscountPct/100)
		if newID, ok := t.fire(ctx, "flush", live.Amount, price, ord.Symbol); ok {
			t.track(TrackedOrder{ID: newID, Symbol: ord.Symbol, Amount: live.Amount, Price: price, Placed: time.Now()})
		}
	}
}

// report values the whole account in the quote currency and, through the
// fiat bridge pair, in fiat.
func (t *Trader) report(ctx context.Context, balance market.Balance) {
	total := 0.0
	for asset, funds := range balance {
		units := funds.Available + funds.OnOrders
		if units <= 0 {
			continue
		}
		if asset == t.quote {
			total += units
			continue
		}
		if ticker, ok := t.ticker(ctx, market.NewSymbol(asset, t.quote)); ok {
			total += units * ticker.Bid
		}
	}
	fiat := 0.0
	if ticker, ok := t.ticker(ctx, market.NewSymbol(t.quote, t.fiat)); ok {
		fiat = total * ticker.Bid * (1 - t.venue.Fee()/100)
	}
	observ.SetGauge("holdings_quote", total, map[string]string{"venue": t.venue.Name()})
	observ.SetGauge("holdings_fiat", fiat, map[string]string{"venue": t.venue.Name()})
	observ.Log("report", map[string]any{
		"venue": t.venue.Name(), "quote": total, "fiat": fiat,
	})
}

// forecast filters candidates by the liquidity gates and returns the
// most attractive one: highest buy pressure, ties broken by tighter
// spread.
func (t *Trader) forecast(candidates []strategy.Candidate) (strategy.Candidate, bool) {
	var pick strategy.Candidate
	found := false
	for _, c := range candidates {
		tk := c.Ticker
		if tk.AskDepth < t.cfg.MinAskDepth ||
			tk.BuyPressure < t.cfg.MinBuyPressurePct ||
			tk.SpreadPct > t.cfg.MaxSpreadPct {
			continue
		}
		if !found ||
			tk.BuyPressure > pick.Ticker.BuyPressure ||
			(tk.BuyPressure == pick.Ticker.BuyPressure && tk.SpreadPct < pick.Ticker.SpreadPct) {
			pick, found = c, true
		}
	}
	if !found {
		observ.Log("forecast_empty", map[string]any{
			"venue": t.venue.Name(), "candidates": len(candidates),
		})
	}
	return pick, found
}

// chase buys one quota of the picked symbol at the ask, waits one orbit
// for the fill and immediately re-lists the position at the profit
// margin. An unfilled buy is cancelled and the attempt abandoned.
func (t *Trader) chase(ctx context.Context, pick strategy.Candidate, balance market.Balance, open map[string]market.Order) {
	for _, o := range open {
		if o.Symbol == pick.Symbol {
			observ.Log("chase_skipped", map[string]any{
				"venue": t.venue.Name(), "symbol": pick.Symbol.String(), "reason": "engaged",
			})
			return
		}
	}
	if balance[t.quote].Available < t.quota {
		observ.Log("chase_skipped", map[string]any{
			"venue": t.venue.Name(), "symbol": pick.Symbol.String(), "reason": "short of quota",
			"available": balance[t.quote].Available,
		})
		return
	}

	// The candidate's ticker dates from the engine's paced refresh and
	// can be minutes old; price the entry off a fresh snapshot.
	fresh, ok := t.ticker(ctx, pick.Symbol)
	if !ok {
		observ.Log("chase_skipped", map[string]any{
			"venue": t.venue.Name(), "symbol": pick.Symbol.String(), "reason": "no fresh book",
		})
		return
	}
	buyPrice := fresh.Ask
	amount := t.quota / buyPrice
	buyID, ok := t.fire(ctx, "chase", amount, buyPrice, pick.Symbol)
	if !ok {
		return
	}
	if !t.wait(ctx, t.orbit) {
		return
	}

	stillOpen, err := t.venue.Orders(ctx)
	if err != nil {
		observ.Warn("orders_fetch_failed", map[string]any{
			"venue": t.venue.Name(), "error": err.Error(),
		})
		return
	}
	if _, unfilled := stillOpen[buyID]; unfilled {
		t.cancel(ctx, "chase", buyID)
		observ.Log("chase_abandoned", map[string]any{
			"venue": t.venue.Name(), "symbol": pick.Symbol.String(), "id": buyID,
		})
		return
	}

	sellPrice := buyPrice * (1 + t.cfg.ProfitMarginPct/100)
	sellID, ok := t.fire(ctx, "chase", -amount, sellPrice, pick.Symbol)
	if !ok {
		return
	}
	t.track(TrackedOrder{ID: sellID, Symbol: pick.Symbol, Amount: -amount, Price: sellPrice, Placed: time.Now()})
	observ.Log("chase_listed", map[string]any{
		"venue":      t.venue.Name(),
		"symbol":     pick.Symbol.String(),
		"id":         sellID,
		"profit_pct": 100 * (sellPrice/buyPrice - 1),
	})
}

func (t *Trader) ticker(ctx context.Context, s market.Symbol) (market.Ticker, bool) {
	book, err := t.venue.Book(ctx, s, bookMargin)
	if err != nil {
		return market.Ticker{}, false
	}
	ticker, err := market.NewTicker(book, t.quota)
	if err != nil {
		return market.Ticker{}, false
	}
	return ticker, true
}

// fire places an order, or only logs it when the process is not armed
// for live trading.
func (t *Trader) fire(ctx context.Context, op string, amount, price float64, s market.Symbol) (string, bool) {
	if !t.live {
		observ.Log("order_dry_run", map[string]any{
			"venue": t.venue.Name(), "op": op, "symbol": s.String(),
			"amount": amount, "price": price,
		})
		return "", false
	}
	id, err := t.venue.Fire(ctx, amount, price, s)
	if err != nil {
		observ.Warn("order_failed", map[string]any{
			"venue": t.venue.Name(), "op": op, "symbol": s.String(), "error": err.Error(),
		})
		return "", false
	}
	observ.IncCounter("orders_placed", map[string]string{"venue": t.venue.Name(), "op": op})
	observ.Log("order_placed", map[string]any{
		"venue": t.venue.Name(), "op": op, "symbol": s.String(),
		"id": id, "amount": amount, "price": price,
	})
	return id, true
}

func (t *Trader) cancel(ctx context.Context, op string, id string) (string, bool) {
	if !t.live {
		observ.Log("cancel_dry_run", map[string]any{"venue": t.venue.Name(), "op": op, "id": id})
		return "", false
	}
	ack, err := t.venue.Cancel(ctx, id)
	if err != nil {
		observ.Warn("cancel_failed", map[string]any{
			"venue": t.venue.Name(), "op": op, "id": id, "error": err.Error(),
		})
		return "", false
	}
	observ.IncCounter("orders_cancelled", map[string]string{"venue": t.venue.Name(), "op": op})
	observ.Log("order_cancelled", map[string]any{"venue": t.venue.Name(), "op": op, "id": ack})
	return ack, true
}

func (t *Trader) track(o TrackedOrder) {
	t.tracked[o.ID] = o
	t.persist()
}

func (t *Trader) untrack(id string) {
	delete(t.tracked, id)
	t.persist()
}

func (t *Trader) persist() {
	if err := t.db.Save(trackedKey, t.tracked); err != nil {
		observ.Warn("orders_save_failed", map[string]any{
			"venue": t.venue.Name(), "error": err.Error(),
		})
	}
}
