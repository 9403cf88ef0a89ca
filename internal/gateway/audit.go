package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/okvist/kratt/internal/market"
	"github.com/okvist/kratt/internal/observ"
)

// Audit exercises every capability of a venue client and returns the
// number of failed checks. Market-data calls always run; the firing
// sequence (buy far below the bid, list, cancel) runs only in live mode
// since it needs a funded account.
func Audit(ctx context.Context, c Client, quote string, quota float64, live bool) int {
	venue := c.Name()
	observ.Log("audit_start", map[string]any{"venue": venue, "live": live})
	errs := 0
	fail := func(step string, err error) {
		errs++
		observ.Error("audit_step_failed", map[string]any{"venue": venue, "step": step, "error": err.Error()})
	}

	symbols, err := c.Symbols(ctx)
	if err != nil || len(symbols) == 0 {
		fail("symbols", fmt.Errorf("no symbols: %v", err))
		return errs
	}
	observ.Log("audit_symbols", map[string]any{"venue": venue, "count": len(symbols)})

	picks := make([]market.Symbol, 0, len(symbols))
	for s := range symbols {
		picks = append(picks, s)
	}
	rand.Shuffle(len(picks), func(i, j int) { picks[i], picks[j] = picks[j], picks[i] })

	probe := picks[0]
	if _, err := c.OHLCV(ctx, probe); err != nil {
		fail("ohlcv", err)
	}
	if _, err := c.History(ctx, probe, time.Now()); err != nil {
		fail("history", err)
	}
	book, err := c.Book(ctx, probe, 3)
	if err != nil {
		fail("book", err)
	}

	balance, err := c.Balance(ctx)
	if err != nil {
		fail("balance", err)
	}

	if !live || errs > 0 {
		observ.Log("audit_done", map[string]any{"venue": venue, "errors": errs})
		return errs
	}

	// Firing sequence: a buy priced far below the bid never fills, so the
	// cancel that follows leaves the account untouched.
	quoteFunds := balance[quote]
	if quoteFunds.Available < quota {
		fail("fire", fmt.Errorf("need at least %v %s available to test firing", quota, quote))
		observ.Log("audit_done", map[string]any{"venue": venue, "errors": errs})
		return errs
	}
	ticker, err := market.NewTicker(book, quota)
	if err != nil {
		fail("fire", err)
		observ.Log("audit_done", map[string]any{"venue": venue, "errors": errs})
		return errs
	}
	price := 0.5 * ticker.Bid
	id, err := c.Fire(ctx, quota/price, price, probe)
	if err != nil {
		fail("fire", err)
	} else {
		if orders, err := c.Orders(ctx); err != nil {
			fail("orders", err)
		} else if _, open := orders[id]; !open {
			observ.Warn("audit_order_not_listed", map[string]any{"venue": venue, "order": id})
		}
		if ack, err := c.Cancel(ctx, id); err != nil {
			fail("cancel", err)
		} else {
			observ.Log("audit_cancelled", map[string]any{"venue": venue, "ack": ack})
		}
	}

	observ.Log("audit_done", map[string]any{"venue": venue, "errors": errs})
	return errs
}
