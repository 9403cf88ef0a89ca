// Package strategy evolves a population of weighted scoring strategies
// against realized (simulated) profit and turns the fittest one's
// opinion into per-cycle trade candidates.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/okvist/kratt/internal/config"
	"github.com/okvist/kratt/internal/gateway"
	"github.com/okvist/kratt/internal/market"
	"github.com/okvist/kratt/internal/observ"
	"github.com/okvist/kratt/internal/store"
)

const populationKey = "population"

// Candidate is one recommended symbol with its score and the ticker it
// was scored against, so the trader need not refetch the book.
type Candidate struct {
	Symbol market.Symbol
	Score  int
	Ticker market.Ticker
}

type Engine struct {
	venue gateway.Client
	db    *store.Store
	cfg   config.Strategy
	quota float64
	rng   *rand.Rand

	pop     *Population
	vectors map[market.Symbol][IndicatorDim]float64
	tickers map[market.Symbol]market.Ticker
}

// New builds the engine for one venue, restoring a persisted population
// when one exists.
func New(venue gateway.Client, db *store.Store, cfg config.Strategy, quota float64) *Engine {
	e := &Engine{
		venue: venue,
		db:    db,
		cfg:   cfg,
		quota: quota,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	var pop Population
	switch err := db.Load(populationKey, &pop); {
	case err == nil && len(pop.Members) == cfg.PopulationSize:
		e.pop = &pop
		observ.Log("population_restored", map[string]any{
			"venue": venue.Name(), "cycle": pop.Cycle, "size": len(pop.Members),
		})
	case err != nil && !errors.Is(err, store.ErrNotFound):
		observ.Warn("population_restore_failed", map[string]any{
			"venue": venue.Name(), "error": err.Error(),
		})
	}
	return e
}

// Cycle refreshes market data, advances the evolution one step and
// returns the top-5 recommendation, or an empty slice when the engine
// has no trustworthy signal this cycle.
func (e *Engine) Cycle(ctx context.Context) ([]Candidate, error) {
	if err := e.refresh(ctx); err != nil {
		return nil, err
	}
	if e.pop == nil {
		e.pop = newPopulation(e.cfg.PopulationSize, e.rng)
		observ.Log("population_bootstrap", map[string]any{
			"venue": e.venue.Name(), "size": e.cfg.PopulationSize,
		})
	}

	e.pop.Cycle++
	if e.pop.Cycle%e.cfg.GenerationEvery == 0 {
		e.generation()
	} else if id := e.pop.mutate(e.rng); id >= 0 {
		observ.Log("strategy_mutated", map[string]any{"venue": e.venue.Name(), "id": id})
	}

	if err := e.db.Save(populationKey, e.pop); err != nil {
		observ.Warn("population_save_failed", map[string]any{
			"venue": e.venue.Name(), "error": err.Error(),
		})
	}
	return e.choose(5), nil
}

// refresh pulls candle, trade history and book for a bounded random
// sample of venue symbols. Symbols missing any datum are dropped for the
// cycle, never padded with stale values.
func (e *Engine) refresh(ctx context.Context) error {
	symbols, err := e.venue.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("refresh symbols: %w", err)
	}
	sample := make([]market.Symbol, 0, len(symbols))
	for s := range symbols {
		sample = append(sample, s)
	}
	e.rng.Shuffle(len(sample), func(i, j int) { sample[i], sample[j] = sample[j], sample[i] })
	if len(sample) > e.cfg.SampleCap {
		sample = sample[:e.cfg.SampleCap]
	}

	started := time.Now()
	e.vectors = map[market.Symbol][IndicatorDim]float64{}
	e.tickers = map[market.Symbol]market.Ticker{}
	for _, s := range sample {
		if ctx.Err() != nil {
			break
		}
		data, ok := e.fetch(ctx, s)
		if !ok {
			continue
		}
		e.vectors[s] = Indicators(data)
		e.tickers[s] = data.Ticker
	}
	observ.Log("dataset_refreshed", map[string]any{
		"venue":   e.venue.Name(),
		"sampled": len(sample),
		"kept":    len(e.vectors),
		"elapsed": time.Since(started).Round(time.Millisecond).String(),
	})
	if len(e.vectors) == 0 {
		return fmt.Errorf("refresh: no complete symbol data this cycle")
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, s market.Symbol) (SymbolData, bool) {
	book, err := e.venue.Book(ctx, s, 3)
	if err != nil {
		return SymbolData{}, false
	}
	ticker, err := market.NewTicker(book, e.quota)
	if err != nil {
		return SymbolData{}, false
	}
	history, err := e.venue.History(ctx, s, time.Now())
	if err != nil {
		return SymbolData{}, false
	}
	ohlcv, err := e.venue.OHLCV(ctx, s)
	if err != nil {
		return SymbolData{}, false
	}
	return SymbolData{OHLCV: ohlcv, History: history, Book: book, Ticker: ticker}, true
}

// generation runs one half of the simulated exchange for every strategy:
// quote holders buy their chosen symbol at the best ask, asset holders
// sell back at the best bid and realize profit. When any sale happened
// the weakest member is replaced by a crossover of the two fittest.
func (e *Engine) generation() {
	sold := false
	for id, s := range e.pop.Members {
		switch s.Phase {
		case HoldingQuote:
			chosen, ok := e.bestFor(s)
			if !ok {
				continue
			}
			ask := e.tickers[chosen].Ask
			if ask <= 0 {
				continue
			}
			s.Balance = s.Balance / ask
			s.Held = chosen
			s.Phase = HoldingAsset
		case HoldingAsset:
			ticker, ok := e.tickers[s.Held]
			if !ok {
				continue // no data for the held symbol; try next generation
			}
			s.Balance = s.Balance * ticker.Bid
			s.Held = market.Symbol{}
			s.Phase = HoldingQuote
			s.Profit = 100 * (s.Balance - 1)
			sold = true
			observ.Log("strategy_realized", map[string]any{
				"venue": e.venue.Name(), "id": id, "profit_pct": s.Profit,
			})
		}
	}
	if sold {
		child := e.pop.crossover()
		observ.Log("population_generation", map[string]any{
			"venue": e.venue.Name(), "cycle": e.pop.Cycle,
			"child": child, "protected": e.pop.Protected,
		})
	}
}

// bestFor returns the symbol a strategy scores highest this cycle.
func (e *Engine) bestFor(s *Strategy) (market.Symbol, bool) {
	var best market.Symbol
	bestScore, found := 0, false
	for sym, vec := range e.vectors {
		score := s.Score(vec)
		if !found || score > bestScore {
			best, bestScore, found = sym, score, true
		}
	}
	return best, found
}

// choose returns the fittest strategy's top-n symbols, or nothing when
// the two leading strategies disagree about the market (either profit
// negative) or too few symbols scored.
func (e *Engine) choose(n int) []Candidate {
	ids := e.pop.rank()
	if len(ids) < 2 {
		return nil
	}
	best, second := e.pop.Members[ids[0]], e.pop.Members[ids[1]]
	if best.Profit < 0 || second.Profit < 0 {
		observ.Log("selection_empty", map[string]any{
			"venue": e.venue.Name(), "reason": "leading profits disagree",
			"best": best.Profit, "second": second.Profit,
		})
		return nil
	}

	out := make([]Candidate, 0, len(e.vectors))
	for sym, vec := range e.vectors {
		out = append(out, Candidate{Symbol: sym, Score: best.Score(vec), Ticker: e.tickers[sym]})
	}
	if len(out) < n {
		observ.Log("selection_empty", map[string]any{
			"venue": e.venue.Name(), "reason": "too few scored symbols", "count": len(out),
		})
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	out = out[:n]
	observ.Log("selection", map[string]any{
		"venue": e.venue.Name(), "top": fmt.Sprint(out[0].Symbol), "score": out[0].Score,
	})
	return out
}
