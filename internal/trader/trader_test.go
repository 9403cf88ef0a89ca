package trader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okvist/kratt/internal/config"
	"github.com/okvist/kratt/internal/halt"
	"github.com/okvist/kratt/internal/market"
	"github.com/okvist/kratt/internal/store"
	"github.com/okvist/kratt/internal/strategy"
)

type firedOrder struct {
	Amount float64
	Price  float64
	Symbol market.Symbol
}

// scriptedVenue records every trade call and serves one canned book.
type scriptedVenue struct {
	balance   market.Balance
	symbols   map[market.Symbol]bool
	open      map[string]market.Order
	book      market.OrderBook
	fired     []firedOrder
	cancelled []string
	nextID    int
	leaveOpen bool // placed orders stay visible in Orders
}

func newScriptedVenue() *scriptedVenue {
	return &scriptedVenue{
		balance: market.Balance{"btc": {Available: 1}},
		symbols: map[market.Symbol]bool{},
		open:    map[string]market.Order{},
		book:    market.OrderBook{0.050: 2, 0.049: -3},
	}
}

func (v *scriptedVenue) Name() string { return "scripted" }
func (v *scriptedVenue) Fee() float64 { return 0.25 }

func (v *scriptedVenue) Symbols(context.Context) (map[market.Symbol]bool, error) {
	return v.symbols, nil
}

func (v *scriptedVenue) OHLCV(context.Context, market.Symbol) (market.OHLCV, error) {
	return market.OHLCV{Open: 0.048, High: 0.052, Low: 0.047, Close: 0.05}, nil
}

func (v *scriptedVenue) Book(context.Context, market.Symbol, float64) (market.OrderBook, error) {
	book := market.OrderBook{}
	for p, a := range v.book {
		book[p] = a
	}
	return book, nil
}

func (v *scriptedVenue) History(context.Context, market.Symbol, time.Time) ([]market.Trade, error) {
	return nil, nil
}

func (v *scriptedVenue) Balance(context.Context) (market.Balance, error) {
	return v.balance, nil
}

func (v *scriptedVenue) Fire(_ context.Context, amount, price float64, s market.Symbol) (string, error) {
	v.nextID++
	id := fmt.Sprintf("ord-%d", v.nextID)
	v.fired = append(v.fired, firedOrder{Amount: amount, Price: price, Symbol: s})
	if v.leaveOpen {
		v.open[id] = market.Order{Amount: amount, Price: price, Symbol: s}
	}
	return id, nil
}

func (v *scriptedVenue) Orders(context.Context) (map[string]market.Order, error) {
	out := map[string]market.Order{}
	for id, o := range v.open {
		out[id] = o
	}
	return out, nil
}

func (v *scriptedVenue) Cancel(_ context.Context, id string) (string, error) {
	v.cancelled = append(v.cancelled, id)
	delete(v.open, id)
	return "-" + id, nil
}

func testRoot() config.Root {
	var c config.Root
	c.LiveMode = true
	c.OrbitMinutes = 0.0005 // 30ms, keeps waits out of the test's way
	c.QuotaBTC = 11e-4
	c.QuoteCurrency = "btc"
	c.FiatBridge = "usdt"
	c.Trader = config.Trader{
		StaleOrderMinutes: 60,
		ProfitMarginPct:   1,
		ClearMarkupPct:    5,
		FlushDiscountPct:  3,
		MinAskDepth:       2,
		MinBuyPressurePct: 10,
		MaxSpreadPct:      2,
	}
	return c
}

func testTrader(t *testing.T, v *scriptedVenue) *Trader {
	t.Helper()
	db, err := store.New(t.TempDir())
	require.NoError(t, err)
	halter := halt.New(t.TempDir() + "/.halt")
	return New(v, nil, db, halter, testRoot())
}

func candidate(base string, tk market.Ticker) strategy.Candidate {
	return strategy.Candidate{Symbol: market.NewSymbol(base, "btc"), Score: 100, Ticker: tk}
}

func goodTicker() market.Ticker {
	return market.Ticker{Ask: 0.050, Bid: 0.049, AskDepth: 3, BidDepth: 5, BuyPressure: 40, SpreadPct: 1.5}
}

func TestOrbitRemainder(t *testing.T) {
	orbit := 2 * time.Minute
	assert.Equal(t, orbit, orbitRemainder(orbit, 0))
	assert.Equal(t, 30*time.Second, orbitRemainder(orbit, 90*time.Second))
	assert.Equal(t, time.Second, orbitRemainder(orbit, orbit), "an overlong cycle still yields")
	assert.Equal(t, time.Second, orbitRemainder(orbit, 3*orbit))
}

func TestRun_SleepsOnlyTheOrbitRemainder(t *testing.T) {
	v := newScriptedVenue()
	tr := testTrader(t, v)
	tr.orbit = 2 * time.Minute

	db, err := store.New(t.TempDir())
	require.NoError(t, err)
	tr.engine = strategy.New(v, db, config.Strategy{
		PopulationSize: 4, GenerationEvery: 5, SampleCap: 10,
	}, tr.quota)

	// Every clock read advances 90s, so each cycle appears to take 90s
	// of the two-minute orbit.
	clock := time.Unix(1000, 0)
	tr.now = func() time.Time {
		clock = clock.Add(90 * time.Second)
		return clock
	}
	var waits []time.Duration
	tr.wait = func(_ context.Context, d time.Duration) bool {
		waits = append(waits, d)
		return len(waits) < 2
	}

	tr.Run(context.Background())

	require.Len(t, waits, 2)
	assert.Equal(t, 30*time.Second, waits[0], "a 90s cycle leaves 30s of the orbit")
	assert.Equal(t, 30*time.Second, waits[1])
}

func TestCycle_CorruptPopulationPanics(t *testing.T) {
	v := newScriptedVenue()
	v.symbols = map[market.Symbol]bool{market.NewSymbol("eth", "btc"): true}

	db, err := store.New(t.TempDir())
	require.NoError(t, err)
	corrupt := &strategy.Population{Members: map[int]*strategy.Strategy{
		0: {Weights: []float64{1, 2}, Balance: 1},
		1: {Weights: []float64{3, 4}, Balance: 1},
	}}
	require.NoError(t, db.Save("population", corrupt))

	tr := testTrader(t, v)
	tr.engine = strategy.New(v, db, config.Strategy{
		PopulationSize: 2, GenerationEvery: 1, SampleCap: 10,
	}, tr.quota)

	// Venue call failures are absorbed per cycle, but a broken invariant
	// inside the engine must escape and take the unit down.
	assert.Panics(t, func() { tr.cycle(context.Background()) })
}

func TestForecast_GatesAndPicks(t *testing.T) {
	tr := testTrader(t, newScriptedVenue())

	shallow := goodTicker()
	shallow.AskDepth = 1
	weak := goodTicker()
	weak.BuyPressure = 5
	wide := goodTicker()
	wide.SpreadPct = 3
	better := goodTicker()
	better.BuyPressure = 60

	pick, ok := tr.forecast([]strategy.Candidate{
		candidate("aaa", shallow),
		candidate("bbb", weak),
		candidate("ccc", wide),
		candidate("ddd", goodTicker()),
		candidate("eee", better),
	})
	require.True(t, ok)
	assert.Equal(t, "eee", pick.Symbol.Base, "highest buy pressure wins")

	_, ok = tr.forecast([]strategy.Candidate{candidate("aaa", shallow)})
	assert.False(t, ok)
}

func TestChase_BuyFillsThenListsAtMargin(t *testing.T) {
	v := newScriptedVenue() // fills immediately: orders never show as open
	tr := testTrader(t, v)

	tr.chase(context.Background(), candidate("eth", goodTicker()), v.balance, map[string]market.Order{})

	require.Len(t, v.fired, 2)
	buy, sell := v.fired[0], v.fired[1]

	assert.InDelta(t, 11e-4/0.050, buy.Amount, 1e-12)
	assert.Equal(t, 0.050, buy.Price)
	assert.InDelta(t, -buy.Amount, sell.Amount, 1e-12)
	assert.InDelta(t, 0.050*1.01, sell.Price, 1e-12)

	require.Len(t, tr.tracked, 1, "the exit order is tracked for flushing")
	for _, o := range tr.tracked {
		assert.Equal(t, "eth-btc", o.Symbol.String())
	}
}

func TestChase_RepricesEntryFromCurrentBook(t *testing.T) {
	v := newScriptedVenue()
	tr := testTrader(t, v)

	// The candidate carries the book the engine scored, which may be
	// minutes old. The entry must follow the ask as it stands now.
	stale := goodTicker()
	stale.Ask = 0.060

	tr.chase(context.Background(), candidate("eth", stale), v.balance, map[string]market.Order{})

	require.Len(t, v.fired, 2)
	assert.Equal(t, 0.050, v.fired[0].Price, "entry priced off the current ask")
	assert.InDelta(t, 11e-4/0.050, v.fired[0].Amount, 1e-12)
}

func TestChase_UnfilledBuyIsCancelled(t *testing.T) {
	v := newScriptedVenue()
	v.leaveOpen = true
	tr := testTrader(t, v)

	tr.chase(context.Background(), candidate("eth", goodTicker()), v.balance, map[string]market.Order{})

	require.Len(t, v.fired, 1, "no exit after an abandoned entry")
	require.Len(t, v.cancelled, 1)
	assert.Empty(t, tr.tracked)
}

func TestChase_SkipsEngagedSymbol(t *testing.T) {
	v := newScriptedVenue()
	tr := testTrader(t, v)
	open := map[string]market.Order{
		"other": {Amount: 1, Price: 0.05, Symbol: market.NewSymbol("eth", "btc")},
	}

	tr.chase(context.Background(), candidate("eth", goodTicker()), v.balance, open)
	assert.Empty(t, v.fired)
}

func TestChase_SkipsWhenShortOfQuota(t *testing.T) {
	v := newScriptedVenue()
	v.balance["btc"] = market.Funds{Available: 11e-4 / 2}
	tr := testTrader(t, v)

	tr.chase(context.Background(), candidate("eth", goodTicker()), v.balance, map[string]market.Order{})
	assert.Empty(t, v.fired)
}

func TestChase_DryRunNeverTrades(t *testing.T) {
	v := newScriptedVenue()
	root := testRoot()
	root.LiveMode = false
	db, err := store.New(t.TempDir())
	require.NoError(t, err)
	tr := New(v, nil, db, halt.New(t.TempDir()+"/.halt"), root)

	tr.chase(context.Background(), candidate("eth", goodTicker()), v.balance, map[string]market.Order{})
	assert.Empty(t, v.fired)
	assert.Empty(t, v.cancelled)
}

func TestClear_SellsIdleHoldings(t *testing.T) {
	v := newScriptedVenue()
	v.balance["eth"] = market.Funds{Available: 0.5}
	v.balance["dust"] = market.Funds{Available: 0.001} // worth far under half a quota
	tr := testTrader(t, v)

	tr.clear(context.Background(), v.balance, map[string]market.Order{})

	require.Len(t, v.fired, 1)
	got := v.fired[0]
	assert.Equal(t, "eth-btc", got.Symbol.String())
	assert.Equal(t, -0.5, got.Amount)
	assert.InDelta(t, 0.050*1.05, got.Price, 1e-12)
	assert.Len(t, tr.tracked, 1)
}

func TestClear_LeavesEngagedSymbolsAlone(t *testing.T) {
	v := newScriptedVenue()
	v.balance["eth"] = market.Funds{Available: 0.5}
	tr := testTrader(t, v)
	open := map[string]market.Order{
		"x": {Amount: -0.1, Price: 0.05, Symbol: market.NewSymbol("eth", "btc")},
	}

	tr.clear(context.Background(), v.balance, open)
	assert.Empty(t, v.fired)
}

func TestFlush_RepricesStaleExit(t *testing.T) {
	v := newScriptedVenue()
	tr := testTrader(t, v)

	s := market.NewSymbol("eth", "btc")
	v.open["stale"] = market.Order{Amount: -0.4, Price: 0.06, Symbol: s}
	tr.tracked["stale"] = TrackedOrder{
		ID: "stale", Symbol: s, Amount: -0.4, Price: 0.06, Placed: time.Now().Add(-2 * time.Hour),
	}

	open, err := v.Orders(context.Background())
	require.NoError(t, err)
	tr.flush(context.Background(), open)

	assert.Equal(t, []string{"stale"}, v.cancelled)
	require.Len(t, v.fired, 1)
	assert.Equal(t, -0.4, v.fired[0].Amount)
	assert.InDelta(t, 0.049*0.97, v.fired[0].Price, 1e-12)

	_, oldTracked := tr.tracked["stale"]
	assert.False(t, oldTracked)
	assert.Len(t, tr.tracked, 1, "the replacement order is tracked")
}

func TestFlush_DropsSettledOrders(t *testing.T) {
	v := newScriptedVenue()
	tr := testTrader(t, v)
	tr.tracked["gone"] = TrackedOrder{
		ID: "gone", Symbol: market.NewSymbol("eth", "btc"), Amount: -0.4, Placed: time.Now(),
	}

	tr.flush(context.Background(), map[string]market.Order{})
	assert.Empty(t, tr.tracked)
	assert.Empty(t, v.cancelled)
}

func TestFlush_FreshOrdersUntouched(t *testing.T) {
	v := newScriptedVenue()
	tr := testTrader(t, v)

	s := market.NewSymbol("eth", "btc")
	v.open["fresh"] = market.Order{Amount: -0.4, Price: 0.06, Symbol: s}
	tr.tracked["fresh"] = TrackedOrder{ID: "fresh", Symbol: s, Amount: -0.4, Placed: time.Now()}

	open, err := v.Orders(context.Background())
	require.NoError(t, err)
	tr.flush(context.Background(), open)

	assert.Empty(t, v.cancelled)
	assert.Contains(t, tr.tracked, "fresh")
}

func TestTrackedOrdersSurviveRestart(t *testing.T) {
	v := newScriptedVenue()
	dir := t.TempDir()
	db, err := store.New(dir)
	require.NoError(t, err)
	halter := halt.New(dir + "/.halt")

	tr := New(v, nil, db, halter, testRoot())
	tr.track(TrackedOrder{ID: "a", Symbol: market.NewSymbol("eth", "btc"), Amount: -1, Placed: time.Now()})

	again := New(v, nil, db, halter, testRoot())
	assert.Contains(t, again.tracked, "a")
}
