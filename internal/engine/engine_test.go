package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khunter/autotrader/internal/broker"
	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/position"
	"github.com/khunter/autotrader/internal/strategy"
)

type placed struct {
	instrument string
	side       broker.Side
	qty        int
}

type fakeBroker struct {
	mu      sync.Mutex
	orders  []placed
	balance broker.AccountBalance
	quotes  map[string]float64

	rejectInstrument string // orders for this instrument come back rejected
	failInstrument   string // orders for this instrument fail outright
}

func (f *fakeBroker) GetBalance(ctx context.Context) (*broker.AccountBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balance
	return &bal, nil
}

func (f *fakeBroker) GetQuote(ctx context.Context, instrument string) (*broker.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &broker.Price{Current: f.quotes[instrument], Time: time.Now()}, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, instrument string, side broker.Side, qty int, price float64, kind broker.OrderKind) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if instrument == f.failInstrument {
		return nil, &broker.ConnError{Reason: "connection failed"}
	}
	f.orders = append(f.orders, placed{instrument: instrument, side: side, qty: qty})
	o := &broker.Order{Instrument: instrument, Side: side, Quantity: qty, ID: "ord-1", Status: broker.StatusSubmitted}
	if instrument == f.rejectInstrument {
		o.Status = broker.StatusRejected
		o.Message = "insufficient buying power"
	}
	return o, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string, qty int, price float64) (bool, error) {
	return true, nil
}

func (f *fakeBroker) ListPendingOrders(ctx context.Context) ([]broker.PendingOrder, error) {
	return nil, nil
}

func (f *fakeBroker) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string]bool
}

func newFakeFeed() *fakeFeed { return &fakeFeed{subs: map[string]bool{}} }

func (f *fakeFeed) Subscribe(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[code] = true
	return nil
}

func (f *fakeFeed) Unsubscribe(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, code)
	return nil
}

func (f *fakeFeed) subscribed(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[code]
}

type harness struct {
	bus       *bus.Bus
	broker    *fakeBroker
	feed      *fakeFeed
	positions *position.Manager
	agent     *strategy.Agent
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	fb := &fakeBroker{
		balance: broker.AccountBalance{TotalBalance: 10_000_000, CashBalance: 5_000_000},
		quotes:  map[string]float64{"005930": 50_000, "035720": 40_000},
	}
	ff := newFakeFeed()
	pm := position.NewManager(position.Config{}, b)
	ag := strategy.New(strategy.Config{}, b, pm)

	e := New(Config{PositionCapPct: 0.10, MinOrderValue: 100_000}, b, fb, ff, pm, ag)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	return &harness{bus: b, broker: fb, feed: ff, positions: pm, agent: ag, engine: e}
}

func buySignal(code string) bus.TradeSignal {
	return bus.TradeSignal{Instrument: code, Side: "BUY", Reason: "surge:volume", SuggestedQty: 1, Source: "strategy", Time: time.Now()}
}

func TestHandleBuy_ResizesOrdersAndOpensPosition(t *testing.T) {
	h := newHarness(t)

	h.bus.Publish(buySignal("005930"))

	// available = min(5M cash, 10% of 10M) = 1M; at 50k a share that is 20
	require.Len(t, h.broker.orders, 1)
	assert.Equal(t, broker.Buy, h.broker.orders[0].side)
	assert.Equal(t, 20, h.broker.orders[0].qty)

	assert.True(t, h.positions.Has("005930"))
	view, _ := h.positions.Get("005930")
	assert.Equal(t, 50_000.0, view.AvgPrice)
	assert.True(t, h.feed.subscribed("005930"))
}

func TestHandleBuy_SkippedWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.engine.Pause()

	h.bus.Publish(buySignal("005930"))

	assert.Zero(t, h.broker.orderCount())
	assert.False(t, h.positions.Has("005930"))
}

func TestHandleBuy_RejectedOrderOpensNothing(t *testing.T) {
	h := newHarness(t)
	h.broker.rejectInstrument = "005930"

	h.bus.Publish(buySignal("005930"))

	assert.Equal(t, 1, h.broker.orderCount(), "the order went out once, never retried")
	assert.False(t, h.positions.Has("005930"))
	assert.False(t, h.feed.subscribed("005930"))
}

func TestHandleBuy_NoQuoteNoOrder(t *testing.T) {
	h := newHarness(t)
	h.broker.quotes["005930"] = 0

	h.bus.Publish(buySignal("005930"))

	assert.Zero(t, h.broker.orderCount())
}

func TestHandleBuy_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.broker.balance = broker.AccountBalance{TotalBalance: 10_000_000, CashBalance: 50_000}

	h.bus.Publish(buySignal("005930"))

	assert.Zero(t, h.broker.orderCount())
}

func TestHandleSell_ClosesPositionAndUnsubscribes(t *testing.T) {
	h := newHarness(t)
	h.positions.Add("005930", "Samsung Electronics", 20, 50_000, "test")
	h.feed.Subscribe("005930")
	h.broker.quotes["005930"] = 52_500

	var closed []bus.PositionClosed
	h.bus.Subscribe(bus.TopicPositionClosed, func(m bus.Message) {
		closed = append(closed, m.(bus.PositionClosed))
	})

	h.bus.Publish(bus.TradeSignal{Instrument: "005930", Side: "SELL", Reason: position.ReasonTakeProfit, SuggestedQty: 20, Source: "position", Time: time.Now()})

	require.Len(t, h.broker.orders, 1)
	assert.Equal(t, broker.Sell, h.broker.orders[0].side)
	assert.False(t, h.positions.Has("005930"))
	assert.False(t, h.feed.subscribed("005930"))

	require.Len(t, closed, 1)
	assert.Equal(t, 50_000.0, closed[0].ProfitLoss, "(52500-50000)*20")
}

func TestHandleSell_RunsWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.positions.Add("005930", "", 20, 50_000, "test")
	h.engine.Pause()

	h.bus.Publish(bus.TradeSignal{Instrument: "005930", Side: "SELL", Reason: position.ReasonStopLoss, SuggestedQty: 20, Time: time.Now()})

	assert.Equal(t, 1, h.broker.orderCount(), "pause gates entries, not exits")
	assert.False(t, h.positions.Has("005930"))
}

func TestHandleSell_UnknownInstrumentIgnored(t *testing.T) {
	h := newHarness(t)

	h.bus.Publish(bus.TradeSignal{Instrument: "999999", Side: "SELL", Reason: "x", Time: time.Now()})

	assert.Zero(t, h.broker.orderCount())
}

func TestCloseAll_IgnoresTradingSwitchAndSurvivesFailures(t *testing.T) {
	h := newHarness(t)
	h.positions.Add("005930", "", 20, 50_000, "test")
	h.positions.Add("035720", "", 5, 40_000, "test")
	h.broker.mu.Lock()
	h.broker.balance.Positions = []broker.Position{
		{Instrument: "005930", Quantity: 20, AvgPrice: 50_000},
		{Instrument: "035720", Quantity: 5, AvgPrice: 40_000},
	}
	h.broker.mu.Unlock()
	h.broker.failInstrument = "005930"
	h.engine.Pause()

	closed := h.engine.CloseAll(context.Background())

	assert.Equal(t, 1, closed, "one failed, the other still went out")
	assert.True(t, h.positions.Has("005930"), "the failed one stays tracked")
	assert.False(t, h.positions.Has("035720"))
}

func TestCloseAll_SellsBrokerHoldingsOnColdStart(t *testing.T) {
	// the liquidation entrypoint calls CloseAll on an engine that was never
	// started, so the book begins empty and only the broker knows the holdings
	b := bus.New()
	fb := &fakeBroker{
		balance: broker.AccountBalance{
			TotalBalance: 10_000_000,
			CashBalance:  5_000_000,
			Positions: []broker.Position{
				{Instrument: "005930", Name: "Samsung Electronics", Quantity: 10, AvgPrice: 70_000, CurrentPrice: 71_000},
			},
		},
		quotes: map[string]float64{"005930": 71_000},
	}
	pm := position.NewManager(position.Config{}, b)
	ag := strategy.New(strategy.Config{}, b, pm)
	e := New(Config{}, b, fb, newFakeFeed(), pm, ag)

	closed := e.CloseAll(context.Background())

	assert.Equal(t, 1, closed)
	require.Len(t, fb.orders, 1)
	assert.Equal(t, broker.Sell, fb.orders[0].side)
	assert.Equal(t, 10, fb.orders[0].qty)
	assert.False(t, pm.Has("005930"))
}

func TestSyncBalance_AdoptsBrokerHoldings(t *testing.T) {
	h := newHarness(t)
	h.broker.mu.Lock()
	h.broker.balance.Positions = []broker.Position{
		{Instrument: "005930", Name: "Samsung Electronics", Quantity: 10, AvgPrice: 70_000},
	}
	h.broker.mu.Unlock()

	h.engine.syncBalance(context.Background())

	assert.True(t, h.positions.Has("005930"))
	assert.True(t, h.feed.subscribed("005930"))
}

func TestRefreshPositions_DrivesExitRules(t *testing.T) {
	h := newHarness(t)
	h.positions.Add("005930", "", 20, 50_000, "test")
	h.broker.quotes["005930"] = 52_500 // +5%: take profit

	h.engine.refreshPositions(context.Background())

	// the quote triggered the exit which sold and closed the position
	assert.False(t, h.positions.Has("005930"))
	require.NotEmpty(t, h.broker.orders)
	assert.Equal(t, broker.Sell, h.broker.orders[len(h.broker.orders)-1].side)
}

func TestMarketOpen_Clock(t *testing.T) {
	e := &Engine{cfg: Config{MarketOpen: "09:00", MarketClose: "15:30"}}

	// Friday 2026-08-21
	assert.True(t, e.marketOpen(time.Date(2026, 8, 21, 10, 0, 0, 0, time.Local)))
	assert.True(t, e.marketOpen(time.Date(2026, 8, 21, 15, 30, 0, 0, time.Local)))
	assert.False(t, e.marketOpen(time.Date(2026, 8, 21, 8, 59, 0, 0, time.Local)))
	assert.False(t, e.marketOpen(time.Date(2026, 8, 21, 15, 31, 0, 0, time.Local)))
	// Saturday
	assert.False(t, e.marketOpen(time.Date(2026, 8, 22, 10, 0, 0, 0, time.Local)))
}

func TestStatus_ReflectsSwitches(t *testing.T) {
	h := newHarness(t)

	s := h.engine.Status()
	assert.True(t, s.Running)
	assert.True(t, s.TradingEnabled)

	h.engine.Pause()
	assert.False(t, h.engine.Status().TradingEnabled)

	h.engine.Resume()
	assert.True(t, h.engine.Status().TradingEnabled)

	h.engine.Stop()
	s = h.engine.Status()
	assert.False(t, s.Running)
	assert.False(t, s.TradingEnabled)
}
