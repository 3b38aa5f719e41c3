// Package engine is the orchestrator: it turns trade signals into broker
// orders, keeps the position book reconciled against the account, and owns the
// trading on/off switch.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/khunter/autotrader/internal/broker"
	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/observ"
	"github.com/khunter/autotrader/internal/position"
	"github.com/khunter/autotrader/internal/sched"
	"github.com/khunter/autotrader/internal/strategy"
)

// feedControl is the slice of the realtime feed the engine drives.
type feedControl interface {
	Subscribe(instrument string) error
	Unsubscribe(instrument string) error
}

// Config tunes orchestration. Zero values get defaults in New.
type Config struct {
	PositionCapPct         float64 `yaml:"position_cap_pct"`
	MinOrderValue          float64 `yaml:"min_order_value"`
	BalanceSyncSeconds     int     `yaml:"balance_sync_seconds"`
	PositionRefreshSeconds int     `yaml:"position_refresh_seconds"`
	MarketOpen             string  `yaml:"market_open"`  // HH:MM local
	MarketClose            string  `yaml:"market_close"` // HH:MM local
	EnforceMarketHours     bool    `yaml:"enforce_market_hours"`
}

// Status is the engine snapshot served by the operator console.
type Status struct {
	Running        bool    `json:"running"`
	TradingEnabled bool    `json:"trading_enabled"`
	MarketOpen     bool    `json:"market_open"`
	OpenPositions  int     `json:"open_positions"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// Engine wires signals to orders. One instance per process.
type Engine struct {
	cfg       Config
	bus       *bus.Bus
	broker    broker.API
	feed      feedControl
	positions *position.Manager
	agent     *strategy.Agent
	sched     *sched.Scheduler

	mu             sync.Mutex
	running        bool
	tradingEnabled bool

	now func() time.Time
}

func New(cfg Config, b *bus.Bus, api broker.API, fc feedControl, pm *position.Manager, ag *strategy.Agent) *Engine {
	if cfg.PositionCapPct <= 0 {
		cfg.PositionCapPct = 0.10
	}
	if cfg.MinOrderValue <= 0 {
		cfg.MinOrderValue = 100_000
	}
	if cfg.BalanceSyncSeconds <= 0 {
		cfg.BalanceSyncSeconds = 60
	}
	if cfg.PositionRefreshSeconds <= 0 {
		cfg.PositionRefreshSeconds = 10
	}
	if cfg.MarketOpen == "" {
		cfg.MarketOpen = "09:00"
	}
	if cfg.MarketClose == "" {
		cfg.MarketClose = "15:30"
	}

	e := &Engine{
		cfg:       cfg,
		bus:       b,
		broker:    api,
		feed:      fc,
		positions: pm,
		agent:     ag,
		sched:     sched.New(),
		now:       time.Now,
	}
	b.Subscribe(bus.TopicBuySignal, e.onBuySignal)
	b.Subscribe(bus.TopicSellSignal, e.onSellSignal)
	return e
}

// ---- lifecycle ----

// Start enables trading and begins the reconciliation jobs. An initial balance
// sync runs before Start returns so the book is populated at once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.tradingEnabled = true
	e.mu.Unlock()

	e.syncBalance(ctx)

	e.sched.Every("balance_sync", time.Duration(e.cfg.BalanceSyncSeconds)*time.Second, func() {
		e.syncBalance(context.Background())
	})
	e.sched.Every("position_refresh", time.Duration(e.cfg.PositionRefreshSeconds)*time.Second, func() {
		e.refreshPositions(context.Background())
	})

	observ.Log("engine_started", map[string]any{
		"balance_sync_s":     e.cfg.BalanceSyncSeconds,
		"position_refresh_s": e.cfg.PositionRefreshSeconds,
	})
	return nil
}

// Stop halts the jobs and disables trading. Positions stay tracked.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.tradingEnabled = false
	e.mu.Unlock()

	e.sched.Stop()
	observ.Log("engine_stopped", nil)
}

// Pause blocks new entries. Exits keep executing so risk never accumulates
// unattended.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.tradingEnabled = false
	e.mu.Unlock()
	if e.agent != nil {
		e.agent.SetEnabled(false)
	}
	observ.Log("engine_paused", nil)
}

// Resume re-enables entries after a Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.tradingEnabled = true
	e.mu.Unlock()
	if e.agent != nil {
		e.agent.SetEnabled(true)
	}
	observ.Log("engine_resumed", nil)
}

// Status reports the engine state for the console.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running, enabled := e.running, e.tradingEnabled
	e.mu.Unlock()
	return Status{
		Running:        running,
		TradingEnabled: enabled,
		MarketOpen:     e.marketOpen(e.now()),
		OpenPositions:  e.positions.Count(),
		UptimeSeconds:  observ.Uptime().Seconds(),
	}
}

// ---- signal handlers ----

func (e *Engine) onBuySignal(m bus.Message) {
	sig, ok := m.(bus.TradeSignal)
	if !ok {
		return
	}
	e.handleBuy(context.Background(), sig)
}

func (e *Engine) onSellSignal(m bus.Message) {
	sig, ok := m.(bus.TradeSignal)
	if !ok {
		return
	}
	e.handleSell(context.Background(), sig)
}

// handleBuy re-quotes and re-sizes the entry before ordering: the balance may
// have moved since the strategy sized the signal.
func (e *Engine) handleBuy(ctx context.Context, sig bus.TradeSignal) {
	e.mu.Lock()
	ready := e.running && e.tradingEnabled
	e.mu.Unlock()
	if !ready {
		observ.Log("engine_buy_skipped", map[string]any{"instrument": sig.Instrument, "why": "trading_disabled"})
		return
	}
	if e.cfg.EnforceMarketHours && !e.marketOpen(e.now()) {
		observ.Log("engine_buy_skipped", map[string]any{"instrument": sig.Instrument, "why": "market_closed"})
		return
	}

	quote, err := e.broker.GetQuote(ctx, sig.Instrument)
	if err != nil {
		observ.Log("engine_buy_failed", map[string]any{"instrument": sig.Instrument, "stage": "quote", "error": err.Error()})
		return
	}
	if quote.Current <= 0 {
		observ.Log("engine_buy_skipped", map[string]any{"instrument": sig.Instrument, "why": "no_price"})
		return
	}

	qty, err := e.sizeEntry(ctx, quote.Current)
	if err != nil {
		observ.Log("engine_buy_failed", map[string]any{"instrument": sig.Instrument, "stage": "balance", "error": err.Error()})
		return
	}
	if qty <= 0 {
		observ.Log("engine_buy_skipped", map[string]any{"instrument": sig.Instrument, "why": "insufficient_funds"})
		return
	}
	if sig.SuggestedQty > 1 && sig.SuggestedQty < qty {
		qty = sig.SuggestedQty
	}

	order, err := e.broker.PlaceOrder(ctx, sig.Instrument, broker.Buy, qty, 0, broker.MarketOrder)
	if err != nil {
		observ.Log("engine_buy_failed", map[string]any{"instrument": sig.Instrument, "stage": "order", "error": err.Error()})
		return
	}
	if order.Status == broker.StatusRejected {
		observ.Log("engine_buy_rejected", map[string]any{"instrument": sig.Instrument, "message": order.Message})
		return
	}

	observ.IncCounter("orders_total", map[string]string{"side": "buy"})
	e.bus.Publish(bus.OrderFilled{
		Instrument: order.Instrument,
		Name:       sig.Name,
		Side:       "BUY",
		Quantity:   qty,
		Price:      quote.Current,
		OrderID:    order.ID,
		Reason:     sig.Reason,
		Time:       e.now(),
	})
	if e.feed != nil {
		if err := e.feed.Subscribe(order.Instrument); err != nil {
			observ.Log("engine_feed_subscribe_failed", map[string]any{"instrument": order.Instrument, "error": err.Error()})
		}
	}
}

// sizeEntry computes the affordable quantity from live balance figures.
func (e *Engine) sizeEntry(ctx context.Context, price float64) (int, error) {
	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	available := bal.AvailableCash()
	if lim := bal.TotalBalance * e.cfg.PositionCapPct; lim > 0 && lim < available {
		available = lim
	}
	if available < e.cfg.MinOrderValue {
		return 0, nil
	}
	return int(available / price), nil
}

// handleSell executes an exit. Sells run even while paused: only a full Stop
// silences them.
func (e *Engine) handleSell(ctx context.Context, sig bus.TradeSignal) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		observ.Log("engine_sell_skipped", map[string]any{"instrument": sig.Instrument, "why": "not_running"})
		return
	}

	view, held := e.positions.Get(sig.Instrument)
	if !held {
		observ.Log("engine_sell_skipped", map[string]any{"instrument": sig.Instrument, "why": "not_held"})
		return
	}
	qty := view.Quantity
	if sig.SuggestedQty > 0 && sig.SuggestedQty < qty {
		qty = sig.SuggestedQty
	}

	exitPrice := view.CurrentPrice
	if quote, err := e.broker.GetQuote(ctx, sig.Instrument); err == nil && quote.Current > 0 {
		exitPrice = quote.Current
	}

	order, err := e.broker.PlaceOrder(ctx, sig.Instrument, broker.Sell, qty, 0, broker.MarketOrder)
	if err != nil {
		// the closing latch stays set; the next balance sync reconciles
		observ.Log("engine_sell_failed", map[string]any{"instrument": sig.Instrument, "error": err.Error()})
		return
	}
	if order.Status == broker.StatusRejected {
		observ.Log("engine_sell_rejected", map[string]any{"instrument": sig.Instrument, "message": order.Message})
		return
	}

	observ.IncCounter("orders_total", map[string]string{"side": "sell"})
	e.bus.Publish(bus.OrderFilled{
		Instrument: order.Instrument,
		Name:       view.Name,
		Side:       "SELL",
		Quantity:   qty,
		Price:      exitPrice,
		AvgPrice:   view.AvgPrice,
		OrderID:    order.ID,
		Reason:     sig.Reason,
		Time:       e.now(),
	})
	if e.feed != nil {
		e.feed.Unsubscribe(order.Instrument)
	}
}

// CloseAll liquidates every position at market, ignoring the trading switch.
// The book is reconciled against the broker first so liquidation covers
// broker-reported holdings even when the engine never started. Failures are
// logged and skipped; the rest still go out. Returns how many sells were
// accepted.
func (e *Engine) CloseAll(ctx context.Context) int {
	e.syncBalance(ctx)

	closed := 0
	for _, view := range e.positions.Snapshot() {
		order, err := e.broker.PlaceOrder(ctx, view.Instrument, broker.Sell, view.Quantity, 0, broker.MarketOrder)
		if err != nil {
			observ.Log("engine_close_all_failed", map[string]any{"instrument": view.Instrument, "error": err.Error()})
			continue
		}
		if order.Status == broker.StatusRejected {
			observ.Log("engine_close_all_rejected", map[string]any{"instrument": view.Instrument, "message": order.Message})
			continue
		}
		closed++
		e.bus.Publish(bus.OrderFilled{
			Instrument: view.Instrument,
			Name:       view.Name,
			Side:       "SELL",
			Quantity:   view.Quantity,
			Price:      view.CurrentPrice,
			AvgPrice:   view.AvgPrice,
			OrderID:    order.ID,
			Reason:     "close_all",
			Time:       e.now(),
		})
		if e.feed != nil {
			e.feed.Unsubscribe(view.Instrument)
		}
	}
	observ.Log("engine_close_all", map[string]any{"closed": closed})
	return closed
}

// ---- scheduled jobs ----

// syncBalance pulls the account snapshot, refreshes strategy sizing figures,
// reconciles the position book, and keeps feed subscriptions covering every
// holding.
func (e *Engine) syncBalance(ctx context.Context) {
	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		observ.Log("engine_balance_sync_failed", map[string]any{"error": err.Error()})
		return
	}

	if e.agent != nil {
		e.agent.UpdateBalance(bal.TotalBalance, bal.AvailableCash())
	}
	e.positions.SyncFromBalance(bal.Positions)
	observ.SetGauge("account_total_balance", bal.TotalBalance, nil)
	observ.SetGauge("account_cash_balance", bal.CashBalance, nil)

	if e.feed != nil {
		for _, h := range bal.Positions {
			if err := e.feed.Subscribe(h.Instrument); err != nil {
				observ.Log("engine_feed_subscribe_failed", map[string]any{"instrument": h.Instrument, "error": err.Error()})
			}
		}
	}
}

// refreshPositions polls quotes for held instruments; a tick drought must not
// stall the exit rules.
func (e *Engine) refreshPositions(ctx context.Context) {
	for _, instrument := range e.positions.Instruments() {
		quote, err := e.broker.GetQuote(ctx, instrument)
		if err != nil {
			observ.Log("engine_refresh_failed", map[string]any{"instrument": instrument, "error": err.Error()})
			continue
		}
		e.positions.UpdatePrice(instrument, quote.Current)
	}
}

// ---- market hours ----

// marketOpen reports whether now is inside the regular session.
func (e *Engine) marketOpen(now time.Time) bool {
	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	open, err1 := parseClock(e.cfg.MarketOpen)
	end, err2 := parseClock(e.cfg.MarketClose)
	if err1 != nil || err2 != nil {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	return minute >= open && minute <= end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	return h*60 + m, nil
}
