// Package position tracks live holdings, evaluates the exit rules on every
// price update, and reconciles against broker-reported balances.
package position

import (
	"sync"
	"time"

	"github.com/khunter/autotrader/internal/broker"
	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/observ"
)

// Exit reasons carried on sell signals and close events.
const (
	ReasonTakeProfit   = "take_profit"
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonMaxHold      = "max_hold_time"
	ReasonSyncedIn     = "synced_from_balance"
	ReasonSyncedOut    = "synced_removed"
)

// Config tunes the exit rules. Zero values get defaults in NewManager.
type Config struct {
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct"`
	MaxHoldMinutes  int     `yaml:"max_hold_minutes"`
}

// managed is one tracked holding. All access goes through the manager's lock.
type managed struct {
	instrument   string
	name         string
	quantity     int
	avgPrice     float64
	currentPrice float64
	highPrice    float64
	lowPrice     float64
	entryTime    time.Time
	entryReason  string
	closing      bool // an exit fired; no further exits until resolved
}

// View is a read-only snapshot of one holding for status display.
type View struct {
	Instrument   string    `json:"instrument"`
	Name         string    `json:"name"`
	Quantity     int       `json:"quantity"`
	AvgPrice     float64   `json:"avg_price"`
	CurrentPrice float64   `json:"current_price"`
	HighPrice    float64   `json:"high_price"`
	LowPrice     float64   `json:"low_price"`
	ProfitRate   float64   `json:"profit_rate"`
	EntryTime    time.Time `json:"entry_time"`
	EntryReason  string    `json:"entry_reason"`
	Closing      bool      `json:"closing"`
}

// Manager owns every tracked position. It consumes ticks and fills from the
// router and publishes open/close events and exit sell signals.
type Manager struct {
	cfg Config
	bus *bus.Bus

	mu        sync.Mutex
	positions map[string]*managed
	now       func() time.Time // swappable for hold-duration tests
}

func NewManager(cfg Config, b *bus.Bus) *Manager {
	if cfg.TakeProfitPct <= 0 {
		cfg.TakeProfitPct = 0.05
	}
	if cfg.StopLossPct <= 0 {
		cfg.StopLossPct = 0.02
	}
	if cfg.TrailingStopPct <= 0 {
		cfg.TrailingStopPct = 0.015
	}
	if cfg.MaxHoldMinutes <= 0 {
		cfg.MaxHoldMinutes = 180
	}

	m := &Manager{
		cfg:       cfg,
		bus:       b,
		positions: make(map[string]*managed),
		now:       time.Now,
	}
	b.Subscribe(bus.TopicTick, m.onTick)
	b.Subscribe(bus.TopicOrderFilled, m.onFill)
	return m
}

// ---- strategy.Holdings ----

func (m *Manager) Has(instrument string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[instrument] != nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// TotalValue is the mark-to-market value of all holdings.
func (m *Manager) TotalValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.positions {
		price := p.currentPrice
		if price <= 0 {
			price = p.avgPrice
		}
		total += price * float64(p.quantity)
	}
	return total
}

// ---- event handlers ----

func (m *Manager) onTick(msg bus.Message) {
	tick, ok := msg.(bus.Tick)
	if !ok {
		return
	}
	m.UpdatePrice(tick.Instrument, tick.Price)
}

// onFill opens on buy executions and closes on sell executions.
func (m *Manager) onFill(msg bus.Message) {
	fill, ok := msg.(bus.OrderFilled)
	if !ok {
		return
	}
	switch fill.Side {
	case "BUY":
		m.Add(fill.Instrument, fill.Name, fill.Quantity, fill.Price, fill.Reason)
	case "SELL":
		m.Remove(fill.Instrument, fill.Price, fill.Reason)
	}
}

// ---- lifecycle ----

// Add begins tracking a holding and announces it. Adding an instrument already
// tracked replaces its quantity and average.
func (m *Manager) Add(instrument, name string, qty int, avgPrice float64, reason string) {
	m.mu.Lock()
	p := m.positions[instrument]
	if p == nil {
		p = &managed{
			instrument:  instrument,
			entryTime:   m.now(),
			entryReason: reason,
		}
		m.positions[instrument] = p
	}
	if name != "" {
		p.name = name
	}
	p.quantity = qty
	p.avgPrice = avgPrice
	if p.currentPrice == 0 {
		p.currentPrice = avgPrice
	}
	if p.highPrice < avgPrice {
		p.highPrice = avgPrice
	}
	if p.lowPrice == 0 || p.lowPrice > avgPrice {
		p.lowPrice = avgPrice
	}
	count := len(m.positions)
	m.mu.Unlock()

	observ.SetGauge("open_positions", float64(count), nil)
	observ.Log("position_opened", map[string]any{
		"instrument": instrument, "qty": qty, "avg_price": avgPrice, "reason": reason,
	})
	m.bus.Publish(bus.PositionOpened{
		Instrument: instrument, Name: name, Quantity: qty,
		AvgPrice: avgPrice, Reason: reason, Time: m.now(),
	})
}

// Remove stops tracking a holding and announces the realized result. Unknown
// instruments are ignored.
func (m *Manager) Remove(instrument string, exitPrice float64, reason string) {
	m.mu.Lock()
	p := m.positions[instrument]
	if p == nil {
		m.mu.Unlock()
		return
	}
	delete(m.positions, instrument)
	count := len(m.positions)

	if exitPrice <= 0 {
		exitPrice = p.currentPrice
	}
	var pl, rate float64
	if p.avgPrice > 0 {
		pl = (exitPrice - p.avgPrice) * float64(p.quantity)
		rate = (exitPrice - p.avgPrice) / p.avgPrice
	}
	held := m.now().Sub(p.entryTime)
	name := p.name
	m.mu.Unlock()

	observ.SetGauge("open_positions", float64(count), nil)
	observ.IncCounter("positions_closed_total", map[string]string{"reason": reason})
	observ.Log("position_closed", map[string]any{
		"instrument": instrument, "pl": pl, "rate": rate,
		"held_minutes": held.Minutes(), "reason": reason,
	})
	m.bus.Publish(bus.PositionClosed{
		Instrument: instrument, Name: name, ProfitLoss: pl,
		ProfitRate: rate, HoldDuration: held, Reason: reason, Time: m.now(),
	})
}

// UpdatePrice marks a holding to the latest print, maintains watermarks, and
// fires at most one exit signal per position lifetime.
func (m *Manager) UpdatePrice(instrument string, price float64) {
	if price <= 0 {
		return
	}

	m.mu.Lock()
	p := m.positions[instrument]
	if p == nil {
		m.mu.Unlock()
		return
	}
	p.currentPrice = price
	if price > p.highPrice {
		p.highPrice = price
	}
	if p.lowPrice == 0 || price < p.lowPrice {
		p.lowPrice = price
	}

	var signal *bus.TradeSignal
	if !p.closing {
		if reason := m.exitReasonLocked(p, price); reason != "" {
			p.closing = true
			signal = &bus.TradeSignal{
				Instrument:   p.instrument,
				Name:         p.name,
				Side:         "SELL",
				Reason:       reason,
				SuggestedQty: p.quantity,
				Source:       "position",
				Time:         m.now(),
			}
		}
	}
	m.mu.Unlock()

	if signal != nil {
		observ.Log("position_exit_triggered", map[string]any{
			"instrument": instrument, "reason": signal.Reason, "price": price,
		})
		m.bus.Publish(*signal)
	}
}

// exitReasonLocked checks the exit rules in priority order; the first match
// wins and the rest are not consulted.
func (m *Manager) exitReasonLocked(p *managed, price float64) string {
	if p.avgPrice <= 0 {
		return ""
	}
	if price >= p.avgPrice*(1+m.cfg.TakeProfitPct) {
		return ReasonTakeProfit
	}
	if price <= p.avgPrice*(1-m.cfg.StopLossPct) {
		return ReasonStopLoss
	}
	// trailing arms only after the position has been in profit
	if p.highPrice > p.avgPrice && (p.highPrice-price)/p.highPrice >= m.cfg.TrailingStopPct {
		return ReasonTrailingStop
	}
	if m.now().Sub(p.entryTime) >= time.Duration(m.cfg.MaxHoldMinutes)*time.Minute {
		return ReasonMaxHold
	}
	return ""
}

// ---- reconciliation ----

// SyncFromBalance reconciles tracked positions against the broker's holdings:
// unknown holdings are adopted, quantities and averages follow the broker, and
// tracked positions the broker no longer reports are dropped.
func (m *Manager) SyncFromBalance(holdings []broker.Position) {
	type closeEvt struct {
		instrument string
		price      float64
	}
	var opens []broker.Position
	var closes []closeEvt

	m.mu.Lock()
	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		seen[h.Instrument] = true
		p := m.positions[h.Instrument]
		if p == nil {
			opens = append(opens, h)
			continue
		}
		p.quantity = h.Quantity
		p.avgPrice = h.AvgPrice
		if h.CurrentPrice > 0 {
			p.currentPrice = h.CurrentPrice
		}
		if h.Name != "" {
			p.name = h.Name
		}
	}
	for code, p := range m.positions {
		if !seen[code] {
			closes = append(closes, closeEvt{instrument: code, price: p.currentPrice})
		}
	}
	m.mu.Unlock()

	for _, h := range opens {
		m.Add(h.Instrument, h.Name, h.Quantity, h.AvgPrice, ReasonSyncedIn)
	}
	for _, c := range closes {
		m.Remove(c.instrument, c.price, ReasonSyncedOut)
	}
	if len(opens) > 0 || len(closes) > 0 {
		observ.Log("positions_synced", map[string]any{
			"adopted": len(opens), "dropped": len(closes),
		})
	}
}

// ---- views ----

// Snapshot returns every tracked position for status display.
func (m *Manager) Snapshot() []View {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]View, 0, len(m.positions))
	for _, p := range m.positions {
		var rate float64
		if p.avgPrice > 0 && p.currentPrice > 0 {
			rate = (p.currentPrice - p.avgPrice) / p.avgPrice
		}
		out = append(out, View{
			Instrument:   p.instrument,
			Name:         p.name,
			Quantity:     p.quantity,
			AvgPrice:     p.avgPrice,
			CurrentPrice: p.currentPrice,
			HighPrice:    p.highPrice,
			LowPrice:     p.lowPrice,
			ProfitRate:   rate,
			EntryTime:    p.entryTime,
			EntryReason:  p.entryReason,
			Closing:      p.closing,
		})
	}
	return out
}

// Get returns the view of one tracked position.
func (m *Manager) Get(instrument string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.positions[instrument]
	if p == nil {
		return View{}, false
	}
	var rate float64
	if p.avgPrice > 0 && p.currentPrice > 0 {
		rate = (p.currentPrice - p.avgPrice) / p.avgPrice
	}
	return View{
		Instrument:   p.instrument,
		Name:         p.name,
		Quantity:     p.quantity,
		AvgPrice:     p.avgPrice,
		CurrentPrice: p.currentPrice,
		HighPrice:    p.highPrice,
		LowPrice:     p.lowPrice,
		ProfitRate:   rate,
		EntryTime:    p.entryTime,
		EntryReason:  p.entryReason,
		Closing:      p.closing,
	}, true
}

// Instruments lists tracked instrument codes.
func (m *Manager) Instruments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.positions))
	for code := range m.positions {
		out = append(out, code)
	}
	return out
}
