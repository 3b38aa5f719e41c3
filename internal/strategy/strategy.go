// Package strategy turns condition and surge events into sized trade signals,
// applying the entry filter chain and capital-constrained sizing.
package strategy

import (
	"sync"
	"time"

	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/observ"
)

// FilterResult names the outcome of the entry filter chain. The chain
// short-circuits: the first rejection wins and later filters never run.
type FilterResult string

const (
	FilterPass            FilterResult = "pass"
	RejectBlacklist       FilterResult = "reject_blacklist"
	RejectDuplicate       FilterResult = "reject_duplicate"
	RejectCooldown        FilterResult = "reject_cooldown"
	RejectMaxPositions    FilterResult = "reject_max_positions"
	RejectMaxExposure     FilterResult = "reject_max_exposure"
	RejectMinAmount       FilterResult = "reject_min_amount"
	RejectTradingDisabled FilterResult = "reject_trading_disabled"
)

// Config tunes the entry rules. Zero values get defaults in New.
type Config struct {
	MaxPositions      int      `yaml:"max_positions"`
	MaxExposurePct    float64  `yaml:"max_exposure_pct"`     // of total account value
	PositionCapPct    float64  `yaml:"position_cap_pct"`     // per-position cap, of total
	MinOrderValue     float64  `yaml:"min_order_value"`      // skip entries below this
	CooldownMinutes   int      `yaml:"cooldown_minutes"`     // per-instrument re-entry gap
	Blacklist         []string `yaml:"blacklist"`
	HistoryCap        int      `yaml:"history_cap"`
}

// Holdings is the position view the filters consult. The position manager
// implements it.
type Holdings interface {
	Has(instrument string) bool
	Count() int
	TotalValue() float64
}

// SignalRecord is one filter-chain decision, kept for the operator console.
type SignalRecord struct {
	Instrument string       `json:"instrument"`
	Name       string       `json:"name"`
	Trigger    string       `json:"trigger"`
	Result     FilterResult `json:"result"`
	Quantity   int          `json:"quantity,omitempty"`
	Time       time.Time    `json:"time"`
}

// Agent holds the filter state and emits sized buy signals and condition-exit
// sell signals onto the router.
type Agent struct {
	cfg Config
	bus *bus.Bus

	mu           sync.Mutex
	holdings     Holdings
	blacklist    map[string]bool
	lastEntry    map[string]time.Time // instrument -> last emitted buy
	totalBalance float64
	cashBalance  float64
	history      []SignalRecord
	enabled      bool
}

func New(cfg Config, b *bus.Bus, holdings Holdings) *Agent {
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 5
	}
	if cfg.MaxExposurePct <= 0 {
		cfg.MaxExposurePct = 0.50
	}
	if cfg.PositionCapPct <= 0 {
		cfg.PositionCapPct = 0.10
	}
	if cfg.MinOrderValue <= 0 {
		cfg.MinOrderValue = 100_000
	}
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = 30
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 200
	}

	a := &Agent{
		cfg:       cfg,
		bus:       b,
		holdings:  holdings,
		blacklist: make(map[string]bool, len(cfg.Blacklist)),
		lastEntry: make(map[string]time.Time),
		enabled:   true,
	}
	for _, code := range cfg.Blacklist {
		a.blacklist[code] = true
	}

	b.Subscribe(bus.TopicConditionIn, a.onConditionIn)
	b.Subscribe(bus.TopicConditionOut, a.onConditionOut)
	b.Subscribe(bus.TopicSurge, a.onSurge)
	return a
}

// SetEnabled gates signal emission without tearing down subscriptions.
func (a *Agent) SetEnabled(on bool) {
	a.mu.Lock()
	a.enabled = on
	a.mu.Unlock()
}

// UpdateBalance refreshes the cash and total figures sizing works from.
func (a *Agent) UpdateBalance(total, cash float64) {
	a.mu.Lock()
	a.totalBalance = total
	a.cashBalance = cash
	a.mu.Unlock()
}

// Blacklist adds an instrument to the do-not-trade set at runtime.
func (a *Agent) Blacklist(instrument string) {
	a.mu.Lock()
	a.blacklist[instrument] = true
	a.mu.Unlock()
}

// Unblacklist removes an instrument from the do-not-trade set.
func (a *Agent) Unblacklist(instrument string) {
	a.mu.Lock()
	delete(a.blacklist, instrument)
	a.mu.Unlock()
}

// History returns recent filter decisions, newest last.
func (a *Agent) History(count int) []SignalRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if count <= 0 || count > len(a.history) {
		count = len(a.history)
	}
	out := make([]SignalRecord, count)
	copy(out, a.history[len(a.history)-count:])
	return out
}

// ---- event handlers ----

func (a *Agent) onConditionIn(m bus.Message) {
	sig, ok := m.(bus.ConditionSignal)
	if !ok {
		return
	}
	a.consider(sig.Instrument, sig.Name, "condition:"+sig.ConditionName, 0, sig.Time)
}

// onConditionOut emits a sell for a held instrument that dropped out of its
// watch condition.
func (a *Agent) onConditionOut(m bus.Message) {
	sig, ok := m.(bus.ConditionSignal)
	if !ok {
		return
	}

	a.mu.Lock()
	held := a.holdings != nil && a.holdings.Has(sig.Instrument)
	enabled := a.enabled
	a.mu.Unlock()
	if !held || !enabled {
		return
	}

	observ.Log("strategy_condition_exit", map[string]any{
		"instrument": sig.Instrument, "condition": sig.ConditionName,
	})
	a.bus.Publish(bus.TradeSignal{
		Instrument: sig.Instrument,
		Name:       sig.Name,
		Side:       "SELL",
		Reason:     "condition_out:" + sig.ConditionName,
		Source:     "strategy",
		Time:       sig.Time,
	})
}

func (a *Agent) onSurge(m bus.Message) {
	s, ok := m.(bus.Surge)
	if !ok {
		return
	}
	a.consider(s.Instrument, s.Name, "surge:"+s.Reason, 0, s.Time)
}

// ---- filter chain and sizing ----

// consider runs the filter chain and, on pass, sizes and emits a buy signal.
// price 0 means no quote is at hand; sizing falls back to a single-share
// placeholder and the orchestrator re-sizes before ordering.
func (a *Agent) consider(instrument, name, trigger string, price float64, at time.Time) {
	a.mu.Lock()
	result, qty := a.evaluateLocked(instrument, price, at)
	a.recordLocked(SignalRecord{
		Instrument: instrument, Name: name, Trigger: trigger,
		Result: result, Quantity: qty, Time: at,
	})
	a.mu.Unlock()

	observ.IncCounter("strategy_decisions_total", map[string]string{"result": string(result)})
	if result != FilterPass {
		observ.Log("strategy_rejected", map[string]any{
			"instrument": instrument, "trigger": trigger, "result": string(result),
		})
		return
	}

	observ.Log("strategy_buy_signal", map[string]any{
		"instrument": instrument, "trigger": trigger, "qty": qty,
	})
	a.bus.Publish(bus.TradeSignal{
		Instrument:   instrument,
		Name:         name,
		Side:         "BUY",
		Reason:       trigger,
		SuggestedQty: qty,
		Source:       "strategy",
		Time:         at,
	})
}

// evaluateLocked applies the filters in fixed order, then sizes the entry.
func (a *Agent) evaluateLocked(instrument string, price float64, at time.Time) (FilterResult, int) {
	if !a.enabled {
		return RejectTradingDisabled, 0
	}
	if a.blacklist[instrument] {
		return RejectBlacklist, 0
	}
	if a.holdings != nil && a.holdings.Has(instrument) {
		return RejectDuplicate, 0
	}
	if last, ok := a.lastEntry[instrument]; ok {
		if at.Sub(last) < time.Duration(a.cfg.CooldownMinutes)*time.Minute {
			return RejectCooldown, 0
		}
	}
	if a.holdings != nil && a.holdings.Count() >= a.cfg.MaxPositions {
		return RejectMaxPositions, 0
	}
	if a.holdings != nil && a.totalBalance > 0 {
		if a.holdings.TotalValue() >= a.totalBalance*a.cfg.MaxExposurePct {
			return RejectMaxExposure, 0
		}
	}

	available := a.cashBalance
	if cap := a.totalBalance * a.cfg.PositionCapPct; cap < available {
		available = cap
	}
	if available < a.cfg.MinOrderValue {
		return RejectMinAmount, 0
	}

	qty := 1 // placeholder until a quote exists; re-sized at order time
	if price > 0 {
		qty = int(available / price)
		if qty <= 0 {
			return RejectMinAmount, 0
		}
	}

	a.lastEntry[instrument] = at
	return FilterPass, qty
}

func (a *Agent) recordLocked(rec SignalRecord) {
	a.history = append(a.history, rec)
	if len(a.history) > a.cfg.HistoryCap {
		a.history = a.history[len(a.history)-a.cfg.HistoryCap:]
	}
}
