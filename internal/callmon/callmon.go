// Package callmon tracks every outbound API call the system makes, keeping
// per-source counters, a one-second call-rate window, and a bounded history
// ring for the operator console.
package callmon

import (
	"sync"
	"time"

	"github.com/khunter/autotrader/internal/observ"
)

// Source identifies which collaborator issued the call.
type Source string

const (
	SourceBroker Source = "broker"
	SourceBridge Source = "bridge"
)

// Kind is the call-kind grouping used for per-endpoint statistics.
type Kind string

const (
	KindToken     Kind = "token"
	KindApproval  Kind = "approval"
	KindBalance   Kind = "balance"
	KindQuote     Kind = "quote"
	KindOrderBuy  Kind = "order_buy"
	KindOrderSell Kind = "order_sell"
	KindCancel    Kind = "cancel"
	KindPending   Kind = "pending_orders"
	KindHash      Kind = "hashkey"
	KindOther     Kind = "other"
)

// Record is one observed API call. Append-only; readers get copies.
type Record struct {
	Time      time.Time `json:"time"`
	Source    Source    `json:"source"`
	Kind      Kind      `json:"kind"`
	Success   bool      `json:"success"`
	LatencyMs float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// KindStats is the per-call-kind breakdown.
type KindStats struct {
	Count  int64 `json:"count"`
	Errors int64 `json:"errors"`
}

// Stats is a read-only snapshot of one source's counters.
type Stats struct {
	TotalCalls     int64              `json:"total_calls"`
	SuccessCount   int64              `json:"success_count"`
	ErrorCount     int64              `json:"error_count"`
	ErrorRatePct   float64            `json:"error_rate_pct"`
	AvgLatencyMs   float64            `json:"avg_latency_ms"`
	CallsThisSec   int                `json:"calls_this_second"`
	RateLimit      int                `json:"rate_limit_per_second"`
	RateUsagePct   float64            `json:"rate_usage_pct"`
	ByKind         map[Kind]KindStats `json:"by_kind"`
}

type sourceCounters struct {
	total        int64
	success      int64
	errors       int64
	totalLatency float64
	byKind       map[Kind]*KindStats

	// one-second sliding window
	lastSecond   int64 // unix second of the bucket below
	callsThisSec int
}

// Monitor is the single write entry point for call accounting. Safe for
// concurrent use.
type Monitor struct {
	mu          sync.Mutex
	historyCap  int
	history     []Record // ring buffer
	historyNext int
	historyLen  int
	sources     map[Source]*sourceCounters
	rateLimit   int // advertised per-second quota, for usage display
}

// New creates a monitor with a bounded history of historyCap records.
// rateLimitPerSec is only used for usage-percentage display.
func New(historyCap, rateLimitPerSec int) *Monitor {
	if historyCap <= 0 {
		historyCap = 1000
	}
	return &Monitor{
		historyCap: historyCap,
		history:    make([]Record, historyCap),
		sources:    make(map[Source]*sourceCounters),
		rateLimit:  rateLimitPerSec,
	}
}

// Record appends one call observation and updates all derived counters.
func (m *Monitor) Record(source Source, kind Kind, success bool, latency time.Duration, errMsg string) {
	rec := Record{
		Time:      time.Now(),
		Source:    source,
		Kind:      kind,
		Success:   success,
		LatencyMs: float64(latency.Milliseconds()),
		Error:     errMsg,
	}

	m.mu.Lock()
	m.history[m.historyNext] = rec
	m.historyNext = (m.historyNext + 1) % m.historyCap
	if m.historyLen < m.historyCap {
		m.historyLen++
	}

	sc := m.sources[source]
	if sc == nil {
		sc = &sourceCounters{byKind: make(map[Kind]*KindStats)}
		m.sources[source] = sc
	}
	sc.total++
	if success {
		sc.success++
	} else {
		sc.errors++
	}
	sc.totalLatency += rec.LatencyMs

	ks := sc.byKind[kind]
	if ks == nil {
		ks = &KindStats{}
		sc.byKind[kind] = ks
	}
	ks.Count++
	if !success {
		ks.Errors++
	}

	sec := rec.Time.Unix()
	if sec != sc.lastSecond {
		sc.lastSecond = sec
		sc.callsThisSec = 0
	}
	sc.callsThisSec++
	m.mu.Unlock()

	observ.IncCounter("api_calls_total", map[string]string{
		"source": string(source), "kind": string(kind), "success": boolLabel(success),
	})
	observ.Observe("api_call_latency_ms", rec.LatencyMs, map[string]string{
		"source": string(source), "kind": string(kind),
	})
}

// Stats returns a snapshot for one source. Zero-valued when unseen.
func (m *Monitor) Stats(source Source) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc := m.sources[source]
	if sc == nil {
		return Stats{RateLimit: m.rateLimit, ByKind: map[Kind]KindStats{}}
	}

	s := Stats{
		TotalCalls:   sc.total,
		SuccessCount: sc.success,
		ErrorCount:   sc.errors,
		RateLimit:    m.rateLimit,
		ByKind:       make(map[Kind]KindStats, len(sc.byKind)),
	}
	if sc.total > 0 {
		s.ErrorRatePct = float64(sc.errors) / float64(sc.total) * 100
		s.AvgLatencyMs = sc.totalLatency / float64(sc.total)
	}
	if sc.lastSecond == time.Now().Unix() {
		s.CallsThisSec = sc.callsThisSec
	}
	if m.rateLimit > 0 {
		s.RateUsagePct = float64(s.CallsThisSec) / float64(m.rateLimit) * 100
	}
	for k, v := range sc.byKind {
		s.ByKind[k] = *v
	}
	return s
}

// RecentHistory returns up to count most recent records, oldest first.
// source empty means all sources.
func (m *Monitor) RecentHistory(count int, source Source) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, count)
	// walk the ring oldest-to-newest
	start := m.historyNext - m.historyLen
	for i := 0; i < m.historyLen; i++ {
		idx := ((start + i) % m.historyCap + m.historyCap) % m.historyCap
		rec := m.history[idx]
		if source != "" && rec.Source != source {
			continue
		}
		out = append(out, rec)
	}
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}

// Reset clears all counters and history atomically.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make([]Record, m.historyCap)
	m.historyNext = 0
	m.historyLen = 0
	m.sources = make(map[Source]*sourceCounters)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
