// Package console serves the operator HTTP API: status, positions, signal
// history, call statistics, runtime trading controls, and the bridge ingestion
// endpoints the external condition-watch program posts into.
package console

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/callmon"
	"github.com/khunter/autotrader/internal/engine"
	"github.com/khunter/autotrader/internal/observ"
	"github.com/khunter/autotrader/internal/outbox"
	"github.com/khunter/autotrader/internal/position"
	"github.com/khunter/autotrader/internal/strategy"
)

// Control is the engine surface the console drives.
type Control interface {
	Start(ctx context.Context) error
	Stop()
	Pause()
	Resume()
	Status() engine.Status
	CloseAll(ctx context.Context) int
}

// FeedInfo is the feed surface the console reads.
type FeedInfo interface {
	Subscriptions() []string
}

// Config holds console settings.
type Config struct {
	Addr string `yaml:"addr"`
}

// Console assembles the HTTP mux over the live collaborators.
type Console struct {
	bus       *bus.Bus
	engine    Control
	positions *position.Manager
	agent     *strategy.Agent
	mon       *callmon.Monitor
	feed      FeedInfo
	audit     *outbox.Outbox
}

func New(b *bus.Bus, ctl Control, pm *position.Manager, ag *strategy.Agent, mon *callmon.Monitor, fi FeedInfo, audit *outbox.Outbox) *Console {
	return &Console{bus: b, engine: ctl, positions: pm, agent: ag, mon: mon, feed: fi, audit: audit}
}

// Handler returns the full route table.
func (c *Console) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", c.getStatus)
	mux.HandleFunc("GET /positions", c.getPositions)
	mux.HandleFunc("GET /signals", c.getSignals)
	mux.HandleFunc("GET /callstats", c.getCallStats)
	mux.HandleFunc("GET /audit", c.getAudit)
	mux.Handle("GET /metrics", observ.Handler())

	mux.HandleFunc("POST /trading/start", c.postStart)
	mux.HandleFunc("POST /trading/stop", c.postStop)
	mux.HandleFunc("POST /trading/pause", c.postPause)
	mux.HandleFunc("POST /trading/resume", c.postResume)
	mux.HandleFunc("POST /closeall", c.postCloseAll)
	mux.HandleFunc("POST /blacklist", c.postBlacklist)

	mux.HandleFunc("POST /bridge/condition", c.postBridgeCondition)
	mux.HandleFunc("POST /bridge/tick", c.postBridgeTick)

	return mux
}

// Serve blocks on the listener. Intended to run on its own goroutine.
func (c *Console) Serve(addr string) error {
	observ.Log("console_listening", map[string]any{"addr": addr})
	return http.ListenAndServe(addr, c.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- read endpoints ----

func (c *Console) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"engine": c.engine.Status(),
	}
	if c.feed != nil {
		resp["feed_subscriptions"] = c.feed.Subscriptions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Console) getPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.positions.Snapshot())
}

func (c *Console) getSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.agent.History(50))
}

func (c *Console) getCallStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"broker": c.mon.Stats(callmon.SourceBroker),
		"bridge": c.mon.Stats(callmon.SourceBridge),
		"recent": c.mon.RecentHistory(30, ""),
	})
}

func (c *Console) getAudit(w http.ResponseWriter, r *http.Request) {
	if c.audit == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	entries, err := c.audit.ReadAll()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---- control endpoints ----

func (c *Console) postStart(w http.ResponseWriter, r *http.Request) {
	if err := c.engine.Start(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "started"})
}

func (c *Console) postStop(w http.ResponseWriter, r *http.Request) {
	c.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

func (c *Console) postPause(w http.ResponseWriter, r *http.Request) {
	c.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"result": "paused"})
}

func (c *Console) postResume(w http.ResponseWriter, r *http.Request) {
	c.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"result": "resumed"})
}

func (c *Console) postCloseAll(w http.ResponseWriter, r *http.Request) {
	closed := c.engine.CloseAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

func (c *Console) postBlacklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Instrument string `json:"instrument"`
		Remove     bool   `json:"remove"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Instrument == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instrument required"})
		return
	}
	if body.Remove {
		c.agent.Unblacklist(body.Instrument)
	} else {
		c.agent.Blacklist(body.Instrument)
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// ---- bridge ingestion ----

// postBridgeCondition accepts a condition inclusion/exclusion notice from the
// external watch program and routes it onto the bus.
func (c *Console) postBridgeCondition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct {
		Instrument    string `json:"instrument"`
		Name          string `json:"name"`
		ConditionName string `json:"condition_name"`
		Direction     string `json:"direction"` // "IN" or "OUT"
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Instrument == "" {
		c.mon.Record(callmon.SourceBridge, callmon.KindOther, false, time.Since(start), "bad condition payload")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instrument required"})
		return
	}
	if body.Direction != "OUT" {
		body.Direction = "IN"
	}

	c.bus.Publish(bus.ConditionSignal{
		Instrument:    body.Instrument,
		Name:          body.Name,
		ConditionName: body.ConditionName,
		Direction:     body.Direction,
		Time:          time.Now(),
	})
	c.mon.Record(callmon.SourceBridge, callmon.KindOther, true, time.Since(start), "")
	writeJSON(w, http.StatusOK, map[string]string{"result": "accepted"})
}

// postBridgeTick accepts a price print pushed by the bridge, for instruments
// the realtime feed does not cover.
func (c *Console) postBridgeTick(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body struct {
		Instrument string  `json:"instrument"`
		Price      float64 `json:"price"`
		Volume     int64   `json:"volume"`
		Strength   float64 `json:"strength"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Instrument == "" || body.Price <= 0 {
		c.mon.Record(callmon.SourceBridge, callmon.KindQuote, false, time.Since(start), "bad tick payload")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instrument and positive price required"})
		return
	}

	c.bus.Publish(bus.Tick{
		Instrument: body.Instrument,
		Price:      body.Price,
		Volume:     body.Volume,
		Strength:   body.Strength,
		Source:     "bridge",
		Time:       time.Now(),
	})
	c.mon.Record(callmon.SourceBridge, callmon.KindQuote, true, time.Since(start), "")
	writeJSON(w, http.StatusOK, map[string]string{"result": "accepted"})
}
