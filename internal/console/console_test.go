package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/callmon"
	"github.com/khunter/autotrader/internal/engine"
	"github.com/khunter/autotrader/internal/position"
	"github.com/khunter/autotrader/internal/strategy"
)

type fakeControl struct {
	started bool
	stopped bool
	paused  bool
	resumed bool
	closed  int
}

func (f *fakeControl) Start(ctx context.Context) error {
	f.started = true
	return nil
}
func (f *fakeControl) Stop()   { f.stopped = true }
func (f *fakeControl) Pause()  { f.paused = true }
func (f *fakeControl) Resume() { f.resumed = true }
func (f *fakeControl) Status() engine.Status {
	return engine.Status{Running: true, TradingEnabled: !f.paused, OpenPositions: 2}
}
func (f *fakeControl) CloseAll(ctx context.Context) int { return f.closed }

type fakeFeedInfo struct{ subs []string }

func (f *fakeFeedInfo) Subscriptions() []string { return f.subs }

func newConsole(t *testing.T) (*Console, *bus.Bus, *fakeControl, *position.Manager, *strategy.Agent, *callmon.Monitor) {
	t.Helper()
	b := bus.New()
	pm := position.NewManager(position.Config{}, b)
	ag := strategy.New(strategy.Config{}, b, pm)
	ag.UpdateBalance(10_000_000, 5_000_000)
	mon := callmon.New(50, 5)
	ctl := &fakeControl{closed: 2}
	c := New(b, ctl, pm, ag, mon, &fakeFeedInfo{subs: []string{"005930"}}, nil)
	return c, b, ctl, pm, ag, mon
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	c, _, _, _, _, _ := newConsole(t)

	rec := doRequest(t, c.Handler(), http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	eng := resp["engine"].(map[string]any)
	assert.Equal(t, true, eng["running"])
	assert.Equal(t, []any{"005930"}, resp["feed_subscriptions"].([]any))
}

func TestGetPositions(t *testing.T) {
	c, _, _, pm, _, _ := newConsole(t)
	pm.Add("005930", "Samsung Electronics", 10, 70_000, "test")

	rec := doRequest(t, c.Handler(), http.MethodGet, "/positions", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "005930", views[0]["instrument"])
}

func TestTradingControls(t *testing.T) {
	c, _, ctl, _, _, _ := newConsole(t)
	h := c.Handler()

	rec := doRequest(t, h, http.MethodPost, "/trading/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctl.started)

	rec = doRequest(t, h, http.MethodPost, "/trading/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctl.stopped)

	rec = doRequest(t, h, http.MethodPost, "/trading/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctl.paused)

	rec = doRequest(t, h, http.MethodPost, "/trading/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctl.resumed)

	rec = doRequest(t, h, http.MethodPost, "/closeall", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2.0, resp["closed"])
}

func TestPostBlacklist(t *testing.T) {
	c, b, _, _, ag, _ := newConsole(t)
	h := c.Handler()

	rec := doRequest(t, h, http.MethodPost, "/blacklist", `{"instrument":"005930"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// a condition signal for the blacklisted instrument must be rejected
	b.Publish(bus.ConditionSignal{Instrument: "005930", Direction: "IN", Time: time.Now()})
	hist := ag.History(1)
	require.Len(t, hist, 1)
	assert.Equal(t, strategy.RejectBlacklist, hist[0].Result)

	rec = doRequest(t, h, http.MethodPost, "/blacklist", `{"instrument":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostBridgeCondition_RoutesOntoBus(t *testing.T) {
	c, b, _, _, _, mon := newConsole(t)

	var got []bus.ConditionSignal
	b.Subscribe(bus.TopicConditionIn, func(m bus.Message) {
		got = append(got, m.(bus.ConditionSignal))
	})

	body := `{"instrument":"005930","name":"Samsung Electronics","condition_name":"momentum","direction":"IN"}`
	rec := doRequest(t, c.Handler(), http.MethodPost, "/bridge/condition", body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, "momentum", got[0].ConditionName)
	assert.Equal(t, int64(1), mon.Stats(callmon.SourceBridge).TotalCalls)
}

func TestPostBridgeTick_RejectsBadPayloads(t *testing.T) {
	c, b, _, _, _, mon := newConsole(t)

	var ticks []bus.Tick
	b.Subscribe(bus.TopicTick, func(m bus.Message) {
		ticks = append(ticks, m.(bus.Tick))
	})
	h := c.Handler()

	rec := doRequest(t, h, http.MethodPost, "/bridge/tick", `{"instrument":"005930","price":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ticks)

	rec = doRequest(t, h, http.MethodPost, "/bridge/tick", `{"instrument":"005930","price":50000,"volume":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ticks, 1)
	assert.Equal(t, "bridge", ticks[0].Source)

	s := mon.Stats(callmon.SourceBridge)
	assert.Equal(t, int64(2), s.TotalCalls)
	assert.Equal(t, int64(1), s.ErrorCount)
}

func TestGetCallStats(t *testing.T) {
	c, _, _, _, _, mon := newConsole(t)
	mon.Record(callmon.SourceBroker, callmon.KindQuote, true, 20*time.Millisecond, "")

	rec := doRequest(t, c.Handler(), http.MethodGet, "/callstats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	broker := resp["broker"].(map[string]any)
	assert.Equal(t, 1.0, broker["total_calls"])
}
