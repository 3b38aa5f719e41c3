// Package feed maintains the realtime price websocket: approval-key handshake,
// tick parsing, ping echo, and bounded self-healing reconnects.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/callmon"
	"github.com/khunter/autotrader/internal/observ"
)

// State is the feed connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

const tickTrID = "H0STCNT0"

// Config holds realtime feed settings. Zero values get defaults in New.
type Config struct {
	RESTURL                 string `yaml:"rest_url"`
	WSURL                   string `yaml:"ws_url"`
	AppKey                  string `yaml:"app_key"`
	AppSecret               string `yaml:"app_secret"`
	ReconnectDelaySeconds   int    `yaml:"reconnect_delay_seconds"`
	MaxReconnectAttempts    int    `yaml:"max_reconnect_attempts"`
	HandshakeTimeoutSeconds int    `yaml:"handshake_timeout_seconds"`
}

// Feed owns one websocket session to the realtime price server and publishes
// parsed ticks onto the router.
type Feed struct {
	cfg Config
	bus *bus.Bus
	mon *callmon.Monitor

	rest   *resty.Client
	dialer *websocket.Dialer

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	subs        map[string]bool
	approvalKey string
	reconnects  int
	closed      bool

	writeMu sync.Mutex // websocket writes must not interleave
}

func New(cfg Config, b *bus.Bus, mon *callmon.Monitor) *Feed {
	if cfg.ReconnectDelaySeconds <= 0 {
		cfg.ReconnectDelaySeconds = 5
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = 10
	}
	return &Feed{
		cfg:  cfg,
		bus:  b,
		mon:  mon,
		rest: resty.New().SetBaseURL(cfg.RESTURL).SetTimeout(10 * time.Second),
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
		},
		state: StateDisconnected,
		subs:  make(map[string]bool),
	}
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Subscriptions returns the instruments currently subscribed, for status display.
func (f *Feed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for code := range f.subs {
		out = append(out, code)
	}
	return out
}

// Connect performs the approval-key handshake, dials the websocket, and starts
// the read loop. Safe to call again after Close or a failed attempt.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateConnected || f.state == StateConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = StateConnecting
	f.closed = false
	f.mu.Unlock()

	key, err := f.fetchApprovalKey(ctx)
	if err != nil {
		f.setState(StateDisconnected)
		return err
	}

	conn, _, err := f.dialer.DialContext(ctx, f.cfg.WSURL, nil)
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.approvalKey = key
	f.state = StateConnected
	reconnects := f.reconnects
	f.mu.Unlock()

	observ.Log("feed_connected", map[string]any{"url": f.cfg.WSURL, "reconnects": reconnects})
	observ.SetGauge("feed_connected", 1, nil)
	f.bus.Publish(bus.FeedState{State: string(StateConnected), Reconnects: reconnects, Time: time.Now()})

	go f.readLoop(conn)
	return nil
}

// Close shuts the feed down for good; no reconnect follows.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	f.state = StateClosed
	conn := f.conn
	f.conn = nil
	f.subs = make(map[string]bool)
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	observ.SetGauge("feed_connected", 0, nil)
	f.bus.Publish(bus.FeedState{State: string(StateClosed), Time: time.Now()})
}

// fetchApprovalKey obtains the websocket session key from the REST issuer.
func (f *Feed) fetchApprovalKey(ctx context.Context) (string, error) {
	start := time.Now()
	resp, err := f.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     f.cfg.AppKey,
			"secretkey":  f.cfg.AppSecret,
		}).
		Post("/oauth2/Approval")
	latency := time.Since(start)

	if err != nil {
		f.mon.Record(callmon.SourceBroker, callmon.KindApproval, false, latency, err.Error())
		return "", fmt.Errorf("approval key request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		f.mon.Record(callmon.SourceBroker, callmon.KindApproval, false, latency, resp.Status())
		return "", fmt.Errorf("approval key request returned %s", resp.Status())
	}

	var body struct {
		ApprovalKey string `json:"approval_key"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.ApprovalKey == "" {
		f.mon.Record(callmon.SourceBroker, callmon.KindApproval, false, latency, "invalid approval response")
		return "", errors.New("invalid approval key response")
	}
	f.mon.Record(callmon.SourceBroker, callmon.KindApproval, true, latency, "")
	return body.ApprovalKey, nil
}

// ---- subscription control ----

type controlFrame struct {
	Header struct {
		ApprovalKey string `json:"approval_key,omitempty"`
		CustType    string `json:"custtype,omitempty"`
		TrType      string `json:"tr_type,omitempty"`
		ContentType string `json:"content-type,omitempty"`
		TrID        string `json:"tr_id,omitempty"`
	} `json:"header"`
	Body *struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body,omitempty"`
}

// Subscribe registers an instrument on the live session. Fails while not
// connected; subscriptions are not queued.
func (f *Feed) Subscribe(instrument string) error {
	return f.sendControl(instrument, "1")
}

// Unsubscribe removes an instrument from the live session.
func (f *Feed) Unsubscribe(instrument string) error {
	return f.sendControl(instrument, "2")
}

func (f *Feed) sendControl(instrument, trType string) error {
	f.mu.Lock()
	if f.state != StateConnected || f.conn == nil {
		f.mu.Unlock()
		return errors.New("feed not connected")
	}
	conn := f.conn
	key := f.approvalKey
	if trType == "1" {
		f.subs[instrument] = true
	} else {
		delete(f.subs, instrument)
	}
	f.mu.Unlock()

	var frame controlFrame
	frame.Header.ApprovalKey = key
	frame.Header.CustType = "P"
	frame.Header.TrType = trType
	frame.Header.ContentType = "utf-8"
	frame.Body = &struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	}{}
	frame.Body.Input.TrID = tickTrID
	frame.Body.Input.TrKey = instrument

	f.writeMu.Lock()
	err := conn.WriteJSON(frame)
	f.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("subscription write: %w", err)
	}

	observ.Log("feed_subscription", map[string]any{"instrument": instrument, "tr_type": trType})
	observ.SetGauge("feed_subscriptions", float64(len(f.Subscriptions())), nil)
	return nil
}

// ---- read loop ----

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.handleDisconnect(err)
			return
		}
		f.handleFrame(data)
	}
}

// handleFrame routes one inbound frame: pipe-framed realtime data or a JSON
// control message.
func (f *Feed) handleFrame(data []byte) {
	text := string(data)
	if strings.HasPrefix(text, "0|") || strings.HasPrefix(text, "1|") {
		f.handleTickFrame(text)
		return
	}

	var ctl struct {
		Header struct {
			TrID string `json:"tr_id"`
		} `json:"header"`
		Body struct {
			RtCd string `json:"rt_cd"`
			Msg1 string `json:"msg1"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &ctl); err != nil {
		observ.Log("feed_frame_unparsed", map[string]any{"frame": truncate(text, 120)})
		return
	}

	switch ctl.Header.TrID {
	case "PINGPONG":
		f.writeMu.Lock()
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn != nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
		f.writeMu.Unlock()
	default:
		observ.Log("feed_control", map[string]any{
			"tr_id": ctl.Header.TrID, "rt_cd": ctl.Body.RtCd, "msg": ctl.Body.Msg1,
		})
	}
}

// handleTickFrame parses a pipe-framed realtime message:
//
//	0|H0STCNT0|<n>|f0^f1^...
//
// where n records are concatenated in the caret-separated field list.
func (f *Feed) handleTickFrame(text string) {
	parts := strings.SplitN(text, "|", 4)
	if len(parts) < 4 {
		observ.Log("feed_frame_unparsed", map[string]any{"frame": truncate(text, 120)})
		return
	}
	if parts[1] != tickTrID {
		return // a tr_id we never subscribed; not ours to parse
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		observ.Log("feed_frame_unparsed", map[string]any{"frame": truncate(text, 120)})
		return
	}

	fields := strings.Split(parts[3], "^")
	per := len(fields) / count
	if per < 13 {
		observ.Log("feed_frame_unparsed", map[string]any{"frame": truncate(text, 120)})
		return
	}

	now := time.Now()
	for i := 0; i < count; i++ {
		rec := fields[i*per : (i+1)*per]
		price, _ := strconv.ParseFloat(rec[2], 64)
		if price <= 0 {
			continue // erroneous prints carry zero or negative prices
		}
		volume, _ := strconv.ParseInt(rec[12], 10, 64)
		var strength float64
		if per > 18 {
			strength, _ = strconv.ParseFloat(rec[18], 64)
		}

		observ.IncCounter("feed_ticks_total", nil)
		f.bus.Publish(bus.Tick{
			Instrument: rec[0],
			Price:      price,
			Volume:     volume,
			Strength:   strength,
			Source:     "feed",
			Time:       parseTickTime(rec[1], now),
		})
	}
}

// parseTickTime resolves an HHMMSS exchange timestamp against today's date,
// falling back to now on garbage.
func parseTickTime(hhmmss string, now time.Time) time.Time {
	if len(hhmmss) != 6 {
		return now
	}
	h, err1 := strconv.Atoi(hhmmss[0:2])
	m, err2 := strconv.Atoi(hhmmss[2:4])
	s, err3 := strconv.Atoi(hhmmss[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return now
	}
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
}

// ---- reconnect ----

// handleDisconnect runs after the read loop exits. The subscription set is
// dropped: consumers re-subscribe once a new session is up.
func (f *Feed) handleDisconnect(cause error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.state = StateDisconnected
	f.conn = nil
	f.subs = make(map[string]bool)
	f.mu.Unlock()

	observ.Log("feed_disconnected", map[string]any{"error": cause.Error()})
	observ.SetGauge("feed_connected", 0, nil)
	observ.IncCounter("feed_disconnects_total", nil)
	f.bus.Publish(bus.FeedState{State: string(StateDisconnected), Time: time.Now()})

	delay := time.Duration(f.cfg.ReconnectDelaySeconds) * time.Second
	for attempt := 1; attempt <= f.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(delay)

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		f.reconnects++
		f.mu.Unlock()

		observ.Log("feed_reconnecting", map[string]any{"attempt": attempt, "max": f.cfg.MaxReconnectAttempts})
		if err := f.Connect(context.Background()); err == nil {
			return
		} else {
			observ.Log("feed_reconnect_failed", map[string]any{"attempt": attempt, "error": err.Error()})
		}
	}

	observ.Log("feed_gave_up", map[string]any{"attempts": f.cfg.MaxReconnectAttempts})
	f.setState(StateDisconnected)
	f.bus.Publish(bus.FeedState{State: "gave_up", Reconnects: f.cfg.MaxReconnectAttempts, Time: time.Now()})
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
