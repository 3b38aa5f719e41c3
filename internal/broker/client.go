package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/khunter/autotrader/internal/callmon"
	"github.com/khunter/autotrader/internal/observ"
)

// API is the order-entry surface consumed by the orchestrator. Client is the
// live implementation; tests substitute fakes.
type API interface {
	GetBalance(ctx context.Context) (*AccountBalance, error)
	GetQuote(ctx context.Context, instrument string) (*Price, error)
	PlaceOrder(ctx context.Context, instrument string, side Side, qty int, price float64, kind OrderKind) (*Order, error)
	CancelOrder(ctx context.Context, orderID string, qty int, price float64) (bool, error)
	ListPendingOrders(ctx context.Context) ([]PendingOrder, error)
}

// Endpoint paths and transaction ids of the brokerage wire contract.
const (
	tokenPath   = "/oauth2/tokenP"
	hashPath    = "/uapi/hashkey"
	balancePath = "/uapi/domestic-stock/v1/trading/inquire-balance"
	pricePath   = "/uapi/domestic-stock/v1/quotations/inquire-price"
	orderPath   = "/uapi/domestic-stock/v1/trading/order-cash"
	revisePath  = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	pendingPath = "/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl"

	trBalance = "TTTC8434R"
	trPrice   = "FHKST01010100"
	trBuy     = "TTTC0012U"
	trSell    = "TTTC0011U"
	trRevise  = "TTTC0013U"
	trPending = "TTTC8036R"
)

// Config holds brokerage client settings. Zero values get conservative
// defaults in New.
type Config struct {
	BaseURL            string `yaml:"base_url"`
	AppKey             string `yaml:"app_key"`
	AppSecret          string `yaml:"app_secret"`
	AccountNumber      string `yaml:"account_number"`
	AccountProductCode string `yaml:"account_product_code"`
	CustType           string `yaml:"cust_type"`
	MinCallIntervalMs  int    `yaml:"min_call_interval_ms"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	TokenTTLHours      int    `yaml:"token_ttl_hours"`
}

// Client talks to the brokerage REST API. It owns the credential lifecycle
// and the global outbound rate gate, and reports every call to the monitor.
type Client struct {
	cfg     Config
	rest    *resty.Client
	limiter *rate.Limiter
	mon     *callmon.Monitor

	// token state; renewal is serialized on this mutex
	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// New creates a broker client. mon may not be nil: every outcome is recorded.
func New(cfg Config, mon *callmon.Monitor) *Client {
	if cfg.AccountProductCode == "" {
		cfg.AccountProductCode = "01"
	}
	if cfg.CustType == "" {
		cfg.CustType = "P"
	}
	if cfg.MinCallIntervalMs <= 0 {
		cfg.MinCallIntervalMs = 200 // 5 calls/sec
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.TokenTTLHours <= 0 {
		cfg.TokenTTLHours = 23 // issuer states 24h; renew an hour early
	}

	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/plain").
		SetHeader("charset", "UTF-8")

	interval := time.Duration(cfg.MinCallIntervalMs) * time.Millisecond

	return &Client{
		cfg:     cfg,
		rest:    rest,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		mon:     mon,
	}
}

// ---- token lifecycle ----

// ensureToken returns a valid bearer token, acquiring or renewing one when
// needed. Renewal is serialized: concurrent callers block here and reuse the
// token the first caller fetched.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}
	return c.requestTokenLocked(ctx)
}

func (c *Client) requestTokenLocked(ctx context.Context) (string, error) {
	start := time.Now()
	var body struct {
		AccessToken string `json:"access_token"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"appsecret":  c.cfg.AppSecret,
		}).
		Post(tokenPath)

	latency := time.Since(start)
	if err != nil {
		c.mon.Record(callmon.SourceBroker, callmon.KindToken, false, latency, err.Error())
		return "", &AuthError{Reason: "token request failed", Cause: err}
	}
	if resp.StatusCode() != http.StatusOK {
		c.mon.Record(callmon.SourceBroker, callmon.KindToken, false, latency, resp.Status())
		return "", &AuthError{Reason: "token request returned " + resp.Status()}
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.AccessToken == "" {
		c.mon.Record(callmon.SourceBroker, callmon.KindToken, false, latency, "invalid token response")
		return "", &AuthError{Reason: "invalid token response", Cause: err}
	}

	c.token = body.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(c.cfg.TokenTTLHours) * time.Hour)
	c.mon.Record(callmon.SourceBroker, callmon.KindToken, true, latency, "")
	observ.Log("broker_token_acquired", map[string]any{"expires_at": c.tokenExp})
	return c.token, nil
}

// CheckConnection verifies credentials by ensuring a token can be acquired.
func (c *Client) CheckConnection(ctx context.Context) bool {
	_, err := c.ensureToken(ctx)
	return err == nil
}

// ---- request plumbing ----

type apiEnvelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// hashKey obtains the per-payload signing token required on order-mutating
// calls. A failure degrades to an empty header rather than blocking the order.
func (c *Client) hashKey(ctx context.Context, token string, params any) string {
	start := time.Now()
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("appkey", c.cfg.AppKey).
		SetHeader("appsecret", c.cfg.AppSecret).
		SetBody(params).
		Post(hashPath)
	latency := time.Since(start)

	if err != nil || resp.StatusCode() != http.StatusOK {
		msg := resp.Status()
		if err != nil {
			msg = err.Error()
		}
		c.mon.Record(callmon.SourceBroker, callmon.KindHash, false, latency, msg)
		observ.Log("broker_hashkey_failed", map[string]any{"error": msg})
		return ""
	}

	var body struct {
		Hash string `json:"HASH"`
	}
	_ = json.Unmarshal(resp.Body(), &body)
	c.mon.Record(callmon.SourceBroker, callmon.KindHash, true, latency, "")
	return body.Hash
}

// do runs one API call: rate-gate admission, token, headers, error taxonomy,
// monitor reporting. out receives the decoded JSON body on success.
func (c *Client) do(ctx context.Context, method, path, trID string, kind callmon.Kind, query map[string]string, payload any, useHash bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ConnError{Reason: "rate gate wait cancelled", Cause: err}
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req := c.rest.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("appkey", c.cfg.AppKey).
		SetHeader("appsecret", c.cfg.AppSecret).
		SetHeader("tr_id", trID).
		SetHeader("custtype", c.cfg.CustType)

	if query != nil {
		req.SetQueryParams(query)
	}
	if payload != nil {
		if useHash {
			req.SetHeader("hashkey", c.hashKey(ctx, token, payload))
		}
		req.SetBody(payload)
	}

	start := time.Now()
	var resp *resty.Response
	if method == http.MethodGet {
		resp, err = req.Get(path)
	} else {
		resp, err = req.Post(path)
	}
	latency := time.Since(start)

	if err != nil {
		reason := "connection failed"
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			reason = "request timeout"
		}
		c.mon.Record(callmon.SourceBroker, kind, false, latency, reason)
		return &ConnError{Reason: reason, Cause: err}
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		c.mon.Record(callmon.SourceBroker, kind, false, latency, "rate limit exceeded")
		return &RateLimitError{}
	}
	if resp.StatusCode() != http.StatusOK {
		c.mon.Record(callmon.SourceBroker, kind, false, latency, resp.Status())
		return &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode()), Message: resp.Status()}
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		c.mon.Record(callmon.SourceBroker, kind, false, latency, "malformed response")
		return &APIError{Message: "malformed response body"}
	}
	if env.RtCd != "0" {
		apiErr := &APIError{Code: env.MsgCd, Message: env.Msg1}
		c.mon.Record(callmon.SourceBroker, kind, false, latency, apiErr.Error())
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			c.mon.Record(callmon.SourceBroker, kind, false, latency, "malformed response")
			return &APIError{Message: "malformed response body"}
		}
	}
	c.mon.Record(callmon.SourceBroker, kind, true, latency, "")
	return nil
}

// ---- balance ----

type balanceResponse struct {
	apiEnvelope
	Output1 []struct {
		Instrument   string `json:"pdno"`
		Name         string `json:"prdt_name"`
		Quantity     string `json:"hldg_qty"`
		AvgPrice     string `json:"pchs_avg_pric"`
		CurrentPrice string `json:"prpr"`
		SellableQty  string `json:"ord_psbl_qty"`
	} `json:"output1"`
	Output2 []struct {
		TotalValue     string `json:"tot_evlu_amt"`
		Cash           string `json:"dnca_tot_amt"`
		StockValue     string `json:"scts_evlu_amt"`
		ProfitLoss     string `json:"evlu_pfls_smtl_amt"`
		ProfitLossRate string `json:"evlu_pfls_rt"`
	} `json:"output2"`
}

// GetBalance fetches the account snapshot: positions, cash and totals.
func (c *Client) GetBalance(ctx context.Context) (*AccountBalance, error) {
	query := map[string]string{
		"CANO":                  c.cfg.AccountNumber,
		"ACNT_PRDT_CD":          c.cfg.AccountProductCode,
		"AFHR_FLPR_YN":          "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"FUND_STTL_ICLD_YN":     "N",
		"INQR_DVSN":             "01",
		"OFL_YN":                "N",
		"PRCS_DVSN":             "01",
		"UNPR_DVSN":             "01",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	}

	var resp balanceResponse
	if err := c.do(ctx, http.MethodGet, balancePath, trBalance, callmon.KindBalance, query, nil, false, &resp); err != nil {
		return nil, err
	}

	bal := &AccountBalance{Time: time.Now()}
	for _, item := range resp.Output1 {
		qty := atoi(item.Quantity)
		if qty <= 0 {
			continue
		}
		bal.Positions = append(bal.Positions, Position{
			Instrument:   item.Instrument,
			Name:         item.Name,
			Quantity:     qty,
			AvgPrice:     atof(item.AvgPrice),
			CurrentPrice: atof(item.CurrentPrice),
			SellableQty:  atoi(item.SellableQty),
		})
	}
	if len(resp.Output2) > 0 {
		s := resp.Output2[0]
		bal.TotalBalance = atof(s.TotalValue)
		bal.CashBalance = atof(s.Cash)
		bal.StockBalance = atof(s.StockValue)
		bal.ProfitLoss = atof(s.ProfitLoss)
		bal.ProfitLossRate = atof(s.ProfitLossRate)
	}
	return bal, nil
}

// ---- quote ----

type priceResponse struct {
	apiEnvelope
	Output struct {
		Current    string `json:"stck_prpr"`
		Open       string `json:"stck_oprc"`
		High       string `json:"stck_hgpr"`
		Low        string `json:"stck_lwpr"`
		PrevClose  string `json:"stck_sdpr"`
		Change     string `json:"prdy_vrss"`
		ChangeRate string `json:"prdy_ctrt"`
		Volume     string `json:"acml_vol"`
	} `json:"output"`
}

// GetQuote fetches the current price for one instrument.
func (c *Client) GetQuote(ctx context.Context, instrument string) (*Price, error) {
	query := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         padInstrument(instrument),
	}

	var resp priceResponse
	if err := c.do(ctx, http.MethodGet, pricePath, trPrice, callmon.KindQuote, query, nil, false, &resp); err != nil {
		return nil, err
	}
	return &Price{
		Current:    atof(resp.Output.Current),
		Open:       atof(resp.Output.Open),
		High:       atof(resp.Output.High),
		Low:        atof(resp.Output.Low),
		PrevClose:  atof(resp.Output.PrevClose),
		Change:     atof(resp.Output.Change),
		ChangeRate: atof(resp.Output.ChangeRate),
		Volume:     int64(atoi(resp.Output.Volume)),
		Time:       time.Now(),
	}, nil
}

// ---- orders ----

type orderResponse struct {
	apiEnvelope
	Output struct {
		OrderID string `json:"ODNO"`
	} `json:"output"`
}

// PlaceOrder submits one order. Price 0 signals a market order. On an
// application-level rejection the returned Order carries status REJECTED and
// the issuer's message with a nil error; the caller decides what to do.
// Rejections are never retried here.
func (c *Client) PlaceOrder(ctx context.Context, instrument string, side Side, qty int, price float64, kind OrderKind) (*Order, error) {
	trID := trBuy
	monKind := callmon.KindOrderBuy
	if side == Sell {
		trID = trSell
		monKind = callmon.KindOrderSell
	}

	params := map[string]string{
		"CANO":            c.cfg.AccountNumber,
		"ACNT_PRDT_CD":    c.cfg.AccountProductCode,
		"PDNO":            padInstrument(instrument),
		"ORD_DVSN":        string(kind),
		"ORD_QTY":         strconv.Itoa(qty),
		"ORD_UNPR":        strconv.Itoa(int(price)),
		"CTAC_TLNO":       "",
		"SLL_TYPE":        "01",
		"EXCG_ID_DVSN_CD": "KRX",
	}

	order := &Order{
		Instrument: padInstrument(instrument),
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Kind:       kind,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	var resp orderResponse
	err := c.do(ctx, http.MethodPost, orderPath, trID, monKind, nil, params, true, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			order.Status = StatusRejected
			order.Message = apiErr.Error()
			order.UpdatedAt = time.Now()
			observ.Log("broker_order_rejected", map[string]any{
				"instrument": order.Instrument, "side": side, "error": apiErr.Error(),
			})
			return order, nil
		}
		return nil, err
	}

	order.ID = resp.Output.OrderID
	order.Status = StatusSubmitted
	order.Message = resp.Msg1
	order.UpdatedAt = time.Now()
	observ.Log("broker_order_submitted", map[string]any{
		"instrument": order.Instrument, "side": side, "qty": qty, "price": price, "order_id": order.ID,
	})
	return order, nil
}

// BuyMarket submits a market buy.
func (c *Client) BuyMarket(ctx context.Context, instrument string, qty int) (*Order, error) {
	return c.PlaceOrder(ctx, instrument, Buy, qty, 0, MarketOrder)
}

// SellMarket submits a market sell.
func (c *Client) SellMarket(ctx context.Context, instrument string, qty int) (*Order, error) {
	return c.PlaceOrder(ctx, instrument, Sell, qty, 0, MarketOrder)
}

// CancelOrder cancels an unfilled order. An application-level refusal returns
// (false, nil); transport and auth failures return the error.
func (c *Client) CancelOrder(ctx context.Context, orderID string, qty int, price float64) (bool, error) {
	return c.cancelOrderBranch(ctx, orderID, qty, price, "06010")
}

func (c *Client) cancelOrderBranch(ctx context.Context, orderID string, qty int, price float64, branch string) (bool, error) {
	params := map[string]string{
		"CANO":               c.cfg.AccountNumber,
		"ACNT_PRDT_CD":       c.cfg.AccountProductCode,
		"KRX_FWDG_ORD_ORGNO": branch,
		"ORGN_ODNO":          orderID,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02", // 02: cancel
		"ORD_QTY":            strconv.Itoa(qty),
		"ORD_UNPR":           strconv.Itoa(int(price)),
		"QTY_ALL_ORD_YN":     "Y",
		"EXCG_ID_DVSN_CD":    "KRX",
	}

	err := c.do(ctx, http.MethodPost, revisePath, trRevise, callmon.KindCancel, nil, params, true, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			observ.Log("broker_cancel_refused", map[string]any{"order_id": orderID, "error": apiErr.Error()})
			return false, nil
		}
		return false, err
	}
	observ.Log("broker_order_cancelled", map[string]any{"order_id": orderID})
	return true, nil
}

type pendingResponse struct {
	apiEnvelope
	Output []struct {
		OrderID       string `json:"odno"`
		Instrument    string `json:"pdno"`
		Quantity      string `json:"ord_qty"`
		Price         string `json:"ord_unpr"`
		OrderTime     string `json:"ord_tmd"`
		Branch        string `json:"ord_gno_brno"`
		CancelableQty string `json:"psbl_qty"`
	} `json:"output"`
}

// ListPendingOrders returns unfilled orders eligible for cancel/amend.
func (c *Client) ListPendingOrders(ctx context.Context) ([]PendingOrder, error) {
	query := map[string]string{
		"CANO":           c.cfg.AccountNumber,
		"ACNT_PRDT_CD":   c.cfg.AccountProductCode,
		"CTX_AREA_FK100": "",
		"CTX_AREA_NK100": "",
		"INQR_DVSN_1":    "0",
		"INQR_DVSN_2":    "0",
	}

	var resp pendingResponse
	if err := c.do(ctx, http.MethodGet, pendingPath, trPending, callmon.KindPending, query, nil, false, &resp); err != nil {
		return nil, err
	}

	orders := make([]PendingOrder, 0, len(resp.Output))
	for _, item := range resp.Output {
		orders = append(orders, PendingOrder{
			OrderID:       item.OrderID,
			Instrument:    item.Instrument,
			Quantity:      atoi(item.Quantity),
			Price:         atof(item.Price),
			OrderTime:     item.OrderTime,
			Branch:        item.Branch,
			CancelableQty: atoi(item.CancelableQty),
		})
	}
	return orders, nil
}

// CancelAllOrders cancels every pending order, skipping the given
// instruments, and returns how many cancels were accepted.
func (c *Client) CancelAllOrders(ctx context.Context, skipInstruments []string) (int, error) {
	orders, err := c.ListPendingOrders(ctx)
	if err != nil {
		return 0, err
	}

	skip := make(map[string]bool, len(skipInstruments))
	for _, code := range skipInstruments {
		skip[padInstrument(code)] = true
	}

	cancelled := 0
	for _, o := range orders {
		if skip[o.Instrument] {
			continue
		}
		ok, err := c.cancelOrderBranch(ctx, o.OrderID, o.CancelableQty, o.Price, o.Branch)
		if err != nil {
			observ.Log("broker_cancel_all_error", map[string]any{"order_id": o.OrderID, "error": err.Error()})
			continue
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

// BuyableQuantity computes how many shares the free cash affords at price.
func (c *Client) BuyableQuantity(ctx context.Context, price float64) (int, error) {
	if price <= 0 {
		return 0, nil
	}
	bal, err := c.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return int(bal.AvailableCash() / price), nil
}

// ---- helpers ----

// padInstrument left-pads numeric instrument codes to six digits.
func padInstrument(code string) string {
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

func atof(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
