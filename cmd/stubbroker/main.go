// stubbroker is a local stand-in for the brokerage: it serves the REST
// endpoints the trader calls and streams synthetic ticks over the realtime
// websocket, so the whole loop runs without credentials or market hours.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type holding struct {
	Code     string
	Name     string
	Quantity int
	AvgPrice float64
}

type account struct {
	mu       sync.Mutex
	cash     float64
	holdings map[string]*holding
	prices   map[string]float64
	nextOrd  int
}

func newAccount() *account {
	return &account{
		cash: 10_000_000,
		holdings: map[string]*holding{
			"005930": {Code: "005930", Name: "Samsung Electronics", Quantity: 10, AvgPrice: 70000},
		},
		prices: map[string]float64{
			"005930": 70500,
			"035720": 41200,
			"000660": 152000,
		},
		nextOrd: 1000,
	}
}

func (a *account) price(code string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.prices[code]
	if !ok {
		p = 10_000 + float64(rand.Intn(90_000))
		a.prices[code] = p
	}
	return p
}

// drift nudges every price by up to ±0.3% so exits eventually trigger.
func (a *account) drift() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for code, p := range a.prices {
		a.prices[code] = p * (1 + (rand.Float64()-0.5)*0.006)
	}
}

func ok(extra map[string]any) map[string]any {
	out := map[string]any{"rt_cd": "0", "msg_cd": "00000000", "msg1": "ok"}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func f2s(f float64) string { return strconv.FormatFloat(f, 'f', 0, 64) }

func main() {
	addr := flag.String("addr", ":9443", "listen address")
	flag.Parse()

	acct := newAccount()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"access_token": "stub-token", "expires_in": 86400})
	})

	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"approval_key": "stub-approval"})
	})

	mux.HandleFunc("/uapi/hashkey", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"HASH": "stub-hash"})
	})

	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("FID_INPUT_ISCD")
		p := acct.price(code)
		writeJSON(w, ok(map[string]any{
			"output": map[string]string{
				"stck_prpr": f2s(p),
				"stck_oprc": f2s(p * 0.99),
				"stck_hgpr": f2s(p * 1.01),
				"stck_lwpr": f2s(p * 0.985),
				"acml_vol":  "250000",
			},
		}))
	})

	mux.HandleFunc("/uapi/domestic-stock/v1/trading/inquire-balance", func(w http.ResponseWriter, r *http.Request) {
		acct.mu.Lock()
		var out1 []map[string]string
		var stockValue float64
		for _, h := range acct.holdings {
			cur := acct.prices[h.Code]
			stockValue += cur * float64(h.Quantity)
			out1 = append(out1, map[string]string{
				"pdno":          h.Code,
				"prdt_name":     h.Name,
				"hldg_qty":      strconv.Itoa(h.Quantity),
				"pchs_avg_pric": f2s(h.AvgPrice),
				"prpr":          f2s(cur),
				"ord_psbl_qty":  strconv.Itoa(h.Quantity),
			})
		}
		cash := acct.cash
		acct.mu.Unlock()

		writeJSON(w, ok(map[string]any{
			"output1": out1,
			"output2": []map[string]string{{
				"tot_evlu_amt":       f2s(cash + stockValue),
				"dnca_tot_amt":       f2s(cash),
				"scts_evlu_amt":      f2s(stockValue),
				"evlu_pfls_smtl_amt": "0",
				"evlu_pfls_rt":       "0",
			}},
		}))
	})

	mux.HandleFunc("/uapi/domestic-stock/v1/trading/order-cash", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PDNO   string `json:"PDNO"`
			OrdQty string `json:"ORD_QTY"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, map[string]any{"rt_cd": "1", "msg_cd": "40000000", "msg1": "bad order payload"})
			return
		}
		qty, _ := strconv.Atoi(body.OrdQty)
		isBuy := r.Header.Get("tr_id") == "TTTC0012U"
		price := acct.price(body.PDNO)

		acct.mu.Lock()
		if isBuy {
			cost := price * float64(qty)
			if cost > acct.cash {
				acct.mu.Unlock()
				writeJSON(w, map[string]any{"rt_cd": "1", "msg_cd": "40310000", "msg1": "insufficient buying power"})
				return
			}
			acct.cash -= cost
			h := acct.holdings[body.PDNO]
			if h == nil {
				h = &holding{Code: body.PDNO}
				acct.holdings[body.PDNO] = h
			}
			total := h.AvgPrice*float64(h.Quantity) + cost
			h.Quantity += qty
			h.AvgPrice = total / float64(h.Quantity)
		} else {
			h := acct.holdings[body.PDNO]
			if h == nil || h.Quantity < qty {
				acct.mu.Unlock()
				writeJSON(w, map[string]any{"rt_cd": "1", "msg_cd": "40320000", "msg1": "no sellable quantity"})
				return
			}
			acct.cash += price * float64(qty)
			h.Quantity -= qty
			if h.Quantity == 0 {
				delete(acct.holdings, body.PDNO)
			}
		}
		acct.nextOrd++
		ordNo := fmt.Sprintf("%010d", acct.nextOrd)
		acct.mu.Unlock()

		writeJSON(w, ok(map[string]any{"output": map[string]string{"ODNO": ordNo}}))
	})

	mux.HandleFunc("/uapi/domestic-stock/v1/trading/order-rvsecncl", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ok(nil))
	})

	mux.HandleFunc("/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ok(map[string]any{"output": []any{}}))
	})

	// realtime websocket: accepts subscription frames, echoes pings, streams
	// synthetic ticks for whatever is subscribed
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		subs := map[string]bool{}

		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for range ticker.C {
				acct.drift()
				mu.Lock()
				codes := make([]string, 0, len(subs))
				for c := range subs {
					codes = append(codes, c)
				}
				mu.Unlock()
				for _, code := range codes {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(tickFrame(code, acct.price(code)))); err != nil {
						return
					}
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Header struct {
					TrType string `json:"tr_type"`
					TrID   string `json:"tr_id"`
				} `json:"header"`
				Body struct {
					Input struct {
						TrKey string `json:"tr_key"`
					} `json:"input"`
				} `json:"body"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Header.TrID == "PINGPONG" {
				conn.WriteMessage(websocket.TextMessage, data)
				continue
			}
			mu.Lock()
			if frame.Header.TrType == "2" {
				delete(subs, frame.Body.Input.TrKey)
			} else if frame.Body.Input.TrKey != "" {
				subs[frame.Body.Input.TrKey] = true
			}
			mu.Unlock()
		}
	})

	log.Printf("stub brokerage listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

// tickFrame renders one realtime trade print in the pipe/caret wire format.
func tickFrame(code string, price float64) string {
	fields := make([]string, 19)
	for i := range fields {
		fields[i] = "0"
	}
	fields[0] = code
	fields[1] = time.Now().Format("150405")
	fields[2] = f2s(price)
	fields[12] = strconv.Itoa(100 + rand.Intn(2000))
	fields[18] = f2s(80 + rand.Float64()*60)
	return "0|H0STCNT0|1|" + strings.Join(fields, "^")
}
