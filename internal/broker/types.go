package broker

import "time"

// Side is the order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderKind carries the issuer's order-division wire code.
type OrderKind string

const (
	LimitOrder  OrderKind = "00"
	MarketOrder OrderKind = "01"
)

// OrderStatus transitions one way: PENDING -> SUBMITTED -> terminal.
type OrderStatus string

const (
	StatusPending       OrderStatus = "pending"
	StatusSubmitted     OrderStatus = "submitted"
	StatusFilled        OrderStatus = "filled"
	StatusPartialFilled OrderStatus = "partial_filled"
	StatusRejected      OrderStatus = "rejected"
	StatusCancelled     OrderStatus = "cancelled"
	StatusFailed        OrderStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusPartialFilled, StatusRejected, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Order is one order submission and its outcome.
type Order struct {
	Instrument string      `json:"instrument"`
	Side       Side        `json:"side"`
	Quantity   int         `json:"quantity"`
	Price      float64     `json:"price"` // 0 means market
	Kind       OrderKind   `json:"kind"`
	ID         string      `json:"id"`
	Status     OrderStatus `json:"status"`
	Message    string      `json:"message"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Position is a broker-reported holding.
type Position struct {
	Instrument  string  `json:"instrument"`
	Name        string  `json:"name"`
	Quantity    int     `json:"quantity"`
	AvgPrice    float64 `json:"avg_price"`
	CurrentPrice float64 `json:"current_price"`
	SellableQty int     `json:"sellable_qty"`
}

// AccountBalance is the full account snapshot: cash, valuation and holdings.
type AccountBalance struct {
	TotalBalance    float64    `json:"total_balance"`
	CashBalance     float64    `json:"cash_balance"`
	StockBalance    float64    `json:"stock_balance"`
	ProfitLoss      float64    `json:"profit_loss"`
	ProfitLossRate  float64    `json:"profit_loss_rate"`
	Positions       []Position `json:"positions"`
	Time            time.Time  `json:"time"`
}

// AvailableCash is the amount usable for new orders.
func (b *AccountBalance) AvailableCash() float64 { return b.CashBalance }

// Price is a point-in-time quote for one instrument.
type Price struct {
	Current    float64   `json:"current"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	PrevClose  float64   `json:"prev_close"`
	Change     float64   `json:"change"`
	ChangeRate float64   `json:"change_rate"`
	Volume     int64     `json:"volume"`
	Time       time.Time `json:"time"`
}

// PendingOrder is an unfilled order eligible for cancel/amend.
type PendingOrder struct {
	OrderID       string  `json:"order_id"`
	Instrument    string  `json:"instrument"`
	Quantity      int     `json:"quantity"`
	Price         float64 `json:"price"`
	OrderTime     string  `json:"order_time"`
	Branch        string  `json:"branch"`
	CancelableQty int     `json:"cancelable_qty"`
}
