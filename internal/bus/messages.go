package bus

import "time"

// Topic identifies a message stream on the router. Every topic carries exactly
// one concrete message type so subscribers switch on a closed set instead of
// probing a generic map.
type Topic string

const (
	TopicConditionIn    Topic = "condition.in"
	TopicConditionOut   Topic = "condition.out"
	TopicTick           Topic = "feed.tick"
	TopicSurge          Topic = "surge.detected"
	TopicBuySignal      Topic = "strategy.buy"
	TopicSellSignal     Topic = "strategy.sell"
	TopicOrderFilled    Topic = "order.filled"
	TopicPositionOpened Topic = "position.opened"
	TopicPositionClosed Topic = "position.closed"
	TopicFeedState      Topic = "feed.state"
)

// Message is the closed union of payloads that travel on the router.
type Message interface {
	MessageTopic() Topic
}

// ConditionSignal is an inclusion (IN) or exclusion (OUT) notice from the
// external condition-watch bridge.
type ConditionSignal struct {
	Instrument    string
	Name          string // instrument display name
	ConditionName string
	Direction     string // "IN" or "OUT"
	Time          time.Time
}

func (s ConditionSignal) MessageTopic() Topic {
	if s.Direction == "OUT" {
		return TopicConditionOut
	}
	return TopicConditionIn
}

// Tick is a single trade print, either parsed from the realtime feed or pushed
// by the bridge.
type Tick struct {
	Instrument string
	Price      float64
	Volume     int64   // this print's volume, not cumulative
	Strength   float64 // buy/sell trade-strength metric, 100 = balanced
	Source     string  // "feed" or "bridge"
	Time       time.Time
}

func (Tick) MessageTopic() Topic { return TopicTick }

// Surge is raised by the anomaly detector when short-window volume or trade
// strength crosses its configured threshold.
type Surge struct {
	Instrument    string
	Name          string
	CurrentVolume int64
	AvgVolume     int64
	VolumeRatio   float64
	Strength      float64
	Reason        string
	Time          time.Time
}

func (Surge) MessageTopic() Topic { return TopicSurge }

// TradeSignal is an actionable buy or sell decision produced by the strategy
// agent or the position manager and consumed by the orchestrator.
type TradeSignal struct {
	Instrument   string
	Name         string
	Side         string // "BUY" or "SELL"
	Reason       string
	Confidence   float64
	SuggestedQty int
	Source       string
	Time         time.Time
}

func (s TradeSignal) MessageTopic() Topic {
	if s.Side == "SELL" {
		return TopicSellSignal
	}
	return TopicBuySignal
}

// OrderFilled reports an accepted execution, published by the orchestrator for
// the position manager and the audit collaborator.
type OrderFilled struct {
	Instrument string
	Name       string
	Side       string
	Quantity   int
	Price      float64
	AvgPrice   float64 // entry average on sells, for profit reporting
	OrderID    string
	Reason     string
	Time       time.Time
}

func (OrderFilled) MessageTopic() Topic { return TopicOrderFilled }

// PositionOpened is published when the position manager begins tracking a
// holding.
type PositionOpened struct {
	Instrument string
	Name       string
	Quantity   int
	AvgPrice   float64
	Reason     string
	Time       time.Time
}

func (PositionOpened) MessageTopic() Topic { return TopicPositionOpened }

// PositionClosed is published when a holding is removed, with realized result.
type PositionClosed struct {
	Instrument   string
	Name         string
	ProfitLoss   float64
	ProfitRate   float64
	HoldDuration time.Duration
	Reason       string
	Time         time.Time
}

func (PositionClosed) MessageTopic() Topic { return TopicPositionClosed }

// FeedState announces realtime feed connectivity transitions.
type FeedState struct {
	State      string // "connected", "disconnected", "closed", "gave_up"
	Reconnects int
	Time       time.Time
}

func (FeedState) MessageTopic() Topic { return TopicFeedState }
