// Package models provides data structures and state management for the
// trading daemon: market data, the strategy lifecycle state machine, and
// durable trade records.
package models

import "time"

// OrderSide is the direction of an order at the venue.
type OrderSide string

const (
	// SideBuy opens or increases a long exposure.
	SideBuy OrderSide = "buy"
	// SideSell opens or increases a short exposure.
	SideSell OrderSide = "sell"
)

// Opposite returns the side that closes an exposure opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	// PositionLong marks a long position.
	PositionLong PositionSide = "long"
	// PositionShort marks a short position.
	PositionShort PositionSide = "short"
)

// ClosingSide returns the order side that reduces a position of this side.
// To close a long we sell; to close a short we buy.
func (p PositionSide) ClosingSide() OrderSide {
	if p == PositionLong {
		return SideSell
	}
	return SideBuy
}

// EntrySide returns the order side that opens a position of this side.
func (p PositionSide) EntrySide() OrderSide {
	if p == PositionLong {
		return SideBuy
	}
	return SideSell
}

// OrderType enumerates the order types the broker port accepts.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeTakeLimit  OrderType = "take_limit"
)

// IsTrigger reports whether the order type is a venue-side conditional
// order counted against the per-account trigger budget.
func (t OrderType) IsTrigger() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeLimit
}

// OrderStatus is the venue-reported state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Instrument holds venue metadata for one tradable contract.
type Instrument struct {
	Symbol         string  `json:"symbol"`
	QuoteCurrency  string  `json:"quote_currency"`
	TickSize       float64 `json:"tick_size"`
	MinTradeAmount float64 `json:"min_trade_amount"`
	LotSize        float64 `json:"lot_size"`
	MaxLeverage    float64 `json:"max_leverage"`
	ContractSize   float64 `json:"contract_size"`
}

// Candle is one OHLCV bar. Time is the bar open time in epoch milliseconds.
type Candle struct {
	Time   int64   `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// Tick is one ticker update from the venue. Delivery is lossy but
// monotone in Timestamp within one subscription.
type Tick struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	MarkPrice  float64 `json:"mark_price"`
	Timestamp  int64   `json:"timestamp"` // epoch milliseconds
}

// Position is the venue's view of an open position. Size is signed:
// positive for long, negative for short.
type Position struct {
	InstrumentName string  `json:"instrument_name"`
	Size           float64 `json:"size"`
	AveragePrice   float64 `json:"average_price"`
	MarkPrice      float64 `json:"mark_price"`
}

// Side derives the position side from the signed size.
func (p Position) Side() PositionSide {
	if p.Size < 0 {
		return PositionShort
	}
	return PositionLong
}

// AbsSize returns the unsigned position size.
func (p Position) AbsSize() float64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// Order is an order as reported by the venue.
type Order struct {
	ID           string      `json:"id"`
	Instrument   string      `json:"instrument"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Amount       float64     `json:"amount"`
	Price        float64     `json:"price,omitempty"`
	TriggerPrice float64     `json:"trigger_price,omitempty"`
	ReduceOnly   bool        `json:"reduce_only"`
	Status       OrderStatus `json:"status"`
	Label        string      `json:"label,omitempty"`
}

// OrderState is the fill snapshot returned by get_order_state.
type OrderState struct {
	OrderID      string      `json:"order_id"`
	State        OrderStatus `json:"state"`
	FilledAmount float64     `json:"filled_amount"`
	AveragePrice float64     `json:"average_price"`
}

// SignalKind classifies a strategy signal.
type SignalKind string

const (
	SignalNone       SignalKind = "none"
	SignalEnterLong  SignalKind = "enter_long"
	SignalEnterShort SignalKind = "enter_short"
)

// Signal is the strategy plug-in output: absolute prices on the quote
// asset plus the human-readable reasons that produced it.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	Entry      float64    `json:"entry"`
	Stop       float64    `json:"stop"`
	TakeProfit float64    `json:"take_profit"`
	Reasons    []string   `json:"reasons,omitempty"`
}

// Side returns the position side a non-none signal opens.
func (s Signal) Side() PositionSide {
	if s.Kind == SignalEnterShort {
		return PositionShort
	}
	return PositionLong
}

// Balance is the account funding snapshot for one currency.
type Balance struct {
	Currency  string  `json:"currency"`
	Equity    float64 `json:"equity"`
	Available float64 `json:"available"`
}

// MillisToTime converts epoch milliseconds to UTC time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
