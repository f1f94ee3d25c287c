// Package repository holds the persisted order, trade and position records.
// Repositories are leaves: they own their data and know nothing about
// services or the exchange.
package repository

import "time"

// OrderPurpose is why an order exists relative to a position.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "ENTRY"
	PurposeTakeProfit OrderPurpose = "TAKE_PROFIT"
	PurposeStopLoss   OrderPurpose = "STOP_LOSS"
	PurposeClose      OrderPurpose = "CLOSE"
)

// OrderStatus mirrors the exchange lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusTriggered       OrderStatus = "TRIGGERED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// RecordStatus is the position lifecycle. OPEN transitions to exactly one
// terminal status.
type RecordStatus string

const (
	RecordStatusOpen             RecordStatus = "OPEN"
	RecordStatusTPClosed         RecordStatus = "TP_CLOSED"
	RecordStatusSLClosed         RecordStatus = "SL_CLOSED"
	RecordStatusManualClosed     RecordStatus = "MANUAL_CLOSED"
	RecordStatusLiquidated       RecordStatus = "LIQUIDATED"
	RecordStatusClosedExternally RecordStatus = "POSITION_CLOSED_EXTERNALLY"
)

// Source tags where a record or order came from.
type Source string

const (
	SourceLive    Source = "live"
	SourceReverse Source = "reverse"
	SourceSim     Source = "sim"
)

// Trade is one fill, keyed externally by BinanceTradeId.
type Trade struct {
	Id              string  `json:"id"`
	OrderId         string  `json:"order_id"`
	BinanceTradeId  int64   `json:"binance_trade_id"`
	Price           float64 `json:"price"`
	Qty             float64 `json:"qty"`
	QuoteQty        float64 `json:"quote_qty"`
	Commission      float64 `json:"commission"`
	CommissionAsset string  `json:"commission_asset"`
	RealizedPnl     float64 `json:"realized_pnl"`
	Maker           bool    `json:"maker"`
	Timestamp       int64   `json:"timestamp"`
}

// Order is one exchange order with its rolled-up fill state. Exactly one of
// BinanceOrderId or BinanceAlgoId is set, depending on whether this is a
// plain or a conditional order.
type Order struct {
	Id             string       `json:"id"`
	RecordId       string       `json:"record_id,omitempty"`
	BinanceOrderId int64        `json:"binance_order_id,omitempty"`
	BinanceAlgoId  int64        `json:"binance_algo_id,omitempty"`
	Symbol         string       `json:"symbol"`
	OrderType      string       `json:"order_type"`
	Purpose        OrderPurpose `json:"purpose"`
	Status         OrderStatus  `json:"status"`
	Side           string       `json:"side"`
	PositionSide   string       `json:"position_side"`
	Price          float64      `json:"price"`
	StopPrice      float64      `json:"stop_price"`
	Quantity       float64      `json:"quantity"`
	FilledQty      float64      `json:"filled_qty"`
	AvgFilledPrice float64      `json:"avg_filled_price"`
	Commission     float64      `json:"commission"`
	RealizedPnl    float64      `json:"realized_pnl"`
	ReduceOnly     bool         `json:"reduce_only"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Trades         []*Trade     `json:"trades,omitempty"`
}

// Aggregate recomputes the rolled-up fill fields from the attached trades.
func (o *Order) Aggregate() {
	var commission, filledQty, notional, pnl float64
	for _, t := range o.Trades {
		commission += t.Commission
		filledQty += t.Qty
		notional += t.Price * t.Qty
		pnl += t.RealizedPnl
	}
	o.Commission = commission
	o.FilledQty = filledQty
	o.RealizedPnl = pnl
	if filledQty > 0 {
		o.AvgFilledPrice = notional / filledQty
	}
}

// TradeRecord is one position with its own TP/SL lifetime.
type TradeRecord struct {
	Id       string       `json:"id"`
	Symbol   string       `json:"symbol"`
	Side     string       `json:"side"`
	Quantity float64      `json:"quantity"`
	Status   RecordStatus `json:"status"`
	Source   Source       `json:"source"`

	EntryPrice float64 `json:"entry_price"`
	TPPrice    float64 `json:"tp_price,omitempty"`
	SLPrice    float64 `json:"sl_price,omitempty"`
	Leverage   int     `json:"leverage"`
	Margin     float64 `json:"margin"`
	Notional   float64 `json:"notional"`
	MarkPrice  float64 `json:"mark_price,omitempty"`

	EntryOrderId int64 `json:"entry_order_id,omitempty"`
	EntryAlgoId  int64 `json:"entry_algo_id,omitempty"`
	TPOrderId    int64 `json:"tp_order_id,omitempty"`
	TPAlgoId     int64 `json:"tp_algo_id,omitempty"`
	SLAlgoId     int64 `json:"sl_algo_id,omitempty"`

	TotalCommission float64 `json:"total_commission"`
	RealizedPnl     float64 `json:"realized_pnl"`
	ClosePrice      float64 `json:"close_price,omitempty"`
	CloseReason     string  `json:"close_reason,omitempty"`

	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time,omitempty"`
}

// IsOpen reports whether the record has not reached a terminal status.
func (r *TradeRecord) IsOpen() bool {
	return r.Status == RecordStatusOpen
}

// PendingOrderKind discriminates pending entry intents.
type PendingOrderKind string

const (
	PendingKindLimit       PendingOrderKind = "LIMIT"
	PendingKindConditional PendingOrderKind = "CONDITIONAL"
)

// PendingOrder is a desired future entry tracked until filled, cancelled or
// expired. On fill it materialises into a TradeRecord carrying the target
// TP/SL.
type PendingOrder struct {
	Id           string           `json:"id"`
	OrderKind    PendingOrderKind `json:"order_kind"`
	Symbol       string           `json:"symbol"`
	Side         string           `json:"side"`
	Quantity     float64          `json:"quantity"`
	LimitPrice   float64          `json:"limit_price,omitempty"`
	TriggerPrice float64          `json:"trigger_price,omitempty"`
	TPPrice      float64          `json:"tp_price,omitempty"`
	SLPrice      float64          `json:"sl_price,omitempty"`
	Leverage     int              `json:"leverage"`
	Source       Source           `json:"source"`

	BinanceOrderId int64 `json:"binance_order_id,omitempty"`
	BinanceAlgoId  int64 `json:"binance_algo_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
