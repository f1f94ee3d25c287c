// Package engine exposes one trading surface with two implementations:
// live order flow against the exchange and the deterministic simulator.
package engine

import (
	"errors"

	"futures-trader/internal/binance"
)

// Mode selects the engine implementation.
type Mode string

const (
	ModeLive      Mode = "live"
	ModeSimulator Mode = "simulator"
)

var ErrUnknownMode = errors.New("unknown trading mode")

// OpenRequest describes a market entry.
type OpenRequest struct {
	Symbol        string
	Side          binance.OrderSide
	Quantity      float64
	Leverage      int
	TPPrice       float64
	SLPrice       float64
	PreferLimitTP bool
}

// LimitRequest describes a pending limit entry.
type LimitRequest struct {
	Symbol     string
	Side       binance.OrderSide
	Quantity   float64
	LimitPrice float64
	Leverage   int
	TPPrice    float64
	SLPrice    float64
}

// AccountSummary is the engine-agnostic account view.
type AccountSummary struct {
	Mode          string  `json:"mode"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	RealizedPnl   float64 `json:"realized_pnl,omitempty"`
	OpenPositions int     `json:"open_positions"`
	TotalFees     float64 `json:"total_fees,omitempty"`
}

// PositionSummary is one open position, live or simulated.
type PositionSummary struct {
	Id            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	TPPrice       float64 `json:"tp_price,omitempty"`
	SLPrice       float64 `json:"sl_price,omitempty"`
	Leverage      int     `json:"leverage"`
	Margin        float64 `json:"margin"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// PendingSummary is one unfilled entry intent.
type PendingSummary struct {
	Id         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Kind       string  `json:"kind"`
	Quantity   float64 `json:"quantity"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	TPPrice    float64 `json:"tp_price,omitempty"`
	SLPrice    float64 `json:"sl_price,omitempty"`
}

// TradingEngine is the surface the API server and strategy layers program
// against.
type TradingEngine interface {
	Start() error
	Stop()

	OpenPosition(req OpenRequest) (recordId string, err error)
	ClosePosition(recordId string) error
	UpdateTPSL(recordId string, tp, sl float64) error

	CreateLimitOrder(req LimitRequest) (pendingId string, err error)
	CancelLimitOrder(pendingId string) error

	GetAccountSummary() (*AccountSummary, error)
	GetPositionsSummary() []PositionSummary
	GetPendingOrdersSummary() []PendingSummary
}
