// Package sim is the deterministic paper-trading engine. Fills are derived
// purely from closed bars, so a given kline sequence always produces the
// same account state.
package sim

import "time"

// Position is one open simulated position.
type Position struct {
	Id         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // BUY or SELL
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	Leverage   int       `json:"leverage"`
	Margin     float64   `json:"margin"`
	Notional   float64   `json:"notional"`
	TPPrice    float64   `json:"tp_price,omitempty"`
	SLPrice    float64   `json:"sl_price,omitempty"`
	MarkPrice  float64   `json:"mark_price"`
	EntryFee   float64   `json:"entry_fee"`
	OpenTime   time.Time `json:"open_time"`
}

// UnrealizedPnl is the position's pnl at its current mark price, before
// fees.
func (p *Position) UnrealizedPnl() float64 {
	if p.Side == "BUY" {
		return (p.MarkPrice - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - p.MarkPrice) * p.Quantity
}

// Account is the simulated wallet. Balance moves only on realized events;
// equity is balance plus the unrealized pnl of open positions.
type Account struct {
	Balance           float64 `json:"balance"`
	Equity            float64 `json:"equity"`
	RealizedPnl       float64 `json:"realized_pnl"`
	UnrealizedPnl     float64 `json:"unrealized_pnl"`
	ReservedMarginSum float64 `json:"reserved_margin_sum"`
	PositionsCount    int     `json:"positions_count"`
	TotalFees         float64 `json:"total_fees"`
}

// ClosedPosition is one history entry appended on every close.
type ClosedPosition struct {
	Position
	ClosePrice  float64   `json:"close_price"`
	CloseReason string    `json:"close_reason"`
	ExitFee     float64   `json:"exit_fee"`
	RealizedPnl float64   `json:"realized_pnl"`
	CloseTime   time.Time `json:"close_time"`
}

// tradeState is the on-disk shape of the simulator snapshot.
type tradeState struct {
	Account   Account              `json:"account"`
	Positions map[string]*Position `json:"positions"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// positionHistory is the on-disk shape of the close history.
type positionHistory struct {
	Closed    []*ClosedPosition `json:"closed_positions"`
	UpdatedAt time.Time         `json:"updated_at"`
}
