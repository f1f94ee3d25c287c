package engine

import (
	"fmt"

	"github.com/rs/zerolog"

	"futures-trader/internal/repository"
	"futures-trader/internal/sim"
)

// PriceFunc resolves the current price of a symbol, usually from the
// latest closed bar or the mark price stream.
type PriceFunc func(symbol string) (float64, error)

// SimEngine adapts the paper-trading engine to the TradingEngine surface.
type SimEngine struct {
	engine  *sim.Engine
	pending *repository.PendingOrderRepository
	price   PriceFunc
	logger  zerolog.Logger
}

// NewSimEngine assembles the simulator adapter.
func NewSimEngine(engine *sim.Engine, pending *repository.PendingOrderRepository, price PriceFunc, logger zerolog.Logger) *SimEngine {
	return &SimEngine{
		engine:  engine,
		pending: pending,
		price:   price,
		logger:  logger.With().Str("component", "sim_engine_adapter").Logger(),
	}
}

// Start is a no-op; the simulator is driven by bars, not by streams of its
// own.
func (e *SimEngine) Start() error {
	e.logger.Info().Msg("simulator engine started")
	return nil
}

// Stop is a no-op; the write queue drains during process shutdown.
func (e *SimEngine) Stop() {
	e.logger.Info().Msg("simulator engine stopped")
}

// OpenPosition opens a simulated position at the current price.
func (e *SimEngine) OpenPosition(req OpenRequest) (string, error) {
	px, err := e.price(req.Symbol)
	if err != nil {
		return "", fmt.Errorf("error resolving price for %s: %w", req.Symbol, err)
	}
	pos, err := e.engine.OpenMarket(req.Symbol, req.Side, req.Quantity, px, req.Leverage, req.TPPrice, req.SLPrice)
	if err != nil {
		return "", err
	}
	return pos.Id, nil
}

// ClosePosition closes a simulated position at the current price.
func (e *SimEngine) ClosePosition(recordId string) error {
	var symbol string
	for _, pos := range e.engine.Positions() {
		if pos.Id == recordId {
			symbol = pos.Symbol
			break
		}
	}
	if symbol == "" {
		return sim.ErrPositionNotFound
	}

	px, err := e.price(symbol)
	if err != nil {
		return fmt.Errorf("error resolving price for %s: %w", symbol, err)
	}
	_, err = e.engine.Close(recordId, px, sim.CloseReasonManual)
	return err
}

// UpdateTPSL replaces a simulated position's exit levels.
func (e *SimEngine) UpdateTPSL(recordId string, tp, sl float64) error {
	return e.engine.UpdateTPSL(recordId, tp, sl)
}

// CreateLimitOrder books a pending limit entry resolved bar by bar.
func (e *SimEngine) CreateLimitOrder(req LimitRequest) (string, error) {
	p, err := e.engine.PlaceLimit(req.Symbol, req.Side, req.Quantity, req.LimitPrice, req.Leverage, req.TPPrice, req.SLPrice)
	if err != nil {
		return "", err
	}
	return p.Id, nil
}

// CancelLimitOrder drops a pending limit entry.
func (e *SimEngine) CancelLimitOrder(pendingId string) error {
	return e.engine.CancelLimit(pendingId)
}

// GetAccountSummary returns the simulated account.
func (e *SimEngine) GetAccountSummary() (*AccountSummary, error) {
	acct := e.engine.AccountSnapshot()
	return &AccountSummary{
		Mode:          string(ModeSimulator),
		Balance:       acct.Balance,
		Equity:        acct.Equity,
		UnrealizedPnl: acct.UnrealizedPnl,
		RealizedPnl:   acct.RealizedPnl,
		OpenPositions: acct.PositionsCount,
		TotalFees:     acct.TotalFees,
	}, nil
}

// GetPositionsSummary lists the open simulated positions.
func (e *SimEngine) GetPositionsSummary() []PositionSummary {
	positions := e.engine.Positions()
	out := make([]PositionSummary, 0, len(positions))
	for _, pos := range positions {
		out = append(out, PositionSummary{
			Id:            pos.Id,
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			Quantity:      pos.Quantity,
			EntryPrice:    pos.EntryPrice,
			MarkPrice:     pos.MarkPrice,
			TPPrice:       pos.TPPrice,
			SLPrice:       pos.SLPrice,
			Leverage:      pos.Leverage,
			Margin:        pos.Margin,
			UnrealizedPnl: pos.UnrealizedPnl(),
		})
	}
	return out
}

// GetPendingOrdersSummary lists unfilled simulated entries.
func (e *SimEngine) GetPendingOrdersSummary() []PendingSummary {
	return pendingSummaries(e.pending.All())
}
