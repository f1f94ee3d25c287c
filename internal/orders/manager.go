// Package orders maps decision-level operations (open, close, TP/SL, limit,
// cancel) onto exchange order primitives.
package orders

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
)

// algoGoodTillDate is the default lifetime of a conditional order.
const algoGoodTillDate = 7 * 24 * time.Hour

// ErrInvalidTPSL is returned when TP/SL prices violate the side relation:
// long TP above SL, short SL above TP.
var ErrInvalidTPSL = errors.New("invalid tp/sl relation for position side")

// TPSLResult reports what PlaceTPSLForPosition managed to attach.
type TPSLResult struct {
	TPOrderId int64
	TPAlgoId  int64
	SLAlgoId  int64
	Success   bool
}

// Manager is stateless apart from the dual-mode check flag and the memoised
// leverage set.
type Manager struct {
	mu sync.Mutex

	client    *binance.Client
	precision *binance.PrecisionCache
	logger    zerolog.Logger

	dualModeChecked bool
	leverageSet     map[string]bool
}

// NewManager creates an order manager.
func NewManager(client *binance.Client, precision *binance.PrecisionCache, logger zerolog.Logger) *Manager {
	return &Manager{
		client:      client,
		precision:   precision,
		logger:      logger.With().Str("component", "order_manager").Logger(),
		leverageSet: make(map[string]bool),
	}
}

// PositionSideFor derives the dual-mode position side from the trade
// direction: BUY opens LONG, SELL opens SHORT.
func PositionSideFor(side binance.OrderSide) binance.PositionSide {
	if side == binance.SideBuy {
		return binance.PositionSideLong
	}
	return binance.PositionSideShort
}

// CloseSideFor is the order side that reduces a position opened with side.
func CloseSideFor(side binance.OrderSide) binance.OrderSide {
	if side == binance.SideBuy {
		return binance.SideSell
	}
	return binance.SideBuy
}

// EnsureDualPositionMode switches the account to hedge mode once per
// process. A switch that fails because positions exist is logged and
// tolerated.
func (m *Manager) EnsureDualPositionMode() error {
	m.mu.Lock()
	if m.dualModeChecked {
		m.mu.Unlock()
		return nil
	}
	m.dualModeChecked = true
	m.mu.Unlock()

	mode, err := m.client.GetPositionMode()
	if err != nil {
		return fmt.Errorf("error checking position mode: %w", err)
	}
	if mode.DualSidePosition {
		return nil
	}

	if err := m.client.SetPositionMode(true); err != nil {
		if binance.IsCode(err, binance.CodeNoNeedChangeMode) {
			return nil
		}
		// Cannot switch while positions are open; continue in one-way mode
		m.logger.Warn().Err(err).Msg("failed to enable dual position mode, continuing")
		return nil
	}

	m.logger.Info().Msg("dual position mode enabled")
	return nil
}

// EnsureLeverage sets leverage once per (symbol, leverage) pair. "No need to
// change" responses are tolerated.
func (m *Manager) EnsureLeverage(symbol string, leverage int) error {
	key := fmt.Sprintf("%s:%d", symbol, leverage)

	m.mu.Lock()
	if m.leverageSet[key] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if _, err := m.client.SetLeverage(symbol, leverage); err != nil {
		if !binance.IsCode(err, binance.CodeNoNeedChangeLev) {
			return fmt.Errorf("error setting leverage for %s: %w", symbol, err)
		}
	}

	m.mu.Lock()
	m.leverageSet[key] = true
	m.mu.Unlock()
	return nil
}

// PlaceMarket places a market order.
func (m *Manager) PlaceMarket(symbol string, side binance.OrderSide, qty float64, positionSide binance.PositionSide, reduceOnly bool) (*binance.OrderResponse, error) {
	qty, err := m.precision.QuantizeQty(symbol, qty)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, fmt.Errorf("quantity quantized to zero for %s", symbol)
	}

	return m.client.PlaceOrder(binance.OrderParams{
		Symbol:       symbol,
		Side:         side,
		Type:         binance.OrderTypeMarket,
		Quantity:     qty,
		PositionSide: positionSide,
		ReduceOnly:   reduceOnly,
	})
}

// PlaceLimit places a GTC limit order.
func (m *Manager) PlaceLimit(symbol string, side binance.OrderSide, price, qty float64, positionSide binance.PositionSide, reduceOnly bool) (*binance.OrderResponse, error) {
	price, err := m.precision.QuantizePrice(symbol, price)
	if err != nil {
		return nil, err
	}
	qty, err = m.precision.QuantizeQty(symbol, qty)
	if err != nil {
		return nil, err
	}
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("order quantized to zero for %s", symbol)
	}

	return m.client.PlaceOrder(binance.OrderParams{
		Symbol:       symbol,
		Side:         side,
		Type:         binance.OrderTypeLimit,
		Price:        price,
		Quantity:     qty,
		PositionSide: positionSide,
		TimeInForce:  binance.TimeInForceGTC,
		ReduceOnly:   reduceOnly,
	})
}

// PlaceAlgo places a conditional order. workingType defaults to
// CONTRACT_PRICE and the order expires after seven days.
func (m *Manager) PlaceAlgo(symbol string, side binance.OrderSide, triggerPrice, qty float64, orderType binance.OrderType, positionSide binance.PositionSide, reduceOnly bool) (*binance.AlgoOrderResponse, error) {
	triggerPrice, err := m.precision.QuantizePrice(symbol, triggerPrice)
	if err != nil {
		return nil, err
	}
	qty, err = m.precision.QuantizeQty(symbol, qty)
	if err != nil {
		return nil, err
	}

	return m.client.PlaceAlgoOrder(binance.AlgoOrderParams{
		Symbol:       symbol,
		Side:         side,
		Type:         orderType,
		TriggerPrice: triggerPrice,
		Quantity:     qty,
		PositionSide: positionSide,
		WorkingType:  binance.WorkingTypeContractPrice,
		GoodTillDate: time.Now().Add(algoGoodTillDate).UnixMilli(),
		ReduceOnly:   reduceOnly,
	})
}

// CancelOrder cancels a plain order, tolerating "already gone".
func (m *Manager) CancelOrder(symbol string, orderId int64) error {
	if err := m.client.CancelOrder(symbol, orderId); err != nil {
		if isAlreadyGone(err) {
			m.logger.Debug().Str("symbol", symbol).Int64("order_id", orderId).
				Msg("cancel: order already gone")
			return nil
		}
		return err
	}
	return nil
}

// CancelAlgo cancels a conditional order, tolerating "already gone".
func (m *Manager) CancelAlgo(symbol string, algoId int64) error {
	if err := m.client.CancelAlgoOrder(symbol, algoId); err != nil {
		if isAlreadyGone(err) {
			m.logger.Debug().Str("symbol", symbol).Int64("algo_id", algoId).
				Msg("cancel: algo order already gone")
			return nil
		}
		return err
	}
	return nil
}

// ValidateTPSL checks the side relation: long TP > SL, short SL > TP.
// Violations are client errors, never silently corrected.
func ValidateTPSL(side binance.OrderSide, tp, sl float64) error {
	if tp <= 0 || sl <= 0 {
		return nil
	}
	if side == binance.SideBuy && tp <= sl {
		return fmt.Errorf("%w: long requires tp %.8f > sl %.8f", ErrInvalidTPSL, tp, sl)
	}
	if side == binance.SideSell && sl <= tp {
		return fmt.Errorf("%w: short requires sl %.8f > tp %.8f", ErrInvalidTPSL, sl, tp)
	}
	return nil
}

// PlaceTPSLForPosition attaches exit orders to a position opened with the
// given side. TP goes out as a reduce-only limit first (maker fee); if the
// exchange rejects it the TP is retried as a TAKE_PROFIT_MARKET algo. SL is
// always a STOP_MARKET algo. An SL that fails to attach leaves a naked
// position, so it is logged as critical; the caller decides whether to
// unwind.
func (m *Manager) PlaceTPSLForPosition(symbol string, side binance.OrderSide, qty, tp, sl float64, preferLimitTP bool) (TPSLResult, error) {
	if err := ValidateTPSL(side, tp, sl); err != nil {
		return TPSLResult{}, err
	}

	closeSide := CloseSideFor(side)
	positionSide := PositionSideFor(side)
	result := TPSLResult{}

	if tp > 0 {
		placed := false
		if preferLimitTP {
			resp, err := m.PlaceLimit(symbol, closeSide, tp, qty, positionSide, true)
			if err == nil {
				result.TPOrderId = resp.OrderId
				placed = true
			} else {
				m.logger.Warn().Err(err).Str("symbol", symbol).
					Msg("limit TP rejected, falling back to TAKE_PROFIT_MARKET")
			}
		}
		if !placed {
			resp, err := m.PlaceAlgo(symbol, closeSide, tp, qty, binance.OrderTypeTakeProfitMarket, positionSide, true)
			if err != nil {
				m.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to place TP")
			} else {
				result.TPAlgoId = resp.AlgoId
			}
		}
	}

	if sl > 0 {
		resp, err := m.PlaceAlgo(symbol, closeSide, sl, qty, binance.OrderTypeStopMarket, positionSide, true)
		if err != nil {
			m.logger.Error().Bool("critical", true).Err(err).Str("symbol", symbol).
				Float64("sl", sl).Msg("failed to place SL, position is unprotected")
			return result, fmt.Errorf("error placing stop loss for %s: %w", symbol, err)
		}
		result.SLAlgoId = resp.AlgoId
	}

	result.Success = (tp <= 0 || result.TPOrderId != 0 || result.TPAlgoId != 0) &&
		(sl <= 0 || result.SLAlgoId != 0)
	return result, nil
}

// isAlreadyGone reports whether a cancel failed only because the order no
// longer exists.
func isAlreadyGone(err error) bool {
	return binance.IsCode(err, binance.CodeUnknownOrder)
}
