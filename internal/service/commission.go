// Package service holds the position-lifecycle business logic on top of the
// repositories and the exchange client.
package service

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/repository"
)

// tradeFetcher is the slice of the REST client the commission service
// needs.
type tradeFetcher interface {
	GetUserTrades(symbol string, orderId int64) ([]binance.UserTrade, error)
}

// ExitInfo is the reconciled outcome of a closing order.
type ExitInfo struct {
	ClosePrice     float64
	ExitCommission float64
	RealizedPnl    float64
}

// CommissionService reconciles local orders against the exchange's fill
// history. Every operation is idempotent: a fill is keyed by its
// binance_trade_id and inserted at most once.
type CommissionService struct {
	client tradeFetcher
	orders *repository.OrderRepository
	logger zerolog.Logger
}

// NewCommissionService creates a commission service.
func NewCommissionService(client tradeFetcher, orders *repository.OrderRepository, logger zerolog.Logger) *CommissionService {
	return &CommissionService{
		client: client,
		orders: orders,
		logger: logger.With().Str("component", "commission_service").Logger(),
	}
}

// FetchTradesForOrder pulls the order's fills from REST, attaches any trade
// not already known and re-runs the order's aggregation. Safe to call
// repeatedly.
func (s *CommissionService) FetchTradesForOrder(order *repository.Order) error {
	if order.BinanceOrderId == 0 {
		return fmt.Errorf("order %s has no binance order id", order.Id)
	}

	trades, err := s.client.GetUserTrades(order.Symbol, order.BinanceOrderId)
	if err != nil {
		return fmt.Errorf("error fetching trades for order %d: %w", order.BinanceOrderId, err)
	}

	attached := 0
	for _, t := range trades {
		if s.orders.HasTrade(t.Id) {
			continue
		}
		err := s.orders.AttachTrade(order.Id, &repository.Trade{
			BinanceTradeId:  t.Id,
			Price:           t.Price,
			Qty:             t.Qty,
			QuoteQty:        t.QuoteQty,
			Commission:      t.Commission,
			CommissionAsset: t.CommissionAsset,
			RealizedPnl:     t.RealizedPnl,
			Maker:           t.Maker,
			Timestamp:       t.Time,
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateTrade) {
				continue
			}
			return err
		}
		attached++
	}

	if attached > 0 {
		s.logger.Debug().Str("order_id", order.Id).Int("new_trades", attached).
			Float64("commission", order.Commission).Msg("trades reconciled")
	}
	return nil
}

// FetchEntryCommission returns the total commission paid on an entry order.
func (s *CommissionService) FetchEntryCommission(order *repository.Order) (float64, error) {
	if err := s.FetchTradesForOrder(order); err != nil {
		return 0, err
	}
	return order.Commission, nil
}

// FetchExitInfo reconciles a closing order and returns its weighted close
// price, exit commission and realized pnl.
func (s *CommissionService) FetchExitInfo(symbol string, orderId int64) (*ExitInfo, error) {
	trades, err := s.client.GetUserTrades(symbol, orderId)
	if err != nil {
		return nil, fmt.Errorf("error fetching exit trades for order %d: %w", orderId, err)
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("no fills found for order %d", orderId)
	}

	var qty, notional, commission, pnl float64
	for _, t := range trades {
		qty += t.Qty
		notional += t.Price * t.Qty
		commission += t.Commission
		pnl += t.RealizedPnl
	}

	return &ExitInfo{
		ClosePrice:     notional / qty,
		ExitCommission: commission,
		RealizedPnl:    pnl,
	}, nil
}
