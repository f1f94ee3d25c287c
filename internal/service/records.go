package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/orders"
	"futures-trader/internal/repository"
)

// exitPlacer is the slice of the order manager the record service needs.
type exitPlacer interface {
	PlaceTPSLForPosition(symbol string, side binance.OrderSide, qty, tp, sl float64, preferLimitTP bool) (orders.TPSLResult, error)
	CancelOrder(symbol string, orderId int64) error
	CancelAlgo(symbol string, algoId int64) error
}

// markPricer resolves the current mark price of a symbol.
type markPricer interface {
	GetMarkPrice(symbol string) (*binance.MarkPrice, error)
}

// CreateParams describes a new position record.
type CreateParams struct {
	Symbol          string
	Side            binance.OrderSide
	Quantity        float64
	EntryPrice      float64
	Leverage        int
	TPPrice         float64
	SLPrice         float64
	Source          repository.Source
	EntryOrderId    int64
	EntryAlgoId     int64
	EntryCommission float64

	// AutoPlaceTPSL attaches exchange-side exit orders after the record is
	// created. Simulated records keep TP/SL local and leave this false.
	AutoPlaceTPSL bool
	PreferLimitTP bool
}

// RecordService owns the TradeRecord lifecycle: creation with TP/SL
// placement, terminal transitions, and the user-data fill path. It is also
// a UserEventListener so exchange events drive the same transitions the
// sync loop would eventually reach.
type RecordService struct {
	records    *repository.RecordRepository
	orders     *repository.OrderRepository
	manager    exitPlacer
	commission *CommissionService
	prices     markPricer
	logger     zerolog.Logger
}

// NewRecordService creates a record service. manager and prices may be nil
// for simulated usage where no exchange orders are placed.
func NewRecordService(
	records *repository.RecordRepository,
	orderRepo *repository.OrderRepository,
	manager exitPlacer,
	commission *CommissionService,
	prices markPricer,
	logger zerolog.Logger,
) *RecordService {
	return &RecordService{
		records:    records,
		orders:     orderRepo,
		manager:    manager,
		commission: commission,
		prices:     prices,
		logger:     logger.With().Str("component", "record_service").Logger(),
	}
}

// CreateRecord opens a TradeRecord for an already-filled entry, books the
// entry order row and, when requested, attaches TP/SL on the exchange. A
// failed SL placement is returned as an error but the record stays open so
// the caller can unwind or retry; the failure is already logged as critical
// by the order manager.
func (s *RecordService) CreateRecord(p CreateParams) (*repository.TradeRecord, error) {
	if p.Quantity <= 0 || p.EntryPrice <= 0 {
		return nil, fmt.Errorf("invalid record parameters for %s: qty=%.8f entry=%.8f", p.Symbol, p.Quantity, p.EntryPrice)
	}
	if p.Leverage <= 0 {
		p.Leverage = 1
	}

	notional := p.EntryPrice * p.Quantity
	rec := s.records.Insert(&repository.TradeRecord{
		Symbol:          p.Symbol,
		Side:            string(p.Side),
		Quantity:        p.Quantity,
		Status:          repository.RecordStatusOpen,
		Source:          p.Source,
		EntryPrice:      p.EntryPrice,
		TPPrice:         p.TPPrice,
		SLPrice:         p.SLPrice,
		Leverage:        p.Leverage,
		Margin:          notional / float64(p.Leverage),
		Notional:        notional,
		MarkPrice:       p.EntryPrice,
		EntryOrderId:    p.EntryOrderId,
		EntryAlgoId:     p.EntryAlgoId,
		TotalCommission: p.EntryCommission,
	})

	if p.EntryOrderId != 0 || p.EntryAlgoId != 0 {
		s.orders.Insert(&repository.Order{
			RecordId:       rec.Id,
			BinanceOrderId: p.EntryOrderId,
			BinanceAlgoId:  p.EntryAlgoId,
			Symbol:         p.Symbol,
			OrderType:      string(binance.OrderTypeMarket),
			Purpose:        repository.PurposeEntry,
			Status:         repository.OrderStatusFilled,
			Side:           string(p.Side),
			PositionSide:   string(orders.PositionSideFor(p.Side)),
			Price:          p.EntryPrice,
			Quantity:       p.Quantity,
			FilledQty:      p.Quantity,
			AvgFilledPrice: p.EntryPrice,
			Commission:     p.EntryCommission,
		})
	}

	s.logger.Info().Str("record_id", rec.Id).Str("symbol", p.Symbol).
		Str("side", string(p.Side)).Float64("qty", p.Quantity).
		Float64("entry", p.EntryPrice).Str("source", string(p.Source)).
		Msg("record created")

	if !p.AutoPlaceTPSL || s.manager == nil {
		return rec, nil
	}

	result, err := s.manager.PlaceTPSLForPosition(p.Symbol, p.Side, p.Quantity, p.TPPrice, p.SLPrice, p.PreferLimitTP)
	rec.TPOrderId = result.TPOrderId
	rec.TPAlgoId = result.TPAlgoId
	rec.SLAlgoId = result.SLAlgoId
	if uerr := s.records.Update(rec); uerr != nil {
		s.logger.Error().Err(uerr).Str("record_id", rec.Id).Msg("failed to persist tp/sl ids")
	}
	s.insertExitOrderRows(rec, result, p)

	if err != nil {
		return rec, fmt.Errorf("error attaching tp/sl for record %s: %w", rec.Id, err)
	}
	return rec, nil
}

func (s *RecordService) insertExitOrderRows(rec *repository.TradeRecord, result orders.TPSLResult, p CreateParams) {
	closeSide := string(orders.CloseSideFor(p.Side))
	positionSide := string(orders.PositionSideFor(p.Side))

	if result.TPOrderId != 0 {
		s.orders.Insert(&repository.Order{
			RecordId:       rec.Id,
			BinanceOrderId: result.TPOrderId,
			Symbol:         p.Symbol,
			OrderType:      string(binance.OrderTypeLimit),
			Purpose:        repository.PurposeTakeProfit,
			Status:         repository.OrderStatusNew,
			Side:           closeSide,
			PositionSide:   positionSide,
			Price:          p.TPPrice,
			Quantity:       p.Quantity,
			ReduceOnly:     true,
		})
	}
	if result.TPAlgoId != 0 {
		s.orders.Insert(&repository.Order{
			RecordId:      rec.Id,
			BinanceAlgoId: result.TPAlgoId,
			Symbol:        p.Symbol,
			OrderType:     string(binance.OrderTypeTakeProfitMarket),
			Purpose:       repository.PurposeTakeProfit,
			Status:        repository.OrderStatusNew,
			Side:          closeSide,
			PositionSide:  positionSide,
			StopPrice:     p.TPPrice,
			Quantity:      p.Quantity,
			ReduceOnly:    true,
		})
	}
	if result.SLAlgoId != 0 {
		s.orders.Insert(&repository.Order{
			RecordId:      rec.Id,
			BinanceAlgoId: result.SLAlgoId,
			Symbol:        p.Symbol,
			OrderType:     string(binance.OrderTypeStopMarket),
			Purpose:       repository.PurposeStopLoss,
			Status:        repository.OrderStatusNew,
			Side:          closeSide,
			PositionSide:  positionSide,
			StopPrice:     p.SLPrice,
			Quantity:      p.Quantity,
			ReduceOnly:    true,
		})
	}
}

// CloseRecord transitions a record to a terminal status. Idempotent: a
// record that is already closed is returned unchanged, so the stream path
// and the sync loop can both report the same close.
//
// realizedPnl, when non-nil, is the exchange-reported pnl and wins over the
// locally computed one. The stored pnl is net of all commission.
func (s *RecordService) CloseRecord(id string, closePrice float64, reason repository.RecordStatus, exitCommission float64, realizedPnl *float64) (*repository.TradeRecord, error) {
	rec, ok := s.records.Get(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !rec.IsOpen() {
		return rec, nil
	}

	gross := 0.0
	if realizedPnl != nil {
		gross = *realizedPnl
	} else if rec.Side == string(binance.SideBuy) {
		gross = (closePrice - rec.EntryPrice) * rec.Quantity
	} else {
		gross = (rec.EntryPrice - closePrice) * rec.Quantity
	}

	rec.Status = reason
	rec.CloseReason = string(reason)
	rec.ClosePrice = closePrice
	rec.CloseTime = time.Now()
	rec.TotalCommission += exitCommission
	rec.RealizedPnl = gross - rec.TotalCommission
	if err := s.records.Update(rec); err != nil {
		return nil, err
	}

	s.logger.Info().Str("record_id", rec.Id).Str("symbol", rec.Symbol).
		Str("reason", string(reason)).Float64("close_price", closePrice).
		Float64("pnl", rec.RealizedPnl).Float64("commission", rec.TotalCommission).
		Msg("record closed")
	return rec, nil
}

// CancelRemainingTPSL cancels the exit leg that did not trigger and clears
// its ids on the record. triggered names the leg that fired: TAKE_PROFIT or
// STOP_LOSS. "Already gone" cancels are absorbed by the order manager.
func (s *RecordService) CancelRemainingTPSL(rec *repository.TradeRecord, triggered repository.OrderPurpose) {
	if s.manager == nil {
		return
	}

	if triggered == repository.PurposeTakeProfit {
		if rec.SLAlgoId != 0 {
			if err := s.manager.CancelAlgo(rec.Symbol, rec.SLAlgoId); err != nil {
				s.logger.Warn().Err(err).Str("record_id", rec.Id).Msg("failed to cancel remaining SL")
			}
			rec.SLAlgoId = 0
		}
	} else {
		if rec.TPOrderId != 0 {
			if err := s.manager.CancelOrder(rec.Symbol, rec.TPOrderId); err != nil {
				s.logger.Warn().Err(err).Str("record_id", rec.Id).Msg("failed to cancel remaining TP limit")
			}
			rec.TPOrderId = 0
		}
		if rec.TPAlgoId != 0 {
			if err := s.manager.CancelAlgo(rec.Symbol, rec.TPAlgoId); err != nil {
				s.logger.Warn().Err(err).Str("record_id", rec.Id).Msg("failed to cancel remaining TP algo")
			}
			rec.TPAlgoId = 0
		}
	}

	if err := s.records.Update(rec); err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.Id).Msg("failed to persist cleared exit ids")
	}
}

// UpdateMarkPrice pushes the latest mark price into every open record of a
// symbol.
func (s *RecordService) UpdateMarkPrice(symbol string, price float64) {
	for _, rec := range s.records.BySymbol(symbol) {
		if !rec.IsOpen() {
			continue
		}
		rec.MarkPrice = price
		if err := s.records.Update(rec); err != nil {
			s.logger.Error().Err(err).Str("record_id", rec.Id).Msg("failed to persist mark price")
		}
	}
}

// openRecordByTPOrder finds the open record whose limit TP is the given
// exchange order.
func (s *RecordService) openRecordByTPOrder(orderId int64) *repository.TradeRecord {
	for _, rec := range s.records.Open("") {
		if rec.TPOrderId == orderId {
			return rec
		}
	}
	return nil
}

// openRecordByAlgo finds the open record owning the given conditional order
// and reports which leg it is.
func (s *RecordService) openRecordByAlgo(algoId int64) (*repository.TradeRecord, repository.OrderPurpose) {
	for _, rec := range s.records.Open("") {
		if rec.TPAlgoId == algoId {
			return rec, repository.PurposeTakeProfit
		}
		if rec.SLAlgoId == algoId {
			return rec, repository.PurposeStopLoss
		}
	}
	return nil, ""
}

// ==================== USER DATA LISTENER ====================

// OnOrderTradeUpdate books fills into the order repository and closes
// records whose limit TP filled. Replayed events are harmless: trades are
// keyed by exchange trade id and CloseRecord is idempotent.
func (s *RecordService) OnOrderTradeUpdate(event *binance.OrderTradeUpdate) {
	o := &event.Order

	if o.ExecutionType == "TRADE" && o.TradeId != 0 {
		if local, ok := s.orders.GetByBinanceOrderId(o.OrderId); ok {
			err := s.orders.AttachTrade(local.Id, &repository.Trade{
				BinanceTradeId:  o.TradeId,
				Price:           o.LastFilledPrice,
				Qty:             o.LastFilledQty,
				QuoteQty:        o.LastFilledPrice * o.LastFilledQty,
				Commission:      o.Commission,
				CommissionAsset: o.CommissionAsset,
				RealizedPnl:     o.RealizedProfit,
				Maker:           o.IsMaker,
				Timestamp:       o.TradeTime,
			})
			if err != nil && !errors.Is(err, repository.ErrDuplicateTrade) {
				s.logger.Error().Err(err).Int64("order_id", o.OrderId).Msg("failed to attach fill")
			}
		}
	}

	if o.OrderStatus != string(repository.OrderStatusFilled) {
		return
	}

	rec := s.openRecordByTPOrder(o.OrderId)
	if rec == nil {
		return
	}

	s.logger.Info().Str("record_id", rec.Id).Str("symbol", rec.Symbol).
		Float64("price", o.AveragePrice).Msg("limit TP filled")

	s.CancelRemainingTPSL(rec, repository.PurposeTakeProfit)

	closePrice := o.AveragePrice
	exitCommission := 0.0
	var realized *float64
	if local, ok := s.orders.GetByBinanceOrderId(o.OrderId); ok {
		closePrice = local.AvgFilledPrice
		exitCommission = local.Commission
		pnl := local.RealizedPnl
		realized = &pnl
	}
	if _, err := s.CloseRecord(rec.Id, closePrice, repository.RecordStatusTPClosed, exitCommission, realized); err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.Id).Msg("failed to close record on TP fill")
	}
}

// OnAccountUpdate logs balance movements. Position amounts are reconciled
// by the periodic position sync, not here.
func (s *RecordService) OnAccountUpdate(event *binance.AccountUpdate) {
	for _, b := range event.Data.Balances {
		if b.BalanceChange != 0 {
			s.logger.Debug().Str("asset", b.Asset).Float64("change", b.BalanceChange).
				Str("reason", event.Data.Reason).Msg("balance update")
		}
	}
}

// OnAlgoUpdate closes records whose conditional exit fired.
func (s *RecordService) OnAlgoUpdate(event *binance.AlgoUpdate) {
	a := &event.Algo
	if a.AlgoStatus != "TRIGGERED" && a.AlgoStatus != "FILLED" {
		return
	}

	rec, purpose := s.openRecordByAlgo(a.AlgoId)
	if rec == nil {
		return
	}

	s.logger.Info().Str("record_id", rec.Id).Str("symbol", rec.Symbol).
		Str("purpose", string(purpose)).Int64("algo_id", a.AlgoId).
		Msg("conditional exit triggered")

	s.CancelRemainingTPSL(rec, purpose)

	if purpose == repository.PurposeTakeProfit {
		closePrice := a.TriggerPrice
		exitCommission := 0.0
		var realized *float64
		if s.commission != nil && a.OrderId != 0 {
			if info, err := s.commission.FetchExitInfo(rec.Symbol, a.OrderId); err == nil {
				closePrice = info.ClosePrice
				exitCommission = info.ExitCommission
				realized = &info.RealizedPnl
			} else {
				s.logger.Warn().Err(err).Str("record_id", rec.Id).Msg("exit reconciliation failed, using trigger price")
			}
		}
		if _, err := s.CloseRecord(rec.Id, closePrice, repository.RecordStatusTPClosed, exitCommission, realized); err != nil {
			s.logger.Error().Err(err).Str("record_id", rec.Id).Msg("failed to close record on TP trigger")
		}
		return
	}

	s.closeAtMark(rec, repository.RecordStatusSLClosed, a.TriggerPrice)
}

// closeAtMark closes a record at the current mark price with zero exit
// commission.
// TODO: recover the real SL fill price and commission from the algo
// historyOrders endpoint instead of approximating with the mark price.
func (s *RecordService) closeAtMark(rec *repository.TradeRecord, reason repository.RecordStatus, fallback float64) {
	closePrice := fallback
	if closePrice == 0 {
		closePrice = rec.MarkPrice
	}
	if s.prices != nil {
		if mp, err := s.prices.GetMarkPrice(rec.Symbol); err == nil {
			closePrice = mp.MarkPriceValue
		} else {
			s.logger.Warn().Err(err).Str("symbol", rec.Symbol).Msg("mark price fetch failed, using last known")
		}
	}
	if _, err := s.CloseRecord(rec.Id, closePrice, reason, 0, nil); err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.Id).Msg("failed to close record at mark")
	}
}
