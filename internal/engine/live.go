package engine

import (
	"fmt"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/orders"
	"futures-trader/internal/repository"
	"futures-trader/internal/service"
)

// orderManager is the slice of the order manager the live engine drives.
type orderManager interface {
	EnsureDualPositionMode() error
	EnsureLeverage(symbol string, leverage int) error
	PlaceMarket(symbol string, side binance.OrderSide, qty float64, positionSide binance.PositionSide, reduceOnly bool) (*binance.OrderResponse, error)
	PlaceLimit(symbol string, side binance.OrderSide, price, qty float64, positionSide binance.PositionSide, reduceOnly bool) (*binance.OrderResponse, error)
	PlaceTPSLForPosition(symbol string, side binance.OrderSide, qty, tp, sl float64, preferLimitTP bool) (orders.TPSLResult, error)
	CancelOrder(symbol string, orderId int64) error
}

// LiveEngine trades against the exchange. It wires the order manager, the
// record service, the user-data stream and the sync loops into one
// lifecycle. It is also a UserEventListener so pending limit entries
// materialise into records as their fills stream in.
type LiveEngine struct {
	client     *binance.Client
	manager    orderManager
	recordSvc  *service.RecordService
	commission *service.CommissionService
	syncMgr    *service.SyncManager
	userStream *binance.UserDataStream
	records    *repository.RecordRepository
	orderRepo  *repository.OrderRepository
	pending    *repository.PendingOrderRepository
	logger     zerolog.Logger
}

// NewLiveEngine assembles the live engine.
func NewLiveEngine(
	client *binance.Client,
	manager orderManager,
	recordSvc *service.RecordService,
	commission *service.CommissionService,
	syncMgr *service.SyncManager,
	userStream *binance.UserDataStream,
	records *repository.RecordRepository,
	orderRepo *repository.OrderRepository,
	pending *repository.PendingOrderRepository,
	logger zerolog.Logger,
) *LiveEngine {
	return &LiveEngine{
		client:     client,
		manager:    manager,
		recordSvc:  recordSvc,
		commission: commission,
		syncMgr:    syncMgr,
		userStream: userStream,
		records:    records,
		orderRepo:  orderRepo,
		pending:    pending,
		logger:     logger.With().Str("component", "live_engine").Logger(),
	}
}

// Start switches the account to dual mode, attaches the listeners and
// launches the stream and sync loops.
func (e *LiveEngine) Start() error {
	if err := e.manager.EnsureDualPositionMode(); err != nil {
		return fmt.Errorf("error ensuring position mode: %w", err)
	}

	e.userStream.AddListener(e.recordSvc)
	e.userStream.AddListener(e)
	if err := e.userStream.Start(); err != nil {
		return fmt.Errorf("error starting user data stream: %w", err)
	}
	e.syncMgr.Start()

	e.logger.Info().Msg("live engine started")
	return nil
}

// Stop halts the sync loops and the stream.
func (e *LiveEngine) Stop() {
	e.syncMgr.Stop()
	e.userStream.Stop()
	e.logger.Info().Msg("live engine stopped")
}

// OpenPosition opens a market position, reconciles the entry commission and
// attaches TP/SL.
func (e *LiveEngine) OpenPosition(req OpenRequest) (string, error) {
	if err := orders.ValidateTPSL(req.Side, req.TPPrice, req.SLPrice); err != nil {
		return "", err
	}
	if err := e.manager.EnsureLeverage(req.Symbol, req.Leverage); err != nil {
		return "", err
	}

	resp, err := e.manager.PlaceMarket(req.Symbol, req.Side, req.Quantity, orders.PositionSideFor(req.Side), false)
	if err != nil {
		return "", fmt.Errorf("error opening position on %s: %w", req.Symbol, err)
	}

	entryPrice := resp.AvgPrice
	if entryPrice == 0 {
		px, perr := e.client.GetCurrentPrice(req.Symbol)
		if perr != nil {
			return "", fmt.Errorf("position opened on %s but entry price unresolved: %w", req.Symbol, perr)
		}
		entryPrice = px
	}
	qty := resp.ExecutedQty
	if qty == 0 {
		qty = req.Quantity
	}

	rec, err := e.recordSvc.CreateRecord(service.CreateParams{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      qty,
		EntryPrice:    entryPrice,
		Leverage:      req.Leverage,
		TPPrice:       req.TPPrice,
		SLPrice:       req.SLPrice,
		Source:        repository.SourceLive,
		EntryOrderId:  resp.OrderId,
		AutoPlaceTPSL: true,
		PreferLimitTP: req.PreferLimitTP,
	})
	if rec == nil {
		return "", err
	}
	if err != nil {
		// Record exists but the SL leg is missing; surface it
		return rec.Id, err
	}

	e.reconcileEntryCommission(rec, resp.OrderId)
	return rec.Id, nil
}

// reconcileEntryCommission pulls the entry fills and folds their commission
// into the record.
func (e *LiveEngine) reconcileEntryCommission(rec *repository.TradeRecord, orderId int64) {
	local, ok := e.orderRepo.GetByBinanceOrderId(orderId)
	if !ok {
		return
	}
	commission, err := e.commission.FetchEntryCommission(local)
	if err != nil {
		e.logger.Warn().Err(err).Str("record_id", rec.Id).Msg("entry commission reconciliation failed")
		return
	}
	if commission != rec.TotalCommission {
		rec.TotalCommission = commission
		if local.AvgFilledPrice > 0 {
			rec.EntryPrice = local.AvgFilledPrice
		}
		if uerr := e.records.Update(rec); uerr != nil {
			e.logger.Error().Err(uerr).Str("record_id", rec.Id).Msg("failed to persist entry commission")
		}
	}
}

// ClosePosition closes a record with a reduce-only market order and books
// the reconciled exit.
func (e *LiveEngine) ClosePosition(recordId string) error {
	rec, ok := e.records.Get(recordId)
	if !ok {
		return repository.ErrNotFound
	}
	if !rec.IsOpen() {
		return nil
	}

	e.recordSvc.CancelRemainingTPSL(rec, repository.PurposeTakeProfit)
	e.recordSvc.CancelRemainingTPSL(rec, repository.PurposeStopLoss)

	side := binance.OrderSide(rec.Side)
	resp, err := e.manager.PlaceMarket(rec.Symbol, orders.CloseSideFor(side), rec.Quantity, orders.PositionSideFor(side), true)
	if err != nil {
		return fmt.Errorf("error closing position %s: %w", recordId, err)
	}

	closePrice := resp.AvgPrice
	exitCommission := 0.0
	var realized *float64
	if info, ferr := e.commission.FetchExitInfo(rec.Symbol, resp.OrderId); ferr == nil {
		closePrice = info.ClosePrice
		exitCommission = info.ExitCommission
		realized = &info.RealizedPnl
	} else {
		e.logger.Warn().Err(ferr).Str("record_id", recordId).Msg("exit reconciliation failed, using order avg price")
	}

	_, err = e.recordSvc.CloseRecord(recordId, closePrice, repository.RecordStatusManualClosed, exitCommission, realized)
	return err
}

// UpdateTPSL replaces a record's exit orders with new levels.
func (e *LiveEngine) UpdateTPSL(recordId string, tp, sl float64) error {
	rec, ok := e.records.Get(recordId)
	if !ok {
		return repository.ErrNotFound
	}
	if !rec.IsOpen() {
		return fmt.Errorf("record %s is not open", recordId)
	}

	side := binance.OrderSide(rec.Side)
	if err := orders.ValidateTPSL(side, tp, sl); err != nil {
		return err
	}

	// The cancel pass zeroes the exit ids, so capture the TP flavour first
	hadLimitTP := rec.TPOrderId != 0
	e.recordSvc.CancelRemainingTPSL(rec, repository.PurposeTakeProfit)
	e.recordSvc.CancelRemainingTPSL(rec, repository.PurposeStopLoss)

	result, err := e.manager.PlaceTPSLForPosition(rec.Symbol, side, rec.Quantity, tp, sl, hadLimitTP)
	rec.TPPrice = tp
	rec.SLPrice = sl
	rec.TPOrderId = result.TPOrderId
	rec.TPAlgoId = result.TPAlgoId
	rec.SLAlgoId = result.SLAlgoId
	if uerr := e.records.Update(rec); uerr != nil {
		e.logger.Error().Err(uerr).Str("record_id", recordId).Msg("failed to persist new tp/sl")
	}
	return err
}

// CreateLimitOrder places a limit entry on the exchange and tracks it as a
// pending order until the fill streams in.
func (e *LiveEngine) CreateLimitOrder(req LimitRequest) (string, error) {
	if err := orders.ValidateTPSL(req.Side, req.TPPrice, req.SLPrice); err != nil {
		return "", err
	}
	if err := e.manager.EnsureLeverage(req.Symbol, req.Leverage); err != nil {
		return "", err
	}

	resp, err := e.manager.PlaceLimit(req.Symbol, req.Side, req.LimitPrice, req.Quantity, orders.PositionSideFor(req.Side), false)
	if err != nil {
		return "", fmt.Errorf("error placing limit entry on %s: %w", req.Symbol, err)
	}

	p := e.pending.Insert(&repository.PendingOrder{
		OrderKind:      repository.PendingKindLimit,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		TPPrice:        req.TPPrice,
		SLPrice:        req.SLPrice,
		Leverage:       req.Leverage,
		Source:         repository.SourceLive,
		BinanceOrderId: resp.OrderId,
	})
	return p.Id, nil
}

// CancelLimitOrder cancels a pending limit entry on the exchange and drops
// it locally.
func (e *LiveEngine) CancelLimitOrder(pendingId string) error {
	p, ok := e.pending.Get(pendingId)
	if !ok {
		return repository.ErrNotFound
	}
	if p.BinanceOrderId != 0 {
		if err := e.manager.CancelOrder(p.Symbol, p.BinanceOrderId); err != nil {
			return err
		}
	}
	e.pending.Delete(pendingId)
	return nil
}

// GetAccountSummary reads the live account from the exchange.
func (e *LiveEngine) GetAccountSummary() (*AccountSummary, error) {
	info, err := e.client.GetAccountInfo()
	if err != nil {
		return nil, fmt.Errorf("error fetching account: %w", err)
	}
	return &AccountSummary{
		Mode:          string(ModeLive),
		Balance:       info.TotalWalletBalance,
		Equity:        info.TotalMarginBalance,
		UnrealizedPnl: info.TotalUnrealizedProfit,
		OpenPositions: len(e.records.Open(repository.SourceLive)),
	}, nil
}

// GetPositionsSummary lists the open live records.
func (e *LiveEngine) GetPositionsSummary() []PositionSummary {
	open := e.records.Open(repository.SourceLive)
	out := make([]PositionSummary, 0, len(open))
	for _, rec := range open {
		var upnl float64
		if rec.MarkPrice > 0 {
			if rec.Side == string(binance.SideBuy) {
				upnl = (rec.MarkPrice - rec.EntryPrice) * rec.Quantity
			} else {
				upnl = (rec.EntryPrice - rec.MarkPrice) * rec.Quantity
			}
		}
		out = append(out, PositionSummary{
			Id:            rec.Id,
			Symbol:        rec.Symbol,
			Side:          rec.Side,
			Quantity:      rec.Quantity,
			EntryPrice:    rec.EntryPrice,
			MarkPrice:     rec.MarkPrice,
			TPPrice:       rec.TPPrice,
			SLPrice:       rec.SLPrice,
			Leverage:      rec.Leverage,
			Margin:        rec.Margin,
			UnrealizedPnl: upnl,
		})
	}
	return out
}

// GetPendingOrdersSummary lists unfilled entry intents.
func (e *LiveEngine) GetPendingOrdersSummary() []PendingSummary {
	return pendingSummaries(e.pending.All())
}

// ==================== USER DATA LISTENER ====================

// OnOrderTradeUpdate materialises a record when a pending limit entry
// fills. Runs after the record service's listener, so exit fills are
// already booked by the time this sees them.
func (e *LiveEngine) OnOrderTradeUpdate(event *binance.OrderTradeUpdate) {
	o := &event.Order
	if o.OrderStatus != "FILLED" {
		return
	}

	p, ok := e.pending.GetByBinanceOrderId(o.OrderId)
	if !ok {
		return
	}
	e.pending.Delete(p.Id)

	e.logger.Info().Str("pending_id", p.Id).Str("symbol", p.Symbol).
		Float64("price", o.AveragePrice).Msg("pending limit entry filled")

	rec, err := e.recordSvc.CreateRecord(service.CreateParams{
		Symbol:          p.Symbol,
		Side:            binance.OrderSide(p.Side),
		Quantity:        o.CumulativeFilledQty,
		EntryPrice:      o.AveragePrice,
		Leverage:        p.Leverage,
		TPPrice:         p.TPPrice,
		SLPrice:         p.SLPrice,
		Source:          p.Source,
		EntryOrderId:    o.OrderId,
		EntryCommission: o.Commission,
		AutoPlaceTPSL:   true,
		PreferLimitTP:   true,
	})
	if err != nil {
		id := ""
		if rec != nil {
			id = rec.Id
		}
		e.logger.Error().Err(err).Str("record_id", id).Msg("failed to materialise limit entry")
	}
}

func (e *LiveEngine) OnAccountUpdate(event *binance.AccountUpdate) {}

func (e *LiveEngine) OnAlgoUpdate(event *binance.AlgoUpdate) {}

func pendingSummaries(pending []*repository.PendingOrder) []PendingSummary {
	out := make([]PendingSummary, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingSummary{
			Id:         p.Id,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Kind:       string(p.OrderKind),
			Quantity:   p.Quantity,
			LimitPrice: p.LimitPrice,
			TPPrice:    p.TPPrice,
			SLPrice:    p.SLPrice,
		})
	}
	return out
}
