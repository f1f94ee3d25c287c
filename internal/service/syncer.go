package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/repository"
)

// syncClient is the slice of the REST client the sync loops need.
type syncClient interface {
	GetOpenAlgoOrders(symbol string) ([]binance.AlgoOrder, error)
	GetOrder(symbol string, orderId int64) (*binance.FuturesOrder, error)
	GetPositions() ([]binance.PositionRisk, error)
}

// positionSyncEvery is how many TP/SL ticks pass between position syncs.
const positionSyncEvery = 6

// SyncManager runs the periodic reconciliation loops: the TP/SL syncer on
// every tick and the position syncer every sixth tick. It backs up the
// user-data stream, catching anything the stream missed while disconnected.
type SyncManager struct {
	mu sync.Mutex

	client   syncClient
	records  *repository.RecordRepository
	service  *RecordService
	source   repository.Source
	interval time.Duration
	logger   zerolog.Logger

	isRunning bool
	stopChan  chan struct{}

	tpslRuns     int64
	positionRuns int64
}

// NewSyncManager creates a sync manager reconciling records of the given
// source.
func NewSyncManager(
	client syncClient,
	records *repository.RecordRepository,
	service *RecordService,
	source repository.Source,
	interval time.Duration,
	logger zerolog.Logger,
) *SyncManager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SyncManager{
		client:   client,
		records:  records,
		service:  service,
		source:   source,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With().Str("component", "sync_manager").Logger(),
	}
}

// Start launches the sync loop.
func (m *SyncManager) Start() {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	go m.loop()
	m.logger.Info().Dur("interval", m.interval).Msg("sync manager started")
}

// Stop halts the sync loop. Idempotent.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return
	}
	m.isRunning = false
	close(m.stopChan)
	m.logger.Info().Msg("sync manager stopped")
}

// GetStats returns sync loop statistics.
func (m *SyncManager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"running":       m.isRunning,
		"tpsl_runs":     m.tpslRuns,
		"position_runs": m.positionRuns,
	}
}

func (m *SyncManager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			tick++
			m.syncTPSL()
			if tick%positionSyncEvery == 0 {
				m.syncPositions()
			}
		}
	}
}

// ==================== TP/SL SYNC ====================

// syncTPSL reconciles each open record's exit orders against the exchange.
// A failed open-algo-orders fetch skips the whole tick: without the active
// set, a missing algo id cannot be distinguished from a failed listing.
func (m *SyncManager) syncTPSL() {
	open := m.records.Open(m.source)
	if len(open) == 0 {
		return
	}

	activeAlgos, err := m.client.GetOpenAlgoOrders("")
	if err != nil {
		m.logger.Warn().Err(err).Msg("open algo orders fetch failed, skipping tp/sl sync")
		return
	}
	active := make(map[int64]bool, len(activeAlgos))
	for _, a := range activeAlgos {
		active[a.AlgoId] = true
	}

	for _, rec := range open {
		m.syncRecord(rec, active)
	}

	m.mu.Lock()
	m.tpslRuns++
	m.mu.Unlock()
}

func (m *SyncManager) syncRecord(rec *repository.TradeRecord, active map[int64]bool) {
	// Limit TP: poll the order directly, its id is not in the algo set.
	if rec.TPOrderId != 0 {
		order, err := m.client.GetOrder(rec.Symbol, rec.TPOrderId)
		if err != nil {
			m.logger.Warn().Err(err).Str("record_id", rec.Id).Msg("tp order fetch failed, skipping record")
			return
		}
		switch order.Status {
		case "FILLED":
			m.closeOnTP(rec, order)
			return
		case "CANCELED", "EXPIRED":
			m.logger.Warn().Str("record_id", rec.Id).Str("status", order.Status).
				Msg("limit TP gone without fill")
			rec.TPOrderId = 0
			if uerr := m.records.Update(rec); uerr != nil {
				m.logger.Error().Err(uerr).Str("record_id", rec.Id).Msg("failed to clear tp order id")
			}
		}
	}

	// Conditional orders vanish from the open set once triggered, cancelled
	// or expired; a missing id is treated as triggered.
	if rec.TPAlgoId != 0 && !active[rec.TPAlgoId] {
		m.logger.Info().Str("record_id", rec.Id).Int64("algo_id", rec.TPAlgoId).
			Msg("TP algo left open set, treating as triggered")
		m.service.CancelRemainingTPSL(rec, repository.PurposeTakeProfit)
		m.service.closeAtMark(rec, repository.RecordStatusTPClosed, 0)
		return
	}

	if rec.SLAlgoId != 0 && !active[rec.SLAlgoId] {
		m.logger.Info().Str("record_id", rec.Id).Int64("algo_id", rec.SLAlgoId).
			Msg("SL algo left open set, treating as triggered")
		m.service.CancelRemainingTPSL(rec, repository.PurposeStopLoss)
		m.service.closeAtMark(rec, repository.RecordStatusSLClosed, 0)
	}
}

// closeOnTP handles a filled limit TP found by polling: cancel the SL leg,
// reconcile the exit fills, close the record.
func (m *SyncManager) closeOnTP(rec *repository.TradeRecord, order *binance.FuturesOrder) {
	m.logger.Info().Str("record_id", rec.Id).Str("symbol", rec.Symbol).
		Float64("price", order.AvgPrice).Msg("limit TP filled (sync)")

	m.service.CancelRemainingTPSL(rec, repository.PurposeTakeProfit)

	closePrice := order.AvgPrice
	exitCommission := 0.0
	var realized *float64
	if m.service.commission != nil {
		if info, err := m.service.commission.FetchExitInfo(rec.Symbol, order.OrderId); err == nil {
			closePrice = info.ClosePrice
			exitCommission = info.ExitCommission
			realized = &info.RealizedPnl
		} else {
			m.logger.Warn().Err(err).Str("record_id", rec.Id).Msg("exit reconciliation failed, using order avg price")
		}
	}
	if _, err := m.service.CloseRecord(rec.Id, closePrice, repository.RecordStatusTPClosed, exitCommission, realized); err != nil {
		m.logger.Error().Err(err).Str("record_id", rec.Id).Msg("failed to close record on TP fill")
	}
}

// ==================== POSITION SYNC ====================

// syncPositions reconciles open records against the exchange position set.
// A failed positions fetch is a no-op: classifying records against a failed
// snapshot would close healthy positions.
func (m *SyncManager) syncPositions() {
	open := m.records.Open(m.source)
	if len(open) == 0 {
		return
	}

	positions, err := m.client.GetPositions()
	if err != nil {
		m.logger.Warn().Err(err).Msg("positions fetch failed, skipping position sync")
		return
	}

	type posKey struct {
		symbol string
		side   string
	}
	live := make(map[posKey]binance.PositionRisk)
	for _, p := range positions {
		if p.PositionAmt != 0 {
			live[posKey{p.Symbol, p.PositionSide}] = p
		}
	}

	for _, rec := range open {
		side := "LONG"
		if rec.Side == string(binance.SideSell) {
			side = "SHORT"
		}
		p, found := live[posKey{rec.Symbol, side}]
		if !found {
			m.logger.Warn().Str("record_id", rec.Id).Str("symbol", rec.Symbol).
				Msg("position missing on exchange, closing record as external")
			m.service.CancelRemainingTPSL(rec, repository.PurposeTakeProfit)
			m.service.CancelRemainingTPSL(rec, repository.PurposeStopLoss)
			m.service.closeAtMark(rec, repository.RecordStatusClosedExternally, 0)
			continue
		}
		m.service.UpdateMarkPrice(rec.Symbol, p.MarkPrice)
	}

	m.mu.Lock()
	m.positionRuns++
	m.mu.Unlock()
}
