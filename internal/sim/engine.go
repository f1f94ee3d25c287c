package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/repository"
)

// Close reasons recorded in the position history.
const (
	CloseReasonTP     = "TP_CLOSED"
	CloseReasonSL     = "SL_CLOSED"
	CloseReasonManual = "MANUAL_CLOSED"
)

var (
	ErrInsufficientMargin = errors.New("insufficient free margin")
	ErrPositionNotFound   = errors.New("position not found")
	ErrLeverageTooHigh    = errors.New("leverage above simulator maximum")
)

// Config holds the simulator economics and state file locations.
type Config struct {
	InitialBalance float64
	TakerFeeRate   float64
	MaxLeverage    int
	StatePath      string
	HistoryPath    string
}

// Engine is the paper-trading engine. All fills are bar-driven: market
// opens execute at the caller-supplied price, pending limits and TP/SL
// resolve against each closed bar. State persists asynchronously through
// the write queue; the trading path never waits on disk.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	account   Account
	positions map[string]*Position
	history   []*ClosedPosition
	pending   *repository.PendingOrderRepository
	queue     *WriteQueue
	logger    zerolog.Logger
}

// NewEngine creates the engine, restoring any previous snapshot from disk.
func NewEngine(cfg Config, pending *repository.PendingOrderRepository, queue *WriteQueue, logger zerolog.Logger) *Engine {
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = 20
	}
	e := &Engine{
		cfg:       cfg,
		positions: make(map[string]*Position),
		pending:   pending,
		queue:     queue,
		logger:    logger.With().Str("component", "sim_engine").Logger(),
	}
	e.account = Account{Balance: cfg.InitialBalance, Equity: cfg.InitialBalance}
	e.load()
	return e
}

func (e *Engine) load() {
	var state tradeState
	if data, err := os.ReadFile(e.cfg.StatePath); err == nil {
		if err := json.Unmarshal(data, &state); err != nil {
			e.logger.Error().Err(err).Str("path", e.cfg.StatePath).Msg("malformed state file, starting fresh")
		} else {
			e.account = state.Account
			if state.Positions != nil {
				e.positions = state.Positions
			}
			e.logger.Info().Float64("balance", e.account.Balance).
				Int("positions", len(e.positions)).Msg("simulator state restored")
		}
	}

	var hist positionHistory
	if data, err := os.ReadFile(e.cfg.HistoryPath); err == nil {
		if err := json.Unmarshal(data, &hist); err != nil {
			e.logger.Error().Err(err).Str("path", e.cfg.HistoryPath).Msg("malformed history file, starting fresh")
		} else {
			e.history = hist.Closed
		}
	}
}

// ==================== TRADING ====================

// OpenMarket opens a position at the given price. The taker fee on the full
// notional comes off the balance immediately; the margin is reserved, not
// spent.
func (e *Engine) OpenMarket(symbol string, side binance.OrderSide, qty, price float64, leverage int, tp, sl float64) (*Position, error) {
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("invalid open parameters: qty=%.8f price=%.8f", qty, price)
	}
	if leverage <= 0 {
		leverage = 1
	}
	if leverage > e.cfg.MaxLeverage {
		return nil, fmt.Errorf("%w: %d > %d", ErrLeverageTooHigh, leverage, e.cfg.MaxLeverage)
	}

	notional := price * qty
	margin := notional / float64(leverage)
	fee := notional * e.cfg.TakerFeeRate

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.account.Balance-e.account.ReservedMarginSum < margin+fee {
		return nil, fmt.Errorf("%w: free=%.2f needed=%.2f", ErrInsufficientMargin,
			e.account.Balance-e.account.ReservedMarginSum, margin+fee)
	}

	pos := &Position{
		Id:         uuid.NewString(),
		Symbol:     symbol,
		Side:       string(side),
		Quantity:   qty,
		EntryPrice: price,
		Leverage:   leverage,
		Margin:     margin,
		Notional:   notional,
		TPPrice:    tp,
		SLPrice:    sl,
		MarkPrice:  price,
		EntryFee:   fee,
		OpenTime:   time.Now(),
	}
	e.positions[pos.Id] = pos

	e.account.Balance -= fee
	e.account.TotalFees += fee
	e.account.ReservedMarginSum += margin
	e.recomputeLocked()
	e.persistStateLocked()

	e.logger.Info().Str("position_id", pos.Id).Str("symbol", symbol).
		Str("side", string(side)).Float64("qty", qty).Float64("price", price).
		Float64("fee", fee).Msg("position opened")
	return pos, nil
}

// PlaceLimit books a pending limit entry that OnBar resolves later.
func (e *Engine) PlaceLimit(symbol string, side binance.OrderSide, qty, limitPrice float64, leverage int, tp, sl float64) (*repository.PendingOrder, error) {
	if qty <= 0 || limitPrice <= 0 {
		return nil, fmt.Errorf("invalid limit parameters: qty=%.8f price=%.8f", qty, limitPrice)
	}
	if leverage > e.cfg.MaxLeverage {
		return nil, fmt.Errorf("%w: %d > %d", ErrLeverageTooHigh, leverage, e.cfg.MaxLeverage)
	}
	p := e.pending.Insert(&repository.PendingOrder{
		OrderKind:  repository.PendingKindLimit,
		Symbol:     symbol,
		Side:       string(side),
		Quantity:   qty,
		LimitPrice: limitPrice,
		TPPrice:    tp,
		SLPrice:    sl,
		Leverage:   leverage,
		Source:     repository.SourceSim,
	})
	e.logger.Info().Str("pending_id", p.Id).Str("symbol", symbol).
		Float64("limit", limitPrice).Msg("limit entry queued")
	return p, nil
}

// CancelLimit removes a pending limit entry.
func (e *Engine) CancelLimit(id string) error {
	if _, ok := e.pending.Get(id); !ok {
		return repository.ErrNotFound
	}
	e.pending.Delete(id)
	return nil
}

// Close closes a position at the given price. The exit fee is the taker
// fee on the exit notional.
func (e *Engine) Close(positionId string, price float64, reason string) (*ClosedPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(positionId, price, reason)
}

func (e *Engine) closeLocked(positionId string, price float64, reason string) (*ClosedPosition, error) {
	pos, ok := e.positions[positionId]
	if !ok {
		return nil, ErrPositionNotFound
	}

	exitFee := price * pos.Quantity * e.cfg.TakerFeeRate
	var gross float64
	if pos.Side == "BUY" {
		gross = (price - pos.EntryPrice) * pos.Quantity
	} else {
		gross = (pos.EntryPrice - price) * pos.Quantity
	}
	net := gross - exitFee - pos.EntryFee

	delete(e.positions, positionId)
	e.account.Balance += gross - exitFee
	e.account.TotalFees += exitFee
	e.account.RealizedPnl += net
	e.account.ReservedMarginSum -= pos.Margin

	closed := &ClosedPosition{
		Position:    *pos,
		ClosePrice:  price,
		CloseReason: reason,
		ExitFee:     exitFee,
		RealizedPnl: net,
		CloseTime:   time.Now(),
	}
	e.history = append(e.history, closed)

	e.recomputeLocked()
	e.persistStateLocked()
	e.persistHistoryLocked()

	e.logger.Info().Str("position_id", positionId).Str("symbol", pos.Symbol).
		Str("reason", reason).Float64("close_price", price).
		Float64("pnl", net).Msg("position closed")
	return closed, nil
}

// UpdateTPSL replaces a position's exit levels.
func (e *Engine) UpdateTPSL(positionId string, tp, sl float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[positionId]
	if !ok {
		return ErrPositionNotFound
	}
	pos.TPPrice = tp
	pos.SLPrice = sl
	e.persistStateLocked()
	return nil
}

// ==================== BAR PROCESSING ====================

// OnBar resolves pending limits and TP/SL for a symbol against one closed
// bar, then refreshes marks off the close.
//
// Limit fills: a bar opening through the limit fills at the open (the gap
// is real), a bar merely touching it fills at the limit price. Equality
// counts as a touch.
//
// Exit fills: when the same bar touches both levels the stop wins. Bar data
// cannot order intra-bar moves, so the pessimistic outcome is booked.
func (e *Engine) OnBar(symbol string, bar binance.Kline) {
	e.fillPendingLimits(symbol, bar)

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, pos := range e.positions {
		if pos.Symbol != symbol {
			continue
		}

		long := pos.Side == "BUY"
		var tpHit, slHit bool
		if long {
			tpHit = pos.TPPrice > 0 && bar.High >= pos.TPPrice
			slHit = pos.SLPrice > 0 && bar.Low <= pos.SLPrice
		} else {
			tpHit = pos.TPPrice > 0 && bar.Low <= pos.TPPrice
			slHit = pos.SLPrice > 0 && bar.High >= pos.SLPrice
		}

		switch {
		case slHit:
			if _, err := e.closeLocked(id, pos.SLPrice, CloseReasonSL); err != nil {
				e.logger.Error().Err(err).Str("position_id", id).Msg("SL close failed")
			}
		case tpHit:
			if _, err := e.closeLocked(id, pos.TPPrice, CloseReasonTP); err != nil {
				e.logger.Error().Err(err).Str("position_id", id).Msg("TP close failed")
			}
		default:
			pos.MarkPrice = bar.Close
		}
	}

	e.recomputeLocked()
	e.persistStateLocked()
}

func (e *Engine) fillPendingLimits(symbol string, bar binance.Kline) {
	for _, p := range e.pending.BySymbol(symbol) {
		if p.OrderKind != repository.PendingKindLimit {
			continue
		}

		long := p.Side == "BUY"
		fillPrice := 0.0
		if long {
			if bar.Open <= p.LimitPrice {
				fillPrice = bar.Open
			} else if bar.Low <= p.LimitPrice {
				fillPrice = p.LimitPrice
			}
		} else {
			if bar.Open >= p.LimitPrice {
				fillPrice = bar.Open
			} else if bar.High >= p.LimitPrice {
				fillPrice = p.LimitPrice
			}
		}
		if fillPrice == 0 {
			continue
		}

		e.pending.Delete(p.Id)
		if _, err := e.OpenMarket(p.Symbol, binance.OrderSide(p.Side), p.Quantity, fillPrice, p.Leverage, p.TPPrice, p.SLPrice); err != nil {
			e.logger.Error().Err(err).Str("pending_id", p.Id).Msg("limit fill rejected")
			continue
		}
		e.logger.Info().Str("pending_id", p.Id).Str("symbol", symbol).
			Float64("fill_price", fillPrice).Msg("limit entry filled")
	}
}

// ==================== STATE ====================

func (e *Engine) recomputeLocked() {
	var unrealized float64
	for _, pos := range e.positions {
		unrealized += pos.UnrealizedPnl()
	}
	e.account.UnrealizedPnl = unrealized
	e.account.Equity = e.account.Balance + unrealized
	e.account.PositionsCount = len(e.positions)
}

func (e *Engine) persistStateLocked() {
	if e.queue == nil {
		return
	}
	state := tradeState{
		Account:   e.account,
		Positions: e.positions,
		UpdatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to marshal state")
		return
	}
	e.queue.Enqueue(TaskState, e.cfg.StatePath, data)
}

func (e *Engine) persistHistoryLocked() {
	if e.queue == nil {
		return
	}
	hist := positionHistory{Closed: e.history, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(hist, "", "  ")
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to marshal history")
		return
	}
	e.queue.Enqueue(TaskHistory, e.cfg.HistoryPath, data)
}

// AccountSnapshot returns a copy of the current account.
func (e *Engine) AccountSnapshot() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputeLocked()
	return e.account
}

// Positions returns copies of the open positions.
func (e *Engine) Positions() []*Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Position, 0, len(e.positions))
	for _, pos := range e.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// History returns the closed-position history, oldest first.
func (e *Engine) History() []*ClosedPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ClosedPosition, len(e.history))
	copy(out, e.history)
	return out
}

// GetStats returns engine statistics.
func (e *Engine) GetStats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"balance":         e.account.Balance,
		"equity":          e.account.Equity,
		"realized_pnl":    e.account.RealizedPnl,
		"open_positions":  len(e.positions),
		"closed_total":    len(e.history),
		"reserved_margin": e.account.ReservedMarginSum,
		"total_fees":      e.account.TotalFees,
	}
}
