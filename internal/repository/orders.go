package repository

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTrade is returned when a binance_trade_id already exists.
var ErrDuplicateTrade = errors.New("duplicate binance trade id")

// linkedOrdersDoc is the on-disk shape of the order repository.
type linkedOrdersDoc struct {
	Orders    []*Order  `json:"orders"`
	Trades    []*Trade  `json:"trades"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderRepository holds Orders and Trades with multi-index lookup. All
// mutations run under one lock and flush the full JSON document via atomic
// rename before returning.
type OrderRepository struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger

	orders    map[string]*Order
	byOrderId map[int64]*Order
	byAlgoId  map[int64]*Order
	byRecord  map[string]map[string]*Order
	byTradeId map[int64]*Trade
}

// NewOrderRepository loads the repository from path. Unreadable or
// malformed files are logged and the repository starts empty.
func NewOrderRepository(path string, logger zerolog.Logger) *OrderRepository {
	r := &OrderRepository{
		path:      path,
		logger:    logger.With().Str("component", "order_repository").Logger(),
		orders:    make(map[string]*Order),
		byOrderId: make(map[int64]*Order),
		byAlgoId:  make(map[int64]*Order),
		byRecord:  make(map[string]map[string]*Order),
		byTradeId: make(map[int64]*Trade),
	}
	r.load()
	return r
}

func (r *OrderRepository) load() {
	var doc linkedOrdersDoc
	if err := loadJSON(r.path, &doc); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Error().Err(err).Str("path", r.path).Msg("failed to load orders, starting empty")
		}
		return
	}

	for _, o := range doc.Orders {
		r.indexOrder(o)
	}
	for _, t := range doc.Trades {
		if o, ok := r.orders[t.OrderId]; ok {
			o.Trades = append(o.Trades, t)
		}
		r.byTradeId[t.BinanceTradeId] = t
	}
	r.logger.Info().Int("orders", len(r.orders)).Int("trades", len(r.byTradeId)).
		Msg("order repository loaded")
}

func (r *OrderRepository) indexOrder(o *Order) {
	r.orders[o.Id] = o
	if o.BinanceOrderId != 0 {
		r.byOrderId[o.BinanceOrderId] = o
	}
	if o.BinanceAlgoId != 0 {
		r.byAlgoId[o.BinanceAlgoId] = o
	}
	if o.RecordId != "" {
		if r.byRecord[o.RecordId] == nil {
			r.byRecord[o.RecordId] = make(map[string]*Order)
		}
		r.byRecord[o.RecordId][o.Id] = o
	}
}

// persistLocked flushes the document. Failures are logged; in-memory state
// stays authoritative and the next successful write resolves the gap.
func (r *OrderRepository) persistLocked() {
	doc := linkedOrdersDoc{UpdatedAt: time.Now()}
	for _, o := range r.orders {
		doc.Orders = append(doc.Orders, o)
		doc.Trades = append(doc.Trades, o.Trades...)
	}
	if err := saveJSON(r.path, doc); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist orders")
	}
}

// Insert adds an order, assigning a local id when absent.
func (r *OrderRepository) Insert(o *Order) *Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.Id == "" {
		o.Id = uuid.NewString()
	}
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	r.indexOrder(o)
	r.persistLocked()
	return o
}

// Update re-indexes and persists an existing order.
func (r *OrderRepository) Update(o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.Id]; !ok {
		return ErrNotFound
	}
	o.UpdatedAt = time.Now()
	r.indexOrder(o)
	r.persistLocked()
	return nil
}

// Get returns an order by local id.
func (r *OrderRepository) Get(id string) (*Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	return o, ok
}

// GetByBinanceOrderId resolves a plain order by its exchange id.
func (r *OrderRepository) GetByBinanceOrderId(orderId int64) (*Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byOrderId[orderId]
	return o, ok
}

// GetByBinanceAlgoId resolves a conditional order by its algo id.
func (r *OrderRepository) GetByBinanceAlgoId(algoId int64) (*Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byAlgoId[algoId]
	return o, ok
}

// GetByRecordId returns every order bound to a record.
func (r *OrderRepository) GetByRecordId(recordId string) []*Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Order
	for _, o := range r.byRecord[recordId] {
		out = append(out, o)
	}
	return out
}

// HasTrade reports whether a binance_trade_id is already known.
func (r *OrderRepository) HasTrade(binanceTradeId int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byTradeId[binanceTradeId]
	return ok
}

// AttachTrade inserts a trade under its order and re-runs the order's
// aggregation. Re-inserting a known binance_trade_id is rejected, which
// makes fill reconciliation idempotent.
func (r *OrderRepository) AttachTrade(orderId string, t *Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderId]
	if !ok {
		return ErrNotFound
	}
	if _, dup := r.byTradeId[t.BinanceTradeId]; dup {
		return ErrDuplicateTrade
	}

	if t.Id == "" {
		t.Id = uuid.NewString()
	}
	t.OrderId = orderId
	o.Trades = append(o.Trades, t)
	o.Aggregate()
	o.UpdatedAt = time.Now()
	r.byTradeId[t.BinanceTradeId] = t

	r.persistLocked()
	return nil
}

// All returns every order.
func (r *OrderRepository) All() []*Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	return out
}
