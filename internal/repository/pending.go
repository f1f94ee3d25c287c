package repository

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pendingDoc is the on-disk shape of the pending order repository.
type pendingDoc struct {
	ConditionalOrders []*PendingOrder `json:"conditional_orders"`
	LimitOrders       []*PendingOrder `json:"limit_orders"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PendingOrderRepository tracks entry intents until they fill or are
// cancelled. Filled intents are deleted after being materialised into a
// TradeRecord.
type PendingOrderRepository struct {
	mu      sync.Mutex
	path    string
	logger  zerolog.Logger
	pending map[string]*PendingOrder
}

// NewPendingOrderRepository loads the repository from path. Unreadable or
// malformed files are logged and the repository starts empty.
func NewPendingOrderRepository(path string, logger zerolog.Logger) *PendingOrderRepository {
	r := &PendingOrderRepository{
		path:    path,
		logger:  logger.With().Str("component", "pending_repository").Logger(),
		pending: make(map[string]*PendingOrder),
	}
	r.load()
	return r
}

func (r *PendingOrderRepository) load() {
	var doc pendingDoc
	if err := loadJSON(r.path, &doc); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Error().Err(err).Str("path", r.path).Msg("failed to load pending orders, starting empty")
		}
		return
	}
	for _, p := range append(doc.ConditionalOrders, doc.LimitOrders...) {
		r.pending[p.Id] = p
	}
	r.logger.Info().Int("pending", len(r.pending)).Msg("pending order repository loaded")
}

func (r *PendingOrderRepository) persistLocked() {
	doc := pendingDoc{UpdatedAt: time.Now()}
	for _, p := range r.pending {
		if p.OrderKind == PendingKindConditional {
			doc.ConditionalOrders = append(doc.ConditionalOrders, p)
		} else {
			doc.LimitOrders = append(doc.LimitOrders, p)
		}
	}
	if err := saveJSON(r.path, doc); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist pending orders")
	}
}

// Insert adds a pending order.
func (r *PendingOrderRepository) Insert(p *PendingOrder) *PendingOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Id == "" {
		p.Id = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	r.pending[p.Id] = p
	r.persistLocked()
	return p
}

// Delete removes a pending order (filled, cancelled or expired).
func (r *PendingOrderRepository) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		delete(r.pending, id)
		r.persistLocked()
	}
}

// Get returns a pending order by id.
func (r *PendingOrderRepository) Get(id string) (*PendingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	return p, ok
}

// GetByBinanceOrderId resolves a pending limit order by its exchange id.
func (r *PendingOrderRepository) GetByBinanceOrderId(orderId int64) (*PendingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if p.BinanceOrderId == orderId {
			return p, true
		}
	}
	return nil, false
}

// BySymbol returns pending orders for a symbol, oldest first.
func (r *PendingOrderRepository) BySymbol(symbol string) []*PendingOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*PendingOrder
	for _, p := range r.pending {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// All returns every pending order, oldest first.
func (r *PendingOrderRepository) All() []*PendingOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*PendingOrder, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
