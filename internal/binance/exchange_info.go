package binance

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

const exchangeInfoTTL = 1 * time.Hour

// SymbolPrecision holds the price/quantity grid for one symbol.
type SymbolPrecision struct {
	Symbol            string
	TickSize          float64
	StepSize          float64
	MinQty            float64
	MinNotional       float64
	PricePrecision    int
	QuantityPrecision int
}

// PrecisionCache serves tickSize/stepSize lookups from a TTL-cached
// exchangeInfo snapshot and quantises prices and quantities to the grid.
type PrecisionCache struct {
	mu        sync.RWMutex
	client    *Client
	symbols   map[string]SymbolPrecision
	fetchedAt time.Time
	ttl       time.Duration
}

// NewPrecisionCache creates a precision cache over the given client.
func NewPrecisionCache(client *Client) *PrecisionCache {
	return &PrecisionCache{
		client:  client,
		symbols: make(map[string]SymbolPrecision),
		ttl:     exchangeInfoTTL,
	}
}

// Get returns the precision data for a symbol, refreshing the cache when
// stale.
func (p *PrecisionCache) Get(symbol string) (SymbolPrecision, error) {
	p.mu.RLock()
	if time.Since(p.fetchedAt) < p.ttl {
		if prec, ok := p.symbols[symbol]; ok {
			p.mu.RUnlock()
			return prec, nil
		}
	}
	p.mu.RUnlock()

	if err := p.refresh(); err != nil {
		// Stale data beats no data
		p.mu.RLock()
		prec, ok := p.symbols[symbol]
		p.mu.RUnlock()
		if ok {
			return prec, nil
		}
		return SymbolPrecision{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	prec, ok := p.symbols[symbol]
	if !ok {
		return SymbolPrecision{}, fmt.Errorf("symbol not found in exchange info: %s", symbol)
	}
	return prec, nil
}

// QuantizePrice snaps a price down to the symbol's tick grid.
func (p *PrecisionCache) QuantizePrice(symbol string, price float64) (float64, error) {
	prec, err := p.Get(symbol)
	if err != nil {
		return 0, err
	}
	return quantize(price, prec.TickSize), nil
}

// QuantizeQty snaps a quantity down to the symbol's step grid.
func (p *PrecisionCache) QuantizeQty(symbol string, qty float64) (float64, error) {
	prec, err := p.Get(symbol)
	if err != nil {
		return 0, err
	}
	return quantize(qty, prec.StepSize), nil
}

func (p *PrecisionCache) refresh() error {
	info, err := p.client.GetExchangeInfo()
	if err != nil {
		return fmt.Errorf("error refreshing exchange info: %w", err)
	}

	symbols := make(map[string]SymbolPrecision, len(info.Symbols))
	for _, s := range info.Symbols {
		prec := SymbolPrecision{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				prec.TickSize = parseFilterFloat(f.TickSize)
			case "LOT_SIZE":
				prec.StepSize = parseFilterFloat(f.StepSize)
				prec.MinQty = parseFilterFloat(f.MinQty)
			case "MIN_NOTIONAL":
				prec.MinNotional = parseFilterFloat(f.Notional)
			}
		}
		symbols[s.Symbol] = prec
	}

	p.mu.Lock()
	p.symbols = symbols
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	return nil
}

// quantize floors v to a multiple of step. A zero step passes v through.
func quantize(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	quantized := math.Floor(v/step) * step
	// Round away float64 artifacts like 0.10000000000000003
	decimals := decimalsOf(step)
	factor := math.Pow(10, float64(decimals))
	return math.Round(quantized*factor) / factor
}

func decimalsOf(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return len(s) - i - 1
		}
	}
	return 0
}

func parseFilterFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
