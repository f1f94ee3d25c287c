package binance

import (
	"sync"
)

// OpenInterestCache polls open-interest history at most once per bar per
// symbol. Entries are keyed by (symbol, bar open time) so repeated indicator
// runs within the same bar hit the cache instead of REST.
type OpenInterestCache struct {
	mu          sync.Mutex
	client      *Client
	period      string
	historySize int
	entries     map[string]oiEntry
}

type oiEntry struct {
	barTime int64
	values  []float64
}

// NewOpenInterestCache creates an OI cache. period is the openInterestHist
// aggregation window and should match the kline interval.
func NewOpenInterestCache(client *Client, period string, historySize int) *OpenInterestCache {
	if historySize <= 0 {
		historySize = 30
	}
	return &OpenInterestCache{
		client:      client,
		period:      period,
		historySize: historySize,
		entries:     make(map[string]oiEntry),
	}
}

// Get returns the open-interest series for a symbol at the given bar,
// oldest first. The REST call happens at most once per (symbol, barTime).
func (c *OpenInterestCache) Get(symbol string, barTime int64) ([]float64, error) {
	c.mu.Lock()
	if e, ok := c.entries[symbol]; ok && e.barTime == barTime {
		c.mu.Unlock()
		return e.values, nil
	}
	c.mu.Unlock()

	hist, err := c.client.GetOpenInterestHist(symbol, c.period, c.historySize)
	if err != nil {
		return nil, err
	}

	values := make([]float64, len(hist))
	for i, h := range hist {
		values[i] = h.SumOpenInterest
	}

	c.mu.Lock()
	c.entries[symbol] = oiEntry{barTime: barTime, values: values}
	c.mu.Unlock()

	return values, nil
}

// Forget drops the cached series for a symbol (used when a symbol leaves the
// universe).
func (c *OpenInterestCache) Forget(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}
