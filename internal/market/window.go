// Package market holds the per-symbol rolling kline windows feeding the
// indicator pipeline.
package market

import (
	"sync"

	"futures-trader/internal/binance"
)

// WindowStore maps symbol to a bounded window of klines. Updates with the
// same open timestamp replace the last bar in place; a new timestamp appends
// and drops the oldest bar past capacity.
type WindowStore struct {
	mu          sync.RWMutex
	capacity    int
	windows     map[string][]binance.Kline
	realtimeLow map[string]float64
}

// NewWindowStore creates a store with the given per-symbol capacity.
func NewWindowStore(capacity int) *WindowStore {
	if capacity < 2 {
		capacity = 2
	}
	return &WindowStore{
		capacity:    capacity,
		windows:     make(map[string][]binance.Kline),
		realtimeLow: make(map[string]float64),
	}
}

// Update applies a kline to the symbol's window.
func (w *WindowStore) Update(symbol string, k binance.Kline) {
	w.mu.Lock()
	defer w.mu.Unlock()

	window := w.windows[symbol]
	if n := len(window); n > 0 && window[n-1].OpenTime == k.OpenTime {
		window[n-1] = k
	} else {
		window = append(window, k)
		if len(window) > w.capacity {
			window = window[1:]
		}
	}
	w.windows[symbol] = window
}

// Seed replaces the symbol's window with historical bars, oldest first.
func (w *WindowStore) Seed(symbol string, klines []binance.Kline) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(klines) > w.capacity {
		klines = klines[len(klines)-w.capacity:]
	}
	w.windows[symbol] = append([]binance.Kline(nil), klines...)
}

// Remove drops the symbol entirely (universe shrink).
func (w *WindowStore) Remove(symbol string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.windows, symbol)
	delete(w.realtimeLow, symbol)
}

// HasEnough reports whether the window holds at least n bars.
func (w *WindowStore) HasEnough(symbol string, n int) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.windows[symbol]) >= n
}

// Window returns a copy of the symbol's bars, oldest first.
func (w *WindowStore) Window(symbol string) []binance.Kline {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]binance.Kline(nil), w.windows[symbol]...)
}

// Latest returns the most recent bar.
func (w *WindowStore) Latest(symbol string) (binance.Kline, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	window := w.windows[symbol]
	if len(window) == 0 {
		return binance.Kline{}, false
	}
	return window[len(window)-1], true
}

// Closes returns the last n close prices, oldest first.
func (w *WindowStore) Closes(symbol string, n int) []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	window := w.windows[symbol]
	if n > len(window) {
		n = len(window)
	}
	out := make([]float64, 0, n)
	for _, k := range window[len(window)-n:] {
		out = append(out, k.Close)
	}
	return out
}

// Volumes returns the last n volumes, oldest first.
func (w *WindowStore) Volumes(symbol string, n int) []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	window := w.windows[symbol]
	if n > len(window) {
		n = len(window)
	}
	out := make([]float64, 0, n)
	for _, k := range window[len(window)-n:] {
		out = append(out, k.Volume)
	}
	return out
}

// SetRealtimeLow records an intra-bar low observation for the symbol, kept
// only if lower than the current value.
func (w *WindowStore) SetRealtimeLow(symbol string, low float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cur, ok := w.realtimeLow[symbol]; !ok || low < cur {
		w.realtimeLow[symbol] = low
	}
}

// TakeRealtimeLow returns and clears the intra-bar low. Call on bar close.
func (w *WindowStore) TakeRealtimeLow(symbol string) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	low, ok := w.realtimeLow[symbol]
	if ok {
		delete(w.realtimeLow, symbol)
	}
	return low, ok
}
