package pipeline

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/market"
)

type fakeKlineSource struct {
	klines   []binance.Kline
	err      error
	gotLimit int
}

func (f *fakeKlineSource) GetKlines(symbol, interval string, limit int) ([]binance.Kline, error) {
	f.gotLimit = limit
	return f.klines, f.err
}

func seedPipeline(src klineSource, warmup int) *Pipeline {
	return &Pipeline{
		client:   src,
		windows:  market.NewWindowStore(50),
		interval: "5m",
		warmup:   warmup,
		logger:   zerolog.Nop(),
	}
}

func TestSeedDropsOpenCandle(t *testing.T) {
	src := &fakeKlineSource{}
	for i := 0; i < 5; i++ {
		src.klines = append(src.klines, binance.Kline{
			OpenTime: int64(i * 1000),
			Close:    float64(100 + i),
			IsClosed: true,
		})
	}

	p := seedPipeline(src, 4)
	p.seed([]string{"AUSDT"})

	if src.gotLimit != 5 {
		t.Errorf("requested %d klines, want warmup+1 = 5", src.gotLimit)
	}
	window := p.windows.Window("AUSDT")
	if len(window) != 4 {
		t.Fatalf("window = %d bars, want 4 closed bars", len(window))
	}
	// The REST snapshot of the running candle must not be in the window
	if window[len(window)-1].OpenTime != 3000 {
		t.Errorf("newest bar open time = %d, want 3000", window[len(window)-1].OpenTime)
	}
}

func TestSeedFailureLeavesWindowEmpty(t *testing.T) {
	src := &fakeKlineSource{err: errors.New("rate limited")}

	p := seedPipeline(src, 4)
	p.seed([]string{"AUSDT"})

	if got := len(p.windows.Window("AUSDT")); got != 0 {
		t.Errorf("window = %d bars after failed warmup, want 0", got)
	}
}

func TestSeedEmptyResponse(t *testing.T) {
	src := &fakeKlineSource{}

	p := seedPipeline(src, 4)
	p.seed([]string{"AUSDT"})

	if got := len(p.windows.Window("AUSDT")); got != 0 {
		t.Errorf("window = %d bars, want 0", got)
	}
}
